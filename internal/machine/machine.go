// Package machine assembles the legacy PC: guest memory, the ISA devices,
// the BIOS callout services, and the loop that feeds vCPU exits to them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/devices/pc"
	"github.com/tinyrange/legacypc/internal/hv"
	"github.com/tinyrange/legacypc/internal/timeslice"
)

// ErrNoBIOS is returned when neither a ROM path nor an image was supplied.
var ErrNoBIOS = errors.New("machine: no BIOS image")

// Option customises machine construction.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	rom        []byte
	serialOut  io.Writer
	pitOptions []pc.PITOption
	rtcOptions []pc.RTCOption
	slices     *timeslice.Recorder
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithROMImage uses image instead of reading Config.BIOS.
func WithROMImage(image []byte) Option {
	return func(o *options) { o.rom = image }
}

// WithSerialOutput sends COM1 output to w.
func WithSerialOutput(w io.Writer) Option {
	return func(o *options) { o.serialOut = w }
}

// WithTimeslices accounts guest and handler time in r while Run executes.
func WithTimeslices(r *timeslice.Recorder) Option {
	return func(o *options) { o.slices = r }
}

func WithPITOptions(opts ...pc.PITOption) Option {
	return func(o *options) { o.pitOptions = append(o.pitOptions, opts...) }
}

func WithRTCOptions(opts ...pc.RTCOption) Option {
	return func(o *options) { o.rtcOptions = append(o.rtcOptions, opts...) }
}

// Machine is a single-processor PC. It implements chipset.Host.
type Machine struct {
	cfg    Config
	logger *slog.Logger
	vm     hv.VirtualMachine
	slices *timeslice.Recorder

	cpuMu sync.RWMutex
	cpus  []hv.VirtualCPU

	root   *chipset.ResourceNode
	router *bios.Router

	pics     *pc.DualPIC
	pit      *pc.PIT
	rtc      *pc.RTC
	keyboard *pc.KeyboardController
	serial   *pc.Serial
	video    *pc.Video
	port92   *pc.Port92
	disk     *pc.DiskService

	// polls is every device in the order Poll runs after each exit.
	polls []chipset.Device

	romBase    uint64
	dispatcher atomic.Pointer[Dispatcher]
}

// isaSlot is one device's reservation on the ISA bus. claim lists the ports
// actually decoded when it is narrower than the reservation.
type isaSlot struct {
	dev   chipset.Device
	ports chipset.PortRange
	claim []chipset.PortRange
	irqs  chipset.IRQRange
}

// New builds a machine on h. The vCPU is left at the reset vector.
func New(h hv.Hypervisor, cfg Config, opts ...Option) (*Machine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	image := o.rom
	if image == nil {
		if cfg.BIOS == "" {
			return nil, ErrNoBIOS
		}
		var err error
		if image, err = bios.LoadROMFile(cfg.BIOS); err != nil {
			return nil, err
		}
	}

	regions, err := MemoryLayout(cfg.MemoryKB)
	if err != nil {
		return nil, err
	}
	vm, err := h.NewVirtualMachine(hv.VMConfig{CPUCount: 1, Regions: regions})
	if err != nil {
		return nil, fmt.Errorf("machine: create VM: %w", err)
	}

	m := &Machine{cfg: cfg, logger: o.logger, vm: vm, slices: o.slices}
	if err := m.setup(image, o); err != nil {
		if m.disk != nil {
			m.disk.Close()
		}
		vm.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) setup(image []byte, o options) error {
	for id := 0; id < m.vm.CPUCount(); id++ {
		if err := m.vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			m.cpus = append(m.cpus, vcpu)
			return nil
		}); err != nil {
			return fmt.Errorf("machine: register vCPU %d: %w", id, err)
		}
	}
	boot := chipset.CPUHandle(0)

	base, err := bios.PlaceROM(m.vm, image)
	if err != nil {
		return err
	}
	m.romBase = base
	m.logger.Info("BIOS loaded", "base", fmt.Sprintf("0x%05x", base), "size", len(image))

	if err := m.vm.VirtualCPUCall(int(boot), func(vcpu hv.VirtualCPU) error {
		return hv.WriteRegisters(vcpu, ResetRegisters())
	}); err != nil {
		return fmt.Errorf("machine: reset vCPU: %w", err)
	}

	serialOut := o.serialOut
	if serialOut == nil || m.cfg.Serial == SerialNone {
		serialOut = io.Discard
	}

	m.pics = pc.NewDualPIC(boot, m.logger.With("device", "pic"))
	m.pit = pc.NewPIT(m.pics, append([]pc.PITOption{pc.WithPITPeriod(m.cfg.TimerPeriod)}, o.pitOptions...)...)
	m.rtc = pc.NewRTC(m.pit, o.rtcOptions...)
	m.keyboard = pc.NewKeyboardController(m.pics)
	m.serial = pc.NewSerial("com1", pc.COM1Base, pc.COM1IRQ, m.pics, serialOut)
	m.video = pc.NewVideo()
	m.port92 = pc.NewPort92()

	m.disk = pc.NewDiskService()
	disk := m.disk
	if err := m.attachDrives(); err != nil {
		return err
	}
	printer := pc.NewPrinter()

	layout := bios.DefaultDataAreaLayout()
	layout.MemoryKB = uint16(m.cfg.MemoryKB)
	setup := bios.NewSetupService(layout, disk.SetupBDA)
	debug := bios.NewDebugService()
	system := bios.NewSystemService(uint16(ExtendedMemoryKB))

	m.polls = []chipset.Device{
		m.pit,
		m.pics.Slave,
		m.pics.Master,
		m.rtc,
		m.keyboard,
		m.serial,
		m.video,
		m.port92,
		disk,
		printer,
		setup,
		debug,
		system,
	}
	for _, dev := range m.polls {
		if err := dev.Init(m); err != nil {
			return fmt.Errorf("machine: init %s: %w", dev.Name(), err)
		}
	}

	if err := m.buildBus(); err != nil {
		return err
	}

	m.router = bios.NewRouter(m.logger.With("device", "bios"))
	for _, svc := range []struct {
		sub bios.Subsystem
		dev chipset.Device
	}{
		{bios.SubsystemVideo, m.video},
		{bios.SubsystemDisk, disk},
		{bios.SubsystemSerial, m.serial},
		{bios.SubsystemSystem, system},
		{bios.SubsystemKeyboard, m.keyboard},
		{bios.SubsystemPrinter, printer},
		{bios.SubsystemSetup, setup},
		{bios.SubsystemRTC, m.rtc},
		{bios.SubsystemDebug, debug},
	} {
		if err := m.router.Register(svc.sub, svc.dev); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	return nil
}

func (m *Machine) attachDrives() error {
	for _, d := range m.cfg.drives() {
		img, err := pc.OpenDiskImage(d.path, d.kind)
		if err != nil {
			return fmt.Errorf("machine: drive 0x%02x: %w", d.drive, err)
		}
		if err := m.disk.Attach(d.drive, img); err != nil {
			img.Close()
			return fmt.Errorf("machine: %w", err)
		}
		g := img.Geometry
		m.logger.Info("disk attached",
			"drive", fmt.Sprintf("0x%02x", d.drive),
			"path", d.path,
			"chs", fmt.Sprintf("%d/%d/%d", g.Cylinders, g.Heads, g.SectorsPerTrack),
			"readOnly", img.ReadOnly)
	}
	return nil
}

// buildBus reserves the ISA window, claims the fixed port map, and freezes
// the result.
func (m *Machine) buildBus() error {
	m.root = chipset.NewRootResourceNode(m.logger.With("device", "bus"))
	isa, err := m.root.Reserve("isa", chipset.Ports(0x000, 0x3ff), chipset.IRQs(0, 15))
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	slots := []isaSlot{
		{dev: m.pics.Master, ports: m.pics.Master.Ports(), irqs: chipset.IRQs(2, 2)},
		{dev: m.pics.Slave, ports: m.pics.Slave.Ports(), irqs: chipset.NoIRQs},
		{dev: m.pit, ports: m.pit.Ports(), irqs: chipset.IRQs(0, 0)},
		{
			dev:   m.keyboard,
			ports: chipset.Ports(pc.KeyboardDataPort, pc.KeyboardStatusPort),
			claim: []chipset.PortRange{
				chipset.Ports(pc.KeyboardDataPort, pc.KeyboardDataPort),
				chipset.Ports(pc.KeyboardStatusPort, pc.KeyboardStatusPort),
			},
			irqs: chipset.IRQs(1, 1),
		},
		{dev: m.rtc, ports: m.rtc.Ports(), irqs: chipset.IRQs(8, 8)},
		{dev: m.port92, ports: chipset.Ports(pc.SystemControlPortA, pc.SystemControlPortA), irqs: chipset.NoIRQs},
		{dev: m.video, ports: m.video.Ports(), irqs: chipset.NoIRQs},
		{dev: m.serial, ports: m.serial.Ports(), irqs: chipset.IRQs(pc.COM1IRQ, pc.COM1IRQ)},
	}
	for _, slot := range slots {
		node, err := isa.Reserve(slot.dev.Name(), slot.ports, slot.irqs)
		if err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		claim := slot.claim
		if claim == nil {
			claim = []chipset.PortRange{slot.ports}
		}
		for _, ports := range claim {
			if err := node.RegisterPorts(ports, slot.dev); err != nil {
				return fmt.Errorf("machine: %w", err)
			}
		}
	}
	m.root.Freeze()
	return nil
}

// Logger implements chipset.Host.
func (m *Machine) Logger() *slog.Logger { return m.logger }

// Memory implements chipset.Host.
func (m *Machine) Memory() chipset.Memory { return m.vm }

func (m *Machine) vcpu(cpu chipset.CPUHandle) (hv.VirtualCPU, bool) {
	m.cpuMu.RLock()
	defer m.cpuMu.RUnlock()
	if int(cpu) < 0 || int(cpu) >= len(m.cpus) {
		return nil, false
	}
	return m.cpus[cpu], true
}

// InjectInterrupt implements chipset.Host.
func (m *Machine) InjectInterrupt(cpu chipset.CPUHandle, vector uint8) {
	vcpu, ok := m.vcpu(cpu)
	if !ok {
		m.logger.Warn("interrupt for unknown vCPU", "cpu", cpu, "vector", vector)
		return
	}
	vcpu.QueueInterrupt(vector)
}

// ClearPendingInterrupts implements chipset.Host.
func (m *Machine) ClearPendingInterrupts(cpu chipset.CPUHandle) {
	if vcpu, ok := m.vcpu(cpu); ok {
		vcpu.ClearPendingInterrupts()
	}
}

func (m *Machine) Config() Config { return m.cfg }
func (m *Machine) VM() hv.VirtualMachine { return m.vm }
func (m *Machine) Bus() *chipset.ResourceNode { return m.root }
func (m *Machine) Router() *bios.Router { return m.router }
func (m *Machine) PIC() *pc.DualPIC { return m.pics }
func (m *Machine) PIT() *pc.PIT { return m.pit }
func (m *Machine) RTC() *pc.RTC { return m.rtc }
func (m *Machine) Keyboard() *pc.KeyboardController { return m.keyboard }
func (m *Machine) Serial() *pc.Serial { return m.serial }
func (m *Machine) Video() *pc.Video { return m.video }
func (m *Machine) Disk() *pc.DiskService { return m.disk }
func (m *Machine) ROMBase() uint64 { return m.romBase }
func (m *Machine) PollOrder() []chipset.Device { return append([]chipset.Device(nil), m.polls...) }

// Exits returns the number of exits dispatched so far.
func (m *Machine) Exits() uint64 {
	if d := m.dispatcher.Load(); d != nil {
		return d.Exits()
	}
	return 0
}

// Run executes the boot processor until the guest halts, a fatal error
// occurs, or ctx is cancelled. A halt returns nil.
func (m *Machine) Run(ctx context.Context) error {
	defer m.pit.Stop()

	return m.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		d := NewDispatcher(0, vcpu, m.root, m.router, m.polls, m.logger)
		d.SetRecorder(m.slices)
		m.dispatcher.Store(d)

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			m.slices.Mark()
			exit, err := vcpu.Run(ctx)
			m.slices.Record(timeslice.KindGuest)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("machine: run vCPU: %w", err)
			}
			halted, err := d.Dispatch(ctx, exit)
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
		}
	})
}

// FeedSerial copies r into the COM1 receive FIFO until r is exhausted or
// ctx is cancelled. End of input returns nil.
func (m *Machine) FeedSerial(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			m.serial.Receive(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("machine: serial input: %w", err)
		}
	}
}

// Close stops the timer and releases the disk images and the VM.
func (m *Machine) Close() error {
	m.pit.Stop()
	diskErr := m.disk.Close()
	if err := m.vm.Close(); err != nil {
		return err
	}
	return diskErr
}

var _ chipset.Host = (*Machine)(nil)
