package pc

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	MasterPICCommandPort uint16 = 0x20
	MasterPICDataPort    uint16 = 0x21
	SlavePICCommandPort  uint16 = 0xa0
	SlavePICDataPort     uint16 = 0xa1

	picLines = 8
)

// PICStage is the position in the ICW1..ICW4 initialization sequence.
type PICStage int

const (
	PICReady PICStage = iota
	PICAwaitingICW2
	PICAwaitingICW3
	PICAwaitingICW4
)

func (s PICStage) String() string {
	switch s {
	case PICReady:
		return "ready"
	case PICAwaitingICW2:
		return "awaiting-ICW2"
	case PICAwaitingICW3:
		return "awaiting-ICW3"
	case PICAwaitingICW4:
		return "awaiting-ICW4"
	}
	return fmt.Sprintf("PICStage(%d)", int(s))
}

type icw1 byte

func (w icw1) icw4Needed() bool { return byte(w)&0x01 != 0 }
func (w icw1) single() bool     { return byte(w)&0x02 != 0 }
func (w icw1) level() bool      { return byte(w)&0x08 != 0 }
func (w icw1) valid() bool      { return byte(w)&0x10 != 0 }

type ocw2Command byte

const (
	ocw2RotateAutoEOIClear ocw2Command = iota
	ocw2NonSpecificEOI
	ocw2NoOperation
	ocw2SpecificEOI
	ocw2RotateAutoEOISet
	ocw2RotateNonSpecificEOI
	ocw2SetPriority
	ocw2RotateSpecificEOI
)

var ocw2Names = [...]string{
	"rotate-auto-eoi-clear",
	"nonspecific-eoi",
	"nop",
	"specific-eoi",
	"rotate-auto-eoi-set",
	"rotate-nonspecific-eoi",
	"set-priority",
	"rotate-specific-eoi",
}

func (c ocw2Command) String() string { return ocw2Names[c&7] }

type ocw2 byte

func (o ocw2) valid() bool          { return byte(o)&0x18 == 0 }
func (o ocw2) level() byte          { return byte(o) & 0x07 }
func (o ocw2) command() ocw2Command { return ocw2Command(byte(o) >> 5) }

type ocw3 byte

func (o ocw3) valid() bool   { return byte(o)&0x18 == 0x08 && byte(o)&0x80 == 0 }
func (o ocw3) readIRR() bool { return byte(o)&0x03 == 0x02 }
func (o ocw3) readISR() bool { return byte(o)&0x03 == 0x03 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}

// PICRegisters is a copy of one controller's programmer-visible state.
type PICRegisters struct {
	IRR, ISR, IMR byte
	VectorBase    byte
	Stage         PICStage
	ReadISR       bool
	ICW1          byte
	ICW3          byte
	ICW4          byte
}

// PIC is one 8259A interrupt controller. Vectors go to a single vCPU
// through the machine's injection queue.
type PIC struct {
	chipset.BaseDevice

	name        string
	commandPort uint16
	cpu         chipset.CPUHandle

	mu     sync.Mutex
	host   chipset.Host
	logger *slog.Logger

	irr, isr, imr byte
	base          byte
	stage         PICStage
	icw1          icw1
	icw3          byte
	icw4          byte
	ocw2          ocw2
	readISR       bool
}

// NewPIC returns a controller answering on commandPort and commandPort+1.
func NewPIC(name string, commandPort uint16, cpu chipset.CPUHandle) *PIC {
	return &PIC{
		name:        name,
		commandPort: commandPort,
		cpu:         cpu,
		logger:      slog.Default(),
	}
}

func (p *PIC) Name() string { return p.name }

// Ports returns the command/data pair.
func (p *PIC) Ports() chipset.PortRange {
	return chipset.Ports(p.commandPort, p.commandPort+1)
}

// Init implements chipset.Device.
func (p *PIC) Init(host chipset.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.host = host
	p.logger = host.Logger().With("device", p.name)
	return nil
}

// Registers returns a snapshot for diagnostics.
func (p *PIC) Registers() PICRegisters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PICRegisters{
		IRR:        p.irr,
		ISR:        p.isr,
		IMR:        p.imr,
		VectorBase: p.base,
		Stage:      p.stage,
		ReadISR:    p.readISR,
		ICW1:       byte(p.icw1),
		ICW3:       p.icw3,
		ICW4:       p.icw4,
	}
}

// WriteIOPort implements chipset.Device.
func (p *PIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		p.logger.Debug("ignoring wide write", "port", fmt.Sprintf("0x%02x", port), "size", len(data))
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(data[0], port&1 == 1)
	return nil
}

// ReadIOPort implements chipset.Device.
func (p *PIC) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	value := p.readLocked(port&1 == 1)
	p.mu.Unlock()

	for i := range data {
		data[i] = 0
	}
	if len(data) > 0 {
		data[0] = value
	}
	return nil
}

// Poll delivers the highest priority pending request, if any.
func (p *PIC) Poll(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processLocked()
	return nil
}

// Raise requests service on line 0..7.
func (p *PIC) Raise(line uint8) {
	if line >= picLines {
		p.logger.Warn("raise on invalid line", "line", line)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bit := byte(1) << line
	if p.imr&bit != 0 {
		p.logger.Debug("line masked", "line", line, "imr", fmt.Sprintf("0x%02x", p.imr))
		return
	}
	p.irr |= bit

	if p.stage != PICReady {
		return
	}
	if inService := lowestSetBit(p.isr); inService != 0 && inService <= bit {
		p.logger.Debug("line deferred", "line", line, "isr", fmt.Sprintf("0x%02x", p.isr))
		return
	}
	p.serviceLocked(line)
}

func (p *PIC) writeLocked(value byte, a0 bool) {
	switch p.stage {
	case PICReady:
		if a0 {
			p.imr = value
			return
		}
		if icw1(value).valid() {
			p.startInitLocked(icw1(value))
			return
		}
		p.controlWordLocked(value)

	case PICAwaitingICW2:
		if !a0 {
			return
		}
		p.base = value &^ 0x07
		switch {
		case !p.icw1.single():
			p.stage = PICAwaitingICW3
		case p.icw1.icw4Needed():
			p.stage = PICAwaitingICW4
		default:
			p.stage = PICReady
		}

	case PICAwaitingICW3:
		if !a0 {
			return
		}
		p.icw3 = value
		if p.icw1.icw4Needed() {
			p.stage = PICAwaitingICW4
		} else {
			p.stage = PICReady
		}

	case PICAwaitingICW4:
		if !a0 {
			return
		}
		p.icw4 = value
		p.stage = PICReady
		p.logger.Debug("initialized",
			"base", fmt.Sprintf("0x%02x", p.base),
			"single", p.icw1.single(),
			"level", p.icw1.level())
	}
}

func (p *PIC) startInitLocked(w icw1) {
	p.icw1 = w
	p.imr = 0
	// Vectors queued before the reprogram are discarded below, so nothing
	// may stay marked in service for them. Requests still waiting in IRR
	// survive and are serviced once the sequence completes.
	p.isr = 0
	p.readISR = false
	if !w.icw4Needed() {
		p.icw4 = 0
	}
	p.stage = PICAwaitingICW2
	if p.host != nil {
		p.host.ClearPendingInterrupts(p.cpu)
	}
}

func (p *PIC) controlWordLocked(value byte) {
	if o := ocw2(value); o.valid() {
		p.ocw2 = o
		switch cmd := o.command(); cmd {
		case ocw2NonSpecificEOI:
			p.isr &^= lowestSetBit(p.isr)
			p.processLocked()
		case ocw2NoOperation:
		default:
			p.logger.Debug("ignoring command", "command", cmd.String(), "level", o.level())
		}
		return
	}
	if o := ocw3(value); o.valid() {
		switch {
		case o.readIRR():
			p.readISR = false
		case o.readISR():
			p.readISR = true
		}
		return
	}
	p.logger.Debug("ignoring control byte", "value", fmt.Sprintf("0x%02x", value))
}

func (p *PIC) readLocked(a0 bool) byte {
	if a0 {
		return p.imr
	}
	if p.readISR {
		return p.isr
	}
	return p.irr
}

// processLocked injects the lowest unmasked request that outranks every
// line currently in service.
func (p *PIC) processLocked() {
	if p.stage != PICReady {
		return
	}
	eligible := p.irr &^ p.imr
	if inService := lowestSetBit(p.isr); inService != 0 {
		eligible &= inService - 1
	}
	if eligible == 0 {
		return
	}
	p.serviceLocked(uint8(bits.TrailingZeros8(eligible)))
}

func (p *PIC) serviceLocked(line uint8) {
	bit := byte(1) << line
	p.irr &^= bit
	p.isr |= bit
	vector := p.base + line
	if p.host == nil {
		p.logger.Warn("no host attached, dropping vector", "vector", vector)
		return
	}
	p.host.InjectInterrupt(p.cpu, vector)
}

var _ chipset.Device = (*PIC)(nil)

// DualPIC routes logical IRQs 0-15 onto a master/slave pair.
type DualPIC struct {
	Master *PIC
	Slave  *PIC
	logger *slog.Logger
}

func NewDualPIC(cpu chipset.CPUHandle, logger *slog.Logger) *DualPIC {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualPIC{
		Master: NewPIC("pic-master", MasterPICCommandPort, cpu),
		Slave:  NewPIC("pic-slave", SlavePICCommandPort, cpu),
		logger: logger,
	}
}

// RaiseIRQ implements chipset.InterruptRaiser.
func (d *DualPIC) RaiseIRQ(irq uint8) {
	switch {
	case irq < 8:
		d.Master.Raise(irq)
	case irq < 15:
		d.Slave.Raise(irq - 8)
	default:
		d.logger.Warn("invalid IRQ", "irq", irq)
	}
}

var _ chipset.InterruptRaiser = (*DualPIC)(nil)
