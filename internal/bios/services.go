package bios

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/legacypc/internal/chipset"
)

// ErrUnknownDebugCode is returned for debug checkpoints the host does not know.
var ErrUnknownDebugCode = errors.New("bios: unknown debug checkpoint")

// SetupHook runs after the data area has been initialised.
type SetupHook func(BDA) error

// SetupService answers the POST callout that initialises the BIOS Data Area.
type SetupService struct {
	chipset.BaseDevice

	layout DataAreaLayout
	hooks  []SetupHook
	host   chipset.Host
	logger *slog.Logger
}

func NewSetupService(layout DataAreaLayout, hooks ...SetupHook) *SetupService {
	return &SetupService{layout: layout, hooks: hooks, logger: slog.Default()}
}

func (s *SetupService) Name() string { return "bios-setup" }

func (s *SetupService) Init(host chipset.Host) error {
	s.host = host
	s.logger = host.Logger().With("device", s.Name())
	return nil
}

func (s *SetupService) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	bda := NewBDA(s.host.Memory())
	if err := bda.Initialize(s.layout); err != nil {
		return err
	}
	for _, hook := range s.hooks {
		if err := hook(bda); err != nil {
			return err
		}
	}
	s.logger.Info("BIOS data area initialised",
		"memoryKB", s.layout.MemoryKB,
		"equipment", fmt.Sprintf("0x%04x", s.layout.Equipment()))
	call.Regs.SetCarry(false)
	return nil
}

// Debug checkpoints the ROM reports through the debug subsystem.
const (
	DebugEnterIRQ0  uint16 = 0x01
	DebugExitIRQ0   uint16 = 0x02
	DebugEnterINT16 uint16 = 0x03
	DebugExitINT16  uint16 = 0x04
	DebugCallINT19  uint16 = 0x05
	DebugInINT19    uint16 = 0x06
)

var debugCheckpoints = map[uint16]string{
	DebugEnterIRQ0:  "entering IRQ0",
	DebugExitIRQ0:   "exiting IRQ0",
	DebugEnterINT16: "entering INT16",
	DebugExitINT16:  "exiting INT16",
	DebugCallINT19:  "calling INT19",
	DebugInINT19:    "in INT19",
}

// DebugService logs ROM checkpoints along with the register file.
type DebugService struct {
	chipset.BaseDevice

	host   chipset.Host
	logger *slog.Logger
}

func NewDebugService() *DebugService { return &DebugService{logger: slog.Default()} }

func (d *DebugService) Name() string { return "bios-debug" }

func (d *DebugService) Init(host chipset.Host) error {
	d.host = host
	d.logger = host.Logger().With("device", d.Name())
	return nil
}

func (d *DebugService) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	name, ok := debugCheckpoints[call.Function]
	if !ok {
		return fmt.Errorf("%w 0x%04x", ErrUnknownDebugCode, call.Function)
	}

	var regs bytes.Buffer
	call.Regs.Dump(&regs)
	attrs := []any{"checkpoint", name, "registers", regs.String()}
	if call.Function == DebugEnterIRQ0 || call.Function == DebugExitIRQ0 {
		count, err := NewBDA(d.host.Memory()).DWord(BDATimerCount)
		if err != nil {
			return err
		}
		attrs = append(attrs, "timerCount", count)
	}
	d.logger.Debug("BIOS checkpoint", attrs...)
	return nil
}

// SystemService serves the INT 15h system services. Only the extended
// memory query is answered; everything else reports failure in carry.
type SystemService struct {
	chipset.BaseDevice

	extendedKB uint16
	logger     *slog.Logger
}

const systemExtendedMemorySize = 0x88

func NewSystemService(extendedKB uint16) *SystemService {
	return &SystemService{extendedKB: extendedKB, logger: slog.Default()}
}

func (s *SystemService) Name() string { return "bios-system" }

func (s *SystemService) Init(host chipset.Host) error {
	s.logger = host.Logger().With("device", s.Name())
	return nil
}

func (s *SystemService) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	fn := FunctionNumber(call.Function)
	switch fn {
	case systemExtendedMemorySize:
		call.Regs.SetAX(s.extendedKB)
		call.Regs.SetCarry(false)
	default:
		s.logger.Debug("system service not implemented", "function", fmt.Sprintf("0x%02x", fn))
		call.Regs.SetAH(0x86)
		call.Regs.SetCarry(true)
	}
	return nil
}

var (
	_ chipset.Device = (*SetupService)(nil)
	_ chipset.Device = (*DebugService)(nil)
	_ chipset.Device = (*SystemService)(nil)
)
