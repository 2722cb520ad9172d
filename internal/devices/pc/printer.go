package pc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
)

// ErrNoSuchPrinter is returned for INT 17h calls on a port other than LPT1.
var ErrNoSuchPrinter = errors.New("printer: no such port")

// Printer status: selected and not busy.
const printerReady = 0b1100_0000

// Printer serves INT 17h for LPT1. Printed characters go to the log.
type Printer struct {
	chipset.BaseDevice

	logger *slog.Logger
	line   []byte
}

func NewPrinter() *Printer { return &Printer{logger: slog.Default()} }

func (p *Printer) Name() string { return "lpt1" }

func (p *Printer) Init(host chipset.Host) error {
	p.logger = host.Logger().With("device", p.Name())
	return nil
}

// BIOSCall implements chipset.Device.
func (p *Printer) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	if regs.DX() != 0 {
		return fmt.Errorf("%w %d", ErrNoSuchPrinter, regs.DX())
	}

	fn := bios.FunctionNumber(call.Function)
	switch fn {
	case 0x00:
		p.print(regs.AL())
	case 0x01:
		p.logger.Debug("port initialised")
	case 0x02:
	default:
		return fmt.Errorf("printer: unknown function 0x%02x: %w", fn, chipset.ErrBIOSCallUnsupported)
	}
	regs.SetAH(printerReady)
	regs.SetCarry(false)
	return nil
}

func (p *Printer) print(ch byte) {
	switch ch {
	case '\r':
	case '\n', '\f':
		p.logger.Info("printed", "line", string(p.line))
		p.line = p.line[:0]
	default:
		p.line = append(p.line, ch)
	}
}

var _ chipset.Device = (*Printer)(nil)
