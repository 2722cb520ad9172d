package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
	"github.com/tinyrange/legacypc/internal/timeslice"
)

// Dispatcher turns one classified exit from a vCPU into device activity.
// It runs on the vCPU's own thread.
type Dispatcher struct {
	cpu    chipset.CPUHandle
	vcpu   hv.VirtualCPU
	bus    *chipset.ResourceNode
	router *bios.Router
	polls  []chipset.Device
	logger *slog.Logger
	slices *timeslice.Recorder

	exits atomic.Uint64
}

// NewDispatcher binds vcpu to the port bus, the callout router, and the
// devices polled after every exit, in order.
func NewDispatcher(cpu chipset.CPUHandle, vcpu hv.VirtualCPU, bus *chipset.ResourceNode, router *bios.Router, polls []chipset.Device, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cpu:    cpu,
		vcpu:   vcpu,
		bus:    bus,
		router: router,
		polls:  polls,
		logger: logger,
	}
}

// SetRecorder charges handler and poll time to r. A nil r disables it.
func (d *Dispatcher) SetRecorder(r *timeslice.Recorder) { d.slices = r }

// Exits returns how many exits have been dispatched.
func (d *Dispatcher) Exits() uint64 { return d.exits.Load() }

// Dispatch handles exit. halted reports that the guest stopped the
// processor and the run loop should end.
func (d *Dispatcher) Dispatch(ctx context.Context, exit hv.Exit) (halted bool, err error) {
	d.exits.Add(1)

	kind := timeslice.KindOther
	switch e := exit.(type) {
	case *hv.ExitPortWrite:
		kind, err = d.portWrite(ctx, e)
	case *hv.ExitPortRead:
		kind, err = timeslice.KindPortRead, d.portRead(e)
	case *hv.ExitMemoryViolation:
		kind, err = timeslice.KindMemory, d.memoryViolation(e)
	case *hv.ExitCPUException:
		err = d.fatal(FatalCPUException, exit, nil)
	case *hv.ExitDebug:
		err = d.fatal(FatalDebugTrap, exit, nil)
	case *hv.ExitHalt:
		d.logHalt()
		return true, nil
	default:
		err = d.fatal(FatalUnsupportedExit, exit, nil)
	}
	d.slices.Record(kind)
	if err != nil {
		return false, err
	}

	for _, dev := range d.polls {
		if err := dev.Poll(ctx); err != nil {
			return false, d.fatal(FatalDevice, exit, fmt.Errorf("poll %s: %w", dev.Name(), err))
		}
	}
	d.slices.Record(timeslice.KindPoll)
	return false, nil
}

func (d *Dispatcher) portWrite(ctx context.Context, e *hv.ExitPortWrite) (timeslice.Kind, error) {
	if e.Size == 2 && e.Port >= bios.CalloutFirstPort && e.Port <= bios.CalloutLastPort {
		regs, err := hv.ReadRegisters(d.vcpu)
		if err != nil {
			return timeslice.KindPortWrite, d.fatal(FatalDevice, e, err)
		}
		if bios.IsCallout(e.Port, regs.LinearIP()) {
			return timeslice.KindCallout, d.callout(ctx, e, regs)
		}
		d.logger.Debug("callout port written outside the BIOS",
			"port", fmt.Sprintf("0x%02x", e.Port),
			"ip", fmt.Sprintf("0x%05x", regs.LinearIP()))
	}

	for _, value := range e.Values() {
		if err := d.bus.WriteIOPort(e.Port, value); err != nil {
			return timeslice.KindPortWrite, d.fatal(FatalDevice, e, err)
		}
	}
	return timeslice.KindPortWrite, nil
}

func (d *Dispatcher) callout(ctx context.Context, e *hv.ExitPortWrite, regs hv.Registers) error {
	call := &chipset.BIOSCall{
		Subsystem: e.Port,
		Function:  uint16(e.Value()),
		CPU:       d.cpu,
		Regs:      &regs,
	}
	if err := d.router.Dispatch(ctx, call); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &FatalError{Kind: FatalBIOSCall, Exit: e, Regs: &regs, Err: err}
	}
	if err := hv.WriteRegisters(d.vcpu, regs); err != nil {
		return &FatalError{Kind: FatalBIOSCall, Exit: e, Regs: &regs, Err: err}
	}
	return nil
}

func (d *Dispatcher) portRead(e *hv.ExitPortRead) error {
	for _, value := range e.Values() {
		if err := d.bus.ReadIOPort(e.Port, value); err != nil {
			return d.fatal(FatalDevice, e, err)
		}
	}
	return nil
}

func (d *Dispatcher) memoryViolation(e *hv.ExitMemoryViolation) error {
	if !e.Write || !bios.InShadow(e.Addr) {
		return d.fatal(FatalMemoryViolation, e, nil)
	}
	d.logger.Debug("skipping write to shadowed ROM", "addr", fmt.Sprintf("0x%05x", e.Addr))
	if err := d.vcpu.SkipInstruction(); err != nil {
		return d.fatal(FatalMemoryViolation, e, err)
	}
	return nil
}

func (d *Dispatcher) logHalt() {
	regs, err := hv.ReadRegisters(d.vcpu)
	if err != nil {
		d.logger.Info("guest halted", "exits", d.Exits(), "err", err)
		return
	}
	var dump strings.Builder
	regs.Dump(&dump)
	d.logger.Info("guest halted", "exits", d.Exits(), "registers", dump.String())
}

// fatal builds a FatalError, capturing the register file when possible.
func (d *Dispatcher) fatal(kind FatalKind, exit hv.Exit, err error) error {
	fe := &FatalError{Kind: kind, Exit: exit, Err: err}
	if regs, rerr := hv.ReadRegisters(d.vcpu); rerr == nil {
		fe.Regs = &regs
	}
	return fe
}
