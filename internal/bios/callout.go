package bios

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
)

var (
	ErrUnknownSubsystem = errors.New("bios: unknown callout subsystem")
	ErrSubsystemInUse   = errors.New("bios: callout subsystem already registered")
)

// Router hands BIOS callouts to the device serving each subsystem.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Subsystem]chipset.Device
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[Subsystem]chipset.Device),
	}
}

// Register binds sub to dev. Each subsystem has at most one handler.
func (r *Router) Register(sub Subsystem, dev chipset.Device) error {
	if uint16(sub) < CalloutFirstPort || uint16(sub) > CalloutLastPort {
		return fmt.Errorf("%w: 0x%02x is outside the callout window", ErrUnknownSubsystem, uint16(sub))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handlers[sub]; ok {
		return fmt.Errorf("%w: %s served by %s", ErrSubsystemInUse, sub, prev.Name())
	}
	r.handlers[sub] = dev
	return nil
}

// Handler returns the device bound to sub.
func (r *Router) Handler(sub Subsystem) (chipset.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.handlers[sub]
	return dev, ok
}

// Dispatch runs one callout. Carry is set before the handler runs so any
// handler that does not explicitly succeed reports failure to the guest.
func (r *Router) Dispatch(ctx context.Context, call *chipset.BIOSCall) error {
	call.Regs.SetCarry(true)

	sub := Subsystem(call.Subsystem)
	dev, ok := r.Handler(sub)
	if !ok {
		return fmt.Errorf("%w: (0x%02x,0x%04x)", ErrUnknownSubsystem, call.Subsystem, call.Function)
	}
	r.logger.Debug("bios call",
		"subsystem", sub.String(),
		"function", fmt.Sprintf("0x%04x", call.Function),
		"device", dev.Name())

	if err := dev.BIOSCall(ctx, call); err != nil {
		return fmt.Errorf("bios: %s call 0x%04x: %w", sub, call.Function, err)
	}
	return nil
}
