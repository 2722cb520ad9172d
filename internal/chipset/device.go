package chipset

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/tinyrange/legacypc/internal/hv"
)

// ErrBIOSCallUnsupported is returned by devices that do not serve BIOS callouts.
var ErrBIOSCallUnsupported = errors.New("BIOS call not supported")

// CPUHandle identifies a vCPU in the machine's registry.
type CPUHandle int

// Memory is guest physical memory.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Host is the machine as seen by a device.
type Host interface {
	Logger() *slog.Logger
	Memory() Memory
	InjectInterrupt(cpu CPUHandle, vector uint8)
	ClearPendingInterrupts(cpu CPUHandle)
}

// BIOSCall is a para-virtual BIOS service request. Handlers edit Regs in
// place; the dispatcher writes them back to the vCPU afterwards.
type BIOSCall struct {
	Subsystem uint16
	Function  uint16
	CPU       CPUHandle
	Regs      *hv.Registers
}

// Device is the contract every motherboard device fulfils. Embed BaseDevice
// to pick up the floating-bus defaults.
type Device interface {
	Name() string
	Init(host Host) error

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error

	// Poll runs once after every dispatched VM exit.
	Poll(ctx context.Context) error

	BIOSCall(ctx context.Context, call *BIOSCall) error
}

// BaseDevice supplies default Device behaviour.
type BaseDevice struct{}

func (BaseDevice) Init(Host) error { return nil }

// ReadIOPort returns all bits set for the requested width.
func (BaseDevice) ReadIOPort(_ uint16, data []byte) error {
	FloatingBus(data)
	return nil
}

func (BaseDevice) WriteIOPort(uint16, []byte) error { return nil }

func (BaseDevice) Poll(context.Context) error { return nil }

func (BaseDevice) BIOSCall(context.Context, *BIOSCall) error {
	return ErrBIOSCallUnsupported
}

// FloatingBus fills data with 0xFF.
func FloatingBus(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

// InterruptRaiser delivers edge requests on logical ISA IRQ lines.
type InterruptRaiser interface {
	RaiseIRQ(irq uint8)
}

type noopRaiser struct{}

func (noopRaiser) RaiseIRQ(uint8) {}

// DetachedRaiser drops every request.
func DetachedRaiser() InterruptRaiser { return noopRaiser{} }
