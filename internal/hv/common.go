package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Segment is a real-mode segment register including its hidden base.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
}

func (s Segment) isRegisterValue() {}

// RealModeSegment returns the segment a real-mode load of selector produces.
func RealModeSegment(selector uint16) Segment {
	return Segment{
		Selector: selector,
		Base:     uint64(selector) << 4,
		Limit:    0xffff,
	}
}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// Segment registers carry a Segment value.
	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cs:     "cs",
	RegisterAMD64Ds:     "ds",
	RegisterAMD64Es:     "es",
	RegisterAMD64Fs:     "fs",
	RegisterAMD64Gs:     "gs",
	RegisterAMD64Ss:     "ss",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// IsSegment reports whether r names a segment register.
func (r Register) IsSegment() bool {
	return r >= RegisterAMD64Cs && r <= RegisterAMD64Ss
}

// VirtualCPU is a single guest processor running in real mode.
//
// Run enters the guest and returns the next trap that needs userspace
// attention. QueueInterrupt may be called from any goroutine; queued vectors
// are delivered in order at the next guest entry that can accept them.
type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) (Exit, error)

	QueueInterrupt(vector uint8)
	ClearPendingInterrupts()

	// SkipInstruction steps past the instruction that caused the last
	// memory violation exit without executing it.
	SkipInstruction() error
}

// MemoryRegion is one contiguous slice of guest physical address space.
type MemoryRegion struct {
	Name     string
	Base     uint64
	Size     uint64
	ReadOnly bool
}

func (r MemoryRegion) End() uint64 { return r.Base + r.Size }

func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// VMConfig describes the guest physical layout and processor count.
type VMConfig struct {
	CPUCount int
	Regions  []MemoryRegion
}

// Validate checks that regions are non-empty and do not overlap.
func (c VMConfig) Validate() error {
	if c.CPUCount <= 0 {
		return fmt.Errorf("hv: cpu count must be positive, got %d", c.CPUCount)
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("hv: no memory regions")
	}
	for i, a := range c.Regions {
		if a.Size == 0 {
			return fmt.Errorf("hv: region %q has zero size", a.Name)
		}
		if a.End() < a.Base {
			return fmt.Errorf("hv: region %q overflows", a.Name)
		}
		for _, b := range c.Regions[i+1:] {
			if a.Base < b.End() && b.Base < a.End() {
				return fmt.Errorf("hv: region %q overlaps %q", a.Name, b.Name)
			}
		}
	}
	return nil
}

// Extent returns the first address past the highest region.
func (c VMConfig) Extent() uint64 {
	var end uint64
	for _, r := range c.Regions {
		if r.End() > end {
			end = r.End()
		}
	}
	return end
}

// VirtualMachine exposes guest physical memory and its processors. ReadAt
// and WriteAt use guest physical addresses as offsets and ignore the
// guest's read-only mappings.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	CPUCount() int

	// VirtualCPUCall runs f on the thread that owns vCPU id.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type Hypervisor interface {
	io.Closer

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
