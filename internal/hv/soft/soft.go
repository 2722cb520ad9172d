// Package soft is an in-process hypervisor whose vCPUs replay a scripted
// sequence of exits. It backs machine tests on hosts without /dev/kvm.
package soft

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/legacypc/internal/hv"
)

type Hypervisor struct{}

func New() *Hypervisor { return &Hypervisor{} }

func (*Hypervisor) Close() error { return nil }

// NewVirtualMachine implements hv.Hypervisor.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	return NewVirtualMachine(config)
}

var _ hv.Hypervisor = (*Hypervisor)(nil)

// VirtualMachine backs every region with one flat host buffer.
type VirtualMachine struct {
	mu      sync.RWMutex
	regions []hv.MemoryRegion
	memory  []byte
	cpus    []*CPU
}

func NewVirtualMachine(config hv.VMConfig) (*VirtualMachine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("soft: %w", err)
	}
	vm := &VirtualMachine{
		regions: append([]hv.MemoryRegion(nil), config.Regions...),
		memory:  make([]byte, config.Extent()),
	}
	for i := 0; i < config.CPUCount; i++ {
		vm.cpus = append(vm.cpus, &CPU{vm: vm, id: i})
	}
	return vm, nil
}

func (vm *VirtualMachine) CPUCount() int { return len(vm.cpus) }

// CPU returns vCPU id for scripting.
func (vm *VirtualMachine) CPU(id int) *CPU { return vm.cpus[id] }

func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(vm.cpus) {
		return fmt.Errorf("soft: no vCPU %d", id)
	}
	return f(vm.cpus[id])
}

func (vm *VirtualMachine) mapped(off int64, n int) bool {
	if off < 0 {
		return false
	}
	start := uint64(off)
	end := start + uint64(n)
	for _, r := range vm.regions {
		if start >= r.Base && end <= r.End() {
			return true
		}
	}
	return false
}

func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if !vm.mapped(off, len(p)) {
		return 0, fmt.Errorf("soft: read of unmapped range 0x%x+%d", off, len(p))
	}
	return copy(p, vm.memory[off:]), nil
}

func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.mapped(off, len(p)) {
		return 0, fmt.Errorf("soft: write of unmapped range 0x%x+%d", off, len(p))
	}
	return copy(vm.memory[off:], p), nil
}

func (vm *VirtualMachine) Close() error { return nil }

var _ hv.VirtualMachine = (*VirtualMachine)(nil)

// CPU replays exits queued with Script. When the script runs dry the CPU
// reports a halt.
type CPU struct {
	vm *VirtualMachine
	id int

	mu        sync.Mutex
	regs      hv.Registers
	script    []hv.Exit
	pending   []uint8
	delivered []uint8
	lastExit  hv.Exit
}

func (c *CPU) ID() int { return c.id }

// Script appends exits to replay.
func (c *CPU) Script(exits ...hv.Exit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, exits...)
}

// Delivered returns the vectors handed to the guest so far, in order.
func (c *CPU) Delivered() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.delivered...)
}

// Pending returns queued vectors not yet delivered.
func (c *CPU) Pending() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.pending...)
}

func (c *CPU) QueueInterrupt(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, vector)
}

func (c *CPU) ClearPendingInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

func (c *CPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Vectors are only accepted while IF is set.
	if c.regs.InterruptFlag() {
		c.delivered = append(c.delivered, c.pending...)
		c.pending = nil
	}

	if len(c.script) == 0 {
		c.lastExit = &hv.ExitHalt{}
		return c.lastExit, nil
	}
	exit := c.script[0]
	c.script = c.script[1:]
	c.lastExit = exit
	return exit, nil
}

// SkipInstruction decodes the 16-bit instruction at CS:IP and steps past it.
func (c *CPU) SkipInstruction() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lastExit.(*hv.ExitMemoryViolation); !ok {
		return fmt.Errorf("soft: skip without a pending memory violation")
	}

	code := make([]byte, 15)
	addr := c.regs.LinearIP()
	n, err := c.vm.ReadAt(code, int64(addr))
	if err != nil && n == 0 {
		return fmt.Errorf("soft: fetch at 0x%05x: %w", addr, err)
	}
	inst, err := x86asm.Decode(code[:n], 16)
	if err != nil {
		return fmt.Errorf("soft: decode at 0x%05x: %w", addr, err)
	}
	c.regs.RIP = uint64(uint16(c.regs.IP() + uint16(inst.Len)))
	c.lastExit = nil
	return nil
}

func (c *CPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg := range regs {
		v, err := c.get(reg)
		if err != nil {
			return err
		}
		regs[reg] = v
	}
	return nil
}

func (c *CPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg, v := range regs {
		if err := c.set(reg, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPU) gp(reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &c.regs.RAX
	case hv.RegisterAMD64Rbx:
		return &c.regs.RBX
	case hv.RegisterAMD64Rcx:
		return &c.regs.RCX
	case hv.RegisterAMD64Rdx:
		return &c.regs.RDX
	case hv.RegisterAMD64Rsi:
		return &c.regs.RSI
	case hv.RegisterAMD64Rdi:
		return &c.regs.RDI
	case hv.RegisterAMD64Rsp:
		return &c.regs.RSP
	case hv.RegisterAMD64Rbp:
		return &c.regs.RBP
	case hv.RegisterAMD64Rip:
		return &c.regs.RIP
	case hv.RegisterAMD64Rflags:
		return &c.regs.RFLAGS
	}
	return nil
}

func (c *CPU) seg(reg hv.Register) *hv.Segment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &c.regs.CS
	case hv.RegisterAMD64Ds:
		return &c.regs.DS
	case hv.RegisterAMD64Es:
		return &c.regs.ES
	case hv.RegisterAMD64Fs:
		return &c.regs.FS
	case hv.RegisterAMD64Gs:
		return &c.regs.GS
	case hv.RegisterAMD64Ss:
		return &c.regs.SS
	}
	return nil
}

func (c *CPU) get(reg hv.Register) (hv.RegisterValue, error) {
	if p := c.gp(reg); p != nil {
		return hv.Register64(*p), nil
	}
	if p := c.seg(reg); p != nil {
		return *p, nil
	}
	return nil, fmt.Errorf("soft: unsupported register %v", reg)
}

func (c *CPU) set(reg hv.Register, v hv.RegisterValue) error {
	if p := c.gp(reg); p != nil {
		r, ok := v.(hv.Register64)
		if !ok {
			return fmt.Errorf("soft: register %v wants Register64, got %T", reg, v)
		}
		*p = uint64(r)
		return nil
	}
	if p := c.seg(reg); p != nil {
		s, ok := v.(hv.Segment)
		if !ok {
			return fmt.Errorf("soft: register %v wants Segment, got %T", reg, v)
		}
		*p = s
		return nil
	}
	return fmt.Errorf("soft: unsupported register %v", reg)
}

var _ hv.VirtualCPU = (*CPU)(nil)
