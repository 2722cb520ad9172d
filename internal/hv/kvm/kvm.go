//go:build linux && amd64

// Package kvm runs real-mode guests on Linux /dev/kvm. Interrupt
// controllers and timers stay in userspace; the vCPU only receives vectors
// through KVM_INTERRUPT.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	// tssAddr is the three-page region KVM needs for real-mode emulation on
	// Intel hosts. It sits far above the guest's 1 MiB.
	tssAddr = 0xfffbd000

	pageSize = 0x1000
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte

	irqMu   sync.Mutex
	pending []uint8
	tid     int
	running bool
}

func (v *virtualCPU) ID() int { return v.id }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// RequestImmediateExit forces the vCPU thread tid out of KVM_RUN.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	v.runData().immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}
	return nil
}

// QueueInterrupt implements hv.VirtualCPU. A vCPU inside KVM_RUN is kicked
// so the vector is delivered without waiting for the next exit.
func (v *virtualCPU) QueueInterrupt(vector uint8) {
	v.irqMu.Lock()
	v.pending = append(v.pending, vector)
	running, tid := v.running, v.tid
	v.irqMu.Unlock()

	if running {
		if err := v.RequestImmediateExit(tid); err != nil {
			slog.Warn("kvm: kick vCPU", "vcpu", v.id, "error", err)
		}
	}
}

// ClearPendingInterrupts implements hv.VirtualCPU.
func (v *virtualCPU) ClearPendingInterrupts() {
	v.irqMu.Lock()
	v.pending = nil
	v.irqMu.Unlock()
}

// SkipInstruction implements hv.VirtualCPU. KVM finishes the faulting
// instruction itself when the MMIO exit is resumed, so there is nothing to
// step over.
func (v *virtualCPU) SkipInstruction() error { return nil }

var _ hv.VirtualCPU = &virtualCPU{}

type slot struct {
	region hv.MemoryRegion
	id     uint32
}

type virtualMachine struct {
	hv     *hypervisor
	vmFd   int
	vcpus  map[int]*virtualCPU
	slots  []slot
	memMu  sync.RWMutex
	memory []byte
}

func (v *virtualMachine) CPUCount() int { return len(v.vcpus) }

func (v *virtualMachine) mapped(off int64, n int) bool {
	if off < 0 {
		return false
	}
	start := uint64(off)
	end := start + uint64(n)
	for _, s := range v.slots {
		if start >= s.region.Base && end <= s.region.End() {
			return true
		}
	}
	return false
}

// ReadAt implements hv.VirtualMachine.
func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}
	if !v.mapped(off, len(p)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x+%d not backed", off, len(p))
	}
	return copy(p, v.memory[off:]), nil
}

// WriteAt implements hv.VirtualMachine. Read-only slots are writable from
// the host side.
func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}
	if !v.mapped(off, len(p)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x+%d not backed", off, len(p))
	}
	return copy(v.memory[off:], p), nil
}

// VirtualCPUCall implements hv.VirtualMachine.
func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)
	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}
	return <-done
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}
	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
	}
	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
		v.vmFd = -1
	}
	return nil
}

var _ hv.VirtualMachine = &virtualMachine{}

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// NewVirtualMachine implements hv.Hypervisor. All regions share one host
// mapping indexed by guest physical address.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("kvm: %w", err)
	}
	for _, r := range config.Regions {
		if r.Base%pageSize != 0 || r.Size%pageSize != 0 {
			return nil, fmt.Errorf("kvm: region %q is not page aligned", r.Name)
		}
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm := &virtualMachine{
		hv:    h,
		vmFd:  vmFd,
		vcpus: make(map[int]*virtualCPU),
	}

	if err := h.archVMInit(vm); err != nil {
		vm.Close()
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.Extent()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	vm.memory = mem

	readOnly, err := checkExtension(h.fd, kvmCapReadonlyMem)
	if err != nil {
		readOnly = 0
	}

	for i, r := range config.Regions {
		var flags uint32
		if r.ReadOnly {
			if readOnly > 0 {
				flags |= kvmMemReadonly
			} else {
				slog.Warn("kvm: read-only memory unsupported, mapping writable", "region", r.Name)
			}
		}
		s := slot{region: r, id: uint32(i)}
		if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          s.id,
			Flags:         flags,
			GuestPhysAddr: r.Base,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[r.Base]))),
		}); err != nil {
			vm.Close()
			return nil, fmt.Errorf("set user memory region %q: %w", r.Name, err)
		}
		vm.slots = append(vm.slots, s)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(vcpuFd)
			vm.Close()
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}
		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vcpu); err != nil {
			vm.Close()
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}

		go vcpu.start()
	}

	return vm, nil
}

var _ hv.Hypervisor = &hypervisor{}

// Open connects to /dev/kvm.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
