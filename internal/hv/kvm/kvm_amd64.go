//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/legacypc/internal/hv"
)

var regularRegisters = map[hv.Register]bool{
	hv.RegisterAMD64Rax:    true,
	hv.RegisterAMD64Rbx:    true,
	hv.RegisterAMD64Rcx:    true,
	hv.RegisterAMD64Rdx:    true,
	hv.RegisterAMD64Rsi:    true,
	hv.RegisterAMD64Rdi:    true,
	hv.RegisterAMD64Rsp:    true,
	hv.RegisterAMD64Rbp:    true,
	hv.RegisterAMD64Rip:    true,
	hv.RegisterAMD64Rflags: true,
}

func regularField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	}
	return nil
}

func segmentField(sregs *kvmSRegs, reg hv.Register) *kvmSegment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &sregs.Cs
	case hv.RegisterAMD64Ds:
		return &sregs.Ds
	case hv.RegisterAMD64Es:
		return &sregs.Es
	case hv.RegisterAMD64Fs:
		return &sregs.Fs
	case hv.RegisterAMD64Gs:
		return &sregs.Gs
	case hv.RegisterAMD64Ss:
		return &sregs.Ss
	}
	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSegmentRegister := false
	for reg := range regs {
		switch {
		case regularRegisters[reg]:
			hasRegularRegister = true
		case reg.IsSegment():
			hasSegmentRegister = true
		default:
			return fmt.Errorf("kvm: unsupported register %v", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
		for reg, value := range regs {
			if !regularRegisters[reg] {
				continue
			}
			r64, ok := value.(hv.Register64)
			if !ok {
				return fmt.Errorf("kvm: register %v wants a 64-bit value, got %T", reg, value)
			}
			*regularField(&regularRegs, reg) = uint64(r64)
		}
		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSegmentRegister {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		for reg, value := range regs {
			if !reg.IsSegment() {
				continue
			}
			seg, ok := value.(hv.Segment)
			if !ok {
				return fmt.Errorf("kvm: register %v wants a segment value, got %T", reg, value)
			}
			field := segmentField(&sregs, reg)
			field.Selector = seg.Selector
			field.Base = seg.Base
			field.Limit = seg.Limit
		}
		if err := setSRegs(v.fd, &sregs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSegmentRegister := false
	for reg := range regs {
		switch {
		case regularRegisters[reg]:
			hasRegularRegister = true
		case reg.IsSegment():
			hasSegmentRegister = true
		default:
			return fmt.Errorf("kvm: unsupported register %v", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
		for reg := range regs {
			if regularRegisters[reg] {
				regs[reg] = hv.Register64(*regularField(&regularRegs, reg))
			}
		}
	}

	if hasSegmentRegister {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		for reg := range regs {
			if !reg.IsSegment() {
				continue
			}
			field := segmentField(&sregs, reg)
			regs[reg] = hv.Segment{
				Selector: field.Selector,
				Base:     field.Base,
				Limit:    field.Limit,
			}
		}
	}

	return nil
}

// prepareEntry injects at most one queued vector and asks for an exit once
// the guest can take the next one.
func (v *virtualCPU) prepareEntry(run *kvmRunData) error {
	v.irqMu.Lock()
	defer v.irqMu.Unlock()

	run.immediate_exit = 0

	if len(v.pending) > 0 && run.ready_for_interrupt_injection != 0 && run.if_flag != 0 {
		vector := v.pending[0]
		if err := injectInterrupt(v.fd, vector); err != nil {
			return fmt.Errorf("kvm: inject vector 0x%02x: %w", vector, err)
		}
		v.pending = v.pending[1:]
	}

	if len(v.pending) > 0 {
		run.request_interrupt_window = 1
	} else {
		run.request_interrupt_window = 0
	}
	return nil
}

func (v *virtualCPU) setRunning(running bool, tid int) {
	v.irqMu.Lock()
	v.running = running
	v.tid = tid
	v.irqMu.Unlock()
}

// Run implements hv.VirtualCPU. Interrupt window and signal exits are
// handled here and never reach the caller.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tid := unix.Gettid()
	v.setRunning(true, tid)
	defer v.setRunning(false, 0)

	if done := ctx.Done(); done != nil {
		stopNotify := context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
		defer stopNotify()
	}

	run := v.runData()

	for {
		if err := v.prepareEntry(run); err != nil {
			return nil, err
		}

		err := runOnce(v.fd)
		if errors.Is(err, unix.EINTR) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		if exit := v.classify(run); exit != nil {
			return exit, nil
		}
	}
}

// classify turns the kvm_run exit union into an hv.Exit. It returns nil for
// exits that only mean "enter again".
func (v *virtualCPU) classify(run *kvmRunData) hv.Exit {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		end := ioData.dataOffset + uint64(ioData.size)*uint64(ioData.count)
		data := v.run[ioData.dataOffset:end]
		if ioData.direction == kvmExitIoIn {
			return &hv.ExitPortRead{Port: ioData.port, Size: int(ioData.size), Data: data}
		}
		return &hv.ExitPortWrite{Port: ioData.port, Size: int(ioData.size), Data: data}
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		n := min(int(mmio.len), len(mmio.data))
		return &hv.ExitMemoryViolation{
			Addr:  mmio.physAddr,
			Write: mmio.isWrite != 0,
			Data:  mmio.data[:n],
		}
	case kvmExitHlt:
		return &hv.ExitHalt{}
	case kvmExitException:
		ex := (*kvmExitExceptionData)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitCPUException{Vector: uint8(ex.exception), ErrorCode: ex.errorCode}
	case kvmExitDebug:
		dbg := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitDebug{PC: dbg.pc}
	case kvmExitIrqWindowOpen, kvmExitIntr:
		return nil
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitUnknown{Reason: fmt.Sprintf("%s (%s)", reason, ie.Suberror)}
	case kvmExitFailEntry:
		fe := (*kvmFailEntryData)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitUnknown{Reason: fmt.Sprintf("%s (hardware reason 0x%x)", reason, fe.hardwareEntryFailureReason)}
	default:
		return &hv.ExitUnknown{Reason: reason.String()}
	}
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	return nil
}

func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpu.fd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}
