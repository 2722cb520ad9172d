//go:build linux && amd64

package kvm

import "fmt"

// maxCPUIDEntries bounds KVM_GET_SUPPORTED_CPUID; current kernels report
// well under a hundred leaves.
const maxCPUIDEntries = 255

func getRegisters(vcpuFd int) (regs kvmRegs, err error) {
	err = ioctlPtr(vcpuFd, uint64(kvmGetRegs), "KVM_GET_REGS", &regs)
	return regs, err
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	return ioctlPtr(vcpuFd, uint64(kvmSetRegs), "KVM_SET_REGS", regs)
}

func getSRegs(vcpuFd int) (sregs kvmSRegs, err error) {
	err = ioctlPtr(vcpuFd, uint64(kvmGetSregs), "KVM_GET_SREGS", &sregs)
	return sregs, err
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	return ioctlPtr(vcpuFd, uint64(kvmSetSregs), "KVM_SET_SREGS", sregs)
}

// setTSSAddr passes the address by value, not by pointer.
func setTSSAddr(vmFd int, addr uint64) error {
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr)); err != nil {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// cpuidBuffer is kvm_cpuid2 followed by its flexible entry array.
type cpuidBuffer struct {
	header  kvmCPUID2
	entries [maxCPUIDEntries]kvmCPUIDEntry2
}

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	buf := &cpuidBuffer{}
	buf.header.Nr = maxCPUIDEntries
	if err := ioctlPtr(hvFd, uint64(kvmGetSupportedCpuid), "KVM_GET_SUPPORTED_CPUID", &buf.header); err != nil {
		return nil, err
	}
	return &buf.header, nil
}

// setVCPUID hands the same buffer back to the vCPU. cpuid must come from
// getSupportedCpuId so its entries follow it in memory.
func setVCPUID(vcpuFd int, cpuid *kvmCPUID2) error {
	return ioctlPtr(vcpuFd, uint64(kvmSetCpuid2), "KVM_SET_CPUID2", cpuid)
}
