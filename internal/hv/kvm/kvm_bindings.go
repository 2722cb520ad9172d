//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func checkExtension(fd int, capability int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(capability))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

// ioctlPtr issues request with a pointer to v. name labels the error.
func ioctlPtr[T any](fd int, request uint64, name string, v *T) error {
	if _, err := ioctlWithRetry(uintptr(fd), request, uintptr(unsafe.Pointer(v))); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	return ioctlPtr(fd, uint64(kvmSetUserMemoryRegion), "KVM_SET_USER_MEMORY_REGION", region)
}

// runOnce enters the guest. EINTR is returned to the caller so a kick can
// be told apart from a real exit.
func runOnce(vcpuFd int) error {
	_, err := ioctl(uintptr(vcpuFd), uint64(kvmRun), 0)
	return err
}

func injectInterrupt(vcpuFd int, vector uint8) error {
	return ioctlPtr(vcpuFd, uint64(kvmInterrupt), "KVM_INTERRUPT", &kvmInterruptArgs{Irq: uint32(vector)})
}
