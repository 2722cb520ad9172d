package machine

import (
	"fmt"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/hv"
)

// Guest physical layout of the first megabyte plus the HMA.
const (
	ConventionalLimitKB = 640

	VideoRAMBase uint64 = 0xa0000
	VideoRAMSize uint64 = 0x20000

	HMABase uint64 = 0x100000
	HMASize uint64 = 0x10000

	// ExtendedMemoryKB is what INT 15h reports above 1 MiB.
	ExtendedMemoryKB = HMASize / 1024
)

// Real-mode reset vector.
const (
	ResetSelector uint16 = 0xf000
	ResetIP       uint64 = 0xfff0
)

// MemoryLayout returns the regions for a guest with memoryKB of
// conventional memory. Sizes are whole pages so every backend can map them.
func MemoryLayout(memoryKB int) ([]hv.MemoryRegion, error) {
	if memoryKB <= 0 || memoryKB > ConventionalLimitKB {
		return nil, fmt.Errorf("machine: conventional memory must be 1-%d KiB, got %d", ConventionalLimitKB, memoryKB)
	}
	if memoryKB%4 != 0 {
		return nil, fmt.Errorf("machine: conventional memory must be a multiple of 4 KiB, got %d", memoryKB)
	}
	return []hv.MemoryRegion{
		{Name: "ram", Base: 0, Size: uint64(memoryKB) * 1024},
		{Name: "video", Base: VideoRAMBase, Size: VideoRAMSize},
		{Name: "rom", Base: bios.ROMBase, Size: bios.ROMSize, ReadOnly: true},
		{Name: "hma", Base: HMABase, Size: HMASize},
	}, nil
}

// ResetRegisters is the processor state after power-on.
func ResetRegisters() hv.Registers {
	data := hv.RealModeSegment(0)
	return hv.Registers{
		RIP:    ResetIP,
		RFLAGS: 0x2,
		CS:     hv.RealModeSegment(ResetSelector),
		DS:     data,
		ES:     data,
		FS:     data,
		GS:     data,
		SS:     data,
	}
}
