package bios

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrROMEmpty    = errors.New("bios: ROM image is empty")
	ErrROMTooLarge = errors.New("bios: ROM image larger than 256 KiB")
)

// ValidateROM checks that image fits the ROM window.
func ValidateROM(image []byte) error {
	if len(image) == 0 {
		return ErrROMEmpty
	}
	if uint64(len(image)) > ROMSize {
		return fmt.Errorf("%w: %d bytes", ErrROMTooLarge, len(image))
	}
	return nil
}

// ROMLoadAddress returns where an image of size bytes is placed so that its
// last byte lands on 0xFFFFF.
func ROMLoadAddress(size int) uint64 {
	return ROMEnd - uint64(size)
}

// PlaceROM copies image into guest memory ending at the top of the ROM
// window and returns the load address.
func PlaceROM(mem io.WriterAt, image []byte) (uint64, error) {
	if err := ValidateROM(image); err != nil {
		return 0, err
	}
	base := ROMLoadAddress(len(image))
	if _, err := mem.WriteAt(image, int64(base)); err != nil {
		return 0, fmt.Errorf("bios: write ROM at 0x%05x: %w", base, err)
	}
	return base, nil
}

// LoadROMFile reads and validates a ROM image from disk.
func LoadROMFile(path string) ([]byte, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bios: read ROM: %w", err)
	}
	if err := ValidateROM(image); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return image, nil
}
