package bios

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/legacypc/internal/chipset"
)

// BDABase is the physical address of the BIOS Data Area (segment 0x40).
const BDABase uint64 = 0x400

// Offsets into the BIOS Data Area.
const (
	BDACOM1Address      = 0x00
	BDACOM2Address      = 0x02
	BDALPT1Address      = 0x08
	BDAEquipment        = 0x10
	BDAMemorySize       = 0x13
	BDAKeyboardFlags1   = 0x17
	BDAKeyboardFlags2   = 0x18
	BDAKeyboardHead     = 0x1a
	BDAKeyboardTail     = 0x1c
	BDAKeyboardBuffer   = 0x1e
	BDAFloppyStatus     = 0x41
	BDAVideoMode        = 0x49
	BDAColumns          = 0x4a
	BDAPageSize         = 0x4c
	BDAPageOffset       = 0x4e
	BDACursorPositions  = 0x50
	BDACursorShape      = 0x60
	BDAActivePage       = 0x62
	BDACRTCBase         = 0x63
	BDATimerCount       = 0x6c
	BDATimerRollover    = 0x70
	BDAHardDiskStatus   = 0x74
	BDAHardDiskCount    = 0x75
	BDAKeyboardStart    = 0x80
	BDAKeyboardEnd      = 0x82
	BDARows             = 0x84
	BDAKeyboardFlags3   = 0x96
	bdaSize             = 0x100
	bdaKeyboardBufLimit = 0x3e
)

// Equipment word bits.
const (
	EquipmentFloppy      uint16 = 1 << 0
	EquipmentFPU         uint16 = 1 << 1
	EquipmentVideoColor  uint16 = 0b10 << 4
	EquipmentVideoMono   uint16 = 0b11 << 4
	EquipmentFloppyShift        = 6 // floppy drive count minus one
	equipmentSerialShift        = 9
	equipmentLPTShift           = 14
)

// BDA reads and writes BIOS Data Area fields in guest memory.
type BDA struct {
	mem chipset.Memory
}

func NewBDA(mem chipset.Memory) BDA { return BDA{mem: mem} }

func (b BDA) read(off int, p []byte) error {
	if off < 0 || off+len(p) > bdaSize {
		return fmt.Errorf("bios: BDA offset 0x%02x out of range", off)
	}
	if _, err := b.mem.ReadAt(p, int64(BDABase)+int64(off)); err != nil {
		return fmt.Errorf("bios: read BDA 0x%02x: %w", off, err)
	}
	return nil
}

func (b BDA) write(off int, p []byte) error {
	if off < 0 || off+len(p) > bdaSize {
		return fmt.Errorf("bios: BDA offset 0x%02x out of range", off)
	}
	if _, err := b.mem.WriteAt(p, int64(BDABase)+int64(off)); err != nil {
		return fmt.Errorf("bios: write BDA 0x%02x: %w", off, err)
	}
	return nil
}

func (b BDA) Byte(off int) (uint8, error) {
	var buf [1]byte
	if err := b.read(off, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b BDA) Word(off int) (uint16, error) {
	var buf [2]byte
	if err := b.read(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (b BDA) DWord(off int) (uint32, error) {
	var buf [4]byte
	if err := b.read(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b BDA) SetByte(off int, v uint8) error {
	return b.write(off, []byte{v})
}

func (b BDA) SetWord(off int, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.write(off, buf[:])
}

func (b BDA) SetDWord(off int, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.write(off, buf[:])
}

// CursorPosition returns the row and column stored for a video page.
func (b BDA) CursorPosition(page uint8) (row, col uint8, err error) {
	if page > 7 {
		return 0, 0, fmt.Errorf("bios: video page %d out of range", page)
	}
	v, err := b.Word(BDACursorPositions + 2*int(page))
	if err != nil {
		return 0, 0, err
	}
	return uint8(v >> 8), uint8(v), nil
}

func (b BDA) SetCursorPosition(page, row, col uint8) error {
	if page > 7 {
		return fmt.Errorf("bios: video page %d out of range", page)
	}
	return b.SetWord(BDACursorPositions+2*int(page), uint16(row)<<8|uint16(col))
}

// DataAreaLayout is what the setup callout writes into a fresh BDA.
type DataAreaLayout struct {
	MemoryKB    uint16
	COM1        uint16
	LPT1        uint16
	VideoMode   uint8
	Columns     uint16
	Rows        uint8
	CRTCBase    uint16
	CursorShape uint16
}

// DefaultDataAreaLayout describes a 640 KiB machine with one COM port, one
// LPT port and a colour text adapter.
func DefaultDataAreaLayout() DataAreaLayout {
	return DataAreaLayout{
		MemoryKB:    640,
		COM1:        0x3f8,
		LPT1:        0x378,
		VideoMode:   0x03,
		Columns:     80,
		Rows:        25,
		CRTCBase:    0x3d4,
		CursorShape: 0x0607,
	}
}

// Equipment computes the equipment word for the layout.
func (l DataAreaLayout) Equipment() uint16 {
	eq := EquipmentFPU | EquipmentVideoColor
	if l.VideoMode == 0x07 {
		eq = EquipmentFPU | EquipmentVideoMono
	}
	if l.COM1 != 0 {
		eq |= 1 << equipmentSerialShift
	}
	if l.LPT1 != 0 {
		eq |= 1 << equipmentLPTShift
	}
	return eq
}

// Initialize clears the data area and writes the layout into it.
func (b BDA) Initialize(l DataAreaLayout) error {
	if err := b.write(0, make([]byte, bdaSize)); err != nil {
		return err
	}
	steps := []struct {
		off   int
		width int
		value uint32
	}{
		{BDACOM1Address, 2, uint32(l.COM1)},
		{BDALPT1Address, 2, uint32(l.LPT1)},
		{BDAEquipment, 2, uint32(l.Equipment())},
		{BDAMemorySize, 2, uint32(l.MemoryKB)},
		{BDAKeyboardHead, 2, BDAKeyboardBuffer},
		{BDAKeyboardTail, 2, BDAKeyboardBuffer},
		{BDAKeyboardStart, 2, BDAKeyboardBuffer},
		{BDAKeyboardEnd, 2, bdaKeyboardBufLimit},
		{BDAVideoMode, 1, uint32(l.VideoMode)},
		{BDAColumns, 2, uint32(l.Columns)},
		{BDAPageSize, 2, uint32(l.Columns) * uint32(l.Rows) * 2},
		{BDACursorShape, 2, uint32(l.CursorShape)},
		{BDACRTCBase, 2, uint32(l.CRTCBase)},
		{BDARows, 1, uint32(l.Rows) - 1},
	}
	for _, s := range steps {
		var err error
		switch s.width {
		case 1:
			err = b.SetByte(s.off, uint8(s.value))
		default:
			err = b.SetWord(s.off, uint16(s.value))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
