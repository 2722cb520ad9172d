package pc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// SectorSize is the only sector size INT 13h CHS calls use.
const SectorSize = 512

var (
	ErrUnknownFloppySize = errors.New("image size does not match a floppy format")
	ErrBadImageSize      = errors.New("image size is not a whole number of sectors")
)

// DriveKind selects the INT 13h personality of an attached image.
type DriveKind uint8

const (
	DriveFloppy DriveKind = iota
	DriveHardDisk
)

func (k DriveKind) String() string {
	if k == DriveHardDisk {
		return "hard disk"
	}
	return "floppy"
}

// Geometry is a cylinder/head/sector layout.
type Geometry struct {
	Cylinders       int
	Heads           int
	SectorsPerTrack int
}

// Sectors is the number of CHS addressable sectors.
func (g Geometry) Sectors() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.SectorsPerTrack)
}

// LBA converts a cylinder, head and 1-based sector to a linear sector.
func (g Geometry) LBA(cylinder, head, sector int) (int64, bool) {
	if cylinder >= g.Cylinders || head >= g.Heads || sector < 1 || sector > g.SectorsPerTrack {
		return 0, false
	}
	return (int64(cylinder)*int64(g.Heads)+int64(head))*int64(g.SectorsPerTrack) + int64(sector-1), true
}

// floppyFormat is a standard diskette layout and its CMOS drive type.
type floppyFormat struct {
	geometry  Geometry
	driveType uint8
}

var floppyFormats = map[int64]floppyFormat{
	160 * 1024:  {Geometry{40, 1, 8}, 1},
	180 * 1024:  {Geometry{40, 1, 9}, 1},
	320 * 1024:  {Geometry{40, 2, 8}, 1},
	360 * 1024:  {Geometry{40, 2, 9}, 1},
	720 * 1024:  {Geometry{80, 2, 9}, 3},
	1200 * 1024: {Geometry{80, 2, 15}, 2},
	1440 * 1024: {Geometry{80, 2, 18}, 4},
	2880 * 1024: {Geometry{80, 2, 36}, 6},
}

// FloppyGeometry matches size against the standard diskette formats.
func FloppyGeometry(size int64) (Geometry, error) {
	f, ok := floppyFormats[size]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: %d bytes", ErrUnknownFloppySize, size)
	}
	return f.geometry, nil
}

// Hard disk translation used for images: 16 heads of 63 sectors, at most
// 1024 cylinders. Sectors past the last whole cylinder are not CHS
// addressable.
const (
	hardDiskHeads        = 16
	hardDiskSectors      = 63
	hardDiskMaxCylinders = 1024
)

// HardDiskGeometry derives a CHS layout from the image size.
func HardDiskGeometry(size int64) (Geometry, error) {
	if size <= 0 || size%SectorSize != 0 {
		return Geometry{}, fmt.Errorf("%w: %d bytes", ErrBadImageSize, size)
	}
	total := size / SectorSize
	g := Geometry{Heads: hardDiskHeads, SectorsPerTrack: hardDiskSectors}
	if total < hardDiskHeads*hardDiskSectors {
		g.Heads = 1
		if total < hardDiskSectors {
			g.SectorsPerTrack = int(total)
		}
	}
	g.Cylinders = int(min(total/int64(g.Heads*g.SectorsPerTrack), hardDiskMaxCylinders))
	return g, nil
}

// Backing is the storage behind a disk image.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// DiskImage is a raw sector image attached to an INT 13h drive.
type DiskImage struct {
	Kind     DriveKind
	Geometry Geometry
	ReadOnly bool

	mu      sync.Mutex
	backing Backing
	sectors int64
	closer  io.Closer
}

// NewDiskImage wraps backing, which holds size bytes, as a drive of kind.
func NewDiskImage(backing Backing, size int64, kind DriveKind, readOnly bool) (*DiskImage, error) {
	var (
		g   Geometry
		err error
	)
	switch kind {
	case DriveFloppy:
		g, err = FloppyGeometry(size)
	case DriveHardDisk:
		g, err = HardDiskGeometry(size)
	default:
		err = fmt.Errorf("unknown drive kind %d", kind)
	}
	if err != nil {
		return nil, err
	}
	return &DiskImage{
		Kind:     kind,
		Geometry: g,
		ReadOnly: readOnly,
		backing:  backing,
		sectors:  size / SectorSize,
	}, nil
}

// OpenDiskImage opens path read-write, falling back to read-only when the
// file is not writable.
func OpenDiskImage(path string, kind DriveKind) (*DiskImage, error) {
	readOnly := false
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrPermission) {
		readOnly = true
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open disk image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk image: %w", err)
	}
	img, err := NewDiskImage(f, info.Size(), kind, readOnly)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.closer = f
	return img, nil
}

// Sectors is the total number of sectors in the image.
func (d *DiskImage) Sectors() int64 { return d.sectors }

// floppyDriveType is the INT 13h 08h BL value for a diskette image.
func (d *DiskImage) floppyDriveType() uint8 {
	return floppyFormats[d.sectors*SectorSize].driveType
}

func (d *DiskImage) readSectors(lba int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.backing.ReadAt(buf, lba*SectorSize); err != nil {
		return err
	}
	return nil
}

func (d *DiskImage) writeSectors(lba int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.backing.WriteAt(buf, lba*SectorSize)
	return err
}

func (d *DiskImage) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
