package pc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

// INT 13h status codes.
const (
	diskStatusOK               = 0x00
	diskStatusInvalidCommand   = 0x01
	diskStatusWriteProtected   = 0x03
	diskStatusSectorNotFound   = 0x04
	diskStatusDMABoundary      = 0x09
	diskStatusBadSectorCount   = 0x0d
	diskStatusControllerFailed = 0x20
	diskStatusNotReady         = 0xaa
)

// INT 13h functions the service implements.
const (
	diskReset          = 0x00
	diskGetStatus      = 0x01
	diskRead           = 0x02
	diskWrite          = 0x03
	diskVerify         = 0x04
	diskGetParameters  = 0x08
	diskSeek           = 0x0c
	diskAlternateReset = 0x0d
	diskTestReady      = 0x10
	diskRecalibrate    = 0x11
	diskDiagnostics    = 0x14
	diskGetType        = 0x15
	diskChangeLine     = 0x16
	diskFirstHardDrive = 0x80
)

// Drive type codes returned by INT 13h 15h.
const (
	diskTypeAbsent      = 0x00
	diskTypeFloppy      = 0x01
	diskTypeFixedDisk   = 0x03
	maxFloppyDrives     = 2
	maxHardDrives       = 2
	dmaBoundary         = 0x10000
	hardDiskCylinderMax = hardDiskMaxCylinders - 1
)

var diskKnownFunctions = map[uint8]string{
	0x00: "reset",
	0x01: "get status",
	0x02: "read sectors",
	0x03: "write sectors",
	0x04: "verify sectors",
	0x05: "format track",
	0x08: "get drive parameters",
	0x0c: "seek",
	0x0d: "alternate reset",
	0x10: "test drive ready",
	0x11: "recalibrate",
	0x14: "controller diagnostics",
	0x15: "get disk type",
	0x16: "detect media change",
	0x41: "check extensions",
	0x42: "extended read",
	0x43: "extended write",
	0x48: "extended get drive parameters",
}

// DiskService answers INT 13h from raw sector images. Floppies are drives
// 00h and 01h, hard disks 80h and 81h. Status bytes are kept in the BIOS
// Data Area, and drives without an image report not ready.
type DiskService struct {
	chipset.BaseDevice

	host   chipset.Host
	logger *slog.Logger

	mu        sync.Mutex
	floppies  [maxFloppyDrives]*DiskImage
	hardDisks [maxHardDrives]*DiskImage
}

func NewDiskService() *DiskService { return &DiskService{logger: slog.Default()} }

func (d *DiskService) Name() string { return "disk" }

func (d *DiskService) Init(host chipset.Host) error {
	d.host = host
	d.logger = host.Logger().With("device", d.Name())
	return nil
}

// Attach puts img behind a BIOS drive number. The image kind must match
// the drive range.
func (d *DiskService) Attach(drive uint8, img *DiskImage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case drive < maxFloppyDrives && img.Kind == DriveFloppy:
		d.floppies[drive] = img
	case drive >= diskFirstHardDrive && drive < diskFirstHardDrive+maxHardDrives && img.Kind == DriveHardDisk:
		d.hardDisks[drive-diskFirstHardDrive] = img
	default:
		return fmt.Errorf("cannot attach %s image as drive 0x%02x", img.Kind, drive)
	}
	return nil
}

// Close releases every attached image.
func (d *DiskService) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, img := range append(d.floppies[:], d.hardDisks[:]...) {
		if img == nil {
			continue
		}
		if err := img.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.floppies = [maxFloppyDrives]*DiskImage{}
	d.hardDisks = [maxHardDrives]*DiskImage{}
	return first
}

func (d *DiskService) drive(n uint8) *DiskImage {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case n < maxFloppyDrives:
		return d.floppies[n]
	case n >= diskFirstHardDrive && n < diskFirstHardDrive+maxHardDrives:
		return d.hardDisks[n-diskFirstHardDrive]
	}
	return nil
}

func countAttached(drives []*DiskImage) int {
	n := 0
	for _, img := range drives {
		if img != nil {
			n++
		}
	}
	return n
}

func (d *DiskService) counts() (floppies, hardDisks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return countAttached(d.floppies[:]), countAttached(d.hardDisks[:])
}

// SetupBDA records the drive counts during BIOS data area setup.
func (d *DiskService) SetupBDA(bda bios.BDA) error {
	floppies, hardDisks := d.counts()
	if err := bda.SetByte(bios.BDAHardDiskCount, uint8(hardDisks)); err != nil {
		return err
	}
	if floppies == 0 {
		return nil
	}
	eq, err := bda.Word(bios.BDAEquipment)
	if err != nil {
		return err
	}
	eq |= bios.EquipmentFloppy | uint16(floppies-1)<<bios.EquipmentFloppyShift
	return bda.SetWord(bios.BDAEquipment, eq)
}

func statusOffset(drive uint8) int {
	if drive >= diskFirstHardDrive {
		return bios.BDAHardDiskStatus
	}
	return bios.BDAFloppyStatus
}

// BIOSCall implements chipset.Device.
func (d *DiskService) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	fn := bios.FunctionNumber(call.Function)
	drive := regs.DL()
	bda := bios.NewBDA(d.host.Memory())

	switch fn {
	case diskGetType:
		d.getType(drive, regs)
		return nil

	case diskGetStatus:
		last, err := bda.Byte(statusOffset(drive))
		if err != nil {
			return err
		}
		regs.SetAH(last)
		regs.SetCarry(last != diskStatusOK)
		return nil
	}

	name, known := diskKnownFunctions[fn]
	if !known {
		name = "unknown"
	}
	var status uint8
	img := d.drive(drive)
	switch {
	case img == nil && known:
		status = diskStatusNotReady
	case img == nil:
		status = diskStatusInvalidCommand
	default:
		status = d.serve(fn, drive, img, regs)
	}
	if status != diskStatusOK {
		d.logger.Debug("disk call failed",
			"function", fmt.Sprintf("0x%02x", fn),
			"name", name,
			"drive", fmt.Sprintf("0x%02x", drive),
			"status", fmt.Sprintf("0x%02x", status))
	}

	if err := bda.SetByte(statusOffset(drive), status); err != nil {
		return err
	}
	regs.SetAH(status)
	regs.SetCarry(status != diskStatusOK)
	return nil
}

func (d *DiskService) getType(drive uint8, regs *hv.Registers) {
	img := d.drive(drive)
	switch {
	case img == nil:
		regs.SetAH(diskTypeAbsent)
	case img.Kind == DriveFloppy:
		regs.SetAH(diskTypeFloppy)
	default:
		regs.SetAH(diskTypeFixedDisk)
		sectors := uint32(img.Sectors())
		regs.SetCX(uint16(sectors >> 16))
		regs.SetDX(uint16(sectors))
	}
	regs.SetCarry(false)
}

func (d *DiskService) serve(fn, drive uint8, img *DiskImage, regs *hv.Registers) uint8 {
	hard := img.Kind == DriveHardDisk
	switch fn {
	case diskReset, diskAlternateReset:
		return diskStatusOK
	case diskRead, diskWrite, diskVerify:
		return d.transfer(fn, img, regs)
	case diskGetParameters:
		d.parameters(drive, img, regs)
		return diskStatusOK
	case diskSeek, diskTestReady, diskRecalibrate, diskDiagnostics:
		if hard {
			return diskStatusOK
		}
	case diskChangeLine:
		if !hard {
			return diskStatusOK
		}
	}
	return diskStatusInvalidCommand
}

func (d *DiskService) parameters(drive uint8, img *DiskImage, regs *hv.Registers) {
	g := img.Geometry
	maxCylinder := min(g.Cylinders-1, hardDiskCylinderMax)
	floppies, hardDisks := d.counts()

	regs.SetAL(0)
	regs.SetCH(uint8(maxCylinder))
	regs.SetCL(uint8(g.SectorsPerTrack&0x3f) | uint8(maxCylinder>>2)&0xc0)
	regs.SetDH(uint8(g.Heads - 1))
	if drive >= diskFirstHardDrive {
		regs.SetDL(uint8(hardDisks))
		return
	}
	regs.SetBL(img.floppyDriveType())
	regs.SetDL(uint8(floppies))
}

// transfer serves read, write and verify. AL holds the sector count, CH and
// the top bits of CL the cylinder, CL bits 0-5 the sector, DH the head and
// ES:BX the buffer.
func (d *DiskService) transfer(fn uint8, img *DiskImage, regs *hv.Registers) uint8 {
	count := int(regs.AL())
	cylinder := int(regs.CH()) | int(regs.CL()&0xc0)<<2
	sector := int(regs.CL() & 0x3f)
	head := int(regs.DH())
	regs.SetAL(0)

	lba, ok := img.Geometry.LBA(cylinder, head, sector)
	if !ok {
		return diskStatusSectorNotFound
	}
	if count == 0 || lba+int64(count) > img.Sectors() {
		return diskStatusBadSectorCount
	}
	size := count * SectorSize
	if int(regs.BX())+size > dmaBoundary {
		return diskStatusDMABoundary
	}
	if fn == diskVerify {
		regs.SetAL(uint8(count))
		return diskStatusOK
	}
	if fn == diskWrite && img.ReadOnly {
		return diskStatusWriteProtected
	}

	addr := int64(regs.ES.Base) + int64(regs.BX())
	buf := make([]byte, size)
	mem := d.host.Memory()
	var err error
	if fn == diskRead {
		if err = img.readSectors(lba, buf); err == nil {
			_, err = mem.WriteAt(buf, addr)
		}
	} else {
		if _, err = mem.ReadAt(buf, addr); err == nil {
			err = img.writeSectors(lba, buf)
		}
	}
	if err != nil {
		d.logger.Warn("disk transfer failed", "lba", lba, "count", count, "error", err)
		return diskStatusControllerFailed
	}
	regs.SetAL(uint8(count))
	return diskStatusOK
}

var _ chipset.Device = (*DiskService)(nil)
