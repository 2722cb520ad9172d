package pc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

func diskCall(t *testing.T, d *DiskService, regs *hv.Registers) {
	t.Helper()
	if err := d.BIOSCall(context.Background(), &chipset.BIOSCall{Subsystem: 0xe1, Function: regs.AX(), Regs: regs}); err != nil {
		t.Fatalf("INT 13h AX=%04x: %v", regs.AX(), err)
	}
}

func TestDiskServiceReportsNoDrives(t *testing.T) {
	host := newTestHost()
	d := NewDiskService()
	if err := d.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}

	regs := &hv.Registers{RAX: 0x1500, RDX: 0x0080, RFLAGS: hv.FlagCarry}
	diskCall(t, d, regs)
	if regs.AH() != 0 || regs.Carry() {
		t.Fatalf("get type AH=0x%02x carry=%v", regs.AH(), regs.Carry())
	}

	regs = &hv.Registers{RAX: 0x0201, RDX: 0x0000}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusNotReady || !regs.Carry() {
		t.Fatalf("floppy read AH=0x%02x carry=%v", regs.AH(), regs.Carry())
	}
	bda := bios.NewBDA(host.Memory())
	if st, _ := bda.Byte(bios.BDAFloppyStatus); st != diskStatusNotReady {
		t.Fatalf("floppy status byte = 0x%02x", st)
	}

	regs = &hv.Registers{RAX: 0x7700, RDX: 0x0080}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusInvalidCommand || !regs.Carry() {
		t.Fatalf("unknown function AH=0x%02x", regs.AH())
	}
	if st, _ := bda.Byte(bios.BDAHardDiskStatus); st != diskStatusInvalidCommand {
		t.Fatalf("hard disk status byte = 0x%02x", st)
	}

	regs = &hv.Registers{RAX: 0x0100, RDX: 0x0080}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusInvalidCommand || !regs.Carry() {
		t.Fatalf("get status AH=0x%02x carry=%v", regs.AH(), regs.Carry())
	}
}

// sectorPattern is the byte every sector of a test image is filled with.
func sectorPattern(lba int64) byte { return byte(lba*7 + 1) }

// writeDiskImage creates a sparse image of size bytes whose leading sectors
// carry sectorPattern.
func writeDiskImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate image: %v", err)
	}
	sector := make([]byte, SectorSize)
	for lba := int64(0); lba < min(size/SectorSize, 4096); lba++ {
		for i := range sector {
			sector[i] = sectorPattern(lba)
		}
		if _, err := f.WriteAt(sector, lba*SectorSize); err != nil {
			t.Fatalf("fill image: %v", err)
		}
	}
	return path
}

func attachImage(t *testing.T, d *DiskService, drive uint8, kind DriveKind, size int64) string {
	t.Helper()
	path := writeDiskImage(t, size)
	img, err := OpenDiskImage(path, kind)
	if err != nil {
		t.Fatalf("OpenDiskImage: %v", err)
	}
	if err := d.Attach(drive, img); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return path
}

func newDiskService(t *testing.T) (*DiskService, *testHost) {
	t.Helper()
	host := newTestHost()
	d := NewDiskService()
	if err := d.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, host
}

const (
	floppy360K = 360 * 1024
	floppy144M = 1440 * 1024
	disk10M    = 10 * 1024 * 1024
	disk512M   = 512 * 1024 * 1024
)

func TestDiskGeometry(t *testing.T) {
	tests := []struct {
		name    string
		kind    DriveKind
		size    int64
		want    Geometry
		wantErr error
	}{
		{"floppy 360K", DriveFloppy, floppy360K, Geometry{40, 2, 9}, nil},
		{"floppy 720K", DriveFloppy, 720 * 1024, Geometry{80, 2, 9}, nil},
		{"floppy 1.44M", DriveFloppy, floppy144M, Geometry{80, 2, 18}, nil},
		{"floppy 2.88M", DriveFloppy, 2880 * 1024, Geometry{80, 2, 36}, nil},
		{"floppy odd size", DriveFloppy, 1000 * 1024, Geometry{}, ErrUnknownFloppySize},
		{"hard disk 10M", DriveHardDisk, disk10M, Geometry{20, 16, 63}, nil},
		{"hard disk 512M capped", DriveHardDisk, disk512M, Geometry{1024, 16, 63}, nil},
		{"hard disk one track", DriveHardDisk, 64 * SectorSize, Geometry{1, 1, 63}, nil},
		{"hard disk tiny", DriveHardDisk, 32 * SectorSize, Geometry{1, 1, 32}, nil},
		{"hard disk partial sector", DriveHardDisk, 1000, Geometry{}, ErrBadImageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got Geometry
				err error
			)
			if tt.kind == DriveFloppy {
				got, err = FloppyGeometry(tt.size)
			} else {
				got, err = HardDiskGeometry(tt.size)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("geometry: %v", err)
			}
			if got != tt.want {
				t.Fatalf("geometry = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDiskReadSectors(t *testing.T) {
	tests := []struct {
		name    string
		ax      uint16
		cx      uint16
		dx      uint16
		bx      uint16
		wantAH  uint8
		wantAL  uint8
		wantLBA int64
	}{
		{"first sector", 0x0201, 0x0001, 0x0000, 0x0000, diskStatusOK, 1, 0},
		{"two sectors across a head", 0x0202, 0x0112, 0x0100, 0x0200, diskStatusOK, 2, 71},
		{"verify", 0x0403, 0x0001, 0x0000, 0x0000, diskStatusOK, 3, -1},
		{"sector zero", 0x0201, 0x0000, 0x0000, 0x0000, diskStatusSectorNotFound, 0, -1},
		{"sector past track", 0x0201, 0x0013, 0x0000, 0x0000, diskStatusSectorNotFound, 0, -1},
		{"head past geometry", 0x0201, 0x0001, 0x0200, 0x0000, diskStatusSectorNotFound, 0, -1},
		{"cylinder past geometry", 0x0201, 0x5001, 0x0000, 0x0000, diskStatusSectorNotFound, 0, -1},
		{"runs off the end", 0x0202, 0x4f12, 0x0100, 0x0000, diskStatusBadSectorCount, 0, -1},
		{"zero count", 0x0200, 0x0001, 0x0000, 0x0000, diskStatusBadSectorCount, 0, -1},
		{"crosses 64K", 0x0201, 0x0001, 0x0000, 0xff00, diskStatusDMABoundary, 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, host := newDiskService(t)
			attachImage(t, d, 0x00, DriveFloppy, floppy144M)

			regs := &hv.Registers{RAX: uint64(tt.ax), RBX: uint64(tt.bx), RCX: uint64(tt.cx), RDX: uint64(tt.dx), ES: hv.RealModeSegment(0x0700)}
			diskCall(t, d, regs)
			if regs.AH() != tt.wantAH || regs.AL() != tt.wantAL {
				t.Fatalf("AH=0x%02x AL=%d, want AH=0x%02x AL=%d", regs.AH(), regs.AL(), tt.wantAH, tt.wantAL)
			}
			if regs.Carry() != (tt.wantAH != diskStatusOK) {
				t.Fatalf("carry = %v with status 0x%02x", regs.Carry(), regs.AH())
			}
			bda := bios.NewBDA(host.Memory())
			if st, _ := bda.Byte(bios.BDAFloppyStatus); st != tt.wantAH {
				t.Fatalf("floppy status byte = 0x%02x", st)
			}
			if tt.wantLBA < 0 {
				return
			}
			got := make([]byte, int(tt.wantAL)*SectorSize)
			if _, err := host.Memory().ReadAt(got, 0x7000+int64(tt.bx)); err != nil {
				t.Fatalf("read guest memory: %v", err)
			}
			for i := 0; i < int(tt.wantAL); i++ {
				want := bytes.Repeat([]byte{sectorPattern(tt.wantLBA + int64(i))}, SectorSize)
				if !bytes.Equal(got[i*SectorSize:(i+1)*SectorSize], want) {
					t.Fatalf("sector %d holds 0x%02x, want 0x%02x", i, got[i*SectorSize], want[0])
				}
			}
		})
	}
}

func TestDiskWriteSectors(t *testing.T) {
	d, host := newDiskService(t)
	path := attachImage(t, d, 0x80, DriveHardDisk, disk10M)

	payload := bytes.Repeat([]byte{0x5a, 0xa5}, SectorSize)
	if _, err := host.Memory().WriteAt(payload, 0x8000); err != nil {
		t.Fatalf("seed guest memory: %v", err)
	}
	// Cylinder 1, head 2, sector 5: LBA (1*16+2)*63+4.
	regs := &hv.Registers{RAX: 0x0302, RCX: 0x0105, RDX: 0x0280, ES: hv.RealModeSegment(0x0800)}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusOK || regs.AL() != 2 || regs.Carry() {
		t.Fatalf("write AH=0x%02x AL=%d carry=%v", regs.AH(), regs.AL(), regs.Carry())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	const lba = (1*16+2)*63 + 4
	if got := raw[lba*SectorSize : (lba+2)*SectorSize]; !bytes.Equal(got, payload) {
		t.Fatalf("image sectors not written")
	}
	if raw[(lba+2)*SectorSize] != sectorPattern(lba+2) {
		t.Fatalf("write spilled past the requested sectors")
	}
}

func TestDiskWriteProtected(t *testing.T) {
	d, _ := newDiskService(t)
	path := writeDiskImage(t, floppy360K)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := NewDiskImage(f, floppy360K, DriveFloppy, true)
	if err != nil {
		t.Fatalf("NewDiskImage: %v", err)
	}
	if err := d.Attach(0x01, img); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	regs := &hv.Registers{RAX: 0x0301, RCX: 0x0001, RDX: 0x0001}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusWriteProtected || !regs.Carry() {
		t.Fatalf("write AH=0x%02x carry=%v", regs.AH(), regs.Carry())
	}

	regs = &hv.Registers{RAX: 0x0201, RCX: 0x0001, RDX: 0x0001}
	diskCall(t, d, regs)
	if regs.AH() != diskStatusOK || regs.AL() != 1 {
		t.Fatalf("read AH=0x%02x AL=%d", regs.AH(), regs.AL())
	}
}

func TestDiskParameters(t *testing.T) {
	d, _ := newDiskService(t)
	attachImage(t, d, 0x00, DriveFloppy, floppy144M)
	attachImage(t, d, 0x80, DriveHardDisk, disk10M)
	attachImage(t, d, 0x81, DriveHardDisk, disk512M)

	tests := []struct {
		name   string
		drive  uint16
		wantBL uint8
		wantCX uint16
		wantDX uint16
	}{
		{"floppy 1.44M", 0x00, 4, 79<<8 | 18, 0x0101},
		{"hard disk 10M", 0x80, 0, 19<<8 | 63, 0x0f02},
		{"hard disk 1024 cylinders", 0x81, 0, 0xffff, 0x0f02},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs := &hv.Registers{RAX: 0x0800, RDX: uint64(tt.drive)}
			diskCall(t, d, regs)
			if regs.AH() != diskStatusOK || regs.Carry() {
				t.Fatalf("AH=0x%02x carry=%v", regs.AH(), regs.Carry())
			}
			if regs.BL() != tt.wantBL || regs.CX() != tt.wantCX || regs.DX() != tt.wantDX {
				t.Fatalf("BL=%d CX=%04x DX=%04x, want BL=%d CX=%04x DX=%04x",
					regs.BL(), regs.CX(), regs.DX(), tt.wantBL, tt.wantCX, tt.wantDX)
			}
		})
	}
}

func TestDiskGetType(t *testing.T) {
	d, _ := newDiskService(t)
	attachImage(t, d, 0x00, DriveFloppy, floppy144M)
	attachImage(t, d, 0x80, DriveHardDisk, disk512M)

	tests := []struct {
		name   string
		drive  uint16
		wantAH uint8
		wantCX uint16
		wantDX uint16
	}{
		{"floppy", 0x00, diskTypeFloppy, 0, 0},
		{"hard disk", 0x80, diskTypeFixedDisk, 0x0010, 0x0000},
		{"absent floppy", 0x01, diskTypeAbsent, 0, 0},
		{"absent hard disk", 0x81, diskTypeAbsent, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs := &hv.Registers{RAX: 0x1500, RDX: uint64(tt.drive), RFLAGS: hv.FlagCarry}
			diskCall(t, d, regs)
			if regs.AH() != tt.wantAH || regs.Carry() {
				t.Fatalf("AH=%d carry=%v, want AH=%d", regs.AH(), regs.Carry(), tt.wantAH)
			}
			if tt.wantAH == diskTypeFixedDisk && (regs.CX() != tt.wantCX || regs.DX() != tt.wantDX) {
				t.Fatalf("CX:DX = %04x:%04x, want %04x:%04x", regs.CX(), regs.DX(), tt.wantCX, tt.wantDX)
			}
		})
	}
}

func TestDiskSetupBDA(t *testing.T) {
	tests := []struct {
		name       string
		floppies   []uint8
		hardDisks  []uint8
		wantFloppy uint16
		wantCount  uint8
	}{
		{"no drives", nil, nil, 0, 0},
		{"one floppy", []uint8{0x00}, nil, bios.EquipmentFloppy, 0},
		{"two floppies and a hard disk", []uint8{0x00, 0x01}, []uint8{0x80}, bios.EquipmentFloppy | 1<<bios.EquipmentFloppyShift, 1},
		{"two hard disks", nil, []uint8{0x80, 0x81}, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, host := newDiskService(t)
			for _, drive := range tt.floppies {
				attachImage(t, d, drive, DriveFloppy, floppy360K)
			}
			for _, drive := range tt.hardDisks {
				attachImage(t, d, drive, DriveHardDisk, 64*SectorSize)
			}
			layout := bios.DefaultDataAreaLayout()
			bda := bios.NewBDA(host.Memory())
			if err := bda.Initialize(layout); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if err := d.SetupBDA(bda); err != nil {
				t.Fatalf("SetupBDA: %v", err)
			}
			eq, _ := bda.Word(bios.BDAEquipment)
			if want := layout.Equipment() | tt.wantFloppy; eq != want {
				t.Fatalf("equipment = 0x%04x, want 0x%04x", eq, want)
			}
			if n, _ := bda.Byte(bios.BDAHardDiskCount); n != tt.wantCount {
				t.Fatalf("hard disk count = %d, want %d", n, tt.wantCount)
			}
		})
	}
}

func TestDiskAttachRejectsMismatchedKind(t *testing.T) {
	d, _ := newDiskService(t)
	f, err := os.Open(writeDiskImage(t, floppy360K))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := NewDiskImage(f, floppy360K, DriveFloppy, true)
	if err != nil {
		t.Fatalf("NewDiskImage: %v", err)
	}
	if err := d.Attach(0x80, img); err == nil {
		t.Fatalf("floppy image attached as drive 0x80")
	}
	if err := d.Attach(0x02, img); err == nil {
		t.Fatalf("floppy image attached as drive 0x02")
	}
}

func TestPort92(t *testing.T) {
	p := NewPort92()
	if err := p.Init(newTestHost()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !p.A20() {
		t.Fatalf("A20 disabled at reset")
	}
	if err := p.WriteIOPort(SystemControlPortA, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := []byte{0xff}
	if err := p.ReadIOPort(SystemControlPortA, data); err != nil {
		t.Fatalf("read: %v", err)
	}
	if data[0] != 0 || p.A20() {
		t.Fatalf("port 92 = 0x%02x, A20=%v", data[0], p.A20())
	}
}
