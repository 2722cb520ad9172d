package pc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

type fakeTicks struct{ n atomic.Uint64 }

func (f *fakeTicks) Ticks() uint64 { return f.n.Load() }

var rtcTestTime = time.Date(2024, time.March, 5, 13, 45, 30, 0, time.UTC)

func newTestRTC(t *testing.T) (*RTC, *fakeTicks) {
	t.Helper()
	ticks := &fakeTicks{}
	rtc := NewRTC(ticks, WithRTCClock(func() time.Time { return rtcTestTime }))
	if err := rtc.Init(newTestHost()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return rtc, ticks
}

func readCMOS(t *testing.T, rtc *RTC, idx byte) byte {
	t.Helper()
	if err := rtc.WriteIOPort(RTCIndexPort, []byte{idx}); err != nil {
		t.Fatalf("select 0x%02x: %v", idx, err)
	}
	data := []byte{0}
	if err := rtc.ReadIOPort(RTCDataPort, data); err != nil {
		t.Fatalf("read 0x%02x: %v", idx, err)
	}
	return data[0]
}

func writeCMOS(t *testing.T, rtc *RTC, idx, value byte) {
	t.Helper()
	if err := rtc.WriteIOPort(RTCIndexPort, []byte{idx}); err != nil {
		t.Fatalf("select 0x%02x: %v", idx, err)
	}
	if err := rtc.WriteIOPort(RTCDataPort, []byte{value}); err != nil {
		t.Fatalf("write 0x%02x: %v", idx, err)
	}
}

func rtcCall(t *testing.T, rtc *RTC, regs *hv.Registers) {
	t.Helper()
	call := &chipset.BIOSCall{Subsystem: 0xe8, Function: regs.AX(), Regs: regs}
	if err := rtc.BIOSCall(context.Background(), call); err != nil {
		t.Fatalf("BIOSCall 0x%04x: %v", regs.AX(), err)
	}
}

func TestRTCRegistersBCD(t *testing.T) {
	rtc, _ := newTestRTC(t)
	want := map[byte]byte{
		rtcRegSeconds:    0x30,
		rtcRegMinutes:    0x45,
		rtcRegHours:      0x13,
		rtcRegDayOfMonth: 0x05,
		rtcRegMonth:      0x03,
		rtcRegYear:       0x24,
		rtcRegCentury:    0x20,
		rtcRegWeekday:    0x03,
	}
	for idx, v := range want {
		if got := readCMOS(t, rtc, idx); got != v {
			t.Fatalf("CMOS[0x%02x] = 0x%02x, want 0x%02x", idx, got, v)
		}
	}
	if got := readCMOS(t, rtc, rtcRegStatusD); got&statusDValidRAM == 0 {
		t.Fatalf("status D = 0x%02x", got)
	}
}

func TestRTC12HourBinary(t *testing.T) {
	rtc, _ := newTestRTC(t)
	writeCMOS(t, rtc, rtcRegStatusB, statusBBinaryMode)
	if got := readCMOS(t, rtc, rtcRegHours); got != 0x81 {
		t.Fatalf("hours = 0x%02x, want 0x81", got)
	}
	if got := readCMOS(t, rtc, rtcRegMinutes); got != 45 {
		t.Fatalf("minutes = %d", got)
	}
}

func TestRTCWriteMovesClock(t *testing.T) {
	rtc, _ := newTestRTC(t)
	writeCMOS(t, rtc, rtcRegMinutes, 0x10)
	if got := readCMOS(t, rtc, rtcRegMinutes); got != 0x10 {
		t.Fatalf("minutes = 0x%02x after write", got)
	}
	if got := readCMOS(t, rtc, rtcRegHours); got != 0x13 {
		t.Fatalf("hours = 0x%02x, changed by minute write", got)
	}
}

func TestRTCScratchRAM(t *testing.T) {
	rtc, _ := newTestRTC(t)
	writeCMOS(t, rtc, 0x40, 0x5a)
	if got := readCMOS(t, rtc, 0x40); got != 0x5a {
		t.Fatalf("CMOS[0x40] = 0x%02x", got)
	}
	// Bit 7 of the index port masks NMI and is not part of the index.
	if err := rtc.WriteIOPort(RTCIndexPort, []byte{0x80 | 0x40}); err != nil {
		t.Fatalf("select: %v", err)
	}
	data := []byte{0}
	if err := rtc.ReadIOPort(RTCDataPort, data); err != nil || data[0] != 0x5a {
		t.Fatalf("read with NMI mask = 0x%02x, %v", data[0], err)
	}
}

func TestRTCReadTimeAndDate(t *testing.T) {
	rtc, _ := newTestRTC(t)

	regs := &hv.Registers{RAX: 0x0200, RFLAGS: hv.FlagCarry}
	rtcCall(t, rtc, regs)
	if regs.CH() != 0x13 || regs.CL() != 0x45 || regs.DH() != 0x30 || regs.DL() != 0 || regs.Carry() {
		t.Fatalf("time CX=%04x DX=%04x carry=%v", regs.CX(), regs.DX(), regs.Carry())
	}

	regs = &hv.Registers{RAX: 0x0400, RFLAGS: hv.FlagCarry}
	rtcCall(t, rtc, regs)
	if regs.CX() != 0x2024 || regs.DX() != 0x0305 || regs.Carry() {
		t.Fatalf("date CX=%04x DX=%04x carry=%v", regs.CX(), regs.DX(), regs.Carry())
	}
}

func TestRTCSetTime(t *testing.T) {
	rtc, _ := newTestRTC(t)
	regs := &hv.Registers{RAX: 0x0300, RCX: 0x0815, RDX: 0x0900}
	rtcCall(t, rtc, regs)

	regs = &hv.Registers{RAX: 0x0200}
	rtcCall(t, rtc, regs)
	if regs.CX() != 0x0815 || regs.DH() != 0x09 {
		t.Fatalf("time after set CX=%04x DH=%02x", regs.CX(), regs.DH())
	}
}

func TestRTCTickCount(t *testing.T) {
	rtc, ticks := newTestRTC(t)
	ticks.n.Store(10)

	regs := &hv.Registers{RAX: 0x0000, RFLAGS: hv.FlagCarry}
	rtcCall(t, rtc, regs)
	want := uint32((13*3600+45*60+30)*ticksPerDay/86400 + 10)
	got := uint32(regs.CX())<<16 | uint32(regs.DX())
	if got != want || regs.Carry() {
		t.Fatalf("tick count = %d, want %d (carry=%v)", got, want, regs.Carry())
	}

	regs = &hv.Registers{RAX: 0x0100, RCX: 0, RDX: 100}
	rtcCall(t, rtc, regs)
	ticks.n.Add(5)
	regs = &hv.Registers{RAX: 0x0000}
	rtcCall(t, rtc, regs)
	if regs.DX() != 105 || regs.CX() != 0 {
		t.Fatalf("tick count after set = %04x:%04x", regs.CX(), regs.DX())
	}
}

func TestRTCTickRollover(t *testing.T) {
	rtc, ticks := newTestRTC(t)
	regs := &hv.Registers{RAX: 0x0100, RCX: 0x0018, RDX: 0x00af}
	rtcCall(t, rtc, regs)
	ticks.n.Add(1)

	regs = &hv.Registers{RAX: 0x0000}
	rtcCall(t, rtc, regs)
	if regs.CX() != 0 || regs.DX() != 0 || regs.AL() != 1 {
		t.Fatalf("rollover read CX=%04x DX=%04x AL=%d", regs.CX(), regs.DX(), regs.AL())
	}
	regs = &hv.Registers{RAX: 0x0000}
	rtcCall(t, rtc, regs)
	if regs.AL() != 0 {
		t.Fatalf("rollover flag not cleared")
	}
}

func TestRTCAlarmAndUnknown(t *testing.T) {
	rtc, _ := newTestRTC(t)
	regs := &hv.Registers{RAX: 0x0600, RCX: 0x0700}
	rtcCall(t, rtc, regs)
	if regs.Carry() {
		t.Fatalf("set alarm failed")
	}
	regs = &hv.Registers{RAX: 0x0600}
	rtcCall(t, rtc, regs)
	if !regs.Carry() {
		t.Fatalf("second alarm accepted while one is armed")
	}
	regs = &hv.Registers{RAX: 0x0700, RFLAGS: hv.FlagCarry}
	rtcCall(t, rtc, regs)
	if regs.Carry() {
		t.Fatalf("reset alarm failed")
	}

	regs = &hv.Registers{RAX: 0x0a00}
	rtcCall(t, rtc, regs)
	if !regs.Carry() {
		t.Fatalf("unimplemented function cleared carry")
	}
}
