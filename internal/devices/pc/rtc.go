package pc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	RTCIndexPort uint16 = 0x70
	RTCDataPort  uint16 = 0x71

	rtcRegSeconds      byte = 0x00
	rtcRegSecondsAlarm byte = 0x01
	rtcRegMinutes      byte = 0x02
	rtcRegMinutesAlarm byte = 0x03
	rtcRegHours        byte = 0x04
	rtcRegHoursAlarm   byte = 0x05
	rtcRegWeekday      byte = 0x06
	rtcRegDayOfMonth   byte = 0x07
	rtcRegMonth        byte = 0x08
	rtcRegYear         byte = 0x09
	rtcRegStatusA      byte = 0x0a
	rtcRegStatusB      byte = 0x0b
	rtcRegStatusC      byte = 0x0c
	rtcRegStatusD      byte = 0x0d
	rtcRegCentury      byte = 0x32

	statusAUpdateInProgress = 1 << 7

	statusBSet             = 1 << 7
	statusBAlarmEnable     = 1 << 5
	statusBBinaryMode      = 1 << 2
	statusB24HourMode      = 1 << 1
	statusBDaylightSavings = 1 << 0

	statusDValidRAM = 1 << 7
)

// Ticks per day of the 18.2 Hz system timer, as counted in the BDA.
const ticksPerDay = 0x1800b0

// TickSource counts system timer interrupts.
type TickSource interface {
	Ticks() uint64
}

// RTC is an MC146818 style clock with 128 bytes of CMOS RAM. It also serves
// the INT 1Ah time services.
type RTC struct {
	chipset.BaseDevice

	mu        sync.Mutex
	index     byte
	nmiMasked bool
	ram       [128]byte

	now    func() time.Time
	offset time.Duration

	ticks     TickSource
	tickBase  uint64
	tickEpoch uint64
	rollover  bool

	logger *slog.Logger
}

// RTCOption customises the RTC for tests.
type RTCOption func(*RTC)

// WithRTCClock overrides the wall clock backing the time registers.
func WithRTCClock(now func() time.Time) RTCOption {
	return func(r *RTC) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRTC builds the clock. ticks feeds INT 1Ah function 0 and may be nil.
func NewRTC(ticks TickSource, opts ...RTCOption) *RTC {
	r := &RTC{
		now:    time.Now,
		ticks:  ticks,
		logger: slog.Default(),
	}
	r.ram[rtcRegStatusA] = 0x26
	r.ram[rtcRegStatusB] = statusB24HourMode
	r.ram[rtcRegStatusD] = statusDValidRAM
	for _, opt := range opts {
		opt(r)
	}
	r.tickBase = ticksSinceMidnight(r.now())
	return r
}

func (r *RTC) Name() string { return "rtc" }

func (r *RTC) Ports() chipset.PortRange { return chipset.Ports(RTCIndexPort, RTCDataPort) }

func (r *RTC) Init(host chipset.Host) error {
	r.logger = host.Logger().With("device", r.Name())
	return nil
}

// ReadIOPort implements chipset.Device.
func (r *RTC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("rtc: invalid read size %d", len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch port {
	case RTCIndexPort:
		chipset.FloatingBus(data)
	case RTCDataPort:
		data[0] = r.readRegisterLocked(r.index)
	default:
		return fmt.Errorf("rtc: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.Device.
func (r *RTC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("rtc: invalid write size %d", len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch port {
	case RTCIndexPort:
		r.index = data[0] & 0x7f
		r.nmiMasked = data[0]&0x80 != 0
	case RTCDataPort:
		r.writeRegisterLocked(r.index, data[0])
	default:
		return fmt.Errorf("rtc: invalid write port 0x%04x", port)
	}
	return nil
}

func (r *RTC) clockLocked() time.Time {
	t := r.now().Add(r.offset)
	if r.ram[rtcRegStatusB]&statusBDaylightSavings != 0 {
		t = t.Add(time.Hour)
	}
	return t
}

func (r *RTC) readRegisterLocked(idx byte) byte {
	switch idx {
	case rtcRegStatusA:
		return r.ram[rtcRegStatusA] &^ statusAUpdateInProgress
	case rtcRegStatusC:
		v := r.ram[rtcRegStatusC]
		r.ram[rtcRegStatusC] = 0
		return v
	case rtcRegSeconds, rtcRegMinutes, rtcRegHours, rtcRegWeekday,
		rtcRegDayOfMonth, rtcRegMonth, rtcRegYear, rtcRegCentury:
		f := fieldsFromTime(r.clockLocked())
		f.encode(r.ram[rtcRegStatusB])
		return f.get(idx)
	}
	return r.ram[idx]
}

func (r *RTC) writeRegisterLocked(idx, value byte) {
	switch idx {
	case rtcRegStatusA:
		r.ram[idx] = value &^ statusAUpdateInProgress
	case rtcRegStatusB:
		r.ram[idx] = value
	case rtcRegStatusC, rtcRegStatusD:
	case rtcRegSeconds, rtcRegMinutes, rtcRegHours, rtcRegWeekday,
		rtcRegDayOfMonth, rtcRegMonth, rtcRegYear, rtcRegCentury:
		statusB := r.ram[rtcRegStatusB]
		v := value
		if idx == rtcRegHours && statusB&statusB24HourMode == 0 {
			pm := v&0x80 != 0
			v &^= 0x80
			if statusB&statusBBinaryMode == 0 {
				v = fromBCD(v)
			}
			v = decode12Hour(v, pm)
		} else if statusB&statusBBinaryMode == 0 {
			v = fromBCD(v)
		}
		r.setFieldLocked(idx, v)
	default:
		r.ram[idx] = value
	}
}

// setFieldLocked moves the clock offset so that field idx reads back as v.
func (r *RTC) setFieldLocked(idx, v byte) {
	cur := r.clockLocked()
	f := fieldsFromTime(cur)
	f.set(idx, v)
	want := f.time(cur)
	r.offset += want.Sub(cur)
}

// INT 1Ah functions.
const (
	rtcReadTickCount = 0x00
	rtcSetTickCount  = 0x01
	rtcReadTime      = 0x02
	rtcSetTime       = 0x03
	rtcReadDate      = 0x04
	rtcSetDate       = 0x05
	rtcSetAlarm      = 0x06
	rtcResetAlarm    = 0x07
)

// BIOSCall serves INT 1Ah.
func (r *RTC) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	fn := bios.FunctionNumber(call.Function)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch fn {
	case rtcReadTickCount:
		count := r.tickCountLocked()
		regs.SetCX(uint16(count >> 16))
		regs.SetDX(uint16(count))
		if r.rollover {
			regs.SetAL(1)
			r.rollover = false
		} else {
			regs.SetAL(0)
		}
		regs.SetCarry(false)

	case rtcSetTickCount:
		r.tickBase = uint64(regs.CX())<<16 | uint64(regs.DX())
		r.tickEpoch = r.pitTicks()
		r.rollover = false
		regs.SetCarry(false)

	case rtcReadTime:
		f := fieldsFromTime(r.clockLocked())
		regs.SetCH(toBCD(f.hour))
		regs.SetCL(toBCD(f.minute))
		regs.SetDH(toBCD(f.second))
		if r.ram[rtcRegStatusB]&statusBDaylightSavings != 0 {
			regs.SetDL(1)
		} else {
			regs.SetDL(0)
		}
		regs.SetCarry(false)

	case rtcSetTime:
		r.setFieldLocked(rtcRegHours, fromBCD(regs.CH()))
		r.setFieldLocked(rtcRegMinutes, fromBCD(regs.CL()))
		r.setFieldLocked(rtcRegSeconds, fromBCD(regs.DH()))
		if regs.DL() != 0 {
			r.ram[rtcRegStatusB] |= statusBDaylightSavings
		} else {
			r.ram[rtcRegStatusB] &^= statusBDaylightSavings
		}
		regs.SetCarry(false)

	case rtcReadDate:
		f := fieldsFromTime(r.clockLocked())
		regs.SetCH(toBCD(f.century))
		regs.SetCL(toBCD(f.year))
		regs.SetDH(toBCD(f.month))
		regs.SetDL(toBCD(f.day))
		regs.SetCarry(false)

	case rtcSetDate:
		r.setFieldLocked(rtcRegCentury, fromBCD(regs.CH()))
		r.setFieldLocked(rtcRegYear, fromBCD(regs.CL()))
		r.setFieldLocked(rtcRegMonth, fromBCD(regs.DH()))
		r.setFieldLocked(rtcRegDayOfMonth, fromBCD(regs.DL()))
		regs.SetCarry(false)

	case rtcSetAlarm:
		if r.ram[rtcRegStatusB]&statusBAlarmEnable != 0 {
			regs.SetCarry(true)
			return nil
		}
		r.ram[rtcRegHoursAlarm] = regs.CH()
		r.ram[rtcRegMinutesAlarm] = regs.CL()
		r.ram[rtcRegSecondsAlarm] = regs.DH()
		r.ram[rtcRegStatusB] |= statusBAlarmEnable
		regs.SetCarry(false)

	case rtcResetAlarm:
		r.ram[rtcRegStatusB] &^= statusBAlarmEnable
		regs.SetCarry(false)

	default:
		r.logger.Debug("INT 1Ah function not implemented", "function", fmt.Sprintf("0x%02x", fn))
		regs.SetCarry(true)
	}
	return nil
}

func (r *RTC) pitTicks() uint64 {
	if r.ticks == nil {
		return 0
	}
	return r.ticks.Ticks()
}

func (r *RTC) tickCountLocked() uint32 {
	count := r.tickBase + r.pitTicks() - r.tickEpoch
	if count >= ticksPerDay {
		r.rollover = true
		r.tickBase = count % ticksPerDay
		r.tickEpoch = r.pitTicks()
		count = r.tickBase
	}
	return uint32(count)
}

func ticksSinceMidnight(t time.Time) uint64 {
	h, m, s := t.Clock()
	secs := uint64(h*3600 + m*60 + s)
	return secs * ticksPerDay / 86400
}

type rtcFields struct {
	second, minute, hour byte
	weekday, day, month  byte
	year, century        byte
}

func fieldsFromTime(t time.Time) rtcFields {
	return rtcFields{
		second:  byte(t.Second()),
		minute:  byte(t.Minute()),
		hour:    byte(t.Hour()),
		weekday: byte(t.Weekday()) + 1,
		day:     byte(t.Day()),
		month:   byte(t.Month()),
		year:    byte(t.Year() % 100),
		century: byte(t.Year() / 100),
	}
}

// time rebuilds a timestamp from the fields in ref's zone, keeping its
// sub-second part.
func (f rtcFields) time(ref time.Time) time.Time {
	year := int(f.century)*100 + int(f.year)
	return time.Date(year, time.Month(f.month), int(f.day),
		int(f.hour), int(f.minute), int(f.second), ref.Nanosecond(), ref.Location())
}

func (f *rtcFields) set(idx, v byte) {
	switch idx {
	case rtcRegSeconds:
		f.second = v
	case rtcRegMinutes:
		f.minute = v
	case rtcRegHours:
		f.hour = v
	case rtcRegWeekday:
		f.weekday = v
	case rtcRegDayOfMonth:
		f.day = v
	case rtcRegMonth:
		f.month = v
	case rtcRegYear:
		f.year = v
	case rtcRegCentury:
		f.century = v
	}
}

func (f rtcFields) get(idx byte) byte {
	switch idx {
	case rtcRegSeconds:
		return f.second
	case rtcRegMinutes:
		return f.minute
	case rtcRegHours:
		return f.hour
	case rtcRegWeekday:
		return f.weekday
	case rtcRegDayOfMonth:
		return f.day
	case rtcRegMonth:
		return f.month
	case rtcRegYear:
		return f.year
	case rtcRegCentury:
		return f.century
	}
	return 0
}

// encode converts binary fields to the register format selected by status B.
func (f *rtcFields) encode(statusB byte) {
	binary := statusB&statusBBinaryMode != 0
	if statusB&statusB24HourMode == 0 {
		pm := f.hour >= 12
		hour := f.hour % 12
		if hour == 0 {
			hour = 12
		}
		if !binary {
			hour = toBCD(hour)
		}
		if pm {
			hour |= 0x80
		}
		f.hour = hour
	} else if !binary {
		f.hour = toBCD(f.hour)
	}
	if binary {
		return
	}
	f.second = toBCD(f.second)
	f.minute = toBCD(f.minute)
	f.weekday = toBCD(f.weekday)
	f.day = toBCD(f.day)
	f.month = toBCD(f.month)
	f.year = toBCD(f.year)
	f.century = toBCD(f.century)
}

func toBCD(v byte) byte { return (v/10)<<4 | v%10 }

func fromBCD(v byte) byte { return (v>>4)*10 + v&0x0f }

func decode12Hour(hour byte, pm bool) byte {
	if hour == 12 {
		hour = 0
	}
	if pm {
		hour += 12
	}
	return hour
}

var _ chipset.Device = (*RTC)(nil)
