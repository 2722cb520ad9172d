package pc

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/legacypc/internal/chipset"
)

type manualTimer struct {
	period  time.Duration
	cb      func()
	stopped bool
}

func (m *manualTimer) Stop() { m.stopped = true }

func (m *manualTimer) Fire() {
	if m.stopped || m.cb == nil {
		return
	}
	m.cb()
}

type manualTimerFactory struct {
	timers []*manualTimer
}

func (m *manualTimerFactory) Factory(period time.Duration, cb func()) TimerHandle {
	timer := &manualTimer{period: period, cb: cb}
	m.timers = append(m.timers, timer)
	return timer
}

type irqRecorder struct {
	mu   sync.Mutex
	irqs []uint8
}

func (r *irqRecorder) RaiseIRQ(irq uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irqs = append(r.irqs, irq)
}

func (r *irqRecorder) raised() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.irqs...)
}

var _ chipset.InterruptRaiser = (*irqRecorder)(nil)

func newTestPIT(t *testing.T, opts ...PITOption) (*PIT, *irqRecorder, *manualTimerFactory) {
	t.Helper()
	rec := &irqRecorder{}
	factory := &manualTimerFactory{}
	pit := NewPIT(rec, append([]PITOption{WithPITTimerFactory(factory.Factory)}, opts...)...)
	if err := pit.Init(newTestHost()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return pit, rec, factory
}

func TestPITArmsOnceOnFirstPoll(t *testing.T) {
	pit, rec, factory := newTestPIT(t)

	if len(factory.timers) != 0 {
		t.Fatalf("timer armed before first poll")
	}
	for i := 0; i < 5; i++ {
		if err := pit.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if len(factory.timers) != 1 {
		t.Fatalf("armed %d timers, want 1", len(factory.timers))
	}
	if got := factory.timers[0].period; got != DefaultPITPeriod {
		t.Fatalf("period = %v, want %v", got, DefaultPITPeriod)
	}

	factory.timers[0].Fire()
	factory.timers[0].Fire()
	if got := rec.raised(); !slices.Equal(got, []uint8{0, 0}) {
		t.Fatalf("raised %v, want [0 0]", got)
	}
	if pit.Ticks() != 2 {
		t.Fatalf("Ticks = %d, want 2", pit.Ticks())
	}
}

func TestPITReprogrammingKeepsCadence(t *testing.T) {
	pit, _, factory := newTestPIT(t, WithPITPeriod(10*time.Millisecond))
	if err := pit.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	for _, b := range []byte{0x34, 0x9c, 0x2e} {
		port := PITChannel0Port
		if b == 0x34 {
			port = PITControlPort
		}
		if err := pit.WriteIOPort(port, []byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if len(factory.timers) != 1 || factory.timers[0].stopped {
		t.Fatalf("reprogramming disturbed the timer: %+v", factory.timers)
	}
	if factory.timers[0].period != 10*time.Millisecond {
		t.Fatalf("period = %v", factory.timers[0].period)
	}
}

func TestPITStop(t *testing.T) {
	pit, rec, factory := newTestPIT(t)
	if err := pit.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	pit.Stop()
	factory.timers[0].Fire()
	if len(rec.raised()) != 0 {
		t.Fatalf("stopped timer raised %v", rec.raised())
	}
}

func TestPITStopBeforeArm(t *testing.T) {
	pit, _, factory := newTestPIT(t)
	pit.Stop()
	if err := pit.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(factory.timers) != 0 {
		t.Fatalf("timer armed after Stop")
	}
}

func TestPITCounterReadsDownCount(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(100, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	pit, _, _ := newTestPIT(t, WithPITClock(clock))

	readCount := func() uint16 {
		t.Helper()
		lo, hi := []byte{0}, []byte{0}
		if err := pit.ReadIOPort(PITChannel0Port, lo); err != nil {
			t.Fatalf("read lo: %v", err)
		}
		if err := pit.ReadIOPort(PITChannel0Port, hi); err != nil {
			t.Fatalf("read hi: %v", err)
		}
		return uint16(hi[0])<<8 | uint16(lo[0])
	}

	// 1 ms is 1193 input clocks.
	advance(time.Millisecond)
	if got := readCount(); got != 0x10000-1193 {
		t.Fatalf("count = %#x, want %#x", got, 0x10000-1193)
	}

	// Latch, move the clock, and read the latched value.
	if err := pit.WriteIOPort(PITControlPort, []byte{0x00}); err != nil {
		t.Fatalf("latch: %v", err)
	}
	advance(time.Millisecond)
	if got := readCount(); got != 0x10000-1193 {
		t.Fatalf("latched count = %#x", got)
	}
	if got := readCount(); got != 0x10000-2386 {
		t.Fatalf("count after latch = %#x, want %#x", got, 0x10000-2386)
	}
}

func TestPITControlReadFloats(t *testing.T) {
	pit, _, _ := newTestPIT(t)
	data := []byte{0}
	if err := pit.ReadIOPort(PITControlPort, data); err != nil {
		t.Fatalf("read: %v", err)
	}
	if data[0] != 0xff {
		t.Fatalf("control read = 0x%02x", data[0])
	}
}

func TestPITDrivesPIC(t *testing.T) {
	d, host := newTestDualPIC(t)
	factory := &manualTimerFactory{}
	pit := NewPIT(d, WithPITTimerFactory(factory.Factory))
	if err := pit.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := pit.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	factory.timers[0].Fire()
	factory.timers[0].Fire()
	if got := host.injected(); !slices.Equal(got, []uint8{0x08}) {
		t.Fatalf("injected %v, want one IRQ0 vector before EOI", got)
	}

	sendEOI(t, d.Master)
	if got := host.injected(); !slices.Equal(got, []uint8{0x08, 0x08}) {
		t.Fatalf("injected %v after EOI", got)
	}
}
