package pc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	PITChannel0Port uint16 = 0x40
	PITChannel1Port uint16 = 0x41
	PITChannel2Port uint16 = 0x42
	PITControlPort  uint16 = 0x43

	pitInputFrequency = 1193182

	// DefaultPITPeriod is the BIOS default of a 65536 divisor, about 18.2 Hz.
	DefaultPITPeriod = 55 * time.Millisecond

	pitIRQ = 0
)

type pitAccess byte

const (
	pitAccessLatch pitAccess = iota
	pitAccessLow
	pitAccessHigh
	pitAccessLowHigh
)

type pitChannel struct {
	access    pitAccess
	latched   bool
	latch     uint16
	readHigh  bool
	writeHigh bool
	reload    uint16
}

// PIT is an 8254 whose channel 0 fires IRQ 0 at a fixed cadence. Mode and
// divisor programming is accepted but does not change the cadence.
type PIT struct {
	chipset.BaseDevice

	mu       sync.Mutex
	channels [3]pitChannel
	epoch    time.Time

	irq          chipset.InterruptRaiser
	now          func() time.Time
	period       time.Duration
	timerFactory TimerFactory
	logger       *slog.Logger

	arm   sync.Once
	timer TimerHandle
	ticks atomic.Uint64
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITClock overrides the time base used to compute counter reads.
func WithPITClock(now func() time.Time) PITOption {
	return func(p *PIT) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPITPeriod overrides the tick cadence.
func WithPITPeriod(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithPITTimerFactory injects a custom periodic timer factory.
func WithPITTimerFactory(factory TimerFactory) PITOption {
	return func(p *PIT) {
		if factory != nil {
			p.timerFactory = factory
		}
	}
}

// NewPIT builds a timer that raises IRQ 0 on irq.
func NewPIT(irq chipset.InterruptRaiser, opts ...PITOption) *PIT {
	p := &PIT{
		irq:          irq,
		now:          time.Now,
		period:       DefaultPITPeriod,
		timerFactory: tickerFactory,
		logger:       slog.Default(),
	}
	if p.irq == nil {
		p.irq = chipset.DetachedRaiser()
	}
	for i := range p.channels {
		p.channels[i].access = pitAccessLowHigh
	}
	for _, opt := range opts {
		opt(p)
	}
	p.epoch = p.now()
	return p
}

func (p *PIT) Name() string { return "pit" }

func (p *PIT) Ports() chipset.PortRange { return chipset.Ports(PITChannel0Port, PITControlPort) }

// Init implements chipset.Device.
func (p *PIT) Init(host chipset.Host) error {
	p.logger = host.Logger().With("device", p.Name())
	return nil
}

// Poll arms the periodic tick the first time it is called.
func (p *PIT) Poll(context.Context) error {
	p.arm.Do(func() {
		p.logger.Debug("timer armed", "period", p.period)
		p.timer = p.timerFactory(p.period, p.tick)
	})
	return nil
}

func (p *PIT) tick() {
	p.ticks.Add(1)
	p.irq.RaiseIRQ(pitIRQ)
}

// Ticks returns the number of IRQ 0 ticks since the timer was armed.
func (p *PIT) Ticks() uint64 { return p.ticks.Load() }

// Period returns the tick cadence.
func (p *PIT) Period() time.Duration { return p.period }

// Stop cancels the periodic tick.
func (p *PIT) Stop() {
	p.arm.Do(func() {})
	if p.timer != nil {
		p.timer.Stop()
	}
}

// ReadIOPort implements chipset.Device.
func (p *PIT) ReadIOPort(port uint16, data []byte) error {
	if port == PITControlPort {
		chipset.FloatingBus(data)
		return nil
	}
	p.mu.Lock()
	value := p.readChannelLocked(int(port - PITChannel0Port))
	p.mu.Unlock()

	for i := range data {
		data[i] = 0
	}
	if len(data) > 0 {
		data[0] = value
	}
	return nil
}

// WriteIOPort implements chipset.Device.
func (p *PIT) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		p.logger.Debug("ignoring wide write", "port", fmt.Sprintf("0x%02x", port), "size", len(data))
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if port == PITControlPort {
		p.writeControlLocked(data[0])
		return nil
	}
	p.writeChannelLocked(int(port-PITChannel0Port), data[0])
	return nil
}

// countLocked is the free running down-count of a 65536 reload.
func (p *PIT) countLocked() uint16 {
	elapsed := p.now().Sub(p.epoch)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := uint64(elapsed / time.Second)
	frac := uint64(elapsed % time.Second)
	n := secs*pitInputFrequency + frac*pitInputFrequency/uint64(time.Second)
	return uint16(0x10000 - n%0x10000)
}

func (p *PIT) writeControlLocked(value byte) {
	sel := value >> 6
	if sel == 3 {
		p.logger.Debug("ignoring read-back command", "value", fmt.Sprintf("0x%02x", value))
		return
	}
	ch := &p.channels[sel]
	access := pitAccess((value >> 4) & 3)
	if access == pitAccessLatch {
		if !ch.latched {
			ch.latched = true
			ch.latch = p.countLocked()
			ch.readHigh = false
		}
		return
	}
	ch.access = access
	ch.latched = false
	ch.readHigh = false
	ch.writeHigh = false
	p.logger.Debug("channel programmed",
		"channel", sel,
		"mode", (value>>1)&7,
		"bcd", value&1 == 1)
}

func (p *PIT) readChannelLocked(idx int) byte {
	ch := &p.channels[idx]
	count := p.countLocked()
	if ch.latched {
		count = ch.latch
	}

	var value byte
	switch ch.access {
	case pitAccessLow:
		value = byte(count)
		ch.latched = false
	case pitAccessHigh:
		value = byte(count >> 8)
		ch.latched = false
	default:
		if ch.readHigh {
			value = byte(count >> 8)
			ch.latched = false
		} else {
			value = byte(count)
		}
		ch.readHigh = !ch.readHigh
	}
	return value
}

func (p *PIT) writeChannelLocked(idx int, value byte) {
	ch := &p.channels[idx]
	switch ch.access {
	case pitAccessLow:
		ch.reload = ch.reload&0xff00 | uint16(value)
	case pitAccessHigh:
		ch.reload = ch.reload&0x00ff | uint16(value)<<8
	default:
		if ch.writeHigh {
			ch.reload = ch.reload&0x00ff | uint16(value)<<8
		} else {
			ch.reload = ch.reload&0xff00 | uint16(value)
		}
		ch.writeHigh = !ch.writeHigh
		if ch.writeHigh {
			return
		}
	}
	p.logger.Debug("reload ignored, cadence is fixed", "channel", idx, "reload", fmt.Sprintf("0x%04x", ch.reload))
}

var _ chipset.Device = (*PIT)(nil)
