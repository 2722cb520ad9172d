package pc

import (
	"context"
	"math/rand"
	"slices"
	"testing"
)

func newTestPIC(t *testing.T) (*PIC, *testHost) {
	t.Helper()
	host := newTestHost()
	p := NewPIC("pic-master", MasterPICCommandPort, 0)
	if err := p.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p, host
}

func writePIC(t *testing.T, p *PIC, port uint16, values ...byte) {
	t.Helper()
	for _, v := range values {
		if err := p.WriteIOPort(port, []byte{v}); err != nil {
			t.Fatalf("write 0x%02x to 0x%02x: %v", v, port, err)
		}
	}
}

func readPIC(t *testing.T, p *PIC, port uint16) byte {
	t.Helper()
	data := []byte{0}
	if err := p.ReadIOPort(port, data); err != nil {
		t.Fatalf("read 0x%02x: %v", port, err)
	}
	return data[0]
}

// programMaster runs the usual cascaded ICW sequence with vector base 0x08.
func programMaster(t *testing.T, p *PIC) {
	t.Helper()
	writePIC(t, p, MasterPICCommandPort, 0x11)
	writePIC(t, p, MasterPICDataPort, 0x08, 0x04, 0x01)
}

func sendEOI(t *testing.T, p *PIC) {
	t.Helper()
	writePIC(t, p, p.commandPort, 0x20)
}

func TestPICInitSequenceCascade(t *testing.T) {
	p, _ := newTestPIC(t)

	steps := []struct {
		port  uint16
		value byte
		want  PICStage
	}{
		{MasterPICCommandPort, 0x11, PICAwaitingICW2},
		{MasterPICDataPort, 0x08, PICAwaitingICW3},
		{MasterPICDataPort, 0x04, PICAwaitingICW4},
		{MasterPICDataPort, 0x01, PICReady},
	}
	for _, s := range steps {
		writePIC(t, p, s.port, s.value)
		if got := p.Registers().Stage; got != s.want {
			t.Fatalf("after 0x%02x: stage %v, want %v", s.value, got, s.want)
		}
	}

	regs := p.Registers()
	if regs.VectorBase != 0x08 || regs.ICW3 != 0x04 || regs.ICW4 != 0x01 {
		t.Fatalf("registers after init: %+v", regs)
	}
}

func TestPICSingleModeSkipsICW3(t *testing.T) {
	p, host := newTestPIC(t)

	// ICW1 bit 1 means single, so no ICW3 follows 0x13. Sending a cascade
	// style ICW3 byte here would be taken as ICW4 and the next byte as
	// OCW1, leaving IRQ 0 masked.

	writePIC(t, p, MasterPICCommandPort, 0x13)
	writePIC(t, p, MasterPICDataPort, 0x08)
	if got := p.Registers().Stage; got != PICAwaitingICW4 {
		t.Fatalf("stage after ICW2 = %v, want awaiting-ICW4", got)
	}
	writePIC(t, p, MasterPICDataPort, 0x01)
	if got := p.Registers().Stage; got != PICReady {
		t.Fatalf("stage after ICW4 = %v, want ready", got)
	}

	p.Raise(0)
	if got := host.injected(); !slices.Equal(got, []uint8{8}) {
		t.Fatalf("injected %v, want [8]", got)
	}
}

func TestPICVectorBaseDropsLowBits(t *testing.T) {
	p, host := newTestPIC(t)
	writePIC(t, p, MasterPICCommandPort, 0x13)
	writePIC(t, p, MasterPICDataPort, 0x0f, 0x01)

	p.Raise(3)
	if got := host.injected(); !slices.Equal(got, []uint8{0x0b}) {
		t.Fatalf("injected %v, want [0x0b]", got)
	}
}

func TestPICIgnoresOutOfOrderBytes(t *testing.T) {
	p, _ := newTestPIC(t)
	writePIC(t, p, MasterPICCommandPort, 0x11)

	// OCW2/OCW3 shaped bytes on the command line do not advance the sequence.
	writePIC(t, p, MasterPICCommandPort, 0x20, 0x0b)
	if got := p.Registers().Stage; got != PICAwaitingICW2 {
		t.Fatalf("stage = %v, want awaiting-ICW2", got)
	}

	writePIC(t, p, MasterPICDataPort, 0x20)
	if regs := p.Registers(); regs.Stage != PICAwaitingICW3 || regs.VectorBase != 0x20 {
		t.Fatalf("after ICW2: %+v", regs)
	}
}

func TestPICInitSequenceOrderProperty(t *testing.T) {
	allowed := map[PICStage][]PICStage{
		PICReady:        {PICReady, PICAwaitingICW2},
		PICAwaitingICW2: {PICAwaitingICW2, PICAwaitingICW3, PICAwaitingICW4, PICReady},
		PICAwaitingICW3: {PICAwaitingICW3, PICAwaitingICW4, PICReady},
		PICAwaitingICW4: {PICAwaitingICW4, PICReady},
	}

	rng := rand.New(rand.NewSource(8259))
	p, _ := newTestPIC(t)
	for i := 0; i < 20000; i++ {
		port := MasterPICCommandPort + uint16(rng.Intn(2))
		value := byte(rng.Intn(256))
		before := p.Registers().Stage
		writePIC(t, p, port, value)
		after := p.Registers().Stage
		if !slices.Contains(allowed[before], after) {
			t.Fatalf("step %d: write 0x%02x to 0x%02x moved %v -> %v", i, value, port, before, after)
		}
		if before != PICReady && port == MasterPICCommandPort && after != before {
			t.Fatalf("step %d: command byte 0x%02x advanced %v -> %v", i, value, before, after)
		}
	}
}

func TestPICICW1ResetsState(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)
	writePIC(t, p, MasterPICDataPort, 0xf0)
	p.Raise(1)

	writePIC(t, p, MasterPICCommandPort, 0x11)
	regs := p.Registers()
	if regs.IMR != 0 || regs.ISR != 0 || regs.IRR != 0 {
		t.Fatalf("ICW1 left state behind: %+v", regs)
	}
	if host.clears != 1 {
		t.Fatalf("pending queue cleared %d times, want 1", host.clears)
	}
	if len(host.injected()) != 0 {
		t.Fatalf("queue not empty after ICW1: %v", host.injected())
	}
}

func TestPICReinitKeepsDeferredRequests(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)

	p.Raise(0)
	p.Raise(3)
	if regs := p.Registers(); regs.ISR != 0x01 || regs.IRR != 0x08 {
		t.Fatalf("before reinit: %+v", regs)
	}

	programMaster(t, p)
	if regs := p.Registers(); regs.ISR != 0 || regs.IRR != 0x08 {
		t.Fatalf("after reinit: %+v", regs)
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := host.injected(); !slices.Equal(got, []uint8{0x0b}) {
		t.Fatalf("injected %v, want [0x0b]", got)
	}
	if regs := p.Registers(); regs.ISR != 0x08 || regs.IRR != 0 {
		t.Fatalf("after poll: %+v", regs)
	}
}

func TestPICMaskedRaiseLeavesIRRClear(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)
	writePIC(t, p, MasterPICDataPort, 0x01)

	p.Raise(0)
	if regs := p.Registers(); regs.IRR != 0 || regs.ISR != 0 {
		t.Fatalf("masked raise touched registers: %+v", regs)
	}
	if len(host.injected()) != 0 {
		t.Fatalf("masked raise injected %v", host.injected())
	}
	if got := readPIC(t, p, MasterPICDataPort); got != 0x01 {
		t.Fatalf("IMR read 0x%02x, want 0x01", got)
	}
}

func TestPICProcessServicesLowestLineFirst(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)

	p.Raise(3)
	p.Raise(5)
	p.Raise(4)
	if got := host.injected(); !slices.Equal(got, []uint8{0x0b}) {
		t.Fatalf("injected %v before EOI, want [0x0b]", got)
	}
	if regs := p.Registers(); regs.IRR != 0x30 || regs.ISR != 0x08 {
		t.Fatalf("deferred state: %+v", regs)
	}

	sendEOI(t, p)
	sendEOI(t, p)
	if got := host.injected(); !slices.Equal(got, []uint8{0x0b, 0x0c, 0x0d}) {
		t.Fatalf("injected %v, want [0x0b 0x0c 0x0d]", got)
	}
}

func TestPICHigherPriorityNests(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)

	p.Raise(5)
	p.Raise(2)
	if got := host.injected(); !slices.Equal(got, []uint8{0x0d, 0x0a}) {
		t.Fatalf("injected %v, want [0x0d 0x0a]", got)
	}
	if isr := p.Registers().ISR; isr != 0x24 {
		t.Fatalf("ISR = 0x%02x, want 0x24", isr)
	}

	sendEOI(t, p)
	if isr := p.Registers().ISR; isr != 0x20 {
		t.Fatalf("nonspecific EOI left ISR = 0x%02x, want 0x20", isr)
	}
	sendEOI(t, p)
	if isr := p.Registers().ISR; isr != 0 {
		t.Fatalf("ISR = 0x%02x after second EOI", isr)
	}
}

func TestPICEOIWithEmptyISR(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)
	sendEOI(t, p)
	if regs := p.Registers(); regs.ISR != 0 || regs.IRR != 0 {
		t.Fatalf("EOI on idle controller changed state: %+v", regs)
	}
	if len(host.injected()) != 0 {
		t.Fatalf("EOI on idle controller injected %v", host.injected())
	}
}

func TestPICRepeatedLineWaitsForEOI(t *testing.T) {
	p, host := newTestPIC(t)
	programMaster(t, p)

	p.Raise(6)
	sendEOI(t, p)
	p.Raise(6)
	p.Raise(6)

	// A repeat of the in-service line waits in IRR until the EOI.
	if regs := p.Registers(); regs.IRR != 0x40 || regs.ISR != 0x40 {
		t.Fatalf("state: %+v", regs)
	}
	sendEOI(t, p)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := host.injected(); !slices.Equal(got, []uint8{0x0e, 0x0e, 0x0e}) {
		t.Fatalf("injected %v", got)
	}
}

func TestPICReadSelect(t *testing.T) {
	p, _ := newTestPIC(t)
	programMaster(t, p)

	p.Raise(1)
	p.Raise(4)

	if got := readPIC(t, p, MasterPICCommandPort); got != 0x10 {
		t.Fatalf("default read = 0x%02x, want IRR 0x10", got)
	}
	writePIC(t, p, MasterPICCommandPort, 0x0b)
	if got := readPIC(t, p, MasterPICCommandPort); got != 0x02 {
		t.Fatalf("ISR read = 0x%02x, want 0x02", got)
	}
	writePIC(t, p, MasterPICCommandPort, 0x0a)
	if got := readPIC(t, p, MasterPICCommandPort); got != 0x10 {
		t.Fatalf("IRR read = 0x%02x, want 0x10", got)
	}
}

func TestPICWideReadZeroExtends(t *testing.T) {
	p, _ := newTestPIC(t)
	programMaster(t, p)
	writePIC(t, p, MasterPICDataPort, 0xa5)

	data := []byte{0xff, 0xff}
	if err := p.ReadIOPort(MasterPICDataPort, data); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}
	if data[0] != 0xa5 || data[1] != 0 {
		t.Fatalf("wide read = % x", data)
	}
}

func TestPICIgnoresPriorityCommands(t *testing.T) {
	p, _ := newTestPIC(t)
	programMaster(t, p)
	p.Raise(2)

	// Specific EOI, set priority, rotate on specific EOI.
	writePIC(t, p, MasterPICCommandPort, 0x62, 0xc3, 0xe2)
	if isr := p.Registers().ISR; isr != 0x04 {
		t.Fatalf("priority commands changed ISR to 0x%02x", isr)
	}
}

func programDual(t *testing.T, d *DualPIC) {
	t.Helper()
	writePIC(t, d.Master, MasterPICCommandPort, 0x11)
	writePIC(t, d.Master, MasterPICDataPort, 0x08, 0x04, 0x01)
	writePIC(t, d.Slave, SlavePICCommandPort, 0x11)
	writePIC(t, d.Slave, SlavePICDataPort, 0x70, 0x02, 0x01)
}

func newTestDualPIC(t *testing.T) (*DualPIC, *testHost) {
	t.Helper()
	host := newTestHost()
	d := NewDualPIC(0, host.Logger())
	for _, p := range []*PIC{d.Master, d.Slave} {
		if err := p.Init(host); err != nil {
			t.Fatalf("Init %s: %v", p.Name(), err)
		}
	}
	programDual(t, d)
	return d, host
}

func TestDualPICSlaveUsesOwnBase(t *testing.T) {
	d, host := newTestDualPIC(t)

	d.RaiseIRQ(10)
	if got := host.injected(); !slices.Equal(got, []uint8{0x72}) {
		t.Fatalf("injected %v, want [0x72]", got)
	}
	if isr := d.Slave.Registers().ISR; isr != 0x04 {
		t.Fatalf("slave ISR = 0x%02x", isr)
	}
	if regs := d.Master.Registers(); regs.ISR != 0 || regs.IRR != 0 {
		t.Fatalf("master touched by slave IRQ: %+v", regs)
	}
}

func TestDualPICRouting(t *testing.T) {
	d, host := newTestDualPIC(t)

	d.RaiseIRQ(0)
	d.RaiseIRQ(14)
	if got := host.injected(); !slices.Equal(got, []uint8{0x08, 0x76}) {
		t.Fatalf("injected %v, want [0x08 0x76]", got)
	}
}

func TestDualPICInvalidIRQ(t *testing.T) {
	d, host := newTestDualPIC(t)

	d.RaiseIRQ(15)
	d.RaiseIRQ(200)
	if len(host.injected()) != 0 {
		t.Fatalf("invalid IRQs injected %v", host.injected())
	}
	if d.Slave.Registers().IRR != 0 {
		t.Fatalf("invalid IRQ set slave IRR")
	}
}

func TestPICPollDeliversRequestsRaisedDuringInit(t *testing.T) {
	p, host := newTestPIC(t)
	writePIC(t, p, MasterPICCommandPort, 0x11)
	writePIC(t, p, MasterPICDataPort, 0x08)

	p.Raise(0)
	if len(host.injected()) != 0 {
		t.Fatalf("injected during init: %v", host.injected())
	}

	writePIC(t, p, MasterPICDataPort, 0x04, 0x01)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := host.injected(); !slices.Equal(got, []uint8{0x08}) {
		t.Fatalf("injected %v, want [0x08]", got)
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := host.injected(); len(got) != 1 {
		t.Fatalf("second poll re-injected: %v", got)
	}
}
