package pc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	COM1Base uint16 = 0x3f8
	COM1IRQ  uint8  = 4

	serialRegisterCount = 8

	serialLCRDLAB = 1 << 7

	serialLSRDataReady = 1 << 0
	serialLSROverrun   = 1 << 1
	serialLSRTHRE      = 1 << 5
	serialLSRTEMT      = 1 << 6

	serialIERReceive  = 1 << 0
	serialIERTransmit = 1 << 1

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	iirNone     = 0x01
	iirTransmit = 0x02
	iirReceive  = 0x04

	serialFIFOSize = 16

	// INT 14h status returned when a receive finds nothing to read.
	serialTimeout = 0x80
)

// Serial is a 16550 subset with output to an io.Writer. It also serves the
// INT 14h services for the first serial port.
type Serial struct {
	chipset.BaseDevice

	mu     sync.Mutex
	name   string
	base   uint16
	irqNum uint8
	irq    chipset.InterruptRaiser
	out    io.Writer
	logger *slog.Logger

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte
	rx       []byte

	pendingIIR byte
	asserted   bool
	skipLF     bool
}

// NewSerial builds a UART at base raising irqNum through irq. out may be nil.
func NewSerial(name string, base uint16, irqNum uint8, irq chipset.InterruptRaiser, out io.Writer) *Serial {
	if irq == nil {
		irq = chipset.DetachedRaiser()
	}
	if out == nil {
		out = io.Discard
	}
	return &Serial{
		name:       name,
		base:       base,
		irqNum:     irqNum,
		irq:        irq,
		out:        out,
		logger:     slog.Default(),
		lsr:        serialLSRTHRE | serialLSRTEMT,
		pendingIIR: iirNone,
	}
}

func (s *Serial) Name() string { return s.name }

func (s *Serial) Ports() chipset.PortRange {
	return chipset.PortRange{Base: s.base, Count: serialRegisterCount}
}

func (s *Serial) Init(host chipset.Host) error {
	s.logger = host.Logger().With("device", s.name)
	return nil
}

// Receive queues bytes for the guest to read.
func (s *Serial) Receive(p []byte) {
	s.mu.Lock()
	for _, b := range p {
		s.rxByteLocked(b)
	}
	raise := s.updateInterruptsLocked()
	s.mu.Unlock()
	if raise {
		s.irq.RaiseIRQ(s.irqNum)
	}
}

// ReadIOPort implements chipset.Device.
func (s *Serial) ReadIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	for i := range data {
		data[i] = s.readRegisterLocked(port)
	}
	raise := s.updateInterruptsLocked()
	s.mu.Unlock()
	if raise {
		s.irq.RaiseIRQ(s.irqNum)
	}
	return nil
}

// WriteIOPort implements chipset.Device.
func (s *Serial) WriteIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	for _, value := range data {
		s.writeRegisterLocked(port, value)
	}
	raise := s.updateInterruptsLocked()
	s.mu.Unlock()
	if raise {
		s.irq.RaiseIRQ(s.irqNum)
	}
	return nil
}

func (s *Serial) writeRegisterLocked(port uint16, value byte) {
	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			s.dll = value
		} else {
			s.transmitByteLocked(value)
		}
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			s.dlm = value
		} else {
			if value&serialIERTransmit != 0 && s.ier&serialIERTransmit == 0 && s.lsr&serialLSRTHRE != 0 {
				s.pendingIIR = iirTransmit
				s.asserted = false
			}
			s.ier = value & 0x0f
		}
	case 2:
		if value&0x02 != 0 {
			s.rx = s.rx[:0]
			s.lsr &^= serialLSRDataReady
		}
	case 3:
		s.lcr = value
	case 4:
		s.mcr = value & 0x1f
	case 7:
		s.scr = value
	}
}

func (s *Serial) readRegisterLocked(port uint16) byte {
	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dll
		}
		return s.readRXByteLocked()
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		iir := s.pendingIIR
		// Reading IIR acknowledges a transmit interrupt.
		if iir == iirTransmit {
			s.pendingIIR = iirNone
			s.asserted = false
		}
		return iir
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		lsr := s.lsr
		s.lsr &^= serialLSROverrun
		return lsr
	case 6:
		return s.modemStatusLocked()
	case 7:
		return s.scr
	}
	return 0xff
}

func (s *Serial) modemStatusLocked() byte {
	if s.mcr&mcrLoop == 0 {
		return msrCTS | msrDSR | msrDCD
	}
	var msr byte
	if s.mcr&mcrDTR != 0 {
		msr |= msrDSR
	}
	if s.mcr&mcrRTS != 0 {
		msr |= msrCTS
	}
	if s.mcr&mcrOUT2 != 0 {
		msr |= msrDCD
	}
	return msr
}

// updateInterruptsLocked recomputes IIR and reports a new rising edge.
func (s *Serial) updateInterruptsLocked() bool {
	iir := byte(iirNone)
	switch {
	case s.ier&serialIERReceive != 0 && len(s.rx) > 0:
		iir = iirReceive
	case s.ier&serialIERTransmit != 0 && s.lsr&serialLSRTHRE != 0 && s.pendingIIR == iirTransmit:
		iir = iirTransmit
	}
	s.pendingIIR = iir

	active := iir != iirNone && s.mcr&mcrOUT2 != 0
	rising := active && !s.asserted
	s.asserted = active
	return rising
}

func (s *Serial) transmitByteLocked(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.rxByteLocked(value)
	} else {
		s.writeOutLocked(value)
	}
	s.lsr |= serialLSRTHRE | serialLSRTEMT
	if s.ier&serialIERTransmit != 0 {
		s.pendingIIR = iirTransmit
		s.asserted = false
	}
}

func (s *Serial) writeOutLocked(value byte) {
	var err error
	switch value {
	case '\r':
		_, err = s.out.Write([]byte{'\n'})
		s.skipLF = true
	case '\n':
		if s.skipLF {
			s.skipLF = false
			return
		}
		_, err = s.out.Write([]byte{'\n'})
	default:
		s.skipLF = false
		_, err = s.out.Write([]byte{value})
	}
	if err != nil {
		s.logger.Warn("serial output failed", "err", err)
	}
}

func (s *Serial) rxByteLocked(value byte) {
	if len(s.rx) >= serialFIFOSize {
		s.lsr |= serialLSROverrun
		return
	}
	s.rx = append(s.rx, value)
	s.lsr |= serialLSRDataReady
}

func (s *Serial) readRXByteLocked() byte {
	if len(s.rx) == 0 {
		return 0
	}
	value := s.rx[0]
	s.rx = s.rx[1:]
	if len(s.rx) == 0 {
		s.lsr &^= serialLSRDataReady
	}
	return value
}

// INT 14h functions.
const (
	serialInitPort  = 0x00
	serialSendChar  = 0x01
	serialRecvChar  = 0x02
	serialGetStatus = 0x03
)

// BIOSCall serves INT 14h for the port selected in DX. Only port 0 exists.
func (s *Serial) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	fn := bios.FunctionNumber(call.Function)

	if regs.DX() != 0 {
		s.logger.Debug("INT 14h for absent port", "dx", regs.DX())
		regs.SetAH(serialTimeout)
		regs.SetCarry(true)
		return nil
	}

	s.mu.Lock()
	switch fn {
	case serialInitPort:
		s.lcr = regs.AL() & 0x1f
		regs.SetAH(s.lsr)
		regs.SetAL(s.modemStatusLocked())
		regs.SetCarry(false)
	case serialSendChar:
		s.transmitByteLocked(regs.AL())
		regs.SetAH(s.lsr)
		regs.SetCarry(false)
	case serialRecvChar:
		if len(s.rx) == 0 {
			regs.SetAH(s.lsr | serialTimeout)
			regs.SetCarry(true)
			break
		}
		regs.SetAL(s.readRXByteLocked())
		regs.SetAH(s.lsr &^ (serialLSRTHRE | serialLSRTEMT))
		regs.SetCarry(false)
	case serialGetStatus:
		regs.SetAH(s.lsr)
		regs.SetAL(s.modemStatusLocked())
		regs.SetCarry(false)
	default:
		s.logger.Debug("INT 14h function not implemented", "function", fmt.Sprintf("0x%02x", fn))
		regs.SetCarry(true)
	}
	raise := s.updateInterruptsLocked()
	s.mu.Unlock()

	if raise {
		s.irq.RaiseIRQ(s.irqNum)
	}
	return nil
}

var _ chipset.Device = (*Serial)(nil)
