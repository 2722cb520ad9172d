package pc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	KeyboardDataPort   uint16 = 0x60
	KeyboardStatusPort uint16 = 0x64

	keyboardIRQ = 1

	kbcStatusOutputFull = 1 << 0
	kbcStatusSystemFlag = 1 << 2
	kbcStatusCommand    = 1 << 3
	kbcStatusUnlocked   = 1 << 4

	kbcConfigIRQEnable  = 1 << 0
	kbcConfigSystemFlag = 1 << 2
	kbcConfigTranslate  = 1 << 6

	kbcAck = 0xfa

	// KeyBufferSize matches the 16 entry BIOS type-ahead buffer.
	KeyBufferSize = 16
)

// Controller commands written to port 0x64.
const (
	kbcReadConfig     = 0x20
	kbcWriteConfig    = 0x60
	kbcSelfTest       = 0xaa
	kbcInterfaceTest  = 0xab
	kbcDisableKbd     = 0xad
	kbcEnableKbd      = 0xae
	kbcReadOutputPort = 0xd0
	kbcWriteOutput    = 0xd1
	kbcPulseReset     = 0xfe
)

// KeyboardController is an i8042 with a keyboard attached, plus the INT 16h
// keyboard services. Keys arrive from the host as BIOS key words (scan code
// in the high byte, character in the low byte).
type KeyboardController struct {
	chipset.BaseDevice

	irq    chipset.InterruptRaiser
	host   chipset.Host
	logger *slog.Logger

	mu          sync.Mutex
	config      byte
	outputPort  byte
	pendingCmd  byte
	out         byte
	outFull     bool
	outQueue    []byte
	lastCommand bool
	disabled    bool
	ledsNext    bool

	keys   []uint16
	notify chan struct{}
}

func NewKeyboardController(irq chipset.InterruptRaiser) *KeyboardController {
	if irq == nil {
		irq = chipset.DetachedRaiser()
	}
	return &KeyboardController{
		irq:        irq,
		logger:     slog.Default(),
		config:     kbcConfigIRQEnable | kbcConfigSystemFlag | kbcConfigTranslate,
		outputPort: 0x03,
		notify:     make(chan struct{}, 1),
	}
}

func (k *KeyboardController) Name() string { return "i8042" }

func (k *KeyboardController) Init(host chipset.Host) error {
	k.host = host
	k.logger = host.Logger().With("device", k.Name())
	return nil
}

// PushKey queues a keystroke. It is safe to call from any goroutine.
func (k *KeyboardController) PushKey(key uint16) bool {
	k.mu.Lock()
	if len(k.keys) >= KeyBufferSize {
		k.mu.Unlock()
		k.logger.Warn("keyboard buffer full, dropping key", "key", fmt.Sprintf("0x%04x", key))
		return false
	}
	k.keys = append(k.keys, key)
	scan := byte(key >> 8)
	if !k.disabled && scan != 0 {
		k.outQueue = append(k.outQueue, scan, scan|0x80)
	}
	raise := k.fillLocked()
	k.mu.Unlock()

	select {
	case k.notify <- struct{}{}:
	default:
	}
	if raise {
		k.irq.RaiseIRQ(keyboardIRQ)
	}
	return true
}

// fillLocked moves the next queued byte into the output buffer and reports
// whether IRQ 1 should be raised for it.
func (k *KeyboardController) fillLocked() bool {
	if k.outFull || len(k.outQueue) == 0 {
		return false
	}
	k.out = k.outQueue[0]
	k.outQueue = k.outQueue[1:]
	k.outFull = true
	return k.config&kbcConfigIRQEnable != 0
}

func (k *KeyboardController) queueOutputLocked(b ...byte) {
	k.outQueue = append(k.outQueue, b...)
}

// Poll implements chipset.Device.
func (k *KeyboardController) Poll(context.Context) error {
	k.mu.Lock()
	raise := k.fillLocked()
	k.mu.Unlock()
	if raise {
		k.irq.RaiseIRQ(keyboardIRQ)
	}
	return nil
}

// ReadIOPort implements chipset.Device.
func (k *KeyboardController) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8042: invalid read size %d", len(data))
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case KeyboardDataPort:
		data[0] = k.out
		k.outFull = false
	case KeyboardStatusPort:
		status := byte(kbcStatusUnlocked)
		if k.outFull {
			status |= kbcStatusOutputFull
		}
		if k.config&kbcConfigSystemFlag != 0 {
			status |= kbcStatusSystemFlag
		}
		if k.lastCommand {
			status |= kbcStatusCommand
		}
		data[0] = status
	default:
		return fmt.Errorf("i8042: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.Device.
func (k *KeyboardController) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8042: invalid write size %d", len(data))
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case KeyboardStatusPort:
		k.lastCommand = true
		k.handleCommandLocked(data[0])
	case KeyboardDataPort:
		k.lastCommand = false
		k.handleDataWriteLocked(data[0])
	default:
		return fmt.Errorf("i8042: invalid write port 0x%04x", port)
	}
	return nil
}

func (k *KeyboardController) handleCommandLocked(cmd byte) {
	switch cmd {
	case kbcReadConfig:
		k.queueOutputLocked(k.config)
	case kbcWriteConfig, kbcWriteOutput:
		k.pendingCmd = cmd
	case kbcSelfTest:
		k.queueOutputLocked(0x55)
	case kbcInterfaceTest:
		k.queueOutputLocked(0x00)
	case kbcDisableKbd:
		k.disabled = true
	case kbcEnableKbd:
		k.disabled = false
	case kbcReadOutputPort:
		k.queueOutputLocked(k.outputPort)
	case kbcPulseReset:
		k.logger.Warn("guest requested CPU reset, ignoring")
	default:
		k.logger.Debug("unhandled controller command", "cmd", fmt.Sprintf("0x%02x", cmd))
	}
}

func (k *KeyboardController) handleDataWriteLocked(value byte) {
	switch k.pendingCmd {
	case kbcWriteConfig:
		k.pendingCmd = 0
		k.config = value
		return
	case kbcWriteOutput:
		k.pendingCmd = 0
		k.outputPort = value
		k.logger.Debug("output port written", "a20", value&0x02 != 0)
		return
	}

	if k.ledsNext {
		k.ledsNext = false
		k.queueOutputLocked(kbcAck)
		return
	}
	switch value {
	case 0xff:
		k.queueOutputLocked(kbcAck, 0xaa)
	case 0xed:
		k.ledsNext = true
		k.queueOutputLocked(kbcAck)
	case 0xf2:
		k.queueOutputLocked(kbcAck, 0xab, 0x83)
	default:
		k.queueOutputLocked(kbcAck)
	}
}

// waitKey blocks until a keystroke is queued or ctx is done.
func (k *KeyboardController) waitKey(ctx context.Context) (uint16, error) {
	for {
		k.mu.Lock()
		if len(k.keys) > 0 {
			key := k.keys[0]
			k.keys = k.keys[1:]
			k.mu.Unlock()
			return key, nil
		}
		k.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-k.notify:
		}
	}
}

func (k *KeyboardController) peekKey() (uint16, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 {
		return 0, false
	}
	return k.keys[0], true
}

// INT 16h functions.
const (
	kbdWaitKey          = 0x00
	kbdKeyStatus        = 0x01
	kbdShiftStatus      = 0x02
	kbdExtWaitKey       = 0x10
	kbdExtKeyStatus     = 0x11
	kbdExtShiftStatus   = 0x12
	kbdStoreKeystroke   = 0x05
	storeKeystrokeFull  = 0x01
	storeKeystrokeAdded = 0x00
)

// BIOSCall serves INT 16h. The wait-for-key functions block until the
// host delivers a key or ctx is cancelled.
func (k *KeyboardController) BIOSCall(ctx context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	fn := bios.FunctionNumber(call.Function)

	switch fn {
	case kbdWaitKey, kbdExtWaitKey:
		key, err := k.waitKey(ctx)
		if err != nil {
			return fmt.Errorf("i8042: wait for key: %w", err)
		}
		regs.SetAX(key)
		regs.SetZero(false)
		regs.SetCarry(false)

	case kbdKeyStatus, kbdExtKeyStatus:
		if key, ok := k.peekKey(); ok {
			regs.SetAX(key)
			regs.SetZero(false)
		} else {
			regs.SetAX(0)
			regs.SetZero(true)
		}
		regs.SetCarry(false)

	case kbdExtShiftStatus, kbdShiftStatus:
		bda := bios.NewBDA(k.host.Memory())
		if fn == kbdExtShiftStatus {
			flags2, err := bda.Byte(bios.BDAKeyboardFlags2)
			if err != nil {
				return err
			}
			regs.SetAH(flags2)
		}
		flags1, err := bda.Byte(bios.BDAKeyboardFlags1)
		if err != nil {
			return err
		}
		regs.SetAL(flags1)
		regs.SetZero(false)
		regs.SetCarry(false)

	case kbdStoreKeystroke:
		if k.PushKey(regs.CX()) {
			regs.SetAL(storeKeystrokeAdded)
		} else {
			regs.SetAL(storeKeystrokeFull)
		}
		regs.SetCarry(false)

	default:
		k.logger.Debug("INT 16h function not implemented", "ax", fmt.Sprintf("0x%04x", regs.AX()))
		regs.SetZero(false)
		regs.SetCarry(true)
	}
	return nil
}

var _ chipset.Device = (*KeyboardController)(nil)
