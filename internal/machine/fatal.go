package machine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/legacypc/internal/hv"
)

// FatalKind classifies an emulation path the monitor does not implement.
type FatalKind int

const (
	FatalMemoryViolation FatalKind = iota + 1
	FatalCPUException
	FatalDebugTrap
	FatalUnsupportedExit
	FatalBIOSCall
	FatalDevice
)

var fatalKindNames = map[FatalKind]string{
	FatalMemoryViolation: "memory violation",
	FatalCPUException:    "cpu exception",
	FatalDebugTrap:       "debug trap",
	FatalUnsupportedExit: "unsupported exit",
	FatalBIOSCall:        "BIOS call",
	FatalDevice:          "device error",
}

func (k FatalKind) String() string {
	if name, ok := fatalKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FatalKind(%d)", int(k))
}

// Error lets a kind be used as an errors.Is target.
func (k FatalKind) Error() string { return "machine: fatal " + k.String() }

// FatalError stops the machine. Regs is the register file at the trap when
// it could be read.
type FatalError struct {
	Kind FatalKind
	Exit hv.Exit
	Regs *hv.Registers
	Err  error
}

func (e *FatalError) Error() string {
	msg := "machine: fatal " + e.Kind.String()
	if e.Exit != nil {
		msg += ": " + e.Exit.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool {
	kind, ok := target.(FatalKind)
	return ok && kind == e.Kind
}

const (
	maxInstructionLen = 15
	hexDumpWindow     = 0x40
)

// faultAddress picks the address the hex dump centres on.
func (e *FatalError) faultAddress() (uint64, bool) {
	if mv, ok := e.Exit.(*hv.ExitMemoryViolation); ok {
		return mv.Addr, true
	}
	if e.Regs != nil {
		return e.Regs.LinearIP(), true
	}
	return 0, false
}

// WriteDiagnostics prints what is known about a fatal stop: the register
// file, the trapping instruction, and the memory around the fault. Errors
// that are not a *FatalError are printed as is.
func WriteDiagnostics(w io.Writer, mem io.ReaderAt, err error) {
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "fatal: %v\n", fatal)
	if fatal.Regs == nil {
		return
	}

	fmt.Fprintln(w, "registers:")
	fatal.Regs.Dump(w)

	ip := fatal.Regs.LinearIP()
	code := make([]byte, maxInstructionLen)
	n, _ := mem.ReadAt(code, int64(ip))
	if n == 0 {
		fmt.Fprintf(w, "instruction at %05x: unreadable\n", ip)
	} else if inst, err := x86asm.Decode(code[:n], 16); err != nil {
		fmt.Fprintf(w, "instruction at %05x: % x (%v)\n", ip, code[:n], err)
	} else {
		fmt.Fprintf(w, "instruction at %04x:%04x: %s  [% x]\n",
			fatal.Regs.CS.Selector, fatal.Regs.IP(),
			x86asm.IntelSyntax(inst, ip, nil), code[:inst.Len])
	}

	addr, ok := fatal.faultAddress()
	if !ok {
		return
	}
	start := addr &^ 0xf
	if start >= hexDumpWindow/2 {
		start -= hexDumpWindow / 2
	} else {
		start = 0
	}
	buf := make([]byte, hexDumpWindow)
	n, _ = mem.ReadAt(buf, int64(start))
	if n == 0 {
		fmt.Fprintf(w, "memory around %05x: unreadable\n", addr)
		return
	}
	fmt.Fprintf(w, "memory at %05x:\n", start)
	fmt.Fprint(w, hex.Dump(buf[:n]))
}
