package hv

import (
	"encoding/binary"
	"fmt"
)

// Exit is a classified VM exit. The set of implementations is closed.
type Exit interface {
	isExit()
	String() string
}

// ExitPortWrite is an OUT (or OUTS) trap. Data holds Count values of Size
// bytes each, little endian.
type ExitPortWrite struct {
	Port uint16
	Size int
	Data []byte
}

// ExitPortRead is an IN (or INS) trap. The handler fills Data, which the
// backend hands back to the guest on the next entry.
type ExitPortRead struct {
	Port uint16
	Size int
	Data []byte
}

// ExitMemoryViolation is an access to unbacked or read-only guest memory.
type ExitMemoryViolation struct {
	Addr  uint64
	Write bool
	Data  []byte
}

type ExitCPUException struct {
	Vector    uint8
	ErrorCode uint32
}

type ExitDebug struct {
	PC uint64
}

type ExitHalt struct{}

// ExitUnknown is any exit the backend could not classify.
type ExitUnknown struct {
	Reason string
}

func (*ExitPortWrite) isExit()       {}
func (*ExitPortRead) isExit()        {}
func (*ExitMemoryViolation) isExit() {}
func (*ExitCPUException) isExit()    {}
func (*ExitDebug) isExit()           {}
func (*ExitHalt) isExit()            {}
func (*ExitUnknown) isExit()         {}

// Value returns the first value written, zero-extended.
func (e *ExitPortWrite) Value() uint32 {
	return decodeValue(e.Data, e.Size)
}

// Values splits Data into one slice per transferred element.
func (e *ExitPortWrite) Values() [][]byte { return splitElements(e.Data, e.Size) }

// Values splits Data into one slice per transferred element.
func (e *ExitPortRead) Values() [][]byte { return splitElements(e.Data, e.Size) }

// Value returns the first value read, zero-extended.
func (e *ExitPortRead) Value() uint32 {
	return decodeValue(e.Data, e.Size)
}

func (e *ExitPortWrite) String() string {
	return fmt.Sprintf("port write 0x%04x size %d value 0x%x", e.Port, e.Size, e.Value())
}

func (e *ExitPortRead) String() string {
	return fmt.Sprintf("port read 0x%04x size %d", e.Port, e.Size)
}

func (e *ExitMemoryViolation) String() string {
	if e.Write {
		return fmt.Sprintf("memory violation: write 0x%05x", e.Addr)
	}
	return fmt.Sprintf("memory violation: read 0x%05x", e.Addr)
}

func (e *ExitCPUException) String() string {
	return fmt.Sprintf("cpu exception %d error code 0x%x", e.Vector, e.ErrorCode)
}

func (e *ExitDebug) String() string { return fmt.Sprintf("debug trap at 0x%05x", e.PC) }

func (*ExitHalt) String() string { return "halt" }

func (e *ExitUnknown) String() string { return "unknown exit: " + e.Reason }

func splitElements(data []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	out := make([][]byte, 0, len(data)/size)
	for off := 0; off+size <= len(data); off += size {
		out = append(out, data[off:off+size])
	}
	return out
}

func decodeValue(data []byte, size int) uint32 {
	if size > len(data) {
		size = len(data)
	}
	switch size {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}
