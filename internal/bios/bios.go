// Package bios implements the host side of the para-virtual BIOS: the callout
// port window, the BIOS Data Area, and ROM image placement.
package bios

import "fmt"

const (
	// CalloutFirstPort and CalloutLastPort bound the port window the BIOS ROM
	// uses to call into the host with OUT port, AX.
	CalloutFirstPort uint16 = 0xe0
	CalloutLastPort  uint16 = 0xef

	// A callout is only honoured when the trapping instruction lives in the
	// top 8 KiB of the ROM.
	CalloutIPStart uint64 = 0xfe000
	CalloutIPEnd   uint64 = 0xfffff

	// Guest writes into the shadowed system ROM are skipped.
	ShadowStart uint64 = 0xf0000
	ShadowEnd   uint64 = 0xfffff

	ROMBase uint64 = 0xc0000
	ROMSize uint64 = 0x40000
	ROMEnd  uint64 = ROMBase + ROMSize
)

// Subsystem identifies a BIOS service reachable through the callout window.
type Subsystem uint16

const (
	SubsystemVideo    Subsystem = 0xe0
	SubsystemDisk     Subsystem = 0xe1
	SubsystemSerial   Subsystem = 0xe2
	SubsystemSystem   Subsystem = 0xe3
	SubsystemKeyboard Subsystem = 0xe4
	SubsystemPrinter  Subsystem = 0xe5
	SubsystemSetup    Subsystem = 0xe6
	SubsystemRTC      Subsystem = 0xe8
	SubsystemDebug    Subsystem = 0xef
)

var subsystemNames = map[Subsystem]string{
	SubsystemVideo:    "video",
	SubsystemDisk:     "disk",
	SubsystemSerial:   "serial",
	SubsystemSystem:   "system",
	SubsystemKeyboard: "keyboard",
	SubsystemPrinter:  "printer",
	SubsystemSetup:    "setup",
	SubsystemRTC:      "rtc",
	SubsystemDebug:    "debug",
}

func (s Subsystem) String() string {
	if name, ok := subsystemNames[s]; ok {
		return name
	}
	return fmt.Sprintf("subsystem(0x%02x)", uint16(s))
}

// IsCallout reports whether a 16-bit write to port from linearIP is a BIOS
// callout rather than ordinary port I/O.
func IsCallout(port uint16, linearIP uint64) bool {
	if port < CalloutFirstPort || port > CalloutLastPort {
		return false
	}
	return linearIP >= CalloutIPStart && linearIP <= CalloutIPEnd
}

// InShadow reports whether addr falls in the shadowed system ROM.
func InShadow(addr uint64) bool {
	return addr >= ShadowStart && addr <= ShadowEnd
}

// FunctionNumber returns the INT-style function number carried in AH of the
// callout word.
func FunctionNumber(function uint16) uint8 { return uint8(function >> 8) }
