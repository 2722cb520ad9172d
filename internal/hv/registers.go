package hv

import (
	"fmt"
	"io"
)

const (
	FlagCarry     uint64 = 1 << 0
	FlagZero      uint64 = 1 << 6
	FlagInterrupt uint64 = 1 << 9
)

// Registers is a snapshot of the real-mode register file with byte and
// word views of the general purpose registers.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	RIP, RFLAGS        uint64

	CS, DS, ES, FS, GS, SS Segment
}

func lo16(v uint64) uint16 { return uint16(v) }
func setLo16(v *uint64, x uint16) {
	*v = (*v &^ 0xffff) | uint64(x)
}
func setHi8(v *uint64, x uint8) {
	*v = (*v &^ 0xff00) | uint64(x)<<8
}
func setLo8(v *uint64, x uint8) {
	*v = (*v &^ 0xff) | uint64(x)
}

func (r *Registers) AX() uint16 { return lo16(r.RAX) }
func (r *Registers) BX() uint16 { return lo16(r.RBX) }
func (r *Registers) CX() uint16 { return lo16(r.RCX) }
func (r *Registers) DX() uint16 { return lo16(r.RDX) }
func (r *Registers) SI() uint16 { return lo16(r.RSI) }
func (r *Registers) DI() uint16 { return lo16(r.RDI) }
func (r *Registers) BP() uint16 { return lo16(r.RBP) }
func (r *Registers) SP() uint16 { return lo16(r.RSP) }
func (r *Registers) IP() uint16 { return lo16(r.RIP) }

func (r *Registers) AH() uint8 { return uint8(r.RAX >> 8) }
func (r *Registers) AL() uint8 { return uint8(r.RAX) }
func (r *Registers) BH() uint8 { return uint8(r.RBX >> 8) }
func (r *Registers) BL() uint8 { return uint8(r.RBX) }
func (r *Registers) CH() uint8 { return uint8(r.RCX >> 8) }
func (r *Registers) CL() uint8 { return uint8(r.RCX) }
func (r *Registers) DH() uint8 { return uint8(r.RDX >> 8) }
func (r *Registers) DL() uint8 { return uint8(r.RDX) }

func (r *Registers) SetAX(v uint16) { setLo16(&r.RAX, v) }
func (r *Registers) SetBX(v uint16) { setLo16(&r.RBX, v) }
func (r *Registers) SetCX(v uint16) { setLo16(&r.RCX, v) }
func (r *Registers) SetDX(v uint16) { setLo16(&r.RDX, v) }

func (r *Registers) SetAH(v uint8) { setHi8(&r.RAX, v) }
func (r *Registers) SetAL(v uint8) { setLo8(&r.RAX, v) }
func (r *Registers) SetBH(v uint8) { setHi8(&r.RBX, v) }
func (r *Registers) SetBL(v uint8) { setLo8(&r.RBX, v) }
func (r *Registers) SetCH(v uint8) { setHi8(&r.RCX, v) }
func (r *Registers) SetCL(v uint8) { setLo8(&r.RCX, v) }
func (r *Registers) SetDH(v uint8) { setHi8(&r.RDX, v) }
func (r *Registers) SetDL(v uint8) { setLo8(&r.RDX, v) }

// Flag reports whether every bit of mask is set in RFLAGS.
func (r *Registers) Flag(mask uint64) bool { return r.RFLAGS&mask == mask }

func (r *Registers) SetFlag(mask uint64, on bool) {
	if on {
		r.RFLAGS |= mask
	} else {
		r.RFLAGS &^= mask
	}
}

func (r *Registers) Carry() bool         { return r.Flag(FlagCarry) }
func (r *Registers) SetCarry(on bool)    { r.SetFlag(FlagCarry, on) }
func (r *Registers) Zero() bool          { return r.Flag(FlagZero) }
func (r *Registers) SetZero(on bool)     { r.SetFlag(FlagZero, on) }
func (r *Registers) InterruptFlag() bool { return r.Flag(FlagInterrupt) }

// LinearIP is the physical address of the next instruction.
func (r *Registers) LinearIP() uint64 {
	return r.CS.Base + uint64(r.IP())
}

// Dump writes a register listing in the usual real-mode layout.
func (r *Registers) Dump(w io.Writer) {
	fmt.Fprintf(w, "AX=%04x BX=%04x CX=%04x DX=%04x SI=%04x DI=%04x BP=%04x SP=%04x\n",
		r.AX(), r.BX(), r.CX(), r.DX(), r.SI(), r.DI(), r.BP(), r.SP())
	fmt.Fprintf(w, "CS=%04x(%05x) DS=%04x ES=%04x FS=%04x GS=%04x SS=%04x IP=%04x FLAGS=%04x",
		r.CS.Selector, r.CS.Base, r.DS.Selector, r.ES.Selector, r.FS.Selector,
		r.GS.Selector, r.SS.Selector, r.IP(), uint16(r.RFLAGS))
	for _, f := range []struct {
		mask uint64
		name string
	}{{FlagCarry, "CF"}, {FlagZero, "ZF"}, {FlagInterrupt, "IF"}} {
		if r.Flag(f.mask) {
			fmt.Fprintf(w, " %s", f.name)
		}
	}
	fmt.Fprintln(w)
}

func (r *Registers) fields() map[Register]any {
	return map[Register]any{
		RegisterAMD64Rax:    &r.RAX,
		RegisterAMD64Rbx:    &r.RBX,
		RegisterAMD64Rcx:    &r.RCX,
		RegisterAMD64Rdx:    &r.RDX,
		RegisterAMD64Rsi:    &r.RSI,
		RegisterAMD64Rdi:    &r.RDI,
		RegisterAMD64Rsp:    &r.RSP,
		RegisterAMD64Rbp:    &r.RBP,
		RegisterAMD64Rip:    &r.RIP,
		RegisterAMD64Rflags: &r.RFLAGS,
		RegisterAMD64Cs:     &r.CS,
		RegisterAMD64Ds:     &r.DS,
		RegisterAMD64Es:     &r.ES,
		RegisterAMD64Fs:     &r.FS,
		RegisterAMD64Gs:     &r.GS,
		RegisterAMD64Ss:     &r.SS,
	}
}

// ReadRegisters fetches the full real-mode register file from vcpu.
func ReadRegisters(vcpu VirtualCPU) (Registers, error) {
	var regs Registers
	fields := regs.fields()

	req := make(map[Register]RegisterValue, len(fields))
	for reg := range fields {
		req[reg] = nil
	}
	if err := vcpu.GetRegisters(req); err != nil {
		return Registers{}, fmt.Errorf("hv: read registers: %w", err)
	}

	for reg, ptr := range fields {
		switch p := ptr.(type) {
		case *uint64:
			v, ok := req[reg].(Register64)
			if !ok {
				return Registers{}, fmt.Errorf("hv: register %s: unexpected value %T", reg, req[reg])
			}
			*p = uint64(v)
		case *Segment:
			v, ok := req[reg].(Segment)
			if !ok {
				return Registers{}, fmt.Errorf("hv: register %s: unexpected value %T", reg, req[reg])
			}
			*p = v
		}
	}
	return regs, nil
}

// WriteRegisters stores every register in regs back into vcpu.
func WriteRegisters(vcpu VirtualCPU, regs Registers) error {
	fields := regs.fields()
	req := make(map[Register]RegisterValue, len(fields))
	for reg, ptr := range fields {
		switch p := ptr.(type) {
		case *uint64:
			req[reg] = Register64(*p)
		case *Segment:
			req[reg] = *p
		}
	}
	if err := vcpu.SetRegisters(req); err != nil {
		return fmt.Errorf("hv: write registers: %w", err)
	}
	return nil
}
