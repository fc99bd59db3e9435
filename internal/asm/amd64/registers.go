// Package amd64 is the x86-64 machine-code encoder and register model
// (spec.md §4.A-§4.C): a tagged register representation, a raw byte-level
// encoder for the fixed instruction set the back end needs, and a typed
// facade dispatching (mnemonic, operand-kind) pairs to the right raw
// encoder entry.
//
// Grounded on tetratelabs/wazero's internal/asm/amd64 package: the same
// flat register numbering (NilRegister, then the base registers, extended
// R8-R15 immediately after, XMM0-XMM7 after that) and the same REX/ModR/M/SIB derivation
// (internal/asm/amd64/impl.go's getMemoryLocation/getRegisterToRegisterModRM),
// simplified to the fixed instruction set and single calling convention
// spec.md requires instead of wazero's full WebAssembly instruction set.
package amd64

import "fmt"

// Register is a flat x86-64 register name. Encoding derives the register's
// 3-bit encoding field from its offset within its bank (spec.md §4.A);
// IsExtended, IsXMM and IsInteger report which bank it belongs to, since
// REX-byte selection and encoding differ between the base/extended integer
// banks and the XMM bank.
type Register byte

const (
	NilRegister Register = iota

	// Base integer registers, encodings 0-7.
	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI

	// Extended integer registers (require REX.B/REX.R/REX.X), encodings 0-7.
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// XMM registers, encodings 0-7.
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

// IntScratchRegister is the reserved integer scratch/spill register
// (spec.md §3): R12. It is never entered into the allocatable pool
// (internal/regalloc); the generators use it for memory-to-memory moves,
// argument marshalling, division and zeroing float locals, and save it in
// every prologue.
const IntScratchRegister = R12

// FloatScratchRegister is the reserved floating-point scratch register:
// XMM5.
const FloatScratchRegister = XMM5

// IsExtended reports whether r is one of R8-R15, which requires a REX
// prefix bit to address (spec.md §4.A, §4.B).
func (r Register) IsExtended() bool { return r >= R8 && r <= R15 }

// IsXMM reports whether r is an XMM register.
func (r Register) IsXMM() bool { return r >= XMM0 && r <= XMM7 }

// IsInteger reports whether r is a base or extended integer register.
func (r Register) IsInteger() bool { return r >= RAX && r <= R15 }

// Encoding returns the 3-bit register-field encoding used in ModR/M, SIB,
// and the REX prefix's extension bits.
func (r Register) Encoding() byte {
	switch {
	case r >= RAX && r <= RDI:
		return byte(r - RAX)
	case r >= R8 && r <= R15:
		return byte(r - R8)
	case r >= XMM0 && r <= XMM7:
		return byte(r - XMM0)
	default:
		panic(fmt.Sprintf("amd64: register %d has no encoding", r))
	}
}

func (r Register) String() string {
	names := [...]string{
		"<nil>",
		"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI",
		"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
		"X0", "X1", "X2", "X3", "X4", "X5", "X6", "X7",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("Register(%d)", byte(r))
}

// MemoryOperand addresses Base+Offset (spec.md §3). RSP (and R12) is a
// legitimate base and is handled by the encoder's SIB-byte rule.
type MemoryOperand struct {
	Base   Register
	Offset int32
}

// Mem is a convenience constructor.
func Mem(base Register, offset int32) MemoryOperand {
	return MemoryOperand{Base: base, Offset: offset}
}

// FitsInDisp8 reports whether the offset can use the 1-byte-displacement
// ModR/M form (spec.md §3, §4.B, testable property #2).
func (m MemoryOperand) FitsInDisp8() bool {
	return m.Offset >= -128 && m.Offset <= 127
}
