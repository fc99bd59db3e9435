// Package abi implements the Microsoft x64 calling-convention shim
// (spec.md §4.D): register/stack argument classification, the callee's
// argument "home slots", shadow space, and stack-alignment bookkeeping.
// It is deliberately free of any dependency on the code generators so it
// can be unit tested against the ABI document directly; internal/compiler
// calls into it while emitting the actual move/call instructions.
package abi

import "github.com/svenslaggare/xonevm/internal/asm/amd64"

// IntArgRegisters and FloatArgRegisters are the first four integer/pointer
// and floating-point argument registers in the Microsoft x64 convention
// (spec.md §4.D).
var IntArgRegisters = [4]amd64.Register{amd64.RCX, amd64.RDX, amd64.R8, amd64.R9}
var FloatArgRegisters = [4]amd64.Register{amd64.XMM0, amd64.XMM1, amd64.XMM2, amd64.XMM3}

// ReturnIntRegister and ReturnFloatRegister hold a function's return value.
const ReturnIntRegister = amd64.RAX
const ReturnFloatRegister = amd64.XMM0

// ShadowSpaceBytes is the caller-owned scratch space reserved immediately
// below the first four arguments at every call site.
const ShadowSpaceBytes = 32

// ArgClass is the register bank an argument travels in. Callers derive it
// from ir.Float themselves, keeping this package dependency-free of the IR.
type ArgClass byte

const (
	ClassInt ArgClass = iota
	ClassFloat
)

// ArgLocation describes where argument index i is found at function entry,
// or where it must be placed at a call site.
type ArgLocation struct {
	InRegister bool
	Register   amd64.Register
	// StackOffsetFromRBP is valid when !InRegister and this describes the
	// *callee's* view of an incoming argument: [rbp + 16 + 8*(i-4)]
	// (spec.md §4.D — the +16 accounts for the saved return address and
	// saved RBP).
	StackOffsetFromRBP int32
}

// IncomingArgLocation returns where argument index i (0-based) arrives,
// from the callee's perspective, for a parameter of the given class.
func IncomingArgLocation(index int, class ArgClass) ArgLocation {
	if index < 4 {
		if class == ClassFloat {
			return ArgLocation{InRegister: true, Register: FloatArgRegisters[index]}
		}
		return ArgLocation{InRegister: true, Register: IntArgRegisters[index]}
	}
	return ArgLocation{StackOffsetFromRBP: int32(16 + 8*(index-4))}
}

// HomeSlotOffset returns the callee-owned frame offset (relative to RBP)
// where argument index i is copied to in the prologue, regardless of
// whether it arrived in a register or on the caller's stack (spec.md §4.D,
// "home slot"): `[rbp − 8·(1+i)]`.
func HomeSlotOffset(index int) int32 {
	return -8 * int32(1+index)
}

// ComputeAlignment returns the padding (0 or 8 bytes) needed so RSP is
// 16-byte aligned immediately before `call`, given the number of 8-byte
// stack argument slots the callee consumes and the number of caller-saved
// registers already pushed around this call site (spec.md §4.D).
func ComputeAlignment(numStackArgSlots, numSavedRegs int) int32 {
	if (numStackArgSlots+numSavedRegs)%2 != 0 {
		return 8
	}
	return 0
}

// NumStackArgSlots returns how many arguments of classes spill past the
// first four register slots.
func NumStackArgSlots(numArgs int) int {
	if numArgs <= 4 {
		return 0
	}
	return numArgs - 4
}

// CallStackArgOffset returns the offset (from RSP at the moment of `call`,
// i.e. after shadow space has been reserved) where stack argument index i
// (i >= 4) must be written by the caller.
func CallStackArgOffset(index int) int32 {
	return int32(8 * (index - 4))
}
