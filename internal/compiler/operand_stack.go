package compiler

import "github.com/svenslaggare/xonevm/internal/ir"

// naiveOperandStack models the naïve generator's materialised operand
// stack (spec.md §4.E): every pushed value lives in its own 8-byte frame
// slot below the locals, exactly mirroring the source IR's stack-machine
// semantics instead of tracking values in registers. Grounded on wazero's
// valueLocationStack cursor/height bookkeeping (compiler_value_location.go)
// but stripped down to plain slot indices — the naïve generator never
// keeps a value in a register across instruction boundaries, so there is
// nothing else to track.
type naiveOperandStack struct {
	types []ir.VMType
	// base is the frame offset (relative to RBP) of slot 0; each
	// subsequent slot is 8 bytes further from RBP in the negative
	// direction.
	base int32
}

func newNaiveOperandStack(base int32) naiveOperandStack {
	return naiveOperandStack{base: base}
}

// push records a pushed value's type and returns the frame slot it lives
// in.
func (s *naiveOperandStack) push(t ir.VMType) int32 {
	slot := s.base - int32(len(s.types))*8
	s.types = append(s.types, t)
	return slot
}

// pop removes and returns the top value's type and frame slot.
func (s *naiveOperandStack) pop() (ir.VMType, int32) {
	n := len(s.types) - 1
	t := s.types[n]
	slot := s.base - int32(n)*8
	s.types = s.types[:n]
	return t, slot
}

// peekType reports the type of the value i slots below the top (0 is the
// top itself) without popping it.
func (s *naiveOperandStack) peekType(i int) ir.VMType {
	return s.types[len(s.types)-1-i]
}

// height is the number of values currently on the stack.
func (s *naiveOperandStack) height() int { return len(s.types) }

// maxSlotsNeeded is a conservative upper bound on how many 8-byte slots
// the naïve stack will ever occupy for fn, used to size the stack frame
// before any code is emitted (spec.md §4.E step 1: frame size depends on
// fn.OperandStackSize, computed by the IR producer from its own
// operand-type-stack simulation).
func maxSlotsNeeded(fn *ir.Function) int32 {
	return int32(fn.OperandStackSize)
}
