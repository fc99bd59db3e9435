package compiler

import (
	"github.com/svenslaggare/xonevm/internal/abi"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
	"github.com/svenslaggare/xonevm/internal/ir"
)

// argClass converts a VM primitive type to the abi package's register-bank
// classification.
func argClass(t ir.VMType) abi.ArgClass {
	if t == ir.Float {
		return abi.ClassFloat
	}
	return abi.ClassInt
}

// MoveArgumentsToHomeSlots implements spec.md §4.D's prologue operation:
// copy every incoming argument — from its ABI register, or from the
// caller's stack if it is argument 4 or later — into the callee's home
// slot at [rbp − 8·(1+i)].
func MoveArgumentsToHomeSlots(c *Context) {
	fn := c.Function
	for i, t := range fn.Definition.Params {
		home := amd64.MemAt(amd64.RBP, abi.HomeSlotOffset(i))
		loc := abi.IncomingArgLocation(i, argClass(t))
		if loc.InRegister {
			c.Asm.Mov(home, amd64.Reg(loc.Register), is32BitMode)
		} else {
			// Stack arguments arrive above the saved return address/RBP;
			// copy through a scratch register since x86-64 has no
			// memory-to-memory mov.
			scratch := amd64.RAX
			if t == ir.Float {
				scratch = amd64.XMM0
			}
			src := amd64.MemAt(amd64.RBP, loc.StackOffsetFromRBP)
			c.Asm.Mov(amd64.Reg(scratch), src, is32BitMode)
			c.Asm.Mov(home, amd64.Reg(scratch), is32BitMode)
		}
	}
}

// EmitReturnValue moves the value in valueReg into the ABI return register
// (RAX or XMM0), skipping the move when it is already there (spec.md §4.D).
func EmitReturnValue(c *Context, valueReg amd64.Register, isFloatReturn bool) {
	ret := abi.ReturnIntRegister
	if isFloatReturn {
		ret = abi.ReturnFloatRegister
	}
	if valueReg == ret {
		return
	}
	c.Asm.Mov(amd64.Reg(ret), amd64.Reg(valueReg), is32BitMode)
}

// ConsumeReturnValue moves the ABI return register into destReg, skipping
// the move when destReg already names it.
func ConsumeReturnValue(c *Context, destReg amd64.Register, isFloatReturn bool) {
	ret := abi.ReturnIntRegister
	if isFloatReturn {
		ret = abi.ReturnFloatRegister
	}
	if destReg == ret {
		return
	}
	c.Asm.Mov(amd64.Reg(destReg), amd64.Reg(ret), is32BitMode)
}

// MarshalCallArguments implements spec.md §4.D's marshal_call_arguments:
// move every argument from its current location (sources[i], as supplied
// by either generator — a frame slot for the naïve path, a register or
// spill slot for the optimised path) into the ABI location argument i
// occupies at the call site. Arguments are processed last to first per
// spec.md §4.D, which keeps a lower-indexed argument's source register
// intact until every higher-indexed argument that might still need to
// read it has already been moved. That ordering alone cannot resolve a
// true cycle — argument i's source is argument j's destination register
// and vice versa, something internal/regalloc's call-agnostic allocator
// can produce freely — so register destinations are additionally
// sequenced by dependency and any residual cycle is broken through the
// reserved scratch register.
func MarshalCallArguments(c *Context, params []ir.VMType, sources []amd64.Operand) {
	intMoves := map[amd64.Register]amd64.Operand{}
	floatMoves := map[amd64.Register]amd64.Operand{}

	for i := len(params) - 1; i >= 0; i-- {
		t := params[i]
		loc := abi.IncomingArgLocation(i, argClass(t))
		if !loc.InRegister {
			scratch := amd64.IntScratchRegister
			if t == ir.Float {
				scratch = amd64.FloatScratchRegister
			}
			src := sources[i]
			if src.Kind == amd64.KindMemory {
				// x86-64 has no memory-to-memory mov.
				c.Asm.Mov(amd64.Reg(scratch), src, is32BitMode)
				src = amd64.Reg(scratch)
			}
			dst := amd64.MemAt(amd64.RSP, abi.CallStackArgOffset(i))
			c.Asm.Mov(dst, src, is32BitMode)
			continue
		}
		if t == ir.Float {
			floatMoves[loc.Register] = sources[i]
		} else {
			intMoves[loc.Register] = sources[i]
		}
	}

	resolveRegisterArgMoves(c, intMoves, amd64.IntScratchRegister)
	resolveRegisterArgMoves(c, floatMoves, amd64.FloatScratchRegister)
}

// resolveRegisterArgMoves sequences a set of dest-register <- source
// copies so that no copy overwrites a register another pending copy still
// needs to read, breaking any remaining cycle through scratch.
func resolveRegisterArgMoves(c *Context, moves map[amd64.Register]amd64.Operand, scratch amd64.Register) {
	pending := make(map[amd64.Register]amd64.Operand, len(moves))
	for dst, src := range moves {
		if src.Kind == amd64.KindRegister && src.Reg == dst {
			continue
		}
		pending[dst] = src
	}

	isPendingSource := func(r amd64.Register) bool {
		for _, src := range pending {
			if src.Kind == amd64.KindRegister && src.Reg == r {
				return true
			}
		}
		return false
	}

	for len(pending) > 0 {
		progressed := false
		for dst, src := range pending {
			if isPendingSource(dst) {
				continue
			}
			c.Asm.Mov(amd64.Reg(dst), src, is32BitMode)
			delete(pending, dst)
			progressed = true
		}
		if progressed {
			continue
		}

		// Every remaining destination also feeds another pending move: a
		// closed cycle among these argument registers. Evacuate one
		// through the scratch register, splice it in as the source for
		// whichever move still needs the evacuated register's original
		// value, then resolve the evacuated register itself.
		var start amd64.Register
		for dst := range pending {
			start = dst
			break
		}
		c.Asm.Mov(amd64.Reg(scratch), amd64.Reg(start), is32BitMode)
		for dst, src := range pending {
			if src.Kind == amd64.KindRegister && src.Reg == start {
				pending[dst] = amd64.Reg(scratch)
			}
		}
		c.Asm.Mov(amd64.Reg(start), pending[start], is32BitMode)
		delete(pending, start)
	}
}
