package compiler

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/abi"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
	"github.com/svenslaggare/xonevm/internal/ir"
)

// Errors returned by both generators, matching spec.md §6's taxonomy.
// InternalEncoderInvariant errors from the encoder are wrapped with the
// failing instruction's context but stay reachable through errors.Is, since
// they indicate a programmer error in this package, not a malformed input
// function.
var (
	ErrUnsupportedOpCode = errors.New("unsupported opcode")
	ErrInvalidOperand    = errors.New("invalid operand for instruction")
	ErrInvalidFunction   = errors.New("malformed function")
)

// GenerateNaive implements the naïve code generator (spec.md §4.E): it
// materialises the IR's operand stack directly as frame slots instead of
// tracking values in registers, trading performance for a simple,
// syntax-directed translation with no data-flow analysis. Grounded on
// wazero's compiler.go compileXxx per-opcode switch, but swapping its
// register-location-tracking valueLocationStack for the plain slot cursor
// in naiveOperandStack since this generator never keeps a live value in a
// register across an instruction boundary.
func GenerateNaive(fn *ir.Function, resolve CalleeResolver) (*Context, error) {
	c := NewContext(fn, resolve)
	c.State = StateEmittingBody

	numLocals := int32(len(fn.Locals))
	maxStack := maxSlotsNeeded(fn)
	// Home slots for incoming arguments occupy the first len(Params) slots
	// below RBP; locals follow; the operand stack occupies the remainder.
	numArgs := int32(len(fn.Definition.Params))
	c.FrameSize = alignedFrameSize(numArgs + numLocals + maxStack)

	localsBase := -8 * (numArgs + 1)
	stackBase := localsBase - 8*numLocals

	c.operandStack = newNaiveOperandStack(stackBase)

	// Prologue: standard frame pointer chain plus the fixed-size frame.
	// R12 is callee-saved in the Microsoft x64 convention, so this function
	// must preserve it even though it only uses it transiently as the
	// encoder's scratch register (spec.md §3). It is saved just below the
	// fixed-size frame so its slot never overlaps a home, local or operand
	// stack slot.
	c.Asm.Push(amd64.RBP)
	c.Asm.Mov(amd64.Reg(amd64.RBP), amd64.Reg(amd64.RSP), false)
	c.Asm.SubImm32(amd64.Reg(amd64.RSP), c.FrameSize, false)
	c.Asm.Push(amd64.IntScratchRegister)

	MoveArgumentsToHomeSlots(c)

	for i, local := range fn.Locals {
		offset := localsBase - 8*int32(i)
		if local.Type == ir.Float {
			// push 0; pop xmm: the integer scratch carries the zero bits.
			c.Asm.MovImm32(amd64.Reg(amd64.IntScratchRegister), 0, true)
			c.Asm.Push(amd64.IntScratchRegister)
			c.Asm.Pop(amd64.FloatScratchRegister)
			c.Asm.Mov(amd64.MemAt(amd64.RBP, offset), amd64.Reg(amd64.FloatScratchRegister), true)
		} else {
			c.Asm.MovImm32(amd64.MemAt(amd64.RBP, offset), 0, true)
		}
	}

	for i, instr := range fn.Instructions {
		c.recordInstructionStart()
		if err := emitNaiveInstruction(c, i, instr, localsBase); err != nil {
			return nil, errors.Wrapf(err, "instruction %d (%s)", i, instr.Op)
		}
	}

	return c, nil
}

func emitNaiveInstruction(c *Context, index int, instr ir.Instruction, localsBase int32) error {
	fn := c.Function
	switch instr.Op {
	case ir.Pop:
		c.operandStack.pop()

	case ir.LoadInt:
		slot := c.operandStack.push(ir.Int)
		c.Asm.MovImm32(amd64.MemAt(amd64.RBP, slot), instr.IntValue, true)

	case ir.LoadFloat:
		slot := c.operandStack.push(ir.Float)
		c.Asm.MovImm32(amd64.Reg(amd64.RAX), int32(floatBits(instr.FloatValue)), true)
		c.Asm.Mov(amd64.MemAt(amd64.RBP, slot), amd64.Reg(amd64.RAX), true)

	case ir.LoadLocal:
		if int(instr.IntValue) >= len(fn.Locals) {
			return errors.Wrap(ErrInvalidOperand, "local index out of range")
		}
		t := fn.LocalType(int(instr.IntValue))
		src := amd64.MemAt(amd64.RBP, localsBase-8*instr.IntValue)
		slot := c.operandStack.push(t)
		moveThroughScratch(c, amd64.MemAt(amd64.RBP, slot), src, t)

	case ir.StoreLocal:
		if int(instr.IntValue) >= len(fn.Locals) {
			return errors.Wrap(ErrInvalidOperand, "local index out of range")
		}
		t, srcSlot := c.operandStack.pop()
		dst := amd64.MemAt(amd64.RBP, localsBase-8*instr.IntValue)
		moveThroughScratch(c, dst, amd64.MemAt(amd64.RBP, srcSlot), t)

	case ir.LoadArgument:
		if int(instr.IntValue) >= fn.NumParams() {
			return errors.Wrap(ErrInvalidOperand, "argument index out of range")
		}
		t := fn.ParamType(int(instr.IntValue))
		home := amd64.MemAt(amd64.RBP, abi.HomeSlotOffset(int(instr.IntValue)))
		slot := c.operandStack.push(t)
		moveThroughScratch(c, amd64.MemAt(amd64.RBP, slot), home, t)

	case ir.AddInt, ir.SubInt, ir.MulInt, ir.DivInt:
		if err := emitNaiveIntBinary(c, instr.Op); err != nil {
			return err
		}

	case ir.AddFloat, ir.SubFloat, ir.MulFloat, ir.DivFloat:
		emitNaiveFloatBinary(c, instr.Op)

	case ir.Call:
		return emitNaiveCall(c, instr)

	case ir.Ret:
		if fn.Definition.Return != ir.Void {
			t, slot := c.operandStack.pop()
			reg := amd64.RAX
			if t == ir.Float {
				reg = amd64.XMM0
			}
			c.Asm.Mov(amd64.Reg(reg), amd64.MemAt(amd64.RBP, slot), true)
			EmitReturnValue(c, reg, t == ir.Float)
		}
		// R12 is reloaded from its slot just below the frame,
		// [rbp-FrameSize-8], before RSP is returned to rbp.
		c.Asm.Mov(amd64.Reg(amd64.RSP), amd64.Reg(amd64.RBP), false)
		c.Asm.SubImm32(amd64.Reg(amd64.RSP), c.FrameSize+8, false)
		c.Asm.Pop(amd64.IntScratchRegister)
		c.Asm.Mov(amd64.Reg(amd64.RSP), amd64.Reg(amd64.RBP), false)
		c.Asm.Pop(amd64.RBP)
		c.Asm.Ret()

	case ir.Branch:
		off := c.Asm.Jump(amd64.JumpUnconditional, false)
		c.addBranch(off, int(instr.IntValue))

	case ir.BranchEqual, ir.BranchNotEqual, ir.BranchGreater,
		ir.BranchGreaterOrEqual, ir.BranchLess, ir.BranchLessOrEqual:
		emitNaiveConditionalBranch(c, instr)

	default:
		return errors.Wrapf(ErrUnsupportedOpCode, "%s", instr.Op)
	}
	return nil
}

// moveThroughScratch copies src into dst, both memory operands, via the
// type-appropriate scratch register (x86-64 has no memory-to-memory mov).
func moveThroughScratch(c *Context, dst, src amd64.Operand, t ir.VMType) {
	scratch := amd64.IntScratchRegister
	if t == ir.Float {
		scratch = amd64.FloatScratchRegister
	}
	c.Asm.Mov(amd64.Reg(scratch), src, true)
	c.Asm.Mov(dst, amd64.Reg(scratch), true)
}

func emitNaiveIntBinary(c *Context, op ir.OpCode) error {
	_, rhsSlot := c.operandStack.pop()
	_, lhsSlot := c.operandStack.pop()
	c.Asm.Mov(amd64.Reg(amd64.RAX), amd64.MemAt(amd64.RBP, lhsSlot), true)
	c.Asm.Mov(amd64.Reg(amd64.RCX), amd64.MemAt(amd64.RBP, rhsSlot), true)

	switch op {
	case ir.AddInt:
		c.Asm.Add(amd64.Reg(amd64.RAX), amd64.Reg(amd64.RCX), true)
	case ir.SubInt:
		c.Asm.Sub(amd64.Reg(amd64.RAX), amd64.Reg(amd64.RCX), true)
	case ir.MulInt:
		c.Asm.Mul(amd64.Reg(amd64.RAX), amd64.Reg(amd64.RCX), true, false)
	case ir.DivInt:
		if err := c.Asm.IDiv(amd64.RAX, amd64.RCX, true); err != nil {
			return err
		}
	}

	slot := c.operandStack.push(ir.Int)
	c.Asm.Mov(amd64.MemAt(amd64.RBP, slot), amd64.Reg(amd64.RAX), true)
	return nil
}

func emitNaiveFloatBinary(c *Context, op ir.OpCode) {
	_, rhsSlot := c.operandStack.pop()
	_, lhsSlot := c.operandStack.pop()
	c.Asm.Mov(amd64.Reg(amd64.XMM0), amd64.MemAt(amd64.RBP, lhsSlot), true)
	c.Asm.Mov(amd64.Reg(amd64.XMM1), amd64.MemAt(amd64.RBP, rhsSlot), true)

	switch op {
	case ir.AddFloat:
		c.Asm.Add(amd64.Reg(amd64.XMM0), amd64.Reg(amd64.XMM1), true)
	case ir.SubFloat:
		c.Asm.Sub(amd64.Reg(amd64.XMM0), amd64.Reg(amd64.XMM1), true)
	case ir.MulFloat:
		c.Asm.Mul(amd64.Reg(amd64.XMM0), amd64.Reg(amd64.XMM1), true, true)
	case ir.DivFloat:
		c.Asm.Div(amd64.Reg(amd64.XMM0), amd64.Reg(amd64.XMM1))
	}

	slot := c.operandStack.push(ir.Float)
	c.Asm.Mov(amd64.MemAt(amd64.RBP, slot), amd64.Reg(amd64.XMM0), true)
}

func emitNaiveConditionalBranch(c *Context, instr ir.Instruction) {
	rhsType, rhsSlot := c.operandStack.pop()
	_, lhsSlot := c.operandStack.pop()
	floatCompare := rhsType == ir.Float

	if floatCompare {
		c.Asm.Mov(amd64.Reg(amd64.XMM0), amd64.MemAt(amd64.RBP, lhsSlot), true)
		c.Asm.Mov(amd64.Reg(amd64.XMM1), amd64.MemAt(amd64.RBP, rhsSlot), true)
		c.Asm.Cmp(amd64.Reg(amd64.XMM0), amd64.Reg(amd64.XMM1), true, true)
	} else {
		c.Asm.Mov(amd64.Reg(amd64.RAX), amd64.MemAt(amd64.RBP, lhsSlot), true)
		c.Asm.Mov(amd64.Reg(amd64.RCX), amd64.MemAt(amd64.RBP, rhsSlot), true)
		c.Asm.Cmp(amd64.Reg(amd64.RAX), amd64.Reg(amd64.RCX), false, true)
	}

	cond, unsigned := branchCondition(instr.Op, floatCompare)
	off := c.Asm.Jump(cond, unsigned)
	c.addBranch(off, int(instr.IntValue))
}

func branchCondition(op ir.OpCode, unsigned bool) (amd64.JumpCondition, bool) {
	switch op {
	case ir.BranchEqual:
		return amd64.JumpEqual, unsigned
	case ir.BranchNotEqual:
		return amd64.JumpNotEqual, unsigned
	case ir.BranchGreater:
		return amd64.JumpGreaterThan, unsigned
	case ir.BranchGreaterOrEqual:
		return amd64.JumpGreaterThanOrEqual, unsigned
	case ir.BranchLess:
		return amd64.JumpLessThan, unsigned
	case ir.BranchLessOrEqual:
		return amd64.JumpLessThanOrEqual, unsigned
	default:
		panic(fmt.Sprintf("amd64: %s is not a conditional branch", op))
	}
}

// emitNaiveCall marshals arguments from the operand stack into the ABI's
// registers/stack slots, emits the call (relative for a managed callee,
// absolute for a native one whose address is already known), and pushes
// the return value.
func emitNaiveCall(c *Context, instr ir.Instruction) error {
	params := instr.CallParamTypes
	numArgs := len(params)
	info := c.resolve(instr.CallTarget, params)

	argSlots := make([]int32, numArgs)
	for i := numArgs - 1; i >= 0; i-- {
		_, slot := c.operandStack.pop()
		argSlots[i] = slot
	}

	numStackSlots := abi.NumStackArgSlots(numArgs)
	// numSavedRegs is 1: the prologue's persistent `push r12` shifts this
	// function's baseline stack parity relative to the one-push (`push
	// rbp` only) convention abi.ComputeAlignment assumes.
	alignment := abi.ComputeAlignment(numStackSlots, 1)
	reserve := int32(abi.ShadowSpaceBytes) + int32(numStackSlots)*8 + alignment
	if reserve > 0 {
		c.Asm.SubImm32(amd64.Reg(amd64.RSP), reserve, false)
	}

	sources := make([]amd64.Operand, numArgs)
	for i := range params {
		sources[i] = amd64.MemAt(amd64.RBP, argSlots[i])
	}
	MarshalCallArguments(c, params, sources)

	if info.Native {
		off := c.Asm.CallAbsolutePlaceholder()
		c.addAbsoluteCall(off, instr.CallTarget, params)
	} else {
		off := c.Asm.CallRel32()
		c.addRelativeCall(off, instr.CallTarget, params)
	}

	if reserve > 0 {
		c.Asm.AddImm32(amd64.Reg(amd64.RSP), reserve, false)
	}

	if info.Return != ir.Void {
		reg := amd64.RAX
		if info.Return == ir.Float {
			reg = amd64.XMM0
		}
		slot := c.operandStack.push(info.Return)
		c.Asm.Mov(amd64.MemAt(amd64.RBP, slot), amd64.Reg(reg), true)
	}
	return nil
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}
