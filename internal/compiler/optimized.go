package compiler

import (
	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/abi"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
	"github.com/svenslaggare/xonevm/internal/ir"
	"github.com/svenslaggare/xonevm/internal/regalloc"
)

// intPhysicalRegs and floatPhysicalRegs map the allocator's bank-relative
// physical indices (regalloc.Location.Reg) onto concrete machine
// registers. R12/XMM5 are intentionally absent — they are the reserved
// scratch registers the allocator never assigns (spec.md §3, §6).
var intPhysicalRegs = [regalloc.NumIntPhysicalRegs]amd64.Register{
	amd64.RAX, amd64.RCX, amd64.RDX, amd64.R8, amd64.R9, amd64.R10, amd64.R11,
}
var floatPhysicalRegs = [regalloc.NumFloatPhysicalRegs]amd64.Register{
	amd64.XMM0, amd64.XMM1, amd64.XMM2, amd64.XMM3, amd64.XMM4,
}

// optimisedState is the optimised generator's extra per-function state: the
// externally-produced lowering/allocation result (spec.md §1, §6) and the
// frame offsets its spill slots live at.
type optimisedState struct {
	lowering *regalloc.Lowering
	result   *regalloc.Result

	intSpillBase   int32
	floatSpillBase int32
}

func (o *optimisedState) operand(v regalloc.VReg) amd64.Operand {
	loc := o.result.Location(v)
	if loc.InReg {
		if o.result.TypeOf(v) == regalloc.Float {
			return amd64.Reg(floatPhysicalRegs[loc.Reg])
		}
		return amd64.Reg(intPhysicalRegs[loc.Reg])
	}
	base := o.intSpillBase
	if o.result.TypeOf(v) == regalloc.Float {
		base = o.floatSpillBase
	}
	return amd64.MemAt(amd64.RBP, base-int32(loc.Slot)*8)
}

func (o *optimisedState) isFloat(v regalloc.VReg) bool {
	return o.result.TypeOf(v) == regalloc.Float
}

// GenerateOptimised implements the optimised code generator (spec.md
// §4.G): it is driven by an externally-supplied virtual-register lowering
// and linear-scan allocation result instead of materialising an explicit
// operand stack, emitting register-to-register operations directly and
// only touching memory for spilled values or calls. Grounded on wazero's
// compileXxx switch in internal/engine/compiler/compiler.go, replacing its
// valueLocationStack with the allocator's read-only Result.
func GenerateOptimised(fn *ir.Function, resolve CalleeResolver) (*Context, error) {
	lowering := regalloc.Lower(fn, func(name string, params []ir.VMType) ir.VMType {
		return resolve(name, params).Return
	})
	result := regalloc.Allocate(lowering)

	c := NewContext(fn, resolve)
	c.State = StateEmittingBody
	c.opt = &optimisedState{lowering: lowering, result: result}

	c.opt.intSpillBase = -8
	c.opt.floatSpillBase = c.opt.intSpillBase - 8*int32(result.NumSpillSlotsInt)
	numSlots := int32(result.NumSpillSlotsInt + result.NumSpillSlotsFloat)
	c.FrameSize = alignedFrameSize(numSlots)

	c.Asm.Push(amd64.RBP)
	c.Asm.Mov(amd64.Reg(amd64.RBP), amd64.Reg(amd64.RSP), false)
	c.Asm.SubImm32(amd64.Reg(amd64.RSP), c.FrameSize, false)
	// R12 is saved just below the frame so its slot never overlaps a spill
	// slot; the epilogue reloads it from [rbp-FrameSize-8].
	c.Asm.Push(amd64.IntScratchRegister)

	moveArgumentsToVRegs(c)
	zeroLocalVRegs(c)

	irToVirtual := make(map[int]regalloc.VirtualInstruction, len(lowering.Instructions))
	for _, vi := range lowering.Instructions {
		irToVirtual[vi.IRIndex] = vi
	}

	for i, instr := range fn.Instructions {
		c.recordInstructionStart()
		vi := irToVirtual[i]
		if err := emitOptimisedInstruction(c, vi, instr); err != nil {
			return nil, errors.Wrapf(err, "instruction %d (%s)", i, instr.Op)
		}
	}

	return c, nil
}

func moveArgumentsToVRegs(c *Context) {
	fn := c.Function
	lowering := c.opt.lowering
	for i, t := range fn.Definition.Params {
		dst := c.opt.operand(lowering.ArgRegs[i])
		loc := abi.IncomingArgLocation(i, argClass(t))
		if loc.InRegister {
			c.Asm.Mov(dst, amd64.Reg(loc.Register), true)
		} else {
			scratch := amd64.IntScratchRegister
			if t == ir.Float {
				scratch = amd64.FloatScratchRegister
			}
			src := amd64.MemAt(amd64.RBP, loc.StackOffsetFromRBP)
			c.Asm.Mov(amd64.Reg(scratch), src, true)
			c.Asm.Mov(dst, amd64.Reg(scratch), true)
		}
	}
}

func zeroLocalVRegs(c *Context) {
	lowering := c.opt.lowering
	for _, v := range lowering.LocalRegs {
		dst := c.opt.operand(v)
		if c.opt.isFloat(v) {
			// push 0; pop xmm: the integer scratch carries the zero bits.
			c.Asm.MovImm32(amd64.Reg(amd64.IntScratchRegister), 0, true)
			c.Asm.Push(amd64.IntScratchRegister)
			c.Asm.Pop(amd64.FloatScratchRegister)
			c.Asm.Mov(dst, amd64.Reg(amd64.FloatScratchRegister), true)
		} else {
			c.Asm.MovImm32(dst, 0, true)
		}
	}
}

func emitOptimisedInstruction(c *Context, vi regalloc.VirtualInstruction, instr ir.Instruction) error {
	opt := c.opt
	switch instr.Op {
	case ir.Pop:
		// The value was only ever materialised in its assigned location;
		// nothing to emit.

	case ir.LoadInt:
		opt.moveImm32(c, vi.Assign, instr.IntValue)

	case ir.LoadFloat:
		opt.moveImm32(c, vi.Assign, int32(floatBits(instr.FloatValue)))

	case ir.LoadLocal, ir.LoadArgument:
		src := opt.operand(vi.Uses[0])
		dst := opt.operand(vi.Assign)
		opt.move(c, dst, src, opt.isFloat(vi.Assign))

	case ir.StoreLocal:
		src := opt.operand(vi.Uses[0])
		dst := opt.operand(vi.Assign)
		opt.move(c, dst, src, opt.isFloat(vi.Assign))

	case ir.AddInt, ir.SubInt, ir.MulInt, ir.DivInt:
		return emitOptimisedIntBinary(c, vi, instr.Op)

	case ir.AddFloat, ir.SubFloat, ir.MulFloat, ir.DivFloat:
		emitOptimisedFloatBinary(c, vi, instr.Op)

	case ir.Call:
		return emitOptimisedCall(c, vi, instr)

	case ir.Ret:
		if c.Function.Definition.Return != ir.Void {
			v := vi.Uses[0]
			reg := amd64.RAX
			if opt.isFloat(v) {
				reg = amd64.XMM0
			}
			loc := opt.operand(v)
			opt.move(c, amd64.Reg(reg), loc, opt.isFloat(v))
		}
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
		emitOptimisedConditionalBranch(c, vi, instr)

	default:
		return errors.Wrapf(ErrUnsupportedOpCode, "%s", instr.Op)
	}
	return nil
}

// move emits dst <- src, routing through the scratch register when both
// sides are memory (the allocator may spill both operands of a local
// load/store), matching the virtual assembler's memory-memory rewrite
// rule (spec.md §4.F).
func (o *optimisedState) move(c *Context, dst, src amd64.Operand, isFloat bool) {
	if dst.Kind == amd64.KindMemory && src.Kind == amd64.KindMemory {
		scratch := amd64.IntScratchRegister
		if isFloat {
			scratch = amd64.FloatScratchRegister
		}
		c.Asm.Mov(amd64.Reg(scratch), src, true)
		c.Asm.Mov(dst, amd64.Reg(scratch), true)
		return
	}
	c.Asm.Mov(dst, src, true)
}

func (o *optimisedState) moveImm32(c *Context, v regalloc.VReg, imm int32) {
	c.Asm.MovImm32(o.operand(v), imm, true)
}

// binaryOperands rewrites a (dst-in-memory, src-in-memory) pair through the
// type-appropriate scratch register before a binary op, since the x86-64
// ALU/SSE forms never accept two memory operands (spec.md §4.F,
// "MemoryOnRight"/"MemoryOnLeft" policies).
func (o *optimisedState) binaryOperands(c *Context, dst, src amd64.Operand, isFloat bool) (amd64.Operand, amd64.Operand) {
	if dst.Kind == amd64.KindMemory && src.Kind == amd64.KindMemory {
		scratch := amd64.IntScratchRegister
		if isFloat {
			scratch = amd64.FloatScratchRegister
		}
		c.Asm.Mov(amd64.Reg(scratch), src, true)
		return dst, amd64.Reg(scratch)
	}
	return dst, src
}

func emitOptimisedIntBinary(c *Context, vi regalloc.VirtualInstruction, op ir.OpCode) error {
	opt := c.opt
	lhs, rhs := vi.Uses[0], vi.Uses[1]
	lhsOp := opt.operand(lhs)
	rhsOp := opt.operand(rhs)
	dstOp := opt.operand(vi.Assign)

	if op == ir.DivInt {
		// Division's implicit RDX:RAX operands make it irregular enough
		// that it always routes the divisor through the integer scratch
		// register (read before RAX is overwritten) and the dividend through
		// RAX regardless of their allocated location, saving and restoring
		// whichever of RAX/RDX the allocator is using for something else
		// live across this instruction. A saved slot of the register that
		// now holds the quotient is discarded instead of popped over it.
		saveRAX := opt.regLiveAndNot(vi, amd64.RAX, lhs)
		saveRDX := opt.regLiveAndNot(vi, amd64.RDX, lhs)
		if saveRAX {
			c.Asm.Push(amd64.RAX)
		}
		if saveRDX {
			c.Asm.Push(amd64.RDX)
		}
		opt.move(c, amd64.Reg(amd64.IntScratchRegister), rhsOp, false)
		opt.move(c, amd64.Reg(amd64.RAX), lhsOp, false)
		if err := c.Asm.IDiv(amd64.RAX, amd64.IntScratchRegister, true); err != nil {
			return err
		}
		opt.move(c, dstOp, amd64.Reg(amd64.RAX), false)
		for _, r := range []amd64.Register{amd64.RDX, amd64.RAX} {
			if (r == amd64.RDX && saveRDX) || (r == amd64.RAX && saveRAX) {
				if dstOp == amd64.Reg(r) {
					r = amd64.NilRegister
				}
				c.Asm.Pop(r)
			}
		}
		return nil
	}

	// The left operand is first moved into a working register: the
	// destination's own register, or the integer scratch register when the
	// destination is spilled to memory or the op is imul (which never
	// accepts a memory destination). The result is then moved to the
	// destination if the working register is not the destination itself.
	work := dstOp
	if dstOp.Kind == amd64.KindMemory || op == ir.MulInt {
		work = amd64.Reg(amd64.IntScratchRegister)
	}
	opt.move(c, work, lhsOp, false)
	_, rhsFinal := opt.binaryOperands(c, work, rhsOp, false)

	switch op {
	case ir.AddInt:
		c.Asm.Add(work, rhsFinal, true)
	case ir.SubInt:
		c.Asm.Sub(work, rhsFinal, true)
	case ir.MulInt:
		c.Asm.Mul(work, rhsFinal, true, false)
	}
	if work != dstOp {
		opt.move(c, dstOp, work, false)
	}
	return nil
}

func emitOptimisedFloatBinary(c *Context, vi regalloc.VirtualInstruction, op ir.OpCode) {
	opt := c.opt
	lhsOp := opt.operand(vi.Uses[0])
	rhsOp := opt.operand(vi.Uses[1])
	dstOp := opt.operand(vi.Assign)

	work := dstOp
	if dstOp.Kind == amd64.KindMemory {
		work = amd64.Reg(amd64.FloatScratchRegister)
	}
	opt.move(c, work, lhsOp, true)
	_, rhsFinal := opt.binaryOperands(c, work, rhsOp, true)

	switch op {
	case ir.AddFloat:
		c.Asm.Add(work, rhsFinal, true)
	case ir.SubFloat:
		c.Asm.Sub(work, rhsFinal, true)
	case ir.MulFloat:
		c.Asm.Mul(work, rhsFinal, true, true)
	case ir.DivFloat:
		c.Asm.Div(work, rhsFinal)
	}
	if work != dstOp {
		opt.move(c, dstOp, work, true)
	}
}

func emitOptimisedConditionalBranch(c *Context, vi regalloc.VirtualInstruction, instr ir.Instruction) {
	opt := c.opt
	lhs, rhs := vi.Uses[0], vi.Uses[1]
	isFloat := opt.isFloat(lhs)
	lhsOp := opt.operand(lhs)
	rhsOp := opt.operand(rhs)

	scratch := amd64.IntScratchRegister
	if isFloat {
		scratch = amd64.FloatScratchRegister
	}
	left := lhsOp
	if left.Kind == amd64.KindMemory {
		opt.move(c, amd64.Reg(scratch), lhsOp, isFloat)
		left = amd64.Reg(scratch)
	}
	_, right := opt.binaryOperands(c, left, rhsOp, isFloat)
	c.Asm.Cmp(left, right, isFloat, true)

	cond, unsigned := branchCondition(instr.Op, isFloat)
	off := c.Asm.Jump(cond, unsigned)
	c.addBranch(off, int(instr.IntValue))
}

// regLiveAndNot reports whether physical register reg is occupied by some
// virtual register other than except and is live across this
// instruction — i.e. whether a caller must save/restore it rather than
// clobber it freely.
func (o *optimisedState) regLiveAndNot(vi regalloc.VirtualInstruction, reg amd64.Register, except regalloc.VReg) bool {
	exceptBank := -1
	if loc := o.result.Location(except); loc.InReg && !o.isFloat(except) {
		exceptBank = loc.Reg
	}
	for _, live := range o.result.LiveRegistersAt(vi.IRIndex) {
		if live.Type == regalloc.Float {
			continue
		}
		if live.Reg == exceptBank {
			continue
		}
		if intPhysicalRegs[live.Reg] == reg {
			return true
		}
	}
	return false
}

// emitOptimisedCall marshals arguments from their allocated locations into
// the ABI's registers/stack slots, caller-saving any live physical
// registers the callee may clobber, emits the call, and routes the return
// value into the call's assigned virtual register.
func emitOptimisedCall(c *Context, vi regalloc.VirtualInstruction, instr ir.Instruction) error {
	opt := c.opt
	params := instr.CallParamTypes
	info := c.resolve(instr.CallTarget, params)
	live := opt.result.LiveRegistersAt(vi.IRIndex)

	savedInt := []amd64.Register{}
	savedFloat := []amd64.Register{}
	for _, l := range live {
		if l.Type == regalloc.Float {
			savedFloat = append(savedFloat, floatPhysicalRegs[l.Reg])
		} else {
			savedInt = append(savedInt, intPhysicalRegs[l.Reg])
		}
	}
	for _, r := range savedInt {
		c.Asm.Push(r)
	}
	for _, r := range savedFloat {
		c.Asm.Push(r)
	}

	numStackSlots := abi.NumStackArgSlots(len(params))
	numSaved := 1 + len(savedInt) + len(savedFloat)
	alignment := abi.ComputeAlignment(numStackSlots, numSaved)
	reserve := int32(abi.ShadowSpaceBytes) + int32(numStackSlots)*8 + alignment
	if reserve > 0 {
		c.Asm.SubImm32(amd64.Reg(amd64.RSP), reserve, false)
	}

	sources := make([]amd64.Operand, len(params))
	for i := range params {
		sources[i] = opt.operand(vi.Uses[i])
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

	// Write the return value before restoring caller-saved registers, so
	// restoring RAX/XMM0 cannot overwrite it; the saved slot of the register
	// that now holds the result is discarded instead of popped over it.
	resultOp := amd64.Reg(amd64.NilRegister)
	if vi.HasAssign {
		reg := amd64.RAX
		if opt.isFloat(vi.Assign) {
			reg = amd64.XMM0
		}
		resultOp = opt.operand(vi.Assign)
		opt.move(c, resultOp, amd64.Reg(reg), opt.isFloat(vi.Assign))
	}
	for _, saved := range [][]amd64.Register{savedFloat, savedInt} {
		for i := len(saved) - 1; i >= 0; i-- {
			if resultOp == amd64.Reg(saved[i]) {
				c.Asm.Pop(amd64.NilRegister)
			} else {
				c.Asm.Pop(saved[i])
			}
		}
	}
	return nil
}
