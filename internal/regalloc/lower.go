package regalloc

import "github.com/svenslaggare/xonevm/internal/ir"

// Lowering is the result of translating a Function's flat IR into virtual
// instructions over virtual registers, plus the fixed per-local and
// per-argument virtual registers referenced by LoadLocal/StoreLocal and
// LoadArgument (spec.md §4.G).
type Lowering struct {
	Instructions []VirtualInstruction
	Info         map[VReg]VRegInfo
	LocalRegs    []VReg
	ArgRegs      []VReg
	ReturnReg    VReg
	HasReturn    bool
	NumVRegs     int
}

// CalleeResolver answers the return type of a call target, mirroring the
// binder contract of spec.md §6 (`resolve(name, param_types) → Definition`).
// Lower only needs the return type to know whether a Call leaves a value on
// the stack.
type CalleeResolver func(name string, paramTypes []ir.VMType) ir.VMType

// Lower performs the reference IR-to-virtual-register translation described
// in SPEC_FULL.md's DOMAIN STACK section. It models the function's operand
// stack abstractly as a stack of VReg names; every local and argument gets
// one persistent VReg slot that LoadLocal/StoreLocal/LoadArgument read and
// write, matching spec.md §4.G's "locals are virtual registers, not memory
// slots" lowering.
func Lower(fn *ir.Function, resolve CalleeResolver) *Lowering {
	l := &Lowering{Info: map[VReg]VRegInfo{}}

	next := VReg(0)
	alloc := func(t RegType) VReg {
		v := next
		next++
		l.Info[v] = VRegInfo{Type: t}
		return v
	}

	l.ArgRegs = make([]VReg, fn.NumParams())
	for i, p := range fn.Definition.Params {
		l.ArgRegs[i] = alloc(vmTypeToRegType(p))
	}
	l.LocalRegs = make([]VReg, len(fn.Locals))
	for i, loc := range fn.Locals {
		l.LocalRegs[i] = alloc(vmTypeToRegType(loc.Type))
	}
	if fn.Definition.Return != ir.Void {
		l.ReturnReg = alloc(vmTypeToRegType(fn.Definition.Return))
		l.HasReturn = true
	}

	var stack []VReg
	pop := func() VReg {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	push := func(v VReg) { stack = append(stack, v) }

	emit := func(idx int, src ir.Instruction, assign VReg, hasAssign bool, uses ...VReg) {
		l.Instructions = append(l.Instructions, VirtualInstruction{
			Source: src, IRIndex: idx, Assign: assign, HasAssign: hasAssign, Uses: uses,
		})
	}

	for i, instr := range fn.Instructions {
		switch instr.Op {
		case ir.Pop:
			v := pop()
			emit(i, instr, 0, false, v)
		case ir.LoadInt:
			v := alloc(Integer)
			emit(i, instr, v, true)
			push(v)
		case ir.LoadFloat:
			v := alloc(Float)
			emit(i, instr, v, true)
			push(v)
		case ir.LoadLocal:
			src := l.LocalRegs[instr.IntValue]
			v := alloc(l.Info[src].Type)
			emit(i, instr, v, true, src)
			push(v)
		case ir.StoreLocal:
			val := pop()
			dst := l.LocalRegs[instr.IntValue]
			emit(i, instr, dst, true, val)
		case ir.LoadArgument:
			src := l.ArgRegs[instr.IntValue]
			v := alloc(l.Info[src].Type)
			emit(i, instr, v, true, src)
			push(v)
		case ir.AddInt, ir.SubInt, ir.MulInt, ir.DivInt:
			op2, op1 := pop(), pop()
			v := alloc(Integer)
			emit(i, instr, v, true, op1, op2)
			push(v)
		case ir.AddFloat, ir.SubFloat, ir.MulFloat, ir.DivFloat:
			op2, op1 := pop(), pop()
			v := alloc(Float)
			emit(i, instr, v, true, op1, op2)
			push(v)
		case ir.Call:
			n := len(instr.CallParamTypes)
			args := make([]VReg, n)
			for k := n - 1; k >= 0; k-- {
				args[k] = pop()
			}
			retType := resolve(instr.CallTarget, instr.CallParamTypes)
			if retType != ir.Void {
				v := alloc(vmTypeToRegType(retType))
				emit(i, instr, v, true, args...)
				push(v)
			} else {
				emit(i, instr, 0, false, args...)
			}
		case ir.Ret:
			if l.HasReturn {
				v := pop()
				emit(i, instr, 0, false, v)
			} else {
				emit(i, instr, 0, false)
			}
		case ir.Branch:
			emit(i, instr, 0, false)
		case ir.BranchEqual, ir.BranchNotEqual, ir.BranchGreater, ir.BranchGreaterOrEqual, ir.BranchLess, ir.BranchLessOrEqual:
			op2, op1 := pop(), pop()
			emit(i, instr, 0, false, op1, op2)
		}
	}

	l.NumVRegs = int(next)
	return l
}

func vmTypeToRegType(t ir.VMType) RegType {
	if t == ir.Float {
		return Float
	}
	return Integer
}
