// Package ir defines the typed, stack-oriented intermediate representation
// consumed by the JIT back end. The verifier/type-checker that produces
// this representation is an external collaborator (spec.md §1, §6) — this
// package only declares the shape of its output.
package ir

import "fmt"

// VMType is one of the primitive types supported by the virtual machine.
type VMType byte

const (
	Void VMType = iota
	Int
	Float
)

func (t VMType) String() string {
	switch t {
	case Void:
		return "void"
	case Int:
		return "int"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("VMType(%d)", byte(t))
	}
}

// Size returns the size in bytes of a value of this type when materialised
// in a stack slot or register. Void has no runtime representation.
func (t VMType) Size() int {
	if t == Void {
		return 0
	}
	return 8
}

// OpCode identifies the operation performed by an Instruction.
type OpCode byte

const (
	Pop OpCode = iota
	LoadInt
	LoadFloat
	LoadLocal
	StoreLocal
	LoadArgument
	AddInt
	SubInt
	MulInt
	DivInt
	AddFloat
	SubFloat
	MulFloat
	DivFloat
	Call
	Ret
	Branch
	BranchEqual
	BranchNotEqual
	BranchGreater
	BranchGreaterOrEqual
	BranchLess
	BranchLessOrEqual
)

func (op OpCode) String() string {
	names := [...]string{
		"Pop", "LoadInt", "LoadFloat", "LoadLocal", "StoreLocal", "LoadArgument",
		"AddInt", "SubInt", "MulInt", "DivInt",
		"AddFloat", "SubFloat", "MulFloat", "DivFloat",
		"Call", "Ret",
		"Branch", "BranchEqual", "BranchNotEqual", "BranchGreater", "BranchGreaterOrEqual", "BranchLess", "BranchLessOrEqual",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("OpCode(%d)", byte(op))
}

// IsBranch reports whether op is any conditional or unconditional branch.
func (op OpCode) IsBranch() bool {
	return op >= Branch && op <= BranchLessOrEqual
}

// IsConditionalBranch reports whether op is a branch that consumes operands.
func (op OpCode) IsConditionalBranch() bool {
	return op > Branch && op <= BranchLessOrEqual
}

// Instruction is a single IR opcode together with its (opcode-dependent)
// immediate operands. Branch and call targets are IR instruction indices,
// never byte offsets (spec.md §3).
type Instruction struct {
	Op OpCode

	// IntValue holds the immediate for LoadInt, or the local/argument index
	// for LoadLocal/StoreLocal/LoadArgument, or the IR instruction index
	// target for Branch and the conditional branches.
	IntValue int32

	// FloatValue holds the immediate for LoadFloat.
	FloatValue float32

	// CallTarget and CallParamTypes are set only for Call.
	CallTarget     string
	CallParamTypes []VMType
}

func LoadIntInstr(v int32) Instruction    { return Instruction{Op: LoadInt, IntValue: v} }
func LoadFloatInstr(v float32) Instruction { return Instruction{Op: LoadFloat, FloatValue: v} }
func LoadLocalInstr(index int32) Instruction    { return Instruction{Op: LoadLocal, IntValue: index} }
func StoreLocalInstr(index int32) Instruction   { return Instruction{Op: StoreLocal, IntValue: index} }
func LoadArgumentInstr(index int32) Instruction { return Instruction{Op: LoadArgument, IntValue: index} }
func BranchInstr(op OpCode, target int32) Instruction {
	return Instruction{Op: op, IntValue: target}
}
func CallInstr(name string, params []VMType) Instruction {
	return Instruction{Op: Call, CallTarget: name, CallParamTypes: params}
}

// Definition is the signature of a function: its name, parameter types
// (ordered) and return type.
type Definition struct {
	Name   string
	Params []VMType
	Return VMType
}

// Local describes a function-local variable slot by its type.
type Local struct {
	Type VMType
}

// OperandTypeStack gives, for each IR instruction index, the type of every
// value on the operand stack *before* that instruction executes. This is
// precomputed by the verifier (spec.md §6). Neither code generator reads
// it: both choose between an integer `cmp` and a floating `ucomiss` from
// operand types they track themselves.
type OperandTypeStack [][]VMType

// TypesBefore returns the operand-stack types visible before instruction i.
func (s OperandTypeStack) TypesBefore(i int) []VMType {
	if i < 0 || i >= len(s) {
		return nil
	}
	return s[i]
}

// Function is the complete, type-checked, stack-oriented unit the back end
// compiles. OperandTypes is carried along but not read by either generator
// (see OperandTypeStack).
type Function struct {
	Definition         Definition
	Instructions       []Instruction
	Locals             []Local
	OperandStackSize   uint32
	OperandTypes       OperandTypeStack
	Optimise           bool
}

// NumParams is a convenience accessor.
func (f *Function) NumParams() int { return len(f.Definition.Params) }

// ParamType returns the type of parameter i, or Void if out of range.
func (f *Function) ParamType(i int) VMType {
	if i < 0 || i >= len(f.Definition.Params) {
		return Void
	}
	return f.Definition.Params[i]
}

// LocalType returns the type of local i, or Void if out of range.
func (f *Function) LocalType(i int) VMType {
	if i < 0 || i >= len(f.Locals) {
		return Void
	}
	return f.Locals[i].Type
}
