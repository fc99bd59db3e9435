package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/ir"
)

func okFunction() *ir.Function {
	return &ir.Function{
		Definition: ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int},
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			{Op: ir.AddInt},
			{Op: ir.Ret},
		},
	}
}

func TestValidate_WellFormedFunction_Passes(t *testing.T) {
	require.NoError(t, validate(okFunction(), NewBinder()))
}

func TestValidate_ArgumentIndexOutOfRange(t *testing.T) {
	fn := okFunction()
	fn.Instructions[0] = ir.LoadArgumentInstr(5)
	err := validate(fn, NewBinder())
	require.ErrorIs(t, err, ErrInvalidFunction)
}

func TestValidate_LocalIndexOutOfRange(t *testing.T) {
	fn := okFunction()
	fn.Instructions[0] = ir.LoadLocalInstr(0)
	err := validate(fn, NewBinder())
	require.ErrorIs(t, err, ErrInvalidFunction)
}

func TestValidate_BranchTargetOutOfRange(t *testing.T) {
	fn := okFunction()
	fn.Instructions[2] = ir.BranchInstr(ir.Branch, 99)
	err := validate(fn, NewBinder())
	require.ErrorIs(t, err, ErrInvalidFunction)
}

func TestValidate_CallToUnresolvedSymbol(t *testing.T) {
	fn := okFunction()
	fn.Instructions = []ir.Instruction{
		ir.LoadArgumentInstr(0),
		ir.CallInstr("missing", []ir.VMType{ir.Int}),
		{Op: ir.Ret},
	}
	err := validate(fn, NewBinder())
	require.ErrorIs(t, err, ErrUnresolvedSymbol)
}

func TestValidate_CallSignatureMismatch(t *testing.T) {
	binder := NewBinder()
	binder.RegisterNative(NativeFunction{Name: "double", Params: []ir.VMType{ir.Int}, Return: ir.Int})

	fn := okFunction()
	fn.Instructions = []ir.Instruction{
		ir.LoadArgumentInstr(0),
		ir.CallInstr("double", []ir.VMType{ir.Float}),
		{Op: ir.Ret},
	}
	err := validate(fn, binder)
	require.ErrorIs(t, err, ErrInvalidFunction)
}

func TestValidate_MissingTerminalRetOrBranch(t *testing.T) {
	fn := okFunction()
	fn.Instructions = fn.Instructions[:len(fn.Instructions)-1]
	err := validate(fn, NewBinder())
	require.ErrorIs(t, err, ErrInvalidFunction)
}
