package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/ir"
)

func addFunction() *ir.Function {
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

// callerFunction calls "add" so Finalise has a real unresolved call to
// patch against add's own just-compiled entry point.
func callerFunction() *ir.Function {
	return &ir.Function{
		Definition: ir.Definition{Name: "caller", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int},
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			ir.CallInstr("add", []ir.VMType{ir.Int, ir.Int}),
			{Op: ir.Ret},
		},
	}
}

func TestDriver_CompileFinaliseTerminate_HappyPath(t *testing.T) {
	binder := NewBinder()
	binder.RegisterManaged(ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})
	binder.RegisterManaged(ir.Definition{Name: "caller", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})

	d := NewDriver(binder)
	require.NoError(t, d.Compile(addFunction()))
	require.NoError(t, d.Compile(callerFunction()))
	require.NoError(t, d.Finalise())

	addAddr, ok := d.EntryPoint("add")
	require.True(t, ok)
	require.NotZero(t, addAddr)

	callerAddr, ok := d.EntryPoint("caller")
	require.True(t, ok)
	require.NotZero(t, callerAddr)

	require.NoError(t, d.Terminate())
}

func TestDriver_Compile_RejectsInvalidFunction(t *testing.T) {
	binder := NewBinder()
	d := NewDriver(binder)

	fn := addFunction()
	fn.Instructions[0] = ir.LoadArgumentInstr(9)
	err := d.Compile(fn)
	require.ErrorIs(t, err, ErrInvalidFunction)
}

func TestDriver_Compile_AfterFinalise_IsDriverMisuse(t *testing.T) {
	binder := NewBinder()
	binder.RegisterManaged(ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})

	d := NewDriver(binder)
	require.NoError(t, d.Compile(addFunction()))
	require.NoError(t, d.Finalise())

	err := d.Compile(addFunction())
	require.ErrorIs(t, err, ErrDriverMisuse)
}

func TestDriver_Finalise_UnresolvedCallTarget(t *testing.T) {
	binder := NewBinder()
	binder.RegisterManaged(ir.Definition{Name: "caller", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})
	binder.RegisterManaged(ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})

	d := NewDriver(binder)
	require.NoError(t, d.Compile(callerFunction()))
	// "add" was declared to the binder (so validate passes) but never
	// compiled, so Finalise cannot find its entry point.
	err := d.Finalise()
	require.ErrorIs(t, err, ErrUnresolvedSymbol)
}

func TestDriver_Finalise_Twice_IsDriverMisuse(t *testing.T) {
	binder := NewBinder()
	binder.RegisterManaged(ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int})

	d := NewDriver(binder)
	require.NoError(t, d.Compile(addFunction()))
	require.NoError(t, d.Finalise())

	err := d.Finalise()
	require.ErrorIs(t, err, ErrDriverMisuse)
}
