//go:build windows && amd64

package jit

// End-to-end execution tests (spec.md §8's explicit scenarios): compile a
// function with both generators, actually call the resulting machine code
// through the Microsoft x64 convention, and check it computes the right
// answer -- the disassembly-only tests elsewhere in this package and in
// internal/compiler can show the byte encoding is well-formed, but only
// running the code proves the two pipelines agree with each other and
// with the VM's intended semantics. Windows-only: internal/memory's
// portable fallback (memory_fallback.go) never marks its pages executable
// and must not be jumped into, so there is no safe way to run this on
// other platforms.

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/ir"
)

// compileStandalone runs fn (plus any functions it calls, e.g. itself for
// recursion) through a fresh Driver and returns fn's entry point, ready to
// call. Every function is registered and compiled with the same Optimise
// flag as fn, so a caller can get either the naive or the optimised build
// of a whole call graph by toggling it once.
func compileStandalone(t *testing.T, optimise bool, fns ...*ir.Function) (*Driver, uintptr) {
	t.Helper()
	binder := NewBinder()
	for _, fn := range fns {
		binder.RegisterManaged(fn.Definition)
	}

	d := NewDriver(binder)
	for _, fn := range fns {
		fn.Optimise = optimise
		require.NoError(t, d.Compile(fn))
	}
	require.NoError(t, d.Finalise())

	addr, ok := d.EntryPoint(fns[0].Definition.Name)
	require.True(t, ok)
	return d, addr
}

func callInt(entry uintptr, args ...int32) int32 {
	raw := make([]uintptr, len(args))
	for i, a := range args {
		raw[i] = uintptr(uint32(a))
	}
	r1, _, _ := syscall.SyscallN(entry, raw...)
	return int32(uint32(r1))
}

// constSumFunction: LoadInt/AddInt, spec.md §8 scenario 1 -- no arguments,
// just constant folding through the emitted code rather than at compile
// time.
func constSumFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "constSum", Return: ir.Int},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadIntInstr(17),
			ir.LoadIntInstr(25),
			{Op: ir.AddInt},
			{Op: ir.Ret},
		},
	}
}

func TestEndToEnd_ConstSum(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, constSumFunction())
		require.Equal(t, int32(42), callInt(addr))
		require.NoError(t, d.Terminate())
	}
}

// multiplyFunction: argument multiply, spec.md §8 scenario 2.
func multiplyFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "multiply", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			{Op: ir.MulInt},
			{Op: ir.Ret},
		},
	}
}

func TestEndToEnd_ArgumentMultiply(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, multiplyFunction())
		require.Equal(t, int32(42), callInt(addr, 6, 7))
		require.Equal(t, int32(-30), callInt(addr, -5, 6))
		require.NoError(t, d.Terminate())
	}
}

// absQuotientFunction: divide then branch on the sign of the quotient,
// spec.md §8 scenario 3 ("divide-with-branch").
func absQuotientFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "absQuotient", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int},
		Locals:           []ir.Local{{Type: ir.Int}},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),                    // 0
			ir.LoadArgumentInstr(1),                    // 1
			{Op: ir.DivInt},                             // 2: q = a/b
			ir.StoreLocalInstr(0),                       // 3
			ir.LoadLocalInstr(0),                        // 4
			ir.LoadIntInstr(0),                          // 5
			ir.BranchInstr(ir.BranchGreater, 11),        // 6: if q > 0, goto 11
			ir.LoadIntInstr(0),                          // 7
			ir.LoadLocalInstr(0),                        // 8
			{Op: ir.SubInt},                              // 9: 0 - q
			{Op: ir.Ret},                                  // 10
			ir.LoadLocalInstr(0),                        // 11
			{Op: ir.Ret},                                  // 12
		},
	}
}

func TestEndToEnd_DivideWithBranch(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, absQuotientFunction())
		require.Equal(t, int32(3), callInt(addr, 9, 3))
		require.Equal(t, int32(3), callInt(addr, -9, 3))
		require.NoError(t, d.Terminate())
	}
}

// fibFunction: recursive Call to itself, spec.md §8 scenario 4.
func fibFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "fib", Params: []ir.VMType{ir.Int}, Return: ir.Int},
		OperandStackSize: 3,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),                       // 0
			ir.LoadIntInstr(2),                            // 1
			ir.BranchInstr(ir.BranchLess, 13),             // 2: if n < 2, goto 13
			ir.LoadArgumentInstr(0),                       // 3
			ir.LoadIntInstr(1),                            // 4
			{Op: ir.SubInt},                                // 5: n-1
			ir.CallInstr("fib", []ir.VMType{ir.Int}),      // 6: fib(n-1)
			ir.LoadArgumentInstr(0),                       // 7
			ir.LoadIntInstr(2),                            // 8
			{Op: ir.SubInt},                                // 9: n-2
			ir.CallInstr("fib", []ir.VMType{ir.Int}),      // 10: fib(n-2)
			{Op: ir.AddInt},                                // 11
			{Op: ir.Ret},                                    // 12
			ir.LoadArgumentInstr(0),                       // 13
			{Op: ir.Ret},                                    // 14
		},
	}
}

func TestEndToEnd_FibonacciRecursion(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, fibFunction())
		require.Equal(t, int32(55), callInt(addr, 10))
		require.NoError(t, d.Terminate())
	}
}

// floatAddFunction: spec.md §8 scenario 5.
func floatAddFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "floatAdd", Params: []ir.VMType{ir.Float, ir.Float}, Return: ir.Float},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			{Op: ir.AddFloat},
			{Op: ir.Ret},
		},
	}
}

func TestEndToEnd_FloatAdd(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, floatAddFunction())
		require.InDelta(t, float32(3.5), callFloat2(addr, 1.5, 2), 0.0001)
		require.NoError(t, d.Terminate())
	}
}

// sixArgSumFunction: six integer arguments -- four in registers, two on
// the stack -- spec.md §8 scenario 6.
func sixArgSumFunction() *ir.Function {
	return &ir.Function{
		Definition: ir.Definition{
			Name:   "sixArgSum",
			Params: []ir.VMType{ir.Int, ir.Int, ir.Int, ir.Int, ir.Int, ir.Int},
			Return: ir.Int,
		},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			{Op: ir.AddInt},
			ir.LoadArgumentInstr(2),
			{Op: ir.AddInt},
			ir.LoadArgumentInstr(3),
			{Op: ir.AddInt},
			ir.LoadArgumentInstr(4),
			{Op: ir.AddInt},
			ir.LoadArgumentInstr(5),
			{Op: ir.AddInt},
			{Op: ir.Ret},
		},
	}
}

func TestEndToEnd_SixStackArgumentSum(t *testing.T) {
	for _, optimise := range []bool{false, true} {
		d, addr := compileStandalone(t, optimise, sixArgSumFunction())
		require.Equal(t, int32(21), callInt(addr, 1, 2, 3, 4, 5, 6))
		require.NoError(t, d.Terminate())
	}
}
