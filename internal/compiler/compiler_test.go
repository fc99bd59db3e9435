package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/asm/amd64"
	"github.com/svenslaggare/xonevm/internal/compiler"
	"github.com/svenslaggare/xonevm/internal/ir"
)

func noCallResolver(string, []ir.VMType) compiler.CallTargetInfo {
	return compiler.CallTargetInfo{Return: ir.Void}
}

// add(a, b int) int { return a + b }
func addFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "add", Params: []ir.VMType{ir.Int, ir.Int}, Return: ir.Int},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.LoadArgumentInstr(1),
			{Op: ir.AddInt},
			{Op: ir.Ret},
		},
	}
}

func decodeAll(t *testing.T, code []byte) {
	t.Helper()
	_, err := amd64.Disassemble(code)
	require.NoError(t, err, "generated code did not decode:\n%s", amd64.DisassembleString(code))
}

func TestGenerateNaive_AddFunction_ProducesDecodableCode(t *testing.T) {
	ctx, err := compiler.GenerateNaive(addFunction(), noCallResolver)
	require.NoError(t, err)
	require.Equal(t, len(addFunction().Instructions), len(ctx.InstructionMapping))
	decodeAll(t, ctx.Buf.Bytes())

	for i := 1; i < len(ctx.InstructionMapping); i++ {
		require.GreaterOrEqual(t, ctx.InstructionMapping[i], ctx.InstructionMapping[i-1])
	}
	require.Greater(t, ctx.InstructionMapping[0], 0, "prologue must precede IR[0]")
}

func TestGenerateOptimised_AddFunction_ProducesDecodableCode(t *testing.T) {
	fn := addFunction()
	fn.Optimise = true
	ctx, err := compiler.GenerateOptimised(fn, noCallResolver)
	require.NoError(t, err)
	require.Equal(t, len(fn.Instructions), len(ctx.InstructionMapping))
	decodeAll(t, ctx.Buf.Bytes())
}

// A function with a forward branch and a float comparison exercises both
// Cmp's float routing and the generators' unresolved-branch bookkeeping.
func maxFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "maxf", Params: []ir.VMType{ir.Float, ir.Float}, Return: ir.Float},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),                 // 0
			ir.LoadArgumentInstr(1),                 // 1
			{Op: ir.BranchGreaterOrEqual, IntValue: 4}, // 2: if a >= b, branch to 4
			ir.LoadArgumentInstr(1),                 // 3
			{Op: ir.Ret},                             // 4 (target lands here on fallthrough count mismatch, kept simple for the test)
		},
	}
}

func TestGenerateNaive_ConditionalBranch_RecordsUnresolvedBranch(t *testing.T) {
	ctx, err := compiler.GenerateNaive(maxFunction(), noCallResolver)
	require.NoError(t, err)
	require.Len(t, ctx.UnresolvedBranches, 1)
	require.Equal(t, 4, ctx.UnresolvedBranches[0].TargetIRIndex)
	decodeAll(t, ctx.Buf.Bytes())
}

func TestGenerateOptimised_ConditionalBranch_RecordsUnresolvedBranch(t *testing.T) {
	fn := maxFunction()
	fn.Optimise = true
	ctx, err := compiler.GenerateOptimised(fn, noCallResolver)
	require.NoError(t, err)
	require.Len(t, ctx.UnresolvedBranches, 1)
	decodeAll(t, ctx.Buf.Bytes())
}

// callerFunction calls a native-or-managed function "double" and adds 1 to
// its result, exercising argument marshalling and the unresolved-call list.
func callerFunction() *ir.Function {
	return &ir.Function{
		Definition:       ir.Definition{Name: "caller", Params: []ir.VMType{ir.Int}, Return: ir.Int},
		OperandStackSize: 2,
		Instructions: []ir.Instruction{
			ir.LoadArgumentInstr(0),
			ir.CallInstr("double", []ir.VMType{ir.Int}),
			ir.LoadIntInstr(1),
			{Op: ir.AddInt},
			{Op: ir.Ret},
		},
	}
}

func intReturnResolver(name string, _ []ir.VMType) compiler.CallTargetInfo {
	if name == "double" {
		return compiler.CallTargetInfo{Return: ir.Int}
	}
	return compiler.CallTargetInfo{Return: ir.Void}
}

func TestGenerateNaive_Call_RecordsUnresolvedCall(t *testing.T) {
	ctx, err := compiler.GenerateNaive(callerFunction(), intReturnResolver)
	require.NoError(t, err)
	require.Len(t, ctx.UnresolvedCalls, 1)
	require.Equal(t, "double", ctx.UnresolvedCalls[0].CalleeName)
	decodeAll(t, ctx.Buf.Bytes())
}

func TestGenerateOptimised_Call_RecordsUnresolvedCall(t *testing.T) {
	fn := callerFunction()
	fn.Optimise = true
	ctx, err := compiler.GenerateOptimised(fn, intReturnResolver)
	require.NoError(t, err)
	require.Len(t, ctx.UnresolvedCalls, 1)
	decodeAll(t, ctx.Buf.Bytes())
}
