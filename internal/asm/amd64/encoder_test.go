package amd64_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/asm"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
)

// decode is the independent oracle (spec.md §8, property #1): every byte
// sequence the encoder produces must be decodable by
// golang.org/x/arch/x86/x86asm as exactly the instructions we intended to
// emit, with nothing left over.
func decode(t *testing.T, code []byte) []string {
	t.Helper()
	lines, err := amd64.Disassemble(code)
	require.NoError(t, err, "decode failed:\n%s", amd64.DisassembleString(code))
	return lines
}

func TestEncoder_MovRegToReg_RoundTrips(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.MovRegToReg(amd64.RAX, amd64.RCX, true)
	enc.MovRegToReg(amd64.R8, amd64.R15, false)

	lines := decode(t, buf.Bytes())
	require.Len(t, lines, 2)
}

func TestEncoder_MemoryOperand_SIBRequiredForRSPAndR12(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.MovMemToReg(amd64.RAX, amd64.Mem(amd64.RSP, 8), true)
	enc.MovMemToReg(amd64.RAX, amd64.Mem(amd64.R12, 8), true)
	enc.MovMemToReg(amd64.RAX, amd64.Mem(amd64.RBP, -16), true)

	lines := decode(t, buf.Bytes())
	require.Len(t, lines, 3)
}

func TestEncoder_Disp8VsDisp32(t *testing.T) {
	small := amd64.Mem(amd64.RBP, -8)
	large := amd64.Mem(amd64.RBP, -1024)
	require.True(t, small.FitsInDisp8())
	require.False(t, large.FitsInDisp8())

	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.MovMemToReg(amd64.RAX, small, true)
	afterSmall := buf.Len()
	enc.MovMemToReg(amd64.RAX, large, true)

	require.Less(t, afterSmall, buf.Len())
	decode(t, buf.Bytes())
}

func TestEncoder_ArithmeticFamily(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.AddRegToReg(amd64.RAX, amd64.RCX, true)
	enc.SubRegToReg(amd64.RAX, amd64.RCX, true)
	enc.XorRegToReg(amd64.RAX, amd64.RAX, true)
	enc.CmpRegToReg(amd64.RAX, amd64.RCX, true)
	enc.ImulRegToReg(amd64.RAX, amd64.RCX, true)
	enc.Cdq()
	require.NoError(t, enc.IdivReg(amd64.RAX, amd64.RCX, true))

	lines := decode(t, buf.Bytes())
	require.Len(t, lines, 7)
}

func TestEncoder_BinaryImm32ToMem_PatchesDigitField(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.AddImm32ToMem(amd64.Mem(amd64.RBP, -8), 5, true)
	enc.SubImm32ToMem(amd64.Mem(amd64.RBP, -8), 5, true)
	enc.CmpImm32ToMem(amd64.Mem(amd64.RBP, -8), 5, true)

	lines := decode(t, buf.Bytes())
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "ADD")
	require.Contains(t, lines[1], "SUB")
	require.Contains(t, lines[2], "CMP")
}

func TestEncoder_ScalarSSE(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	enc.MovssRegToReg(amd64.XMM0, amd64.XMM1)
	enc.AddssRegToReg(amd64.XMM0, amd64.XMM1)
	enc.SubssMemToReg(amd64.XMM0, amd64.Mem(amd64.RBP, -8))
	enc.MulssRegToReg(amd64.XMM0, amd64.XMM1)
	enc.DivssRegToReg(amd64.XMM0, amd64.XMM1)
	enc.UcomissRegToReg(amd64.XMM0, amd64.XMM1)

	lines := decode(t, buf.Bytes())
	require.Len(t, lines, 6)
}

func TestEncoder_JumpsAndCallsLeavePlaceholderDisplacement(t *testing.T) {
	buf := asm.NewBuffer()
	enc := amd64.NewEncoder(buf)
	jmpOffset := enc.Jmp()
	require.Equal(t, 1, jmpOffset)
	jccOffset := enc.Jcc(amd64.Greater)
	require.Equal(t, jmpOffset+4+2, jccOffset)
	callOffset := enc.CallRel32()
	require.Equal(t, jccOffset+4+1, callOffset)
	enc.Ret()

	buf.PatchUint32LE(jmpOffset, 0)
	buf.PatchUint32LE(jccOffset, 0)
	buf.PatchUint32LE(callOffset, 0)
	decode(t, buf.Bytes())
}

func TestEncoder_MovAbsMemToReg_RequiresRAX(t *testing.T) {
	enc := amd64.NewEncoder(asm.NewBuffer())
	err := enc.MovAbsMemToReg(amd64.RCX, 0x1000, true)
	require.ErrorIs(t, err, amd64.ErrInternalEncoderInvariant)
}

func TestEncoder_IdivReg_RequiresRAXDestination(t *testing.T) {
	enc := amd64.NewEncoder(asm.NewBuffer())
	err := enc.IdivReg(amd64.RCX, amd64.RDX, true)
	require.ErrorIs(t, err, amd64.ErrInternalEncoderInvariant)
}
