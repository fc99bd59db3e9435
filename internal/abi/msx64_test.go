package abi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svenslaggare/xonevm/internal/abi"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
)

func TestIncomingArgLocation_FirstFourGoInRegistersByPosition(t *testing.T) {
	loc := abi.IncomingArgLocation(0, abi.ClassInt)
	require.True(t, loc.InRegister)
	require.Equal(t, amd64.RCX, loc.Register)

	loc = abi.IncomingArgLocation(1, abi.ClassFloat)
	require.True(t, loc.InRegister)
	require.Equal(t, amd64.XMM1, loc.Register)
}

func TestIncomingArgLocation_FifthArgumentIsOnStack(t *testing.T) {
	loc := abi.IncomingArgLocation(4, abi.ClassInt)
	require.False(t, loc.InRegister)
	require.Equal(t, int32(16), loc.StackOffsetFromRBP)

	loc = abi.IncomingArgLocation(5, abi.ClassFloat)
	require.False(t, loc.InRegister)
	require.Equal(t, int32(24), loc.StackOffsetFromRBP)
}

func TestHomeSlotOffset_IsOneSlotPerArgumentBelowSavedRBP(t *testing.T) {
	require.Equal(t, int32(-8), abi.HomeSlotOffset(0))
	require.Equal(t, int32(-16), abi.HomeSlotOffset(1))
	require.Equal(t, int32(-40), abi.HomeSlotOffset(4))
}

func TestComputeAlignment_PadsToKeepRSPSixteenByteAligned(t *testing.T) {
	require.Equal(t, int32(0), abi.ComputeAlignment(0, 0))
	require.Equal(t, int32(8), abi.ComputeAlignment(1, 0))
	require.Equal(t, int32(0), abi.ComputeAlignment(2, 0))
	require.Equal(t, int32(8), abi.ComputeAlignment(0, 1))
	require.Equal(t, int32(0), abi.ComputeAlignment(1, 1))
}

func TestNumStackArgSlots_OnlyCountsBeyondFirstFour(t *testing.T) {
	require.Equal(t, 0, abi.NumStackArgSlots(0))
	require.Equal(t, 0, abi.NumStackArgSlots(4))
	require.Equal(t, 1, abi.NumStackArgSlots(5))
	require.Equal(t, 3, abi.NumStackArgSlots(7))
}

func TestCallStackArgOffset_IsZeroBasedFromShadowSpace(t *testing.T) {
	require.Equal(t, int32(0), abi.CallStackArgOffset(4))
	require.Equal(t, int32(8), abi.CallStackArgOffset(5))
	require.Equal(t, int32(16), abi.CallStackArgOffset(6))
}
