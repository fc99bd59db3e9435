// Package compiler implements the two code-generation pipelines (spec.md
// §4.E naïve, §4.F-§4.G optimised) that lower a typed IR function to x86-64
// machine code, plus the shared CompilationContext (spec.md §3) both
// pipelines fill in for the driver (internal/jit) to patch and publish.
package compiler

import (
	"github.com/svenslaggare/xonevm/internal/asm"
	"github.com/svenslaggare/xonevm/internal/asm/amd64"
	"github.com/svenslaggare/xonevm/internal/ir"
)

// CallTargetInfo is what a generator needs to know about a Call
// instruction's callee (spec.md §4.H): its return type, to decide whether
// the call leaves a value on the operand stack/vreg, and — for a native
// function, whose address is known at compile time rather than deferred
// until every managed function has been compiled — that address, so the
// call can be emitted directly via Absolute mode instead of a deferred
// relative patch.
type CallTargetInfo struct {
	Return  ir.VMType
	Native  bool
	Address uintptr
}

// CalleeResolver answers, for a call site naming a callee and its
// argument types, what that callee returns and how it must be called —
// the function-binder lookup spec.md §1 scopes out of this module but
// which code generation still needs (mirrors regalloc.CalleeResolver,
// which only needs the return type; duplicated rather than shared to keep
// internal/regalloc free of a dependency on internal/compiler).
type CalleeResolver func(name string, paramTypes []ir.VMType) CallTargetInfo

// CallMode distinguishes a call whose callee is compiled by this same
// pipeline (its entry point is only known once every function has been
// compiled) from one resolved at compile time to a native function pointer
// (spec.md §4.H, GLOSSARY "Managed function"/"Native function").
type CallMode byte

const (
	Relative CallMode = iota
	Absolute
)

// UnresolvedBranch records a patch site for an intra-function branch: the
// byte offset of its rel32 field, and the IR instruction index it targets.
// Displacements are always resolved relative to the byte after the field
// (spec.md §3's invariant), i.e. siteOffset+4.
type UnresolvedBranch struct {
	SiteOffset    int
	TargetIRIndex int
}

// UnresolvedCall records a patch site for a call instruction. For Relative
// calls, the callee's entry point is unknown until every function in the
// compilation unit has been compiled; for Absolute calls the 8-byte
// address embedded after the `mov rax,` prefix is rewritten once the
// callee (always native, in practice resolved at compile time, but routed
// through the same mechanism for uniformity per spec.md §4.H) is known.
type UnresolvedCall struct {
	SiteOffset   int
	CalleeName   string
	CalleeParams []ir.VMType
	Mode         CallMode
}

// State is the per-function compilation-context state machine (spec.md
// "State machines"): Open -> EmittingBody -> BranchesPending -> CallsPending
// -> Patched -> Executable. The naïve/optimised generators only ever drive
// a context from Open through EmittingBody; the remaining transitions are
// owned by internal/jit.
type State byte

const (
	StateOpen State = iota
	StateEmittingBody
	StateBranchesPending
	StateCallsPending
	StatePatched
	StateExecutable
)

// Context is the per-function scratch state threaded through a single
// compile(function) call (spec.md §3, "CompilationContext"). It owns the
// growable byte buffer the generator writes into; once generation is
// complete the driver reads Buf.Bytes() into a page it manages.
type Context struct {
	Function *ir.Function

	Buf *asm.Buffer
	Asm *amd64.Assembler

	InstructionMapping []int
	UnresolvedBranches []UnresolvedBranch
	UnresolvedCalls    []UnresolvedCall

	FrameSize int32
	State     State

	// naive path only
	operandStack naiveOperandStack

	// optimised path only
	opt *optimisedState

	resolve CalleeResolver
}

// NewContext allocates an empty context ready for a generator to emit
// into. resolve answers each Call instruction's return type; the driver
// supplies it from the binder's function table (spec.md §4.H).
func NewContext(fn *ir.Function, resolve CalleeResolver) *Context {
	buf := asm.NewBuffer()
	return &Context{
		Function:           fn,
		Buf:                buf,
		Asm:                amd64.NewAssembler(buf),
		InstructionMapping: make([]int, 0, len(fn.Instructions)),
		State:              StateOpen,
		resolve:            resolve,
	}
}

// recordInstructionStart appends the current byte offset to the
// instruction_mapping (spec.md §3's monotonicity invariant: one entry per
// IR instruction, non-decreasing, with mapping[0] > 0 since the prologue
// always emits at least the three-instruction preamble before IR[0]).
func (c *Context) recordInstructionStart() {
	c.InstructionMapping = append(c.InstructionMapping, c.Asm.Len())
}

// addBranch registers an unresolved branch at the rel32 offset just
// written by the encoder (Jump returns this offset directly).
func (c *Context) addBranch(dispOffset, targetIRIndex int) {
	c.UnresolvedBranches = append(c.UnresolvedBranches, UnresolvedBranch{
		SiteOffset: dispOffset, TargetIRIndex: targetIRIndex,
	})
}

func (c *Context) addRelativeCall(dispOffset int, calleeName string, params []ir.VMType) {
	c.UnresolvedCalls = append(c.UnresolvedCalls, UnresolvedCall{
		SiteOffset: dispOffset, CalleeName: calleeName, CalleeParams: params, Mode: Relative,
	})
}

// addAbsoluteCall registers an Absolute-mode patch site: the 8-byte
// immediate field of a `mov rax, imm64` left as a zero placeholder by
// CallAbsolutePlaceholder (spec.md §4.H).
func (c *Context) addAbsoluteCall(dispOffset int, calleeName string, params []ir.VMType) {
	c.UnresolvedCalls = append(c.UnresolvedCalls, UnresolvedCall{
		SiteOffset: dispOffset, CalleeName: calleeName, CalleeParams: params, Mode: Absolute,
	})
}

// alignedFrameSize rounds a slot count up to the next 16-byte boundary,
// shared by both generators' prologue sizing (spec.md §4.E step 1,
// §4.G "Prologue differences").
func alignedFrameSize(numSlots int32) int32 {
	bytes := numSlots * 8
	return ((bytes + 15) / 16) * 16
}

// isFloat reports whether t is the Float primitive type.
func isFloat(t ir.VMType) bool { return t == ir.Float }

// is32BitMode always holds for this back end: only int32/float32 are
// supported primitives (spec.md §1 Non-goals), so every integer operation
// the generators emit uses the 32-bit encoder forms. 64-bit (is32bit=false)
// forms are reserved for pointer/frame-management arithmetic: RSP/RBP
// adjustments and MOVABS/CALL
// sequences.
const is32BitMode = true
