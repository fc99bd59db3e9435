package amd64

import (
	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/asm"
)

// OperandKind tags an Operand as holding a register or a memory location,
// so the Assembler facade can dispatch (operand-kind, operand-kind) pairs
// to the matching raw-encoder entry (spec.md §4.C).
type OperandKind byte

const (
	KindRegister OperandKind = iota
	KindMemory
)

// Operand is either a Register (integer or XMM — the facade reads the
// register's bank from Register.IsXMM, so callers never pick the mnemonic
// variant themselves) or a MemoryOperand.
type Operand struct {
	Kind OperandKind
	Reg  Register
	Mem  MemoryOperand
}

func Reg(r Register) Operand            { return Operand{Kind: KindRegister, Reg: r} }
func MemOp(m MemoryOperand) Operand      { return Operand{Kind: KindMemory, Mem: m} }
func MemAt(base Register, off int32) Operand { return MemOp(Mem(base, off)) }

// Assembler is the typed facade (spec.md §4.C): one method per logical
// mnemonic, dispatching on operand kind and register bank instead of
// exposing the raw encoder's many entry points directly. Grounded on
// wazero's Assembler interface shape (one CompileXxxToYyy per operand
// combination) but collapsed into overload-style dispatch per spec.md §9's
// "manual v-table" design note.
type Assembler struct {
	enc *Encoder
}

func NewAssembler(buf *asm.Buffer) *Assembler {
	return &Assembler{enc: NewEncoder(buf)}
}

func (a *Assembler) Len() int { return a.enc.Len() }

// Mov dispatches `mov dst, src` across register/register, memory/register
// and register/memory forms; immediates go through MovImm32 and MovAbs.
// Float operands are recognised via Register.IsXMM and routed to movss.
func (a *Assembler) Mov(dst, src Operand, is32bit bool) {
	switch {
	case dst.Kind == KindRegister && src.Kind == KindRegister:
		a.enc.MovRegToReg(dst.Reg, src.Reg, is32bit)
	case dst.Kind == KindRegister && src.Kind == KindMemory:
		a.enc.MovMemToReg(dst.Reg, src.Mem, is32bit)
	case dst.Kind == KindMemory && src.Kind == KindRegister:
		a.enc.MovRegToMem(dst.Mem, src.Reg, is32bit)
	default:
		panic("amd64: mov memory,memory is not a legal x86-64 form")
	}
}

// MovImm32 emits `mov dst, imm32`, dst a register or memory location.
func (a *Assembler) MovImm32(dst Operand, imm int32, is32bit bool) {
	if dst.Kind == KindRegister {
		a.enc.MovImm32ToReg(dst.Reg, imm, is32bit)
	} else {
		a.enc.MovImm32ToMem(dst.Mem, imm, is32bit)
	}
}

// MovAbs emits `mov dst, imm64`.
func (a *Assembler) MovAbs(dst Register, imm uint64) { a.enc.MovAbs(dst, imm) }

type arithFn func(dst, src Register, is32bit bool)
type arithMemToRegFn func(dst Register, src MemoryOperand, is32bit bool)
type arithRegToMemFn func(dst MemoryOperand, src Register, is32bit bool)
type arithImmToRegFn func(dst Register, imm int32, is32bit bool)
type arithImmToMemFn func(dst MemoryOperand, imm int32, is32bit bool)

// dispatchBinary implements the four-shape dispatch common to add/sub/cmp/
// xor: (reg,reg), (reg,mem), (mem,reg); (mem,mem) is not a legal x86-64
// form and is never constructed by the code generators (the virtual
// assembler rewrites it through the scratch register before it reaches
// here, spec.md §4.F).
func dispatchBinary(dst, src Operand, is32bit bool, rr arithFn, mr arithMemToRegFn, rm arithRegToMemFn) {
	switch {
	case dst.Kind == KindRegister && src.Kind == KindRegister:
		rr(dst.Reg, src.Reg, is32bit)
	case dst.Kind == KindRegister && src.Kind == KindMemory:
		mr(dst.Reg, src.Mem, is32bit)
	case dst.Kind == KindMemory && src.Kind == KindRegister:
		rm(dst.Mem, src.Reg, is32bit)
	default:
		panic("amd64: memory,memory operand pair must be rewritten by the virtual assembler")
	}
}

func (a *Assembler) addFloat(dst, src Operand) {
	switch {
	case dst.Kind == KindRegister && src.Kind == KindRegister:
		a.enc.AddssRegToReg(dst.Reg, src.Reg)
	case dst.Kind == KindRegister && src.Kind == KindMemory:
		a.enc.AddssMemToReg(dst.Reg, src.Mem)
	default:
		panic("amd64: addss requires a register destination")
	}
}

// Add dispatches `add dst, src`, choosing ADDSS when either operand names
// an XMM register.
func (a *Assembler) Add(dst, src Operand, is32bit bool) {
	if dst.Reg.IsXMM() || src.Reg.IsXMM() {
		a.addFloat(dst, src)
		return
	}
	dispatchBinary(dst, src, is32bit, a.enc.AddRegToReg, a.enc.AddMemToReg, a.enc.AddRegToMem)
}

func (a *Assembler) AddImm32(dst Operand, imm int32, is32bit bool) {
	if dst.Kind == KindRegister {
		a.enc.AddImm32ToReg(dst.Reg, imm, is32bit)
	} else {
		a.enc.AddImm32ToMem(dst.Mem, imm, is32bit)
	}
}

func (a *Assembler) Sub(dst, src Operand, is32bit bool) {
	if dst.Reg.IsXMM() || src.Reg.IsXMM() {
		switch {
		case dst.Kind == KindRegister && src.Kind == KindRegister:
			a.enc.SubssRegToReg(dst.Reg, src.Reg)
		case dst.Kind == KindRegister && src.Kind == KindMemory:
			a.enc.SubssMemToReg(dst.Reg, src.Mem)
		default:
			panic("amd64: subss requires a register destination")
		}
		return
	}
	dispatchBinary(dst, src, is32bit, a.enc.SubRegToReg, a.enc.SubMemToReg, a.enc.SubRegToMem)
}

func (a *Assembler) SubImm32(dst Operand, imm int32, is32bit bool) {
	if dst.Kind == KindRegister {
		a.enc.SubImm32ToReg(dst.Reg, imm, is32bit)
	} else {
		a.enc.SubImm32ToMem(dst.Mem, imm, is32bit)
	}
}

// Xor emits the integer `xor dst, src`; only the register/register form is
// wired, and XMM registers are not recognised (they encode as the
// same-numbered integer register).
func (a *Assembler) Xor(dst, src Register, is32bit bool) {
	a.enc.XorRegToReg(dst, src, is32bit)
}

// Cmp dispatches to CMP (integer, signed or unsigned condition codes chosen
// later by Jump) or UCOMISS (float — always unsigned condition codes,
// spec.md §4.B/§9).
func (a *Assembler) Cmp(lhs, rhs Operand, isFloat bool, is32bit bool) {
	if isFloat {
		switch {
		case lhs.Kind == KindRegister && rhs.Kind == KindRegister:
			a.enc.UcomissRegToReg(lhs.Reg, rhs.Reg)
		case lhs.Kind == KindRegister && rhs.Kind == KindMemory:
			a.enc.UcomissMemToReg(lhs.Reg, rhs.Mem)
		default:
			panic("amd64: ucomiss requires a register left-hand side")
		}
		return
	}
	dispatchBinary(lhs, rhs, is32bit, a.enc.CmpRegToReg, a.enc.CmpMemToReg, a.enc.CmpRegToMem)
}

func (a *Assembler) CmpImm32(lhs Operand, imm int32, is32bit bool) {
	if lhs.Kind == KindRegister {
		a.enc.CmpImm32ToReg(lhs.Reg, imm, is32bit)
	} else {
		a.enc.CmpImm32ToMem(lhs.Mem, imm, is32bit)
	}
}

// Mul dispatches `imul dst, src` (integer) or `mulss dst, src` (float).
// Integer imul never accepts a memory destination (spec.md §4.G): callers
// with a spilled destination must route through the virtual assembler's
// MemoryOnRight policy instead of calling this directly with dst.Kind ==
// KindMemory.
func (a *Assembler) Mul(dst, src Operand, is32bit, isFloat bool) {
	if isFloat {
		switch {
		case dst.Kind == KindRegister && src.Kind == KindRegister:
			a.enc.MulssRegToReg(dst.Reg, src.Reg)
		case dst.Kind == KindRegister && src.Kind == KindMemory:
			a.enc.MulssMemToReg(dst.Reg, src.Mem)
		default:
			panic("amd64: mulss requires a register destination")
		}
		return
	}
	switch {
	case dst.Kind == KindRegister && src.Kind == KindRegister:
		a.enc.ImulRegToReg(dst.Reg, src.Reg, is32bit)
	case dst.Kind == KindRegister && src.Kind == KindMemory:
		a.enc.ImulMemToReg(dst.Reg, src.Mem, is32bit)
	default:
		panic("amd64: imul does not accept a memory destination")
	}
}

// Div emits `divss dst, src` for floats. Integer division is irregular
// enough (implicit RDX:RAX operands, CDQ/CQO sign extension) that it is
// exposed directly as IDiv rather than folded into this dispatcher.
func (a *Assembler) Div(dst, src Operand) {
	switch {
	case dst.Kind == KindRegister && src.Kind == KindRegister:
		a.enc.DivssRegToReg(dst.Reg, src.Reg)
	case dst.Kind == KindRegister && src.Kind == KindMemory:
		a.enc.DivssMemToReg(dst.Reg, src.Mem)
	default:
		panic("amd64: divss requires a register destination")
	}
}

// IDiv emits signed integer division: CDQ/CQO then `idiv divisor`,
// dividing RDX:RAX by divisor. Returns ErrInternalEncoderInvariant if
// dest != RAX.
func (a *Assembler) IDiv(dest, divisor Register, is32bit bool) error {
	if is32bit {
		a.enc.Cdq()
	} else {
		a.enc.Cqo()
	}
	if err := a.enc.IdivReg(dest, divisor, is32bit); err != nil {
		return errors.Wrap(err, "IDiv")
	}
	return nil
}

// Push emits `push src`. A float register is synthesised as
// `sub rsp,8; movss [rsp],xmm` (spec.md §4.C) — note only the low 4 bytes
// of the 8-byte slot are written, leaving the upper 4 bytes undefined; this
// is spec.md §9's documented open question, preserved rather than "fixed"
// by zeroing the slot.
func (a *Assembler) Push(src Register) {
	if src.IsXMM() {
		a.enc.SubImm32ToReg(RSP, 8, false)
		a.enc.MovssRegToMem(Mem(RSP, 0), src)
		return
	}
	a.enc.PushReg(src)
}

// Pop emits `pop dst`, or for a float register the mirror of Push's
// synthesis: `movss xmm,[rsp]; add rsp,8`. Pop with no operand (dst ==
// NilRegister) synthesises a bare `add rsp,8` to discard a pushed slot
// without reading it.
func (a *Assembler) Pop(dst Register) {
	switch {
	case dst == NilRegister:
		a.enc.AddImm32ToReg(RSP, 8, false)
	case dst.IsXMM():
		a.enc.MovssMemToReg(dst, Mem(RSP, 0))
		a.enc.AddImm32ToReg(RSP, 8, false)
	default:
		a.enc.PopReg(dst)
	}
}

// Ret emits `ret`.
func (a *Assembler) Ret() { a.enc.Ret() }

// Jump emits an unconditional jmp (cond == JumpUnconditional) or a
// conditional Jcc, returning the byte offset of the rel32 displacement to
// patch once the target's byte offset is known. unsigned selects the
// unsigned condition-code family (used for float comparisons, and for the
// opt-in JumpGreaterThanUnsigned family spec.md §9 preserves) instead of
// the signed one that integer comparisons default to.
func (a *Assembler) Jump(cond JumpCondition, unsigned bool) (dispOffset int) {
	if cond == JumpUnconditional {
		return a.enc.Jmp()
	}
	return a.enc.Jcc(cond.toCondition(unsigned))
}

// JumpCondition is the architecture-independent condition naming used by
// the code generators; it maps to Condition (signed by default) or its
// unsigned counterpart via the unsigned flag, matching spec.md §9's note
// that the source names the signed family "JumpGreaterThan" etc. and
// additionally exposes an unsigned family.
type JumpCondition byte

const (
	JumpUnconditional JumpCondition = iota
	JumpEqual
	JumpNotEqual
	JumpGreaterThan
	JumpGreaterThanOrEqual
	JumpLessThan
	JumpLessThanOrEqual
)

func (j JumpCondition) toCondition(unsigned bool) Condition {
	switch j {
	case JumpEqual:
		return Equal
	case JumpNotEqual:
		return NotEqual
	case JumpGreaterThan:
		if unsigned {
			return Above
		}
		return Greater
	case JumpGreaterThanOrEqual:
		if unsigned {
			return AboveOrEqual
		}
		return GreaterOrEqual
	case JumpLessThan:
		if unsigned {
			return Below
		}
		return Less
	case JumpLessThanOrEqual:
		if unsigned {
			return BelowOrEqual
		}
		return LessOrEqual
	default:
		panic("amd64: invalid jump condition")
	}
}

// CallRel32 emits a relative call (managed callees, patched by the driver once
// all functions are compiled) and returns the rel32 offset to patch.
func (a *Assembler) CallRel32() (dispOffset int) { return a.enc.CallRel32() }

// CallAbsolutePlaceholder emits `mov rax, 0; call rax` with a zero
// placeholder in the immediate field, returning the byte offset of that
// 8-byte field for the driver to patch once the callee's address is known
// (spec.md §4.H: "if mode is Absolute, write the 64-bit callee entry at
// site+2" — the 2-byte REX.W + B8+rd prefix always precedes the immediate,
// since a 64-bit mov-immediate always carries REX.W).
func (a *Assembler) CallAbsolutePlaceholder() (dispOffset int) {
	dispOffset = a.enc.Len() + 2
	a.enc.MovAbs(RAX, 0)
	a.enc.CallReg(RAX)
	return
}
