package amd64

import (
	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/asm"
)

// ErrInternalEncoderInvariant is returned for the two programmer errors the
// raw encoder statically cannot avoid (spec.md §4.B): `mov reg,[abs64]`
// targeting a register other than AX, and `idiv` with an implicit
// destination other than RAX. Every other operand combination is
// statically well-formed given the type of its arguments, so no other path
// returns this error.
var ErrInternalEncoderInvariant = errors.New("amd64: internal encoder invariant violated")

// Encoder emits raw x86-64 byte sequences directly into a Buffer. Unlike a
// deferred node-list assembler, every Encoder call appends bytes
// immediately; callers who need to patch a displacement later (branches,
// calls) get back the byte offset of the instruction and patch the buffer
// in place once the target is known (spec.md §4.H owns that bookkeeping,
// not this package).
type Encoder struct {
	buf *asm.Buffer
}

// NewEncoder wraps buf. buf may already contain bytes (e.g. a prologue
// emitted by a higher layer); the encoder only ever appends.
func NewEncoder(buf *asm.Buffer) *Encoder { return &Encoder{buf: buf} }

// Len returns the current write offset, i.e. the offset the next
// instruction will be written at.
func (e *Encoder) Len() int { return e.buf.Len() }

// --- REX prefix and ModR/M/SIB helpers -------------------------------------

const rexBase = 0x40 // 0100_0000

// rex computes a REX prefix. w selects the 64-bit operand size (omitted
// when is32bit is requested by the caller, per spec.md §3's register-size
// rule); r/x/b extend the ModR/M.reg, SIB.index and ModR/M.rm (or SIB.base)
// fields respectively to address R8-R15/XMM8-XMM15.
func rex(w, r, x, b bool) byte {
	v := byte(rexBase)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// emitRegRegPrefix writes the REX prefix of a register/register form. A REX
// prefix with no W/R/X/B bits set is never mandatory here (that only arises
// addressing SPL/BPL/SIL/DIL byte registers, which this encoder never
// emits), so the prefix is omitted whenever w, r, x and b are all false,
// matching spec.md §4.B's four reg-reg REX patterns (0x48/0x4D/0x4C/0x49)
// which are always emitted for 64-bit operands and never for 32-bit ones
// unless an extended register is involved.
func emitRegRegPrefix(buf *asm.Buffer, is32bit bool, regField, rmField Register) {
	w := !is32bit
	r := regField.IsExtended()
	b := rmField.IsExtended()
	if w || r || b {
		buf.WriteByte(rex(w, r, false, b))
	}
}

// modRMRegDirect builds a ModR/M byte for the register-direct addressing mode
// (mod=11).
func modRMRegDirect(regField, rmField Register) byte {
	return 0b11_000_000 | (regField.Encoding() << 3) | rmField.Encoding()
}

// emitMemOperand writes the ModR/M byte (mod bits + regField in the reg
// position), an optional SIB byte, and the displacement for `mem`, using
// `regField` as the ModR/M.reg operand. This mirrors
// tetratelabs/wazero's internal/asm/amd64/impl.go:getMemoryLocation,
// adapted to a flat Register type and immediate emission instead of a
// deferred node.
func emitMemOperand(buf *asm.Buffer, is32bit bool, regField Register, mem MemoryOperand) {
	r := regField.IsExtended()
	b := mem.Base.IsExtended()
	w := !is32bit
	needsSIB := mem.Base == RSP || mem.Base == R12
	noDisplacement := mem.Offset == 0 && mem.Base != RBP && mem.Base != R13

	if w || r || b {
		buf.WriteByte(rex(w, r, false, b))
	}

	var mod byte
	switch {
	case noDisplacement:
		mod = 0b00_000_000
	case mem.FitsInDisp8():
		mod = 0b01_000_000
	default:
		mod = 0b10_000_000
	}

	rm := mem.Base.Encoding()
	if needsSIB {
		rm = 0b100 // indicates SIB follows
	}
	buf.WriteByte(mod | (regField.Encoding() << 3) | rm)

	if needsSIB {
		// scale=00, index=100 (none), base = mem.Base's 3-bit encoding.
		buf.WriteByte(0b00_100_000 | mem.Base.Encoding())
	}

	switch {
	case noDisplacement:
	case mem.FitsInDisp8():
		buf.WriteByte(byte(int8(mem.Offset)))
	default:
		buf.WriteUint32LE(uint32(mem.Offset))
	}
}

// --- mov --------------------------------------------------------------

// MovRegToReg emits `mov dst, src` (64- or 32-bit depending on is32bit).
func (e *Encoder) MovRegToReg(dst, src Register, is32bit bool) {
	if dst.IsXMM() || src.IsXMM() {
		e.MovssRegToReg(dst, src)
		return
	}
	// 0x8B: MOV r, r/m -- reg field is the destination.
	emitRegRegPrefix(e.buf, is32bit, dst, src)
	e.buf.WriteByte(0x8B)
	e.buf.WriteByte(modRMRegDirect(dst, src))
}

// MovMemToReg emits `mov dst, [src]`.
func (e *Encoder) MovMemToReg(dst Register, src MemoryOperand, is32bit bool) {
	if dst.IsXMM() {
		e.MovssMemToReg(dst, src)
		return
	}
	e.buf.WriteByte(0x8B)
	emitMemOperand(e.buf, is32bit, dst, src)
}

// MovRegToMem emits `mov [dst], src`.
func (e *Encoder) MovRegToMem(dst MemoryOperand, src Register, is32bit bool) {
	if src.IsXMM() {
		e.MovssRegToMem(dst, src)
		return
	}
	e.buf.WriteByte(0x89)
	emitMemOperand(e.buf, is32bit, src, dst)
}

// MovImm32ToReg emits `mov dst, imm32` sign/zero-extended per is32bit.
func (e *Encoder) MovImm32ToReg(dst Register, imm int32, is32bit bool) {
	w := !is32bit
	b := dst.IsExtended()
	if w || b {
		e.buf.WriteByte(rex(w, false, false, b))
	}
	if w {
		// REX.W + C7 /0 id: sign-extends imm32 to 64 bits.
		e.buf.WriteByte(0xC7)
		e.buf.WriteByte(modRMRegDirect(RAX, dst)) // reg field = /0
	} else {
		// B8+rd id
		e.buf.WriteByte(0xB8 + dst.Encoding())
		e.buf.WriteUint32LE(uint32(imm))
		return
	}
	e.buf.WriteUint32LE(uint32(imm))
}

// MovImm32ToMem emits `mov [dst], imm32`.
func (e *Encoder) MovImm32ToMem(dst MemoryOperand, imm int32, is32bit bool) {
	e.buf.WriteByte(0xC7)
	emitMemOperand(e.buf, is32bit, RAX /* /0 */, dst)
	e.buf.WriteUint32LE(uint32(imm))
}

// MovAbs emits `mov dst, imm64` (REX.W + B8+rd io).
func (e *Encoder) MovAbs(dst Register, imm uint64) {
	e.buf.WriteByte(rex(true, false, false, dst.IsExtended()))
	e.buf.WriteByte(0xB8 + dst.Encoding())
	e.buf.WriteUint64LE(imm)
}

// MovAbsMemToReg emits the absolute-moffs form `mov dst, [imm64]`. Per
// spec.md §4.B this is only encodable with dst==RAX; any other destination
// is a programmer error.
func (e *Encoder) MovAbsMemToReg(dst Register, addr uint64, is32bit bool) error {
	if dst != RAX {
		return errors.Wrap(ErrInternalEncoderInvariant, "mov reg,[abs64] requires destination RAX")
	}
	if !is32bit {
		e.buf.WriteByte(rex(true, false, false, false))
	}
	e.buf.WriteByte(0xA1)
	e.buf.WriteUint64LE(addr)
	return nil
}

// --- arithmetic: add/sub/cmp/xor share the same opcode shape -------------

type binaryOpcodes struct {
	regToRM    byte // reg op rm -> rm  (store direction, opcode + /r)
	rmToReg    byte // rm op reg -> reg (load direction, opcode + /r)
	regImmSlot byte // digit used in ModR/M when operating reg/mem, imm32
}

var (
	addOpcodes = binaryOpcodes{regToRM: 0x01, rmToReg: 0x03, regImmSlot: 0}
	subOpcodes = binaryOpcodes{regToRM: 0x29, rmToReg: 0x2B, regImmSlot: 5}
	xorOpcodes = binaryOpcodes{regToRM: 0x31, rmToReg: 0x33, regImmSlot: 6}
	cmpOpcodes = binaryOpcodes{regToRM: 0x39, rmToReg: 0x3B, regImmSlot: 7}
)

func (e *Encoder) binaryRegToReg(ops binaryOpcodes, dst, src Register, is32bit bool) {
	// dst op= src, encoded store-direction with reg=src, rm=dst, i.e.
	// `ADD dst, src` as `ADD r/m, r` (0x01 /r) with rm=dst, reg=src.
	emitRegRegPrefix(e.buf, is32bit, src, dst)
	e.buf.WriteByte(ops.regToRM)
	e.buf.WriteByte(modRMRegDirect(src, dst))
}

func (e *Encoder) binaryMemToReg(ops binaryOpcodes, dst Register, src MemoryOperand, is32bit bool) {
	e.buf.WriteByte(ops.rmToReg)
	emitMemOperand(e.buf, is32bit, dst, src)
}

func (e *Encoder) binaryRegToMem(ops binaryOpcodes, dst MemoryOperand, src Register, is32bit bool) {
	e.buf.WriteByte(ops.regToRM)
	emitMemOperand(e.buf, is32bit, src, dst)
}

func (e *Encoder) binaryImm32ToReg(ops binaryOpcodes, dst Register, imm int32, is32bit bool) {
	w := !is32bit
	b := dst.IsExtended()
	if w || b {
		e.buf.WriteByte(rex(w, false, false, b))
	}
	e.buf.WriteByte(0x81)
	e.buf.WriteByte(0b11_000_000 | (ops.regImmSlot << 3) | dst.Encoding())
	e.buf.WriteUint32LE(uint32(imm))
}

func (e *Encoder) binaryImm32ToMem(ops binaryOpcodes, dst MemoryOperand, imm int32, is32bit bool) {
	e.buf.WriteByte(0x81)
	// emitMemOperand takes a Register for the reg field, but 0x81's reg
	// field is actually a raw opcode-extension digit, not a register: pass
	// RAX (encoding 0, never extended) so REX.R stays clear, then patch the
	// ModR/M byte's reg field with the real digit.
	emitMemOperand(e.buf, is32bit, RAX, dst)
	e.patchModRMRegField(dst, ops.regImmSlot)
	e.buf.WriteUint32LE(uint32(imm))
}

// patchModRMRegField overwrites the reg field of the most recently emitted
// ModR/M byte for a memory operand with a literal 3-bit opcode-extension
// digit. Needed because binaryImm32ToMem's opcode (0x81) encodes the
// operation in ModR/M.reg as a digit, not a register.
func (e *Encoder) patchModRMRegField(mem MemoryOperand, digit byte) {
	bytes := e.buf.Bytes()
	// Walk backward past the just-written displacement/SIB to find the
	// ModR/M byte: this helper is only ever called immediately after
	// emitMemOperand, so we recompute its exact layout instead of guessing.
	needsSIB := mem.Base == RSP || mem.Base == R12
	noDisplacement := mem.Offset == 0 && mem.Base != RBP && mem.Base != R13
	dispLen := 4
	if noDisplacement {
		dispLen = 0
	} else if mem.FitsInDisp8() {
		dispLen = 1
	}
	sibLen := 0
	if needsSIB {
		sibLen = 1
	}
	modRMOffset := len(bytes) - dispLen - sibLen - 1
	bytes[modRMOffset] = (bytes[modRMOffset] &^ 0b00_111_000) | (digit << 3)
}

func (e *Encoder) AddRegToReg(dst, src Register, is32bit bool) { e.binaryRegToReg(addOpcodes, dst, src, is32bit) }
func (e *Encoder) SubRegToReg(dst, src Register, is32bit bool) { e.binaryRegToReg(subOpcodes, dst, src, is32bit) }
func (e *Encoder) XorRegToReg(dst, src Register, is32bit bool) { e.binaryRegToReg(xorOpcodes, dst, src, is32bit) }
func (e *Encoder) CmpRegToReg(dst, src Register, is32bit bool) { e.binaryRegToReg(cmpOpcodes, dst, src, is32bit) }

func (e *Encoder) AddMemToReg(dst Register, src MemoryOperand, is32bit bool) { e.binaryMemToReg(addOpcodes, dst, src, is32bit) }
func (e *Encoder) SubMemToReg(dst Register, src MemoryOperand, is32bit bool) { e.binaryMemToReg(subOpcodes, dst, src, is32bit) }
func (e *Encoder) CmpMemToReg(dst Register, src MemoryOperand, is32bit bool) { e.binaryMemToReg(cmpOpcodes, dst, src, is32bit) }

func (e *Encoder) AddRegToMem(dst MemoryOperand, src Register, is32bit bool) { e.binaryRegToMem(addOpcodes, dst, src, is32bit) }
func (e *Encoder) SubRegToMem(dst MemoryOperand, src Register, is32bit bool) { e.binaryRegToMem(subOpcodes, dst, src, is32bit) }
func (e *Encoder) CmpRegToMem(dst MemoryOperand, src Register, is32bit bool) { e.binaryRegToMem(cmpOpcodes, dst, src, is32bit) }

func (e *Encoder) AddImm32ToReg(dst Register, imm int32, is32bit bool) { e.binaryImm32ToReg(addOpcodes, dst, imm, is32bit) }
func (e *Encoder) SubImm32ToReg(dst Register, imm int32, is32bit bool) { e.binaryImm32ToReg(subOpcodes, dst, imm, is32bit) }
func (e *Encoder) CmpImm32ToReg(dst Register, imm int32, is32bit bool) { e.binaryImm32ToReg(cmpOpcodes, dst, imm, is32bit) }

func (e *Encoder) AddImm32ToMem(dst MemoryOperand, imm int32, is32bit bool) { e.binaryImm32ToMem(addOpcodes, dst, imm, is32bit) }
func (e *Encoder) SubImm32ToMem(dst MemoryOperand, imm int32, is32bit bool) { e.binaryImm32ToMem(subOpcodes, dst, imm, is32bit) }
func (e *Encoder) CmpImm32ToMem(dst MemoryOperand, imm int32, is32bit bool) { e.binaryImm32ToMem(cmpOpcodes, dst, imm, is32bit) }

// --- imul / idiv --------------------------------------------------------

// ImulRegToReg emits `imul dst, src` (0F AF /r): the two-operand form,
// which only ever writes to a register (spec.md §4.B/§4.G: "imul does not
// accept a memory destination").
func (e *Encoder) ImulRegToReg(dst, src Register, is32bit bool) {
	emitRegRegPrefix(e.buf, is32bit, dst, src)
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0xAF)
	e.buf.WriteByte(modRMRegDirect(dst, src))
}

// ImulMemToReg emits `imul dst, [src]`.
func (e *Encoder) ImulMemToReg(dst Register, src MemoryOperand, is32bit bool) {
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0xAF)
	emitMemOperand(e.buf, is32bit, dst, src)
}

// IdivReg emits `idiv divisor` (F7 /7), dividing RDX:RAX (or EDX:EAX) by
// divisor and leaving the quotient in RAX/EAX, remainder in RDX/EDX.
// dest must be RAX: this is the "destination other than RAX" invariant
// spec.md §4.B calls out as the encoder's other fatal, programmer-only
// error.
func (e *Encoder) IdivReg(dest, divisor Register, is32bit bool) error {
	if dest != RAX {
		return errors.Wrap(ErrInternalEncoderInvariant, "idiv destination must be RAX")
	}
	w := !is32bit
	b := divisor.IsExtended()
	if w || b {
		e.buf.WriteByte(rex(w, false, false, b))
	}
	e.buf.WriteByte(0xF7)
	e.buf.WriteByte(0b11_111_000 | divisor.Encoding()) // /7
	return nil
}

// Cdq emits `cdq` (sign-extend EAX into EDX:EAX, 32-bit division prep).
func (e *Encoder) Cdq() { e.buf.WriteByte(0x99) }

// Cqo emits `cqo` (sign-extend RAX into RDX:RAX, 64-bit division prep).
func (e *Encoder) Cqo() {
	e.buf.WriteByte(rex(true, false, false, false))
	e.buf.WriteByte(0x99)
}

// --- push/pop/jmp/jcc/call/ret ------------------------------------------

// PushReg emits `push reg` (64-bit integer register only; float push/pop is
// synthesised by the typed facade, spec.md §4.C).
func (e *Encoder) PushReg(reg Register) {
	if reg.IsExtended() {
		e.buf.WriteByte(rex(false, false, false, true))
	}
	e.buf.WriteByte(0x50 + reg.Encoding())
}

// PopReg emits `pop reg`.
func (e *Encoder) PopReg(reg Register) {
	if reg.IsExtended() {
		e.buf.WriteByte(rex(false, false, false, true))
	}
	e.buf.WriteByte(0x58 + reg.Encoding())
}

// Jmp emits a 5-byte unconditional jump with a placeholder rel32 and
// returns the byte offset of the displacement field to patch later
// (spec.md §4.B: "jumps are always emitted in 32-bit-displacement form so
// that patching never requires widening").
func (e *Encoder) Jmp() (dispOffset int) {
	e.buf.WriteByte(0xE9)
	dispOffset = e.buf.Len()
	e.buf.WriteUint32LE(0)
	return
}

// Jcc emits a 6-byte conditional jump (0F 8x rel32) and returns the
// displacement offset to patch.
func (e *Encoder) Jcc(cond Condition) (dispOffset int) {
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0x80 | cond.jccTTTN())
	dispOffset = e.buf.Len()
	e.buf.WriteUint32LE(0)
	return
}

// CallRel32 emits a 5-byte relative call with a placeholder rel32 and
// returns the displacement offset to patch.
func (e *Encoder) CallRel32() (dispOffset int) {
	e.buf.WriteByte(0xE8)
	dispOffset = e.buf.Len()
	e.buf.WriteUint32LE(0)
	return
}

// CallReg emits `call reg` (FF /2), used after MovAbs for native calls.
func (e *Encoder) CallReg(reg Register) {
	if reg.IsExtended() {
		e.buf.WriteByte(rex(false, false, false, true))
	}
	e.buf.WriteByte(0xFF)
	e.buf.WriteByte(0b11_010_000 | reg.Encoding()) // /2
}

// Ret emits `ret`.
func (e *Encoder) Ret() { e.buf.WriteByte(0xC3) }

// --- scalar single-precision SSE ----------------------------------------

func xmmModRM(dst, src Register) byte { return modRMRegDirect(dst, src) }

func (e *Encoder) ssePrefixAndOpcode(regField, rmField Register, opcode byte) {
	r := regField.IsExtended()
	b := rmField.IsExtended()
	e.buf.WriteByte(0xF3)
	if r || b {
		e.buf.WriteByte(rex(false, r, false, b))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(opcode)
}

// MovssRegToReg emits `movss dst, src`.
func (e *Encoder) MovssRegToReg(dst, src Register) {
	e.ssePrefixAndOpcode(dst, src, 0x10)
	e.buf.WriteByte(xmmModRM(dst, src))
}

// MovssMemToReg emits `movss dst, [src]`.
func (e *Encoder) MovssMemToReg(dst Register, src MemoryOperand) {
	e.buf.WriteByte(0xF3)
	if dst.IsExtended() || src.Base.IsExtended() {
		e.buf.WriteByte(rex(false, dst.IsExtended(), false, src.Base.IsExtended()))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0x10)
	emitMemOperand(e.buf, true, dst, src)
}

// MovssRegToMem emits `movss [dst], src`.
func (e *Encoder) MovssRegToMem(dst MemoryOperand, src Register) {
	e.buf.WriteByte(0xF3)
	if src.IsExtended() || dst.Base.IsExtended() {
		e.buf.WriteByte(rex(false, src.IsExtended(), false, dst.Base.IsExtended()))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0x11)
	emitMemOperand(e.buf, true, src, dst)
}

func sseArith(e *Encoder, opcode byte, dst, src Register) {
	e.ssePrefixAndOpcode(dst, src, opcode)
	e.buf.WriteByte(xmmModRM(dst, src))
}

func sseArithMem(e *Encoder, opcode byte, dst Register, src MemoryOperand) {
	e.buf.WriteByte(0xF3)
	if dst.IsExtended() || src.Base.IsExtended() {
		e.buf.WriteByte(rex(false, dst.IsExtended(), false, src.Base.IsExtended()))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(opcode)
	emitMemOperand(e.buf, true, dst, src)
}

func (e *Encoder) AddssRegToReg(dst, src Register) { sseArith(e, 0x58, dst, src) }
func (e *Encoder) SubssRegToReg(dst, src Register) { sseArith(e, 0x5C, dst, src) }
func (e *Encoder) MulssRegToReg(dst, src Register) { sseArith(e, 0x59, dst, src) }
func (e *Encoder) DivssRegToReg(dst, src Register) { sseArith(e, 0x5E, dst, src) }

func (e *Encoder) AddssMemToReg(dst Register, src MemoryOperand) { sseArithMem(e, 0x58, dst, src) }
func (e *Encoder) SubssMemToReg(dst Register, src MemoryOperand) { sseArithMem(e, 0x5C, dst, src) }
func (e *Encoder) MulssMemToReg(dst Register, src MemoryOperand) { sseArithMem(e, 0x59, dst, src) }
func (e *Encoder) DivssMemToReg(dst Register, src MemoryOperand) { sseArithMem(e, 0x5E, dst, src) }

// UcomissRegToReg emits `ucomiss dst, src` (0F 2E /r): unsigned-style
// comparison used for all float comparisons (spec.md §4.B), setting
// ZF/PF/CF such that only the unsigned condition codes are meaningful.
func (e *Encoder) UcomissRegToReg(dst, src Register) {
	r := dst.IsExtended()
	b := src.IsExtended()
	if r || b {
		e.buf.WriteByte(rex(false, r, false, b))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0x2E)
	e.buf.WriteByte(xmmModRM(dst, src))
}

// UcomissMemToReg emits `ucomiss dst, [src]`.
func (e *Encoder) UcomissMemToReg(dst Register, src MemoryOperand) {
	if dst.IsExtended() || src.Base.IsExtended() {
		e.buf.WriteByte(rex(false, dst.IsExtended(), false, src.Base.IsExtended()))
	}
	e.buf.WriteByte(0x0F)
	e.buf.WriteByte(0x2E)
	emitMemOperand(e.buf, true, dst, src)
}
