package jit

import (
	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/ir"
)

// validate performs the narrow structural check this package owns
// (spec.md §1 explicitly keeps the IR verifier/type-checker itself out of
// scope — this is not that: it only checks the handful of invariants the
// code generators assume hold, rather than well-typedness of the whole
// function) plus symbol resolution against binder, so a Call naming an
// unregistered function fails fast as ErrUnresolvedSymbol instead of
// surfacing as a confusing panic mid-codegen.
func validate(fn *ir.Function, binder *Binder) error {
	n := len(fn.Instructions)
	for i, instr := range fn.Instructions {
		switch {
		case instr.Op == ir.LoadLocal || instr.Op == ir.StoreLocal:
			if instr.IntValue < 0 || int(instr.IntValue) >= len(fn.Locals) {
				return errors.Wrapf(ErrInvalidFunction, "instruction %d: local index %d out of range", i, instr.IntValue)
			}
		case instr.Op == ir.LoadArgument:
			if instr.IntValue < 0 || int(instr.IntValue) >= fn.NumParams() {
				return errors.Wrapf(ErrInvalidFunction, "instruction %d: argument index %d out of range", i, instr.IntValue)
			}
		case instr.Op.IsBranch():
			if instr.IntValue < 0 || int(instr.IntValue) >= n {
				return errors.Wrapf(ErrInvalidFunction, "instruction %d: branch target %d out of range", i, instr.IntValue)
			}
		case instr.Op == ir.Call:
			params, _, ok := binder.Resolve(instr.CallTarget)
			if !ok {
				return errors.Wrapf(ErrUnresolvedSymbol, "instruction %d: %q", i, instr.CallTarget)
			}
			if len(params) != len(instr.CallParamTypes) {
				return errors.Wrapf(ErrInvalidFunction, "instruction %d: call to %q passes %d arguments, wants %d",
					i, instr.CallTarget, len(instr.CallParamTypes), len(params))
			}
			for k := range params {
				if params[k] != instr.CallParamTypes[k] {
					return errors.Wrapf(ErrInvalidFunction, "instruction %d: call to %q argument %d type mismatch",
						i, instr.CallTarget, k)
				}
			}
		}
	}
	if n > 0 && fn.Instructions[n-1].Op != ir.Ret && fn.Instructions[n-1].Op != ir.Branch {
		return errors.Wrapf(ErrInvalidFunction, "function %q does not end in Ret or an unconditional branch", fn.Definition.Name)
	}
	return nil
}
