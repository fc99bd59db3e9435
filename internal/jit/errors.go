package jit

import "github.com/pkg/errors"

// Error taxonomy (spec.md §6). UnsupportedOpCode, InvalidOperand and
// InternalEncoderInvariant are produced deeper in the pipeline
// (internal/compiler, internal/asm/amd64) and simply propagate through
// Driver.Compile unwrapped further, as does internal/memory's
// ErrMemoryProtectionFailed; ErrInvalidFunction, ErrUnresolvedSymbol and
// ErrDriverMisuse are this package's own.
var (
	ErrInvalidFunction  = errors.New("invalid function")
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	ErrDriverMisuse     = errors.New("driver used outside its current state")
)
