package jit

import (
	"github.com/svenslaggare/xonevm/internal/compiler"
	"github.com/svenslaggare/xonevm/internal/ir"
)

// NativeFunction describes a host function callable from compiled code:
// its signature (for argument marshalling) and its absolute address.
type NativeFunction struct {
	Name    string
	Params  []ir.VMType
	Return  ir.VMType
	Address uintptr
}

// Binder is the function-name resolver the driver consults while
// compiling and finalising a compilation unit (spec.md §1's "function
// binder" — explicitly out of scope to *implement* generically, but the
// driver still needs a concrete registry to depend on, so this is the
// minimal table the rest of the package is built against).
type Binder struct {
	natives map[string]NativeFunction
	managed map[string]ir.Definition
	entries map[string]uintptr
}

// NewBinder returns an empty Binder.
func NewBinder() *Binder {
	return &Binder{
		natives: map[string]NativeFunction{},
		managed: map[string]ir.Definition{},
		entries: map[string]uintptr{},
	}
}

// RegisterNative adds a host function callable by name from managed code.
func (b *Binder) RegisterNative(fn NativeFunction) {
	b.natives[fn.Name] = fn
}

// RegisterManaged declares a function this compilation unit will compile,
// so other functions' Call instructions can resolve it before it has
// actually been compiled (spec.md §4.H: entry points are only known once
// every function in the unit has been compiled).
func (b *Binder) RegisterManaged(def ir.Definition) {
	b.managed[def.Name] = def
}

// IsNative reports whether name identifies a registered native function.
func (b *Binder) IsNative(name string) bool {
	_, ok := b.natives[name]
	return ok
}

// ResolveCall satisfies compiler.CalleeResolver: it reports a callee's
// return type and, for a native function whose address is already known,
// that address — so the generators can emit an Absolute-mode call instead
// of deferring to a relative patch resolved at Finalise time (spec.md
// §4.H). Callers must have already validated that name is resolvable
// (Validate does this ahead of code generation); calling this for an
// unknown name returns a void/managed result silently.
func (b *Binder) ResolveCall(name string, _ []ir.VMType) compiler.CallTargetInfo {
	if n, ok := b.natives[name]; ok {
		return compiler.CallTargetInfo{Return: n.Return, Native: true, Address: n.Address}
	}
	if def, ok := b.managed[name]; ok {
		return compiler.CallTargetInfo{Return: def.Return}
	}
	return compiler.CallTargetInfo{Return: ir.Void}
}

// Resolve reports whether name is a known native or managed function, and
// its declared signature if so.
func (b *Binder) Resolve(name string) (params []ir.VMType, ret ir.VMType, ok bool) {
	if def, found := b.managed[name]; found {
		return def.Params, def.Return, true
	}
	if n, found := b.natives[name]; found {
		return n.Params, n.Return, true
	}
	return nil, ir.Void, false
}

// SetEntryPoint records a managed function's finalised code address.
func (b *Binder) SetEntryPoint(name string, addr uintptr) {
	b.entries[name] = addr
}

// EntryPoint returns a managed or native function's absolute address,
// valid only after the compilation unit has been finalised (managed) or
// at any time (native, registered up front).
func (b *Binder) EntryPoint(name string) (uintptr, bool) {
	if addr, ok := b.entries[name]; ok {
		return addr, true
	}
	if n, ok := b.natives[name]; ok {
		return n.Address, true
	}
	return 0, false
}
