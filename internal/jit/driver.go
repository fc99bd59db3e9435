// Package jit implements the JIT driver (spec.md §4.H): it owns the
// global Compiling -> Finalising -> Terminated state machine, drives the
// per-function naïve or optimised generator, patches every unresolved
// branch and call once addresses are known, and publishes each function's
// machine code as executable memory via internal/memory.
package jit

import (
	"math"

	"github.com/pkg/errors"

	"github.com/svenslaggare/xonevm/internal/compiler"
	"github.com/svenslaggare/xonevm/internal/ir"
	"github.com/svenslaggare/xonevm/internal/memory"
)

// globalState is the driver-wide lifecycle (spec.md §4.H, GLOSSARY "State
// machines"): Compiling accepts Compile calls; Finalise patches every
// pending call site across all compiled functions and publishes them as
// executable; Terminated releases every region.
type globalState byte

const (
	Compiling globalState = iota
	Finalising
	Terminated
)

type compiledFunction struct {
	name   string
	def    ir.Definition
	ctx    *compiler.Context
	region *memory.Region
}

// Driver is the entry point for compiling a unit of functions and turning
// them into callable executable memory.
type Driver struct {
	cfg     Config
	binder  *Binder
	mem     *memory.Manager
	state   globalState
	funcs   []*compiledFunction
	byName  map[string]*compiledFunction
}

// NewDriver returns a Driver ready to accept Compile calls, using binder
// to resolve Call targets.
func NewDriver(binder *Binder, opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		cfg:    cfg,
		binder: binder,
		mem:    memory.New(),
		state:  Compiling,
		byName: map[string]*compiledFunction{},
	}
}

// Compile runs the naïve or optimised generator over fn (the optimised one
// when either fn.Optimise or the driver's configured default is set) and
// writes the resulting machine code into a fresh writable region. Intra-
// function branches are patched immediately, since InstructionMapping is
// complete once generation finishes; calls remain unresolved until
// Finalise.
func (d *Driver) Compile(fn *ir.Function) error {
	if d.state != Compiling {
		return errors.Wrapf(ErrDriverMisuse, "Compile called in state %d", d.state)
	}

	log := d.cfg.Logger.With().Str("function", fn.Definition.Name).Logger()
	optimise := fn.Optimise || d.cfg.Optimise
	log.Debug().Bool("optimise", optimise).Msg("compiling function")

	if err := validate(fn, d.binder); err != nil {
		log.Error().Err(err).Msg("function failed validation")
		return err
	}

	var ctx *compiler.Context
	var err error
	if optimise {
		ctx, err = compiler.GenerateOptimised(fn, d.binder.ResolveCall)
	} else {
		ctx, err = compiler.GenerateNaive(fn, d.binder.ResolveCall)
	}
	if err != nil {
		log.Error().Err(err).Msg("code generation failed")
		return err
	}
	ctx.State = compiler.StateBranchesPending

	region, err := d.mem.Reserve(ctx.Buf.Len())
	if err != nil {
		return err
	}
	copy(region.Bytes(), ctx.Buf.Bytes())

	if err := patchBranches(ctx, region); err != nil {
		return err
	}
	ctx.State = compiler.StateCallsPending

	cf := &compiledFunction{name: fn.Definition.Name, def: fn.Definition, ctx: ctx, region: region}
	d.funcs = append(d.funcs, cf)
	d.byName[fn.Definition.Name] = cf

	log.Debug().Int("bytes", ctx.Buf.Len()).Msg("function compiled, calls pending")
	return nil
}

// patchBranches resolves every UnresolvedBranch in ctx against its own
// InstructionMapping, rewriting the rel32 field in place (spec.md §4.H:
// `target - (site + 4)`, the displacement measured from the byte after
// the field).
func patchBranches(ctx *compiler.Context, region *memory.Region) error {
	for _, b := range ctx.UnresolvedBranches {
		targetOffset := ctx.InstructionMapping[b.TargetIRIndex]
		rel := int64(targetOffset) - int64(b.SiteOffset+4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return errors.Wrap(ErrInvalidFunction, "branch displacement does not fit in rel32")
		}
		patchUint32LE(region.Bytes(), b.SiteOffset, uint32(int32(rel)))
	}
	return nil
}

func patchUint32LE(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}

func patchUint64LE(b []byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		b[offset+i] = byte(v >> (8 * i))
	}
}

// Finalise patches every function's still-pending calls now that all
// managed entry points are known, transitions every region to executable,
// and records each function's entry point in the binder (spec.md §4.H).
func (d *Driver) Finalise() error {
	if d.state != Compiling {
		return errors.Wrapf(ErrDriverMisuse, "Finalise called in state %d", d.state)
	}
	d.state = Finalising
	d.cfg.Logger.Debug().Int("functions", len(d.funcs)).Msg("finalising compilation unit")

	for _, cf := range d.funcs {
		d.binder.SetEntryPoint(cf.name, cf.region.Base())
	}

	for _, cf := range d.funcs {
		for _, call := range cf.ctx.UnresolvedCalls {
			addr, ok := d.binder.EntryPoint(call.CalleeName)
			if !ok {
				return errors.Wrapf(ErrUnresolvedSymbol, "function %q calls unresolved %q", cf.name, call.CalleeName)
			}

			switch call.Mode {
			case compiler.Absolute:
				// The callee's address is written verbatim into the 8-byte
				// immediate field of the `mov rax, imm64` CallAbsolutePlaceholder
				// left zeroed (spec.md §4.H item 1: "write the 64-bit callee
				// entry at site+2") — no rel32 arithmetic involved.
				patchUint64LE(cf.region.Bytes(), call.SiteOffset, uint64(addr))
			default:
				siteAddr := int64(cf.region.Base()) + int64(call.SiteOffset)
				rel := int64(addr) - (siteAddr + 4)
				if rel < math.MinInt32 || rel > math.MaxInt32 {
					return errors.Wrapf(ErrUnresolvedSymbol, "call to %q is out of relative-call range", call.CalleeName)
				}
				patchUint32LE(cf.region.Bytes(), call.SiteOffset, uint32(int32(rel)))
			}
		}
		cf.ctx.State = compiler.StatePatched
	}

	for _, cf := range d.funcs {
		if err := d.mem.MakeExecutable(cf.region); err != nil {
			return err
		}
		cf.ctx.State = compiler.StateExecutable
	}

	d.cfg.Logger.Info().Int("functions", len(d.funcs)).Msg("compilation unit finalised")
	return nil
}

// EntryPoint returns a compiled function's address, valid only after
// Finalise has succeeded.
func (d *Driver) EntryPoint(name string) (uintptr, bool) {
	return d.binder.EntryPoint(name)
}

// Terminate releases every region this driver allocated (spec.md §4.H's
// final global-state transition). The driver must not be used afterwards.
func (d *Driver) Terminate() error {
	d.state = Terminated
	d.cfg.Logger.Debug().Msg("terminating compilation unit")
	return d.mem.ReleaseAll()
}
