// Package regalloc defines the contract between the virtual-register IR and
// the optimised code generator, and provides a minimal reference
// implementation of it.
//
// spec.md §1 places "the IR-to-virtual-register lowering and the liveness +
// linear-scan register allocator" outside the scope of the JIT back end:
// the back end consumes their output as a read-only Result (spec.md §6,
// "Allocation consumed"). Because this module has to build and test
// end-to-end on its own, this package supplies a straightforward reference
// lowering pass and allocator satisfying that contract — grounded in the
// VReg/RealReg tagging style used by a real linear-scan/graph-coloring
// allocator (tetratelabs/wazero's internal/engine/wazevo/backend/regalloc),
// simplified to straight-line liveness since the IR here has no basic-block
// merges, only forward/backward branches over a flat instruction list.
package regalloc

import (
	"github.com/svenslaggare/xonevm/internal/ir"
)

// VReg names a value produced by exactly one virtual instruction.
type VReg uint32

// RegType is the register bank a VReg belongs to.
type RegType byte

const (
	Integer RegType = iota
	Float
)

// VRegInfo carries the static type of a virtual register, set at lowering
// time and never changed by the allocator.
type VRegInfo struct {
	Type RegType
}

// Location is the allocator's verdict for one virtual register: either a
// physical register index (bank-relative, see spec.md §6) or a spill slot.
type Location struct {
	InReg   bool
	Reg     int // bank-relative physical index when InReg
	Slot    int // spill slot index when !InReg
}

func InReg(idx int) Location  { return Location{InReg: true, Reg: idx} }
func OnStack(slot int) Location { return Location{InReg: false, Slot: slot} }

// VirtualInstruction augments an ir.Instruction with its SSA-like dataflow:
// the (optional) virtual register it assigns and the ordered virtual
// registers it uses as operands.
type VirtualInstruction struct {
	Source ir.Instruction
	IRIndex int

	Assign   VReg
	HasAssign bool
	Uses     []VReg
}

// Result is the read-only allocation result the optimised generator
// consumes: a Location per virtual register, plus a liveness query used to
// determine which physical registers must be caller-saved around a call.
type Result struct {
	Locations map[VReg]Location
	Info      map[VReg]VRegInfo

	// LiveAcross[i] is the set of virtual registers live across IR
	// instruction index i (spec.md §3, "Allocation result").
	LiveAcross map[int]map[VReg]struct{}

	NumSpillSlotsInt   int
	NumSpillSlotsFloat int
}

func (r *Result) Location(v VReg) Location { return r.Locations[v] }
func (r *Result) TypeOf(v VReg) RegType    { return r.Info[v].Type }

// LiveRegistersAt returns the physical register locations (bank-relative
// indices, tagged by RegType) of every virtual register live across IR
// instruction index i — used by the call-site lowering to decide which
// caller-saved registers must be preserved.
func (r *Result) LiveRegistersAt(i int) []struct {
	Reg  int
	Type RegType
} {
	var out []struct {
		Reg  int
		Type RegType
	}
	for v := range r.LiveAcross[i] {
		loc := r.Locations[v]
		if loc.InReg {
			out = append(out, struct {
				Reg  int
				Type RegType
			}{Reg: loc.Reg, Type: r.Info[v].Type})
		}
	}
	return out
}
