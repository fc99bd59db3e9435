package regalloc

import "sort"

// NumIntPhysicalRegs and NumFloatPhysicalRegs are the sizes of the
// allocatable physical register pools (spec.md §6): integer indices 0..6
// cover {RAX, RCX, RDX, R8, R9, R10, R11}; float indices 0..4 cover
// {XMM0..XMM4}. R12 (integer) and XMM5 (float) are never entered into the
// pool — they are permanently reserved scratch registers (spec.md §4.A),
// which simplifies the open question in spec.md §9 about XMM5's dual role:
// this allocator never needs to reclaim it mid-function.
const (
	NumIntPhysicalRegs   = 7
	NumFloatPhysicalRegs = 5
)

type liveRange struct {
	vreg       VReg
	start, end int // IR instruction indices, inclusive
}

// Allocate runs a linear-scan allocation over the straight-line live ranges
// of a Lowering's virtual registers. Liveness is computed conservatively:
// a register's range spans its definition to its last use in program order,
// widened to the whole span (site to target, in either direction) of any
// branch whose span it overlaps, so a value that is still needed after a
// loop back-edge is not reused while the loop body executes.
func Allocate(l *Lowering) *Result {
	ranges := computeLiveRanges(l)

	res := &Result{
		Locations:  map[VReg]Location{},
		Info:       l.Info,
		LiveAcross: map[int]map[VReg]struct{}{},
	}

	allocateBank := func(bank RegType, poolSize int) {
		var bankRanges []*liveRange
		for i := range ranges {
			r := ranges[i]
			if l.Info[r.vreg].Type == bank {
				bankRanges = append(bankRanges, r)
			}
		}
		sort.Slice(bankRanges, func(i, j int) bool { return bankRanges[i].start < bankRanges[j].start })

		active := map[int]*liveRange{} // physical reg index -> occupying range
		nextSpillSlot := 0

		expireOld := func(at int) {
			for reg, r := range active {
				if r.end < at {
					delete(active, reg)
				}
			}
		}

		for _, r := range bankRanges {
			expireOld(r.start)
			placed := false
			for reg := 0; reg < poolSize; reg++ {
				if _, busy := active[reg]; !busy {
					active[reg] = r
					res.Locations[r.vreg] = InReg(reg)
					placed = true
					break
				}
			}
			if !placed {
				res.Locations[r.vreg] = OnStack(nextSpillSlot)
				nextSpillSlot++
			}
		}

		if bank == Integer {
			res.NumSpillSlotsInt = nextSpillSlot
		} else {
			res.NumSpillSlotsFloat = nextSpillSlot
		}
	}

	allocateBank(Integer, NumIntPhysicalRegs)
	allocateBank(Float, NumFloatPhysicalRegs)

	for _, r := range ranges {
		for i := r.start; i <= r.end; i++ {
			set, ok := res.LiveAcross[i]
			if !ok {
				set = map[VReg]struct{}{}
				res.LiveAcross[i] = set
			}
			set[r.vreg] = struct{}{}
		}
	}

	return res
}

func computeLiveRanges(l *Lowering) []*liveRange {
	first := map[VReg]int{}
	last := map[VReg]int{}
	seen := map[VReg]bool{}

	touch := func(v VReg, idx int) {
		if !seen[v] {
			seen[v] = true
			first[v] = idx
		}
		last[v] = idx
	}

	for _, vi := range l.Instructions {
		if vi.HasAssign {
			touch(vi.Assign, vi.IRIndex)
		}
		for _, u := range vi.Uses {
			touch(u, vi.IRIndex)
		}
	}
	// Locals and arguments are live from function entry even if never
	// referenced again, since the prologue materialises them.
	for _, v := range l.LocalRegs {
		touch(v, 0)
	}
	for _, v := range l.ArgRegs {
		touch(v, 0)
	}

	lastIdx := 0
	if n := len(l.Instructions); n > 0 {
		lastIdx = l.Instructions[n-1].IRIndex
	}

	// Extend any range that a branch jumps into or over, so a value alive
	// on both sides of a loop back-edge is not treated as dead inside it.
	for _, vi := range l.Instructions {
		if !vi.Source.Op.IsBranch() {
			continue
		}
		target := int(vi.Source.IntValue)
		lo, hi := vi.IRIndex, target
		if hi < lo {
			lo, hi = hi, lo
		}
		for v := range seen {
			if first[v] <= hi && last[v] >= lo {
				if first[v] > lo {
					first[v] = lo
				}
				if last[v] < hi {
					last[v] = hi
				}
			}
		}
	}

	ranges := make([]*liveRange, 0, len(first))
	for v := range first {
		end := last[v]
		if end > lastIdx {
			end = lastIdx
		}
		ranges = append(ranges, &liveRange{vreg: v, start: first[v], end: end})
	}
	return ranges
}
