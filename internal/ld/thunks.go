package ld

import "sort"

// ARM64 branch/call instructions carry a 26-bit word displacement (27
// bits of byte range), so BRANCH26 relocations can only reach ±128 MiB.
// A thunk is a small linker-synthesized trampoline that loads a full
// address into a register and branches indirect, for call sites that
// fall outside that range (§4.6, grounded on
// original_source/macho/thunks.cc).
const (
	thunkMaxDistance = 100 * 1024 * 1024
	thunkGroupSize   = 10 * 1024 * 1024

	// thunkEntrySize is one ADRP+ADD+BR sequence (3 instructions, §4.6).
	thunkEntrySize = 12
)

// RangeExtensionThunk is one block of trampoline entries placed between
// two groups of subsections in an __TEXT,__text OutputSection.
type RangeExtensionThunk struct {
	Osec     *OutputSection
	ThunkIdx int
	Offset   int64
	Symbols  []*Symbol
}

func (t *RangeExtensionThunk) Size() int64 { return int64(len(t.Symbols)) * thunkEntrySize }

func (t *RangeExtensionThunk) ChunkSegName() string  { return t.Osec.SegName }
func (t *RangeExtensionThunk) ChunkSectName() string { return t.Osec.SectName }
func (t *RangeExtensionThunk) ChunkP2Align() uint8   { return 2 }
func (t *RangeExtensionThunk) ChunkSize() uint64     { return uint64(t.Size()) }
func (t *RangeExtensionThunk) IsZerofill() bool      { return false }

// SymbolOffset returns a thunk-local symbol's byte offset within the
// thunk, assigned once all of its entries are known.
func (t *RangeExtensionThunk) SymbolOffset(idx int) int64 { return int64(idx) * thunkEntrySize }

func resetThunk(t *RangeExtensionThunk) {
	for _, sym := range t.Symbols {
		sym.ThunkIdx = -1
		sym.ThunkSymIdx = -1
		for {
			old := sym.flags.Load()
			if sym.flags.CompareAndSwap(old, old&^uint32(NeedsRangeExtnThunk)) {
				break
			}
		}
	}
}

// isReachable reports whether a BRANCH26 relocation's target symbol is
// within a single instruction's ±128 MiB reach from the relocated site,
// pessimistically treating stubbed and not-yet-placed symbols as
// unreachable so the pass never has to undo a decision later in the
// same OutputSection.
func isReachable(sym *Symbol, subsec *Subsection, rel *Relocation) bool {
	if sym.HasStub() {
		return false
	}
	if sym.Subsec == nil || sym.Subsec.OutSec != subsec.OutSec {
		return false
	}
	if sym.Subsec.outputOffset < 0 {
		return false
	}

	addr := int64(sym.Addr()) + rel.Addend
	pc := int64(subsec.Addr()) + int64(rel.Offset)
	val := addr - pc
	return val >= -(1<<27) && val < (1<<27)
}

// createRangeExtensionThunks implements mold's four-cursor (A<=B<=C<=D)
// sweep: D probes ahead as far as a single branch can reach from B, C
// marks a GROUP_SIZE-wide batch of sections to scan for out-of-range
// BRANCH26s, a thunk is emitted for that batch at offset D, and A trails
// behind evicting thunks that have fallen out of every remaining site's
// reach. One pass assigns every subsection its final offset within the
// OutputSection and leaves osec.Thunks populated in placement order.
func createRangeExtensionThunks(osec *OutputSection) {
	members := osec.Members
	if len(members) == 0 {
		return
	}

	members[0].outputOffset = 0
	for i := 1; i < len(members); i++ {
		members[i].outputOffset = -1
	}

	var a, b, c, d int
	var offset int64

	for b < len(members) {
		for d < len(members) && offset-members[b].outputOffset < thunkMaxDistance {
			align := int64(1) << members[d].P2Align
			offset = alignTo(offset, align)
			members[d].outputOffset = offset
			offset += int64(members[d].InputSize)
			d++
		}

		for c < len(members) && members[c].outputOffset-members[b].outputOffset < thunkGroupSize {
			c++
		}

		if c > 0 {
			cEnd := members[c-1].outputOffset + int64(members[c-1].InputSize)
			for a < len(osec.Thunks) && osec.Thunks[a].Offset < cEnd-thunkMaxDistance {
				resetThunk(osec.Thunks[a])
				a++
			}
		}

		thunk := &RangeExtensionThunk{Osec: osec, ThunkIdx: len(osec.Thunks), Offset: offset}
		osec.Thunks = append(osec.Thunks, thunk)

		for _, subsec := range members[b:c] {
			for ri := range subsec.Rels() {
				r := &subsec.Rels()[ri]
				if r.TargetSym == nil || r.TargetSym.File() == nil || r.Type != ARM64RelocBranch26 {
					continue
				}
				if isReachable(r.TargetSym, subsec, r) {
					continue
				}

				if r.TargetSym.ThunkIdx != -1 {
					continue
				}

				if !r.TargetSym.AddFlags(NeedsRangeExtnThunk) {
					thunk.Symbols = append(thunk.Symbols, r.TargetSym)
				}
			}
		}

		offset += thunk.Size()

		sort.Slice(thunk.Symbols, func(i, j int) bool {
			si, sj := thunk.Symbols[i], thunk.Symbols[j]
			fi, fj := si.File().Priority(), sj.File().Priority()
			if fi != fj {
				return fi < fj
			}
			return si.Value < sj.Value
		})

		for i, sym := range thunk.Symbols {
			sym.ThunkIdx = thunk.ThunkIdx
			sym.ThunkSymIdx = i
		}

		for _, subsec := range members[b:c] {
			rels := subsec.Rels()
			for ri := range rels {
				r := &rels[ri]
				if r.TargetSym != nil && r.TargetSym.ThunkIdx == thunk.ThunkIdx {
					// thunk_sym_idx already set above when the symbol was
					// added or reused; nothing further to fix up here since
					// this package resolves it from the symbol directly
					// rather than caching it on the Relocation.
					_ = r
				}
			}
		}

		b = c
	}

	for a < len(osec.Thunks) {
		resetThunk(osec.Thunks[a])
		a++
	}

	osec.Size = uint64(offset)
}

func alignTo(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
