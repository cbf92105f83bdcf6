package ld

import "fmt"

// NType/NDescType bit values used directly by the resolver, named to
// match types/nlist.go's vocabulary without importing the types package
// into every call site.
const (
	nSect = 0x0e
	nUndf = 0x00
	nAbs  = 0x02

	nWeakRef    = 0x0040
	nWeakDef    = 0x0080
	nNoDeadStrip = 0x0020
	nPextFlag   = 0x10
)

// nlistView is the minimal per-symbol-table-entry projection resolve.go
// needs from the underlying macho.Symbol plus the object's own
// sym-to-subsection table; kept separate from *macho.Symbol so the
// resolver never has to reach back into the reader's types.
type nlistView struct {
	name       string
	isExtern   bool
	isPrivate  bool
	nType      uint8
	desc       uint16
	value      uint64
	subsec     *Subsection // nil for N_UNDF/N_ABS, or a discarded-segment N_SECT
}

func (v *nlistView) isUndef() bool   { return v.nType&nSect == nUndf }
func (v *nlistView) isAbs() bool     { return v.nType&nSect == nAbs }
func (v *nlistView) isCommon() bool  { return v.isUndef() && v.value != 0 }
func (v *nlistView) isWeak() bool    { return v.desc&nWeakDef != 0 }
func (v *nlistView) noDeadStrip() bool { return v.desc&nNoDeadStrip != 0 }

// resolveSymbols runs the rank-ordered resolution pass for one object
// against the global symbol table (§4.2, grounded on
// original_source/macho/input-files.cc:856 resolve_symbols). Safe to run
// concurrently across objects: each Symbol serializes its own update
// under its mutex, and only a strictly-better rank ever overwrites a
// previous winner, so the final state doesn't depend on object order.
func (f *ObjectFile) resolveSymbols(ctx *Context) error {
	for i, sym := range f.Syms {
		if sym == nil {
			continue // local (non-N_EXT) symbol, never interned globally
		}
		view := f.nlistAt(i)
		if view == nil || !view.isExtern || (view.isUndef() && !view.isCommon()) {
			continue
		}
		if view.nType&nSect == nSect && view.subsec == nil {
			continue // defined in a discarded (__LLVM) section; silently ignored
		}

		isWeak := view.isWeak()

		sym.mu.Lock()
		candidateRank := makeRank(getFileRank(f, view.isCommon(), isWeak), f.priority)
		currentRank := sym.currentRank()
		if candidateRank < currentRank {
			sym.file = f
			sym.visibility = ScopeModule
			sym.IsWeak = isWeak
			sym.NoDeadStrip = view.noDeadStrip()

			switch {
			case view.isCommon():
				sym.Subsec = nil
				sym.Value = view.value
				sym.IsCommon = true
				sym.IsAbs = false
				sym.IsTLV = false
			case view.isAbs():
				sym.Subsec = nil
				sym.Value = view.value
				sym.IsCommon = false
				sym.IsAbs = true
				sym.IsTLV = false
			case view.nType&nSect == nSect:
				sym.Subsec = view.subsec
				sym.Value = view.value - view.subsec.InputAddr
				sym.IsCommon = false
				sym.IsAbs = false
				sym.IsTLV = view.subsec.Isec.SecType == sTypeThreadLocalVariables
			default:
				sym.mu.Unlock()
				return fmt.Errorf("%s: %s: unknown symbol type %#x", fileDisplayName(f), sym.Name, view.nType)
			}
		}
		sym.mu.Unlock()
	}
	return nil
}

// nlistAt is populated by parseObject alongside f.Syms; kept as a
// parallel slice rather than folded into macho.Symbol so nlistView's
// isCommon()/isWeak() helpers stay in this package's vocabulary.
func (f *ObjectFile) nlistAt(i int) *nlistView {
	if i < 0 || i >= len(f.nlists) {
		return nil
	}
	return f.nlists[i]
}

// isModuleLocal decides whether an otherwise-external reference should
// still be treated as confined to its defining module when computing
// final visibility (§4.2 "Visibility promotion").
func isModuleLocal(hidden bool, v *nlistView) bool {
	return hidden || v.isPrivate || (v.desc&nWeakRef != 0 && v.desc&nWeakDef != 0)
}

// markLiveObjectsAndPromote is one object's contribution to the combined
// resolve/dead-strip-root fixed point: it promotes a symbol's visibility
// to ScopeGlobal when any definer sees it as externally referenced, and
// feeds back any archive member that must be pulled in because this file
// references one of its tentative/undefined symbols
// (grounded on input-files.cc:927 mark_live_objects).
func (f *ObjectFile) markLiveObjectsAndPromote(feeder func(*ObjectFile)) {
	for i, sym := range f.Syms {
		if sym == nil {
			continue
		}
		v := f.nlistAt(i)
		if v == nil || !v.isExtern {
			continue
		}

		sym.mu.Lock()
		if !v.isUndef() && !isModuleLocal(false, v) {
			sym.visibility = ScopeGlobal
		}
		definer := sym.file
		needsPull := definer != nil && (v.isUndef() || (v.isCommon() && !sym.IsCommon))
		sym.mu.Unlock()

		if !needsPull || definer.IsDylib() {
			continue
		}
		if of, ok := definer.(*ObjectFile); ok && claimArchiveMember(of) {
			feeder(of)
		}
	}

	for _, ss := range f.subsections() {
		for _, rec := range ss.UnwindRecords() {
			if rec.Personality == nil {
				continue
			}
			definer := rec.Personality.File()
			if definer == nil || definer.IsDylib() {
				continue
			}
			if of, ok := definer.(*ObjectFile); ok && claimArchiveMember(of) {
				feeder(of)
			}
		}
	}
}

// claimArchiveMember performs the one-shot alive transition for an
// archive-sourced ObjectFile and reports whether this call was the one
// that won the race, mirroring is_alive.test_and_set().
func claimArchiveMember(of *ObjectFile) bool {
	if of.alive {
		return false
	}
	of.alive = true
	return true
}

func (f *ObjectFile) subsections() []*Subsection {
	out := make([]*Subsection, 0, len(f.Sections))
	for _, isec := range f.Sections {
		out = append(out, isec.subsecs...)
	}
	return out
}

// resolveAndClaim drives the full P3 resolution phase to its fixed
// point. ctx.Objects already holds every directly-linked object plus
// every archive member (archives are parsed eagerly by the driver, dead
// or not, so they can stand as rankStrongArchiveDylib/rankWeakArchiveDylib
// candidates from the first pass). This loop resolves all of them, then
// repeatedly re-resolves whichever objects mark_live_objects just
// promoted to alive, since a promotion can change that object's own
// rank and let it win a race it previously lost, until a pass promotes
// nothing new (§4.2).
// Resolve runs the P3 resolution phase to its fixed point (§4.2). It is
// the exported entry point the driver calls between loading inputs and
// dead-stripping.
func Resolve(ctx *Context) error {
	return resolveAndClaim(ctx)
}

func resolveAndClaim(ctx *Context) error {
	for _, of := range ctx.Objects {
		if err := of.resolveSymbols(ctx); err != nil {
			return err
		}
	}

	queue := append([]*ObjectFile{}, ctx.Objects...)
	for len(queue) > 0 {
		var next []*ObjectFile
		feeder := func(of *ObjectFile) { next = append(next, of) }

		for _, of := range queue {
			of.markLiveObjectsAndPromote(feeder)
		}

		for _, of := range next {
			if err := of.resolveSymbols(ctx); err != nil {
				return err
			}
		}
		queue = next
	}
	return nil
}
