package ld

// DeadStrip runs the mark/sweep pass that discards every subsection no
// live root can reach (§4.2 "Dead-code stripping", grounded on
// original_source/macho/dead-strip.cc). When ctx.Args.DeadStrip is not
// set it marks every subsection of every live object alive instead
// (§9 Non-goals), so the rest of the pipeline can
// treat IsAlive() as the single source of truth either way.
func DeadStrip(ctx *Context) {
	if !ctx.Args.DeadStrip {
		markAllAlive(ctx)
		return
	}

	root := collectRootSet(ctx)
	mark(root)
	markLiveSupportFixedPoint(ctx)
}

func markAllAlive(ctx *Context) {
	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, ss := range of.subsections() {
			ss.markAlive()
		}
	}
}

// keepSymbol reports whether a symbol is itself a root, independent of
// any relocation reaching it (§4.2: "no_dead_strip symbols, and every
// globally visible definition in a -dylib/-bundle link, are roots").
func keepSymbol(ctx *Context, sym *Symbol) bool {
	if sym.NoDeadStrip {
		return true
	}
	if ctx.Args.OutputType == OutputDylib || ctx.Args.OutputType == OutputBundle {
		return sym.Visibility() == ScopeGlobal
	}
	return false
}

// collectRootSet gathers every subsection the link can't discard:
// no_dead_strip/exported symbols, __mod_init_func and __mod_term_func
// entries (which dyld calls unconditionally), S_ATTR_NO_DEAD_STRIP
// sections, CIE personality routines, -u forced symbols, the entry
// point, and dyld_stub_binder when the stub helper exists.
func collectRootSet(ctx *Context) []*Subsection {
	var root []*Subsection
	add := func(sym *Symbol) {
		if sym == nil {
			return
		}
		if subsec := sym.Subsec; subsec != nil {
			root = append(root, subsec)
		}
	}

	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, sym := range of.Syms {
			if sym == nil {
				continue
			}
			if sym.File() == InputFile(of) && keepSymbol(ctx, sym) {
				add(sym)
			}
		}
		for _, ss := range of.ModInitFuncs {
			root = append(root, ss)
		}
		for _, ss := range of.ModTermFuncs {
			root = append(root, ss)
		}
		for _, ss := range of.subsections() {
			if ss.Isec.Attrs&sAttrNoDeadStrip != 0 ||
				ss.Isec.SecType == sTypeModInitFuncPointers ||
				ss.Isec.SecType == sTypeModTermFuncPointers {
				root = append(root, ss)
			}
		}
		for _, cie := range of.CIEs {
			add(cie.Personality)
		}
	}

	for _, name := range ctx.Args.ForceUndef {
		if sym, ok := ctx.SymTab.Lookup(name); ok && sym.File() != nil {
			add(sym)
		}
	}

	if ctx.Args.Entry != "" {
		if sym, ok := ctx.SymTab.Lookup(ctx.Args.Entry); ok {
			add(sym)
		}
	}

	if ctx.StubHelper != nil {
		if sym, ok := ctx.SymTab.Lookup("dyld_stub_binder"); ok {
			add(sym)
		}
	}

	return root
}

// mark runs the reachability DFS from every root, walking relocations
// and unwind-record cross-references. Subsection.markAlive is a CAS, so
// a node already visited through another path short-circuits instantly.
func mark(root []*Subsection) {
	for _, ss := range root {
		visit(ss)
	}
}

func visit(ss *Subsection) {
	if ss == nil {
		return
	}
	if !ss.markAlive() {
		return // already alive, either visited already or seeded as a root twice
	}

	rels := ss.Rels()
	for i := range rels {
		if rels[i].TargetSym != nil {
			visit(rels[i].TargetSym.Subsec)
		} else {
			visit(rels[i].TargetSubsec)
		}
	}

	for _, rec := range ss.UnwindRecords() {
		visit(rec.Subsec)
		visit(rec.LSDA)
		if rec.Personality != nil {
			visit(rec.Personality.Subsec)
		}
	}
}

// refersToLiveSubsection reports whether any relocation out of ss already
// reaches a live subsection, the trigger condition for an
// S_ATTR_LIVE_SUPPORT section (§4.2 "Live-support sections").
func refersToLiveSubsection(ss *Subsection) bool {
	rels := ss.Rels()
	for i := range rels {
		if target := rels[i].Subsec(); target != nil && target.IsAlive() {
			return true
		}
	}
	return false
}

// markLiveSupportFixedPoint repeatedly scans every S_ATTR_LIVE_SUPPORT
// subsection (exception-handling glue that only matters once something it
// supports is itself alive) until a full pass finds nothing new to mark
// (§4.2).
func markLiveSupportFixedPoint(ctx *Context) {
	for {
		repeat := false
		for _, of := range ctx.Objects {
			if !of.IsAlive() {
				continue
			}
			for _, ss := range of.subsections() {
				if ss.Isec.Attrs&sAttrLiveSupport != 0 && !ss.IsAlive() && refersToLiveSubsection(ss) {
					visit(ss)
					repeat = true
				}
			}
		}
		if !repeat {
			return
		}
	}
}

// Sweep drops every dead subsection from its owning section and nils out
// any Symbol slot whose definition didn't survive, so later phases only
// ever see what's actually going into the output (§4.2 "sweep").
func Sweep(ctx *Context) {
	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for i, sym := range of.Syms {
			if sym != nil && sym.File() == InputFile(of) && sym.Subsec != nil && !sym.Subsec.IsAlive() {
				of.Syms[i] = nil
			}
		}
		for _, isec := range of.Sections {
			kept := isec.subsecs[:0]
			for _, ss := range isec.subsecs {
				if ss.IsAlive() {
					kept = append(kept, ss)
				}
			}
			isec.subsecs = kept
		}
	}
}
