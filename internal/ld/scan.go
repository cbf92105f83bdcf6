package ld

import "golang.org/x/sync/errgroup"

// Scan walks every live subsection's relocations once, flagging each
// referenced symbol with the synthetic section(s) it needs and then
// materializing those sections' entries (§4.4, grounded on
// original_source/macho/arch-arm64.cc's scan_relocations and
// arch-x86-64.cc's counterpart). It must run after dead-strip, so a
// stub or GOT slot is never synthesized for a symbol only a dead
// subsection reaches, and before layout, which needs every synthetic
// section's final Size.
func Scan(ctx *Context) error {
	ctx.GotSection = ctx.getOrMakeSynthetic("__DATA_CONST", "__got", sTypeRegular, 8)
	ctx.ThreadPtrSec = ctx.getOrMakeSynthetic("__DATA", "__thread_ptrs", sTypeThreadLocalVariables, 8)
	ctx.StubsSection = ctx.getOrMakeSynthetic("__TEXT", "__stubs", sTypeRegular, stubEntrySize(ctx.Args.Arch))
	ctx.StubHelper = ctx.getOrMakeSynthetic("__TEXT", "__stub_helper", sTypeRegular, 0)
	ctx.LazyPtrSection = ctx.getOrMakeSynthetic("__DATA", "__la_symbol_ptr", sTypeRegular, 8)
	ctx.ObjcStubsSec = ctx.getOrMakeSynthetic("__TEXT", "__objc_stubs", sTypeRegular, objcStubEntrySize(ctx.Args.Arch))

	g := new(errgroup.Group)
	for _, of := range ctx.Objects {
		of := of
		if !of.IsAlive() {
			continue
		}
		g.Go(func() error {
			for _, ss := range of.subsections() {
				if !ss.IsAlive() {
					continue
				}
				scanSubsection(ctx, ss)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Slot assignment happens after every flag is set, and single
	// threaded, so two objects racing to be "first" to need a GOT entry
	// for the same symbol can't both claim a slot (§4.4 "GOT/stub/TLV
	// entries are deduplicated per symbol, not per reference").
	ctx.SymTab.Range(func(sym *Symbol) {
		if sym.File() == nil {
			return
		}
		flags := sym.Flags()
		if flags&NeedsGOT != 0 && !sym.HasGOT() {
			assignSlot(ctx.GotSection, sym, &sym.GotIdx)
		}
		if flags&NeedsThreadPtr != 0 && !sym.HasTLV() {
			assignSlot(ctx.ThreadPtrSec, sym, &sym.TlvIdx)
		}
		if flags&NeedsStub != 0 && !sym.HasStub() {
			assignSlot(ctx.StubsSection, sym, &sym.StubIdx)
			ctx.LazyPtrSection.Syms = append(ctx.LazyPtrSection.Syms, sym) // parallels the stub 1:1
		}
		if flags&NeedsObjCStub != 0 {
			ctx.ObjcStubsSec.Syms = append(ctx.ObjcStubsSec.Syms, sym)
		}
	})

	ctx.StubHelper.EntrySize = stubHelperEntrySize(ctx.Args.Arch)
	ctx.dyldStubBinder = ctx.Internal.DyldStubBinder
	ctx.objcMsgSend = ctx.Internal.ObjcMsgSend
	ctx.dyldStubBinder.NoDeadStrip = len(ctx.StubsSection.Syms) > 0

	return nil
}

func (ctx *Context) getOrMakeSynthetic(seg, sect string, secType uint8, entrySize uint64) *OutputSection {
	key := seg + "/" + sect
	if os, ok := ctx.outSections[key]; ok {
		return os
	}
	os := &OutputSection{SegName: seg, SectName: sect, SecType: secType, EntrySize: entrySize}
	ctx.outSections[key] = os
	return os
}

func assignSlot(os *OutputSection, sym *Symbol, idx *int32) {
	*idx = int32(len(os.Syms))
	os.Syms = append(os.Syms, sym)
}

func stubEntrySize(a Arch) uint64 {
	if a == ArchARM64 {
		return 12 // adrp+ldr+br
	}
	return 6 // ff 25 xx xx xx xx : jmp *got(%rip)
}

func stubHelperEntrySize(a Arch) uint64 {
	if a == ArchARM64 {
		return 12
	}
	return 10
}

func objcStubEntrySize(a Arch) uint64 {
	if a == ArchARM64 {
		return 32
	}
	return 16 // mov(7)+jmp*(6)+3 int3 padding bytes, arch-x86-64.cc ObjcStubsSection::ENTRY_SIZE
}

// scanSubsection inspects every relocation out of ss and flags each
// target symbol with the synthetic storage its reference needs.
func scanSubsection(ctx *Context, ss *Subsection) {
	rels := ss.Rels()
	for i := range rels {
		r := &rels[i]
		sym := r.TargetSym
		if sym == nil {
			continue // section-relative: never imported, never needs a GOT/stub/TLV slot
		}
		if ctx.Args.Arch == ArchARM64 {
			scanARM64Reloc(ctx, sym, r)
		} else {
			scanAMD64Reloc(ctx, sym, r)
		}
	}
}

// scanARM64Reloc mirrors arch-arm64.cc's scan_relocations switch: BRANCH26
// needs a stub only when the callee is imported (undefined at link time,
// bound to a dylib); GOT_LOAD_PAGE21/PAGEOFF12 and POINTER_TO_GOT always
// need a GOT slot; TLVP_LOAD_PAGE21/PAGEOFF12 need a thread-pointer slot
// and require the target actually be a TLV symbol.
func scanARM64Reloc(ctx *Context, sym *Symbol, r *Relocation) {
	switch r.Type {
	case ARM64RelocBranch26:
		if sym.IsImported {
			if isObjCMsgSendVariant(sym.Name) {
				sym.AddFlags(NeedsObjCStub)
			} else {
				sym.AddFlags(NeedsStub)
			}
		}
	case ARM64RelocGotLoadPage21, ARM64RelocGotLoadPageoff12, ARM64RelocPointerToGot:
		sym.AddFlags(NeedsGOT)
	case ARM64RelocTlvpLoadPage21, ARM64RelocTlvpLoadPageoff12:
		if !sym.IsTLV {
			ctx.Errors.Add(&LinkError{Kind: Recoverable, File: fileDisplayName(sym.File()),
				Message: "illegal thread-local variable reference to regular symbol " + sym.Name})
			return
		}
		sym.AddFlags(NeedsThreadPtr)
	}
}

// isObjCMsgSendVariant reports whether name is one of the
// `_objc_msgSend$<selector>` symbols clang emits for the direct ObjC
// message-send optimization (§4.4, input-files.cc:1078): these resolve
// to a synthesized per-selector stub instead of the ordinary PLT stub.
func isObjCMsgSendVariant(name string) bool {
	const prefix = "_objc_msgSend$"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

// scanAMD64Reloc mirrors arch-x86-64.cc's scan_relocations: GOT/GOT_LOAD
// need a GOT slot, TLV needs a thread-pointer slot, and a BRANCH to an
// imported symbol needs a stub (the role ARM64's BRANCH26 plays); other
// relocation types to an imported symbol flag nothing here.
func scanAMD64Reloc(ctx *Context, sym *Symbol, r *Relocation) {
	switch r.Type {
	case X86_64RelocGot, X86_64RelocGotLoad:
		sym.AddFlags(NeedsGOT)
	case X86_64RelocTlv:
		if !sym.IsTLV {
			ctx.Errors.Add(&LinkError{Kind: Recoverable, File: fileDisplayName(sym.File()),
				Message: "illegal thread-local variable reference to regular symbol " + sym.Name})
			return
		}
		sym.AddFlags(NeedsThreadPtr)
	case X86_64RelocBranch:
		if sym.IsImported {
			sym.AddFlags(NeedsStub)
		}
	}
}
