package ld

import (
	"bytes"
	"sort"

	"github.com/blacktop/ld64go/pkg/fixupchains"
)

// FixupLocation is one output-image pointer slot that needs a runtime
// fixup: either a plain rebase (the slot holds a pointer into this
// image, which needs the load-time slide added) or a bind (the slot
// resolves to a symbol some other image defines), collected from
// every GOT slot and every absolute, non-PC-relative pointer
// relocation apply_reloc left untouched; thread-pointer slots get no
// FixupLocation (§4.7, grounded on
// original_source/macho/macho.h's REBASE_OPCODE_*/BIND_OPCODE_*
// tables and output-chunks.cc's rebase/bind stream writers).
type FixupLocation struct {
	SegIdx int
	Off    uint64 // byte offset within the owning OutputSegment
	IsBind bool
	Target uint64 // rebase: vm offset from the image's load address
	Sym    *Symbol
	Addend int64
}

// CollectFixups walks every live subsection's pointer-typed
// relocations plus the GOT slots Scan materialized (the thread-pointer
// slots are not walked), producing one
// FixupLocation per runtime-relocatable pointer, sorted by segment
// then offset the way both the classic bind/rebase streams and the
// chained-fixups page-chain encoder expect their input.
func CollectFixups(ctx *Context) []FixupLocation {
	var out []FixupLocation

	addPointer := func(addr uint64, sym *Symbol, addend int64) {
		segIdx, off, ok := segmentOffsetOf(ctx, addr)
		if !ok {
			return
		}
		if sym != nil && sym.IsImported {
			out = append(out, FixupLocation{SegIdx: segIdx, Off: off, IsBind: true, Sym: sym, Addend: addend})
			return
		}
		target := addr2value(sym, addend)
		out = append(out, FixupLocation{SegIdx: segIdx, Off: off, Target: target})
	}

	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, ss := range of.subsections() {
			if !ss.IsAlive() {
				continue
			}
			rels := ss.Rels()
			for i := range rels {
				r := &rels[i]
				if !isPointerReloc(ctx.Args.Arch, r) {
					continue
				}
				addr := ss.Addr() + uint64(r.Offset)
				addPointer(addr, r.TargetSym, r.Addend)
			}
		}
	}

	if ctx.GotSection != nil {
		for i, sym := range ctx.GotSection.Syms {
			addPointer(ctx.GotSection.Addr+uint64(i)*8, sym, 0)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SegIdx != out[j].SegIdx {
			return out[i].SegIdx < out[j].SegIdx
		}
		return out[i].Off < out[j].Off
	})
	return out
}

// addr2value computes the runtime value a rebase slot should hold: the
// referenced symbol or subsection's own final address plus addend,
// which for the common PIE case of a zero preferred load address is
// numerically identical to the "vm offset from image base" chained
// fixups and classic rebase records both store.
func addr2value(sym *Symbol, addend int64) uint64 {
	if sym == nil {
		return uint64(addend)
	}
	return uint64(int64(sym.Addr()) + addend)
}

func isPointerReloc(arch Arch, r *Relocation) bool {
	if r.PCRel || r.Size != 8 {
		return false
	}
	if arch == ArchARM64 {
		return r.Type == ARM64RelocUnsigned
	}
	return r.Type == X86_64RelocUnsigned
}

// segmentOffsetOf locates which OutputSegment a final virtual address
// falls in and its byte offset from that segment's Addr, the
// coordinate system every fixup-stream encoding uses instead of raw
// addresses.
func segmentOffsetOf(ctx *Context, addr uint64) (segIdx int, off uint64, ok bool) {
	for i, seg := range ctx.OutputSegments {
		if addr >= seg.Addr && addr < seg.Addr+seg.VMSize {
			return i, addr - seg.Addr, true
		}
	}
	return 0, 0, false
}

// EmitFixups produces the LINKEDIT bytes for whichever fixup scheme
// ctx.Args.Fixups selects: a chained-fixups blob or the classic
// rebase/lazy-bind/bind triple (FixupClassic, the default) (§4.7). lazyBindOffsets gives
// each `__la_symbol_ptr` slot's byte offset into lazyBind, consumed by
// writeStubHelperSection to embed in its per-symbol trampoline.
func EmitFixups(ctx *Context, fixups []FixupLocation) (rebase, bind, lazyBind, chained []byte, lazyBindOffsets []uint32) {
	if ctx.Args.Fixups == FixupChainedFixups {
		return nil, nil, nil, emitChainedFixups(ctx, fixups), nil
	}
	rebase, bind = emitClassicRebaseBind(ctx, fixups)
	lazyBind, lazyBindOffsets = emitLazyBind(ctx)
	return rebase, bind, lazyBind, nil, lazyBindOffsets
}

func emitChainedFixups(ctx *Context, fixups []FixupLocation) []byte {
	bySeg := make(map[int][]fixupchains.Fixup)
	for _, f := range fixups {
		cf := fixupchains.Fixup{PageOffset: uint32(f.Off)}
		if f.IsBind {
			cf.IsBind = true
			cf.ImportIdx = uint32(importIndex(ctx, f.Sym))
			cf.Addend = f.Addend
		} else {
			cf.Target = f.Target
		}
		bySeg[f.SegIdx] = append(bySeg[f.SegIdx], cf)
	}

	var segs []fixupchains.SegmentFixups
	for i, seg := range ctx.OutputSegments {
		fs, ok := bySeg[i]
		if !ok {
			continue
		}
		segs = append(segs, fixupchains.SegmentFixups{
			SegIndex: i,
			VMSize:   seg.VMSize,
			PageSize: uint32(ctx.Args.Arch.PageSize()),
			Fixups:   fs,
		})
	}

	return fixupchains.BuildChainedFixups(segs, buildImportList(ctx))
}

// importedSymbols returns every imported symbol that needs a bind, in
// a stable order used as the chained-fixups import table's index order
// (the classic bind stream does not use it).
func importedSymbols(ctx *Context) []*Symbol {
	var syms []*Symbol
	seen := make(map[*Symbol]bool)
	add := func(s *Symbol) {
		if s == nil || !s.IsImported || seen[s] {
			return
		}
		seen[s] = true
		syms = append(syms, s)
	}
	if ctx.GotSection != nil {
		for _, s := range ctx.GotSection.Syms {
			add(s)
		}
	}
	if ctx.StubsSection != nil {
		for _, s := range ctx.StubsSection.Syms {
			add(s)
		}
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	return syms
}

func buildImportList(ctx *Context) []fixupchains.ImportEntry {
	var out []fixupchains.ImportEntry
	for _, s := range importedSymbols(ctx) {
		ordinal := uint8(1)
		if df, ok := s.File().(*DylibFile); ok {
			ordinal = uint8(df.ordinal)
		}
		out = append(out, fixupchains.ImportEntry{Name: s.Name, LibOrdinal: ordinal, Weak: s.IsWeak})
	}
	return out
}

func importIndex(ctx *Context, sym *Symbol) int {
	for i, s := range importedSymbols(ctx) {
		if s == sym {
			return i
		}
	}
	return 0
}

// classic rebase/bind opcode bytes (mach-o/loader.h, reproduced from
// original_source/macho/macho.h's REBASE_OPCODE_*/BIND_OPCODE_* enum).
const (
	rebaseOpcodeDone                  = 0x00
	rebaseOpcodeSetTypeImm            = 0x10
	rebaseOpcodeSetSegmentOffsetULEB  = 0x20
	rebaseOpcodeDoRebaseULEBTimes     = 0x60
	rebaseTypePointer                 = 1

	bindOpcodeDone                       = 0x00
	bindOpcodeSetDylibOrdinalImm          = 0x10
	bindOpcodeSetSymbolTrailingFlagsImm   = 0x40
	bindOpcodeSetTypeImm                  = 0x50
	bindOpcodeSetAddendSLEB               = 0x60
	bindOpcodeSetSegmentOffsetULEB        = 0x70
	bindOpcodeDoBind                      = 0x90
	bindTypePointer                        = 1
)

// emitClassicRebaseBind writes the non-lazy rebase and bind streams:
// one SET_SEGMENT_AND_OFFSET_ULEB + DO_REBASE/DO_BIND pair per
// location. It intentionally skips the classic format's run-length
// opcodes (ADD_ADDR_IMM_SCALED, DO_REBASE_ULEB_TIMES batching): every
// location gets its own opcode pair, which dyld accepts even though
// it's larger than the batched form a hand-tuned encoder would produce.
func emitClassicRebaseBind(ctx *Context, fixups []FixupLocation) (rebase, bind []byte) {
	var rb, bd bytes.Buffer
	rb.WriteByte(rebaseOpcodeSetTypeImm | rebaseTypePointer)

	lastBindOrdinal := -1
	for _, f := range fixups {
		if !f.IsBind {
			rb.WriteByte(byte(rebaseOpcodeSetSegmentOffsetULEB | byte(f.SegIdx)))
			appendUleb(&rb, f.Off)
			rb.WriteByte(rebaseOpcodeDoRebaseULEBTimes)
			appendUleb(&rb, 1)
			continue
		}

		ordinal := int(importOrdinal(f.Sym))
		if ordinal != lastBindOrdinal {
			if ordinal <= 15 {
				bd.WriteByte(byte(bindOpcodeSetDylibOrdinalImm | byte(ordinal)))
			} else {
				bd.WriteByte(bindOpcodeSetDylibOrdinalImm)
				appendUleb(&bd, uint64(ordinal))
			}
			lastBindOrdinal = ordinal
		}
		flags := byte(0)
		if f.Sym.IsWeak {
			flags = 1
		}
		bd.WriteByte(byte(bindOpcodeSetSymbolTrailingFlagsImm) | flags)
		bd.WriteString(f.Sym.Name)
		bd.WriteByte(0)
		bd.WriteByte(bindOpcodeSetTypeImm | bindTypePointer)
		if f.Addend != 0 {
			bd.WriteByte(bindOpcodeSetAddendSLEB)
			appendSleb(&bd, f.Addend)
		}
		bd.WriteByte(byte(bindOpcodeSetSegmentOffsetULEB | byte(f.SegIdx)))
		appendUleb(&bd, f.Off)
		bd.WriteByte(bindOpcodeDoBind)
	}
	rb.WriteByte(rebaseOpcodeDone)
	bd.WriteByte(bindOpcodeDone)
	return rb.Bytes(), bd.Bytes()
}

func importOrdinal(sym *Symbol) uint8 {
	if df, ok := sym.File().(*DylibFile); ok {
		return uint8(df.ordinal)
	}
	return 1
}

// emitLazyBind writes one BIND_OPCODE_DO_BIND per __la_symbol_ptr slot,
// the table dyld_stub_binder walks the first time each stub is called
// (§4.4 stub-helper design). offsets[i] is the byte offset of entry i's
// opcodes within the returned stream, the value the stub-helper's
// per-symbol trampoline pushes as ctx.lazy_bind->bind_offsets[i] in
// arch-arm64.cc/arch-x86-64.cc's StubHelperSection::copy_buf.
func emitLazyBind(ctx *Context) (blob []byte, offsets []uint32) {
	if ctx.LazyPtrSection == nil {
		return nil, nil
	}
	var bd bytes.Buffer
	segIdx, base, ok := segmentOffsetOf(ctx, ctx.LazyPtrSection.Addr)
	if !ok {
		return nil, nil
	}
	for i, sym := range ctx.LazyPtrSection.Syms {
		offsets = append(offsets, uint32(bd.Len()))
		bd.WriteByte(byte(bindOpcodeSetDylibOrdinalImm | byte(importOrdinal(sym))))
		bd.WriteByte(bindOpcodeSetSymbolTrailingFlagsImm)
		bd.WriteString(sym.Name)
		bd.WriteByte(0)
		bd.WriteByte(byte(bindOpcodeSetSegmentOffsetULEB | byte(segIdx)))
		appendUleb(&bd, base+uint64(i)*8)
		bd.WriteByte(bindOpcodeDoBind)
		bd.WriteByte(bindOpcodeDone)
	}
	return bd.Bytes(), offsets
}

func appendUleb(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func appendSleb(buf *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}
