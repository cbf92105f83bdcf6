package ld

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/blacktop/ld64go/types"
)

// Emit assembles the final Mach-O image: header, load commands, every
// segment's section contents (copied subsection bytes, synthesized
// stub/GOT/unwind-info content), and the LINKEDIT streams (§6, grounded
// on original_source/macho/output-file.cc's OutputFile::compute_uuid /
// copy_buf pipeline). It must run after Layout and ApplyRelocations,
// since it reads every chunk's final Addr/Offset.
func Emit(ctx *Context) ([]byte, error) {
	fixups := CollectFixups(ctx)
	rebase, bind, lazyBind, chained, lazyBindOffsets := EmitFixups(ctx, fixups)
	exportTrie := BuildExportTrie(ctx)
	unwindInfo := BuildUnwindInfo(ctx)
	symtab, strtab, indirectSyms, dysym := buildSymtab(ctx)

	linkedit := findSegment(ctx, "__LINKEDIT")
	if linkedit == nil {
		linkedit = &OutputSegment{Name: "__LINKEDIT"}
		ctx.OutputSegments = append(ctx.OutputSegments, linkedit)
	}

	le := newLinkeditChunks()
	if ctx.Args.Fixups == FixupChainedFixups {
		le.add("chained_fixups", chained)
	} else {
		le.add("rebase", rebase)
		le.add("bind", bind)
		le.add("lazy_bind", lazyBind)
	}
	le.add("export_trie", exportTrie)
	le.add("unwind_info", unwindInfo)
	le.add("indirect_symtab", indirectSymsBytes(indirectSyms))
	le.add("symtab", symtab)
	le.add("strtab", strtab)
	linkedit.Chunks = nil
	for _, c := range le.chunks {
		linkedit.Chunks = append(linkedit.Chunks, c)
	}

	prevEnd := endOfLastNonLinkedit(ctx)
	FinalizeLinkedit(ctx, linkedit, prevEnd.addr, prevEnd.off)

	const codesignID = "a.out"
	signedSize := alignTo64(linkedit.Offset+linkedit.FileSize, 16)
	dysym.codesignOff = signedSize
	dysym.codesignSize = uint64(codesignSize(int64(signedSize), codesignID))
	total := signedSize + dysym.codesignSize

	buf := make([]byte, total)

	writeLinkeditChunks(buf, linkedit, le)
	dysym.patchOffsets(linkedit, le)
	if err := writeHeaderAndLoadCommands(ctx, buf, dysym); err != nil {
		return nil, err
	}
	writeSectionContents(ctx, buf, lazyBindOffsets)

	textOff, textSize := int64(0), int64(0)
	if seg := findSegment(ctx, "__TEXT"); seg != nil {
		textOff, textSize = int64(seg.Offset), int64(seg.FileSize)
	}
	isMain := ctx.Args.OutputType == OutputExecutable
	adHocSign(buf[signedSize:], buf[:signedSize], codesignID, textOff, textSize, isMain)

	return buf, nil
}

func findSegment(ctx *Context, name string) *OutputSegment {
	for _, seg := range ctx.OutputSegments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

type addrOff struct{ addr, off uint64 }

// endOfLastNonLinkedit returns the (addr,offset) pair immediately past
// the last non-LINKEDIT segment, the point FinalizeLinkedit grows from.
func endOfLastNonLinkedit(ctx *Context) addrOff {
	var last addrOff
	for _, seg := range ctx.OutputSegments {
		if seg.Name == "__LINKEDIT" {
			continue
		}
		end := addrOff{seg.Addr + seg.VMSize, seg.Offset + seg.FileSize}
		if end.off > last.off {
			last = end
		}
	}
	return last
}

// linkeditChunk wraps a named byte blob as a Chunk so it can sit in
// OutputSegment.Chunks and flow through the same ChunkP2Align/ChunkSize
// machinery FinalizeLinkedit already uses for every other segment.
type linkeditChunk struct {
	name string
	data []byte

	offset uint64 // assigned by writeLinkeditChunks's placement pass
}

func (c *linkeditChunk) ChunkSegName() string  { return "__LINKEDIT" }
func (c *linkeditChunk) ChunkSectName() string { return "" }
func (c *linkeditChunk) ChunkP2Align() uint8   { return 3 }
func (c *linkeditChunk) ChunkSize() uint64     { return uint64(len(c.data)) }
func (c *linkeditChunk) IsZerofill() bool      { return false }

type linkeditChunks struct {
	chunks []*linkeditChunk
	byName map[string]*linkeditChunk
}

func newLinkeditChunks() *linkeditChunks {
	return &linkeditChunks{byName: make(map[string]*linkeditChunk)}
}

func (l *linkeditChunks) add(name string, data []byte) {
	c := &linkeditChunk{name: name, data: data}
	l.chunks = append(l.chunks, c)
	l.byName[name] = c
}

func (l *linkeditChunks) get(name string) *linkeditChunk { return l.byName[name] }

// writeLinkeditChunks lays out every LINKEDIT blob back-to-back from the
// segment's file offset (mirroring the placeSegments sweep for ordinary
// sections) and copies each blob's bytes into the final image.
func writeLinkeditChunks(buf []byte, linkedit *OutputSegment, le *linkeditChunks) {
	off := linkedit.Offset
	for _, c := range le.chunks {
		align := uint64(1) << c.ChunkP2Align()
		off = alignTo64(off, align)
		c.offset = off
		copy(buf[off:], c.data)
		off += uint64(len(c.data))
	}
}

// symtabDysym carries the dynamic-symbol-table index ranges buildSymtab
// computed, plus a back-reference used once LINKEDIT chunk offsets are
// final to patch the LC_DYSYMTAB/LC_SYMTAB/LC_DYLD_INFO load commands.
type symtabDysym struct {
	nlocal, ndef, nundef           uint32
	nsyms                          uint32
	indirectCount                  uint32
	symtabOff, strtabOff           uint64
	indirectOff                    uint64
	rebaseOff, bindOff, lazyOff    uint64
	rebaseSize, bindSize, lazySize uint64
	chainedOff, chainedSize        uint64
	exportOff, exportSize          uint64
	strtabSizeField                uint64
	codesignOff, codesignSize      uint64
}

func (d *symtabDysym) patchOffsets(linkedit *OutputSegment, le *linkeditChunks) {
	if c := le.get("symtab"); c != nil {
		d.symtabOff = c.offset
	}
	if c := le.get("strtab"); c != nil {
		d.strtabOff = c.offset
	}
	if c := le.get("indirect_symtab"); c != nil {
		d.indirectOff = c.offset
	}
	if c := le.get("rebase"); c != nil {
		d.rebaseOff, d.rebaseSize = c.offset, uint64(len(c.data))
	}
	if c := le.get("bind"); c != nil {
		d.bindOff, d.bindSize = c.offset, uint64(len(c.data))
	}
	if c := le.get("lazy_bind"); c != nil {
		d.lazyOff, d.lazySize = c.offset, uint64(len(c.data))
	}
	if c := le.get("chained_fixups"); c != nil {
		d.chainedOff, d.chainedSize = c.offset, uint64(len(c.data))
	}
	if c := le.get("export_trie"); c != nil {
		d.exportOff, d.exportSize = c.offset, uint64(len(c.data))
	}
}

// buildSymtab collects the nlist64 table and its backing string table
// (§6). Every resolved, non-local symbol that survived dead-stripping is
// included: defined ones with N_SECT|N_EXT and their final virtual
// address, imported ones with N_UNDF|N_EXT and their owning
// dylib's ordinal packed into n_desc (§4.2, grounded on
// original_source/macho/output-chunks.cc's SymtabSection::compute_size).
// File-local (non-exported) symbols are left out of the table entirely:
// nothing at runtime needs to resolve them, and omitting them keeps the
// index bookkeeping here to the two groups dysymtab actually splits on.
func buildSymtab(ctx *Context) (symtab, strtab []byte, indirect []int32, dysym *symtabDysym) {
	var defined, undefined []*Symbol
	ctx.SymTab.Range(func(sym *Symbol) {
		if sym.File() == nil || sym.Visibility() != ScopeGlobal {
			return
		}
		if sym.Subsec != nil && !sym.Subsec.IsAlive() {
			return
		}
		if sym.IsImported {
			undefined = append(undefined, sym)
		} else {
			defined = append(defined, sym)
		}
	})
	sort.Slice(defined, func(i, j int) bool { return defined[i].Name < defined[j].Name })
	sort.Slice(undefined, func(i, j int) bool { return undefined[i].Name < undefined[j].Name })

	var str bytes.Buffer
	str.WriteByte(0)
	nameOff := make(map[*Symbol]uint32)
	strOff := func(sym *Symbol) uint32 {
		if off, ok := nameOff[sym]; ok {
			return off
		}
		off := uint32(str.Len())
		str.WriteString(sym.Name)
		str.WriteByte(0)
		nameOff[sym] = off
		return off
	}

	symIndex := make(map[*Symbol]int32)
	var nl bytes.Buffer
	idx := int32(0)
	writeNlist := func(sym *Symbol, typ types.NType, desc uint16) {
		n := types.Nlist64{
			Nlist: types.Nlist{Name: strOff(sym), Type: typ, Sect: 1, Desc: types.NDescType(desc)},
			Value: sym.Addr(),
		}
		b := make([]byte, 16)
		n.Put64(b, binary.LittleEndian)
		nl.Write(b)
		symIndex[sym] = idx
		idx++
	}

	for _, sym := range defined {
		desc := uint16(0)
		if sym.IsWeak {
			desc |= 0x0080 // N_WEAK_DEF
		}
		writeNlist(sym, types.N_SECT|types.N_EXT, desc)
	}
	for _, sym := range undefined {
		ordinal := uint16(importOrdinal(sym))
		desc := ordinal << 8
		writeNlist(sym, types.N_UNDF|types.N_EXT, desc)
	}

	indirect = buildIndirectSymtab(ctx, symIndex)

	strtabBytes := str.Bytes()
	dysym = &symtabDysym{
		nlocal: 0, ndef: uint32(len(defined)), nundef: uint32(len(undefined)),
		nsyms: uint32(len(defined) + len(undefined)), indirectCount: uint32(len(indirect)),
		strtabSizeField: uint64(len(strtabBytes)),
	}
	return nl.Bytes(), strtabBytes, indirect, dysym
}

const indirectSymbolLocal = 0x80000000

// buildIndirectSymtab walks every GOT/lazy-pointer/thread-pointer slot
// in command order and emits its symtab index (or
// INDIRECT_SYMBOL_LOCAL for a slot that resolves to a non-imported
// symbol, which needs no runtime bind) (§6, mach-o/loader.h's
// indirect_symbol_table semantics).
func buildIndirectSymtab(ctx *Context, symIndex map[*Symbol]int32) []int32 {
	var out []int32
	add := func(os *OutputSection) {
		if os == nil {
			return
		}
		for _, sym := range os.Syms {
			if i, ok := symIndex[sym]; ok {
				out = append(out, i)
			} else {
				out = append(out, indirectSymbolLocal)
			}
		}
	}
	add(ctx.GotSection)
	add(ctx.LazyPtrSection)
	add(ctx.ThreadPtrSec)
	return out
}

func indirectSymsBytes(indirect []int32) []byte {
	var buf bytes.Buffer
	for _, i := range indirect {
		binary.Write(&buf, binary.LittleEndian, uint32(i))
	}
	return buf.Bytes()
}
