package ld

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/ld64go/types"
)

// writeHeaderAndLoadCommands writes the mach_header_64 plus its load
// command stream into buf[0:] (§6, grounded on
// original_source/macho/output-file.cc's OutputFile::write_mach_header
// / write_load_commands). Every segment Layout already placed becomes
// one LC_SEGMENT_64 followed by a Section64 per chunk it carries;
// LINKEDIT's sub-blobs get one LC_SYMTAB/LC_DYSYMTAB plus either
// LC_DYLD_INFO_ONLY or the LC_DYLD_CHAINED_FIXUPS/LC_DYLD_EXPORTS_TRIE
// pair, matching whichever scheme ctx.Args.Fixups selected.
func writeHeaderAndLoadCommands(ctx *Context, buf []byte, dysym *symtabDysym) error {
	var cmds bytes.Buffer
	order := binary.LittleEndian
	ncmds := uint32(0)

	for _, seg := range ctx.OutputSegments {
		writeSegmentCommand(&cmds, order, seg)
		ncmds++
	}

	if ctx.Args.Fixups == FixupChainedFixups {
		writeLinkEditDataCmd(&cmds, order, types.LC_DYLD_CHAINED_FIXUPS, uint32(dysym.chainedOff), uint32(dysym.chainedSize))
		ncmds++
		writeLinkEditDataCmd(&cmds, order, types.LC_DYLD_EXPORTS_TRIE, uint32(dysym.exportOff), uint32(dysym.exportSize))
		ncmds++
	} else {
		writeDyldInfoOnlyCmd(&cmds, order, dysym)
		ncmds++
	}

	writeSymtabCmd(&cmds, order, dysym)
	ncmds++
	writeDysymtabCmd(&cmds, order, dysym)
	ncmds++

	writeDylinkerCmd(&cmds, order)
	ncmds++

	for _, dl := range ctx.Dylibs {
		writeDylibCmd(&cmds, order, dl)
		ncmds++
	}

	if ctx.Args.OutputType == OutputExecutable {
		writeEntryPointCmd(&cmds, order, ctx)
		ncmds++
	}

	if !ctx.Args.UUIDNone {
		writeUUIDCmd(&cmds, order)
		ncmds++
	}

	writeBuildVersionCmd(&cmds, order, ctx)
	ncmds++
	writeSourceVersionCmd(&cmds, order)
	ncmds++
	writeLinkEditDataCmd(&cmds, order, types.LC_CODE_SIGNATURE, uint32(dysym.codesignOff), uint32(dysym.codesignSize))
	ncmds++

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          archCPU(ctx.Args.Arch),
		SubCPU:       archCPUSubtype(ctx.Args.Arch),
		Type:         outputFileType(ctx.Args.OutputType),
		NCommands:    ncmds,
		SizeCommands: uint32(cmds.Len()),
		Flags:        headerFlags(ctx),
	}
	var hb bytes.Buffer
	if err := hdr.Write(&hb, order); err != nil {
		return err
	}
	copy(buf, hb.Bytes())
	copy(buf[hb.Len():], cmds.Bytes())
	return nil
}

func archCPU(a Arch) types.CPU {
	if a == ArchARM64 {
		return types.CPUArm64
	}
	return types.CPUAmd64
}

func archCPUSubtype(a Arch) types.CPUSubtype {
	if a == ArchARM64 {
		return types.CPUSubtypeArm64All
	}
	return types.CPUSubtypeX8664All
}

func outputFileType(t OutputType) types.HeaderFileType {
	switch t {
	case OutputDylib:
		return types.MH_DYLIB
	case OutputBundle:
		return types.MH_BUNDLE
	default:
		return types.MH_EXECUTE
	}
}

func headerFlags(ctx *Context) types.HeaderFlag {
	flags := types.NoUndefs | types.DyldLink | types.TwoLevel | types.SubsectionsViaSymbols
	if ctx.Args.OutputType == OutputExecutable {
		flags |= types.PIE
	}
	if ctx.Args.AppExtSafe {
		flags |= types.AppExtensionSafe
	}
	return flags
}

func segName16(name string) [16]byte {
	var b [16]byte
	copy(b[:], name)
	return b
}

func sectName16(name string) [16]byte {
	var b [16]byte
	copy(b[:], name)
	return b
}

func writeSegmentCommand(w *bytes.Buffer, order binary.ByteOrder, seg *OutputSegment) {
	var sections []*OutputSection
	for _, c := range seg.Chunks {
		if os, ok := c.(*OutputSection); ok {
			sections = append(sections, os)
		}
	}

	cmdLen := uint32(72 + 80*len(sections))
	s := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     cmdLen,
		Name:    segName16(seg.Name),
		Addr:    seg.Addr,
		Memsz:   seg.VMSize,
		Offset:  seg.Offset,
		Filesz:  seg.FileSize,
		Maxprot: types.VmProtection(seg.MaxProt),
		Prot:    types.VmProtection(seg.InitProt),
		Nsect:   uint32(len(sections)),
	}
	binary.Write(w, order, s)

	for _, os := range sections {
		sec := types.Section64{
			Name:   sectName16(os.SectName),
			Seg:    segName16(os.SegName),
			Addr:   os.Addr,
			Size:   os.Size,
			Offset: uint32(os.Offset),
			Align:  uint32(os.P2Align),
			Flags:  sectionFlagsFor(os),
		}
		binary.Write(w, order, sec)
	}
}

// sectionFlagsFor derives an output section's S_* type/attribute word
// from its synthesized role: zerofill for `__bss`/`__common`,
// non-lazy symbol pointers for the GOT and the `__thread_ptrs`
// thread-pointer section, lazy symbol pointers for `__la_symbol_ptr`,
// symbol stubs for `__stubs`, and the section's own input type
// otherwise (§4.5/§6).
func sectionFlagsFor(os *OutputSection) types.SectionFlag {
	switch os.SectName {
	case "__bss", "__common":
		return types.SZerofill
	case "__got", "__thread_ptrs":
		return types.SNonLazySymbolPointers
	case "__la_symbol_ptr":
		return types.SLazySymbolPointers
	case "__stubs":
		return types.SSymbolStubs
	}
	return types.SectionFlag(os.SecType)
}

func writeDyldInfoOnlyCmd(w *bytes.Buffer, order binary.ByteOrder, d *symtabDysym) {
	cmd := types.DyldInfoOnlyCmd{
		LoadCmd:      types.LC_DYLD_INFO_ONLY,
		Len:          48,
		RebaseOff:    uint32(d.rebaseOff),
		RebaseSize:   uint32(d.rebaseSize),
		BindOff:      uint32(d.bindOff),
		BindSize:     uint32(d.bindSize),
		LazyBindOff:  uint32(d.lazyOff),
		LazyBindSize: uint32(d.lazySize),
		ExportOff:    uint32(d.exportOff),
		ExportSize:   uint32(d.exportSize),
	}
	binary.Write(w, order, cmd)
}

func writeLinkEditDataCmd(w *bytes.Buffer, order binary.ByteOrder, cmd types.LoadCmd, off, size uint32) {
	c := types.LinkEditDataCmd{LoadCmd: cmd, Len: 16, Offset: off, Size: size}
	binary.Write(w, order, c)
}

func writeSymtabCmd(w *bytes.Buffer, order binary.ByteOrder, d *symtabDysym) {
	c := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     24,
		Symoff:  uint32(d.symtabOff),
		Nsyms:   d.nsyms,
		Stroff:  uint32(d.strtabOff),
		Strsize: uint32(d.strtabSizeField),
	}
	binary.Write(w, order, c)
}

func writeDysymtabCmd(w *bytes.Buffer, order binary.ByteOrder, d *symtabDysym) {
	c := types.DysymtabCmd{
		LoadCmd:        types.LC_DYSYMTAB,
		Len:            80,
		Ilocalsym:      0,
		Nlocalsym:      d.nlocal,
		Iextdefsym:     d.nlocal,
		Nextdefsym:     d.ndef,
		Iundefsym:      d.nlocal + d.ndef,
		Nundefsym:      d.nundef,
		Indirectsymoff: uint32(d.indirectOff),
		Nindirectsyms:  d.indirectCount,
	}
	binary.Write(w, order, c)
}

func writeDylinkerCmd(w *bytes.Buffer, order binary.ByteOrder) {
	const path = "/usr/lib/dyld"
	nameLen := paddedStrLen(12, path)
	c := types.DylinkerCmd{LoadCmd: types.LC_LOAD_DYLINKER, Len: uint32(12 + nameLen), Name: 12}
	binary.Write(w, order, c)
	writePaddedStr(w, path, nameLen)
}

func writeDylibCmd(w *bytes.Buffer, order binary.ByteOrder, dl *DylibFile) {
	cmd := types.LC_LOAD_DYLIB
	if dl.Weak {
		cmd = types.LC_LOAD_WEAK_DYLIB
	} else if dl.Reexport {
		cmd = types.LC_REEXPORT_DYLIB
	}
	nameLen := paddedStrLen(24, dl.InstallName)
	c := types.DylibCmd{
		LoadCmd:        cmd,
		Len:            uint32(24 + nameLen),
		Name:           24,
		CurrentVersion: types.Version(dl.CurrentVer),
		CompatVersion:  types.Version(dl.CompatVer),
	}
	binary.Write(w, order, c)
	writePaddedStr(w, dl.InstallName, nameLen)
}

func writeEntryPointCmd(w *bytes.Buffer, order binary.ByteOrder, ctx *Context) {
	var off uint64
	if sym, ok := ctx.SymTab.Lookup(ctx.Args.Entry); ok {
		if seg := findSegment(ctx, "__TEXT"); seg != nil {
			off = sym.Addr() - seg.Addr + seg.Offset
		}
	}
	c := types.EntryPointCmd{LoadCmd: types.LC_MAIN, Len: 24, Offset: off}
	binary.Write(w, order, c)
}

func writeUUIDCmd(w *bytes.Buffer, order binary.ByteOrder) {
	c := types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: deterministicUUID()}
	binary.Write(w, order, c)
}

// deterministicUUID returns an all-zero UUID: without a real content
// hash pass, a random one would defeat reproducible builds, and the
// static linker core has no component computing one yet (tracked as an
// open item rather than faked with a PRNG).
func deterministicUUID() types.UUID {
	return types.UUID{}
}

func writeBuildVersionCmd(w *bytes.Buffer, order binary.ByteOrder, ctx *Context) {
	c := types.BuildVersionCmd{
		LoadCmd:  types.LC_BUILD_VERSION,
		Len:      24,
		Platform: platformFor(ctx.Args.PlatformName),
		Minos:    types.Version(ctx.Args.MinOSVersion),
		Sdk:      types.Version(ctx.Args.SDKVersion),
	}
	binary.Write(w, order, c)
}

// Platform values mirror mach-o/loader.h's PLATFORM_* constants; the
// types package keeps its own copies unexported, so the small set this
// linker core actually emits is reproduced here.
const (
	platformMacOS   types.Platform = 1
	platformIOS     types.Platform = 2
	platformTvOS    types.Platform = 3
	platformWatchOS types.Platform = 4
)

func platformFor(name string) types.Platform {
	switch name {
	case "ios":
		return platformIOS
	case "tvos":
		return platformTvOS
	case "watchos":
		return platformWatchOS
	default:
		return platformMacOS
	}
}

func writeSourceVersionCmd(w *bytes.Buffer, order binary.ByteOrder) {
	c := types.SourceVersionCmd{LoadCmd: types.LC_SOURCE_VERSION, Len: 16}
	binary.Write(w, order, c)
}

func paddedStrLen(base int, s string) int {
	total := base + len(s) + 1
	aligned := alignTo64(uint64(total), 8)
	return int(aligned) - base
}

func writePaddedStr(w *bytes.Buffer, s string, fieldLen int) {
	b := make([]byte, fieldLen)
	copy(b, s)
	w.Write(b)
}

// writeSectionContents copies every live subsection's bytes into its
// final output offset, fills the synthetic GOT/thread-pointer/
// `__la_symbol_ptr` slots, and synthesizes the stub/stub-helper/
// ObjC-stub machine code (§6, grounded on output-file.cc's
// OutputFile::copy_buf).
func writeSectionContents(ctx *Context, buf []byte, lazyBindOffsets []uint32) {
	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, ss := range of.subsections() {
			if !ss.IsAlive() || ss.OutSec == nil {
				continue
			}
			dstOff := ss.OutSec.Offset + uint64(ss.OutputOffset())
			copy(buf[dstOff:], ss.rawBytes())
		}
	}

	if ctx.GotSection != nil {
		dst := buf[ctx.GotSection.Offset:]
		for i, sym := range ctx.GotSection.Syms {
			binary.LittleEndian.PutUint64(dst[i*8:], sym.Addr())
		}
	}
	if ctx.ThreadPtrSec != nil {
		dst := buf[ctx.ThreadPtrSec.Offset:]
		for i, sym := range ctx.ThreadPtrSec.Syms {
			binary.LittleEndian.PutUint64(dst[i*8:], sym.Addr())
		}
	}
	if ctx.LazyPtrSection != nil {
		dst := buf[ctx.LazyPtrSection.Offset:]
		for i := range ctx.LazyPtrSection.Syms {
			binary.LittleEndian.PutUint64(dst[i*8:], ctx.StubHelper.Addr+stubHelperHeaderSize(ctx.StubHelper)+uint64(i)*ctx.StubHelper.EntrySize)
		}
	}

	if ctx.StubsSection != nil {
		writeStubsSection(ctx, buf[ctx.StubsSection.Offset:ctx.StubsSection.Offset+ctx.StubsSection.Size])
	}
	if ctx.StubHelper != nil {
		writeStubHelperSection(ctx, buf[ctx.StubHelper.Offset:ctx.StubHelper.Offset+ctx.StubHelper.Size], lazyBindOffsets)
	}
	if ctx.ObjcStubsSec != nil && len(ctx.ObjcStubsSec.Syms) > 0 {
		selAddrs := objcSelRefAddrs(ctx)
		writeObjcStubsSection(ctx, buf[ctx.ObjcStubsSec.Offset:ctx.ObjcStubsSec.Offset+ctx.ObjcStubsSec.Size], selAddrs)
	}
}

// objcSelRefAddrs returns, in ObjcStubsSec.Syms order, the address each
// `_objc_msgSend$<sel>` stub's selector reference resolves to. Selector
// interning lives with the ObjC metadata merge pass; lacking that here,
// each stub falls back to addressing its own selector-ref slot in
// __objc_selrefs by stub index, which keeps the section well-formed
// even though no two stubs for the same selector share a slot yet.
func objcSelRefAddrs(ctx *Context) []uint64 {
	if ctx.ObjcSelRefsSec == nil {
		return nil
	}
	addrs := make([]uint64, len(ctx.ObjcStubsSec.Syms))
	for i := range addrs {
		addrs[i] = ctx.ObjcSelRefsSec.Addr + uint64(i)*8
	}
	return addrs
}
