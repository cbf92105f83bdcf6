package ld

import "sort"

// Layout assigns every live subsection its output offset, every
// OutputSection its address and size, and every OutputSegment its
// address/file-offset range (§4.5, grounded on
// original_source/macho/output-file.cc's compute_segment_sizes and
// input-sections.cc's assign_input_sections). It must run after Scan,
// since §4.4's synthetic GOT/stub/TLV/ObjC-stub sections need their
// final Size before segment sizes can be computed, and before the
// relocation-application pass, which reads Subsection.OutputOffset and
// Symbol.Addr.
func Layout(ctx *Context) {
	groupSubsections(ctx)

	if ctx.Args.OutputType == OutputExecutable {
		reserveDyldPrivate(ctx)
	}

	for _, os := range ctx.outSections {
		switch {
		case ctx.Args.Arch == ArchARM64 && os.SegName == "__TEXT" && os.SectName == "__text":
			createRangeExtensionThunks(os)
		case len(os.Members) > 0:
			layoutMembers(os)
		default:
			layoutSynthetic(os)
		}
	}

	segs := buildSegments(ctx)
	placeSegments(ctx, segs)

	ctx.OutputSegments = segs
	patchInternalSymbolAddresses(ctx)
}

type subsecKey struct{ seg, sect string }

// groupSubsections buckets every live subsection by its remapped
// output location and folds each bucket into an OutputSection (§3
// OutputSection, §4.1 remap table), in (file priority, input address)
// order so the output byte stream matches command-line order the same
// way ld's own deterministic output does.
func groupSubsections(ctx *Context) {
	grouped := make(map[subsecKey][]*Subsection)
	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, ss := range of.subsections() {
			if !ss.IsAlive() {
				continue
			}
			k := subsecKey{ss.Isec.OutSegName, ss.Isec.OutSectName}
			grouped[k] = append(grouped[k], ss)
		}
	}

	for k, members := range grouped {
		sort.SliceStable(members, func(i, j int) bool {
			fi, fj := members[i].Isec.File.Priority(), members[j].Isec.File.Priority()
			if fi != fj {
				return fi < fj
			}
			return members[i].InputAddr < members[j].InputAddr
		})

		key := k.seg + "/" + k.sect
		os, ok := ctx.outSections[key]
		if !ok {
			os = &OutputSection{SegName: k.seg, SectName: k.sect}
			ctx.outSections[key] = os
		}
		for _, ss := range members {
			os.addMember(ss)
		}
	}
}

const dyldPrivateSize = 8

// reserveDyldPrivate gives dyld_stub_binder's companion cell
// (`__dyld_private`) its own tiny synthetic section instead of folding
// it into a real `__data` section: a plain input `__DATA,__data`
// section is Members-driven, and the Syms/EntrySize representation used
// by GOT-style sections is mutually exclusive with Members on the same
// OutputSection (§4.4 design note), so this avoids a representation
// collision at the cost of one extra zero-filled output section when
// linking an executable.
func reserveDyldPrivate(ctx *Context) {
	os := ctx.getOrMakeSynthetic("__DATA", "__dyld_priv", sTypeRegular, dyldPrivateSize)
	os.Syms = append(os.Syms, ctx.Internal.DyldPrivate)
}

// layoutMembers runs the plain incremental offset sweep (§4.5 "layout
// within a section"): each member is placed at its own alignment after
// the previous one, with no range-extension-thunk interleaving.
func layoutMembers(os *OutputSection) {
	var offset int64
	for _, ss := range os.Members {
		align := int64(1) << ss.P2Align
		offset = alignTo(offset, align)
		ss.SetOutputOffset(offset)
		offset += int64(ss.InputSize)
	}
	os.Size = uint64(offset)
}

// layoutSynthetic sizes a linker-synthesized fixed-stride section (the
// GOT, stub trio, thread-pointer section, ObjC stub section, and the
// `__dyld_priv` cell) from its slot count.
func layoutSynthetic(os *OutputSection) {
	if os.SectName == "__stub_helper" {
		// one extra HeaderSize-worth of bootstrap code ahead of the
		// per-symbol entries (§4.4, input-files.cc's StubHelperSection).
		os.Size = stubHelperHeaderSize(os) + uint64(len(os.Syms))*os.EntrySize
		return
	}
	os.Size = uint64(len(os.Syms)) * os.EntrySize
}

func stubHelperHeaderSize(os *OutputSection) uint64 {
	if os.EntrySize == 12 {
		return 24 // ARM64: adrp+add+br+4*nop-ish bootstrap preamble
	}
	return 16 // x86-64: lea+push+jmp bootstrap preamble
}

// sectionOrderIndex places a section within its segment the way ld64's
// default section order does: code before its own call-stub machinery,
// data before its indirection tables.
func sectionOrderIndex(sect string) int {
	order := map[string]int{
		"__text": 0, "__stubs": 1, "__stub_helper": 2, "__objc_stubs": 3,
		"__cstring": 4, "__const": 5, "__eh_frame": 6, "__unwind_info": 7,
		"__got": 0, "__la_symbol_ptr": 1, "__const_data": 2, "__data": 3,
		"__dyld_priv": 4, "__thread_ptrs": 5, "__common": 6, "__bss": 7,
	}
	if i, ok := order[sect]; ok {
		return i
	}
	return 1 << 10
}

// buildSegments groups non-empty OutputSections into OutputSegments in
// canonical segment order (§4.5 "Segment order"), dropping any
// synthetic section Scan created speculatively but that ended up with
// no entries (e.g. no stub was ever needed, so no `__stubs` section
// exists in the output at all).
func buildSegments(ctx *Context) []*OutputSegment {
	var keys []string
	for k, os := range ctx.outSections {
		if len(os.Members) == 0 && len(os.Syms) == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := ctx.outSections[keys[i]], ctx.outSections[keys[j]]
		si, sj := segmentOrderIndex(oi.SegName), segmentOrderIndex(oj.SegName)
		if si != sj {
			return si < sj
		}
		if oi.SegName != oj.SegName {
			return oi.SegName < oj.SegName
		}
		return sectionOrderIndex(oi.SectName) < sectionOrderIndex(oj.SectName)
	})

	segByName := make(map[string]*OutputSegment)
	var segs []*OutputSegment
	for _, k := range keys {
		os := ctx.outSections[k]
		seg, ok := segByName[os.SegName]
		if !ok {
			seg = &OutputSegment{Name: os.SegName}
			segByName[os.SegName] = seg
			segs = append(segs, seg)
		}
		seg.Chunks = append(seg.Chunks, os)
	}

	if ctx.Args.OutputType == OutputExecutable {
		segs = append([]*OutputSegment{{Name: "__PAGEZERO"}}, segs...)
	}
	segs = append(segs, &OutputSegment{Name: "__LINKEDIT"})

	sort.SliceStable(segs, func(i, j int) bool {
		return segmentOrderIndex(segs[i].Name) < segmentOrderIndex(segs[j].Name)
	})
	return segs
}

// placeSegments walks the ordered segment list once, assigning each an
// Addr/Offset and every chunk within it an Addr relative to its
// segment, page-aligning segment boundaries to Arch.PageSize() (§4.5,
// §8 property 5). __PAGEZERO occupies the first 4 GiB of address space
// unmapped; __TEXT starts immediately after it (or at 0 for
// non-PAGEZERO outputs) and reserves room for the Mach-O header and
// load commands ahead of its first real section.
func placeSegments(ctx *Context, segs []*OutputSegment) {
	pageSize := ctx.Args.Arch.PageSize()

	var addr, fileOff uint64
	headerRoom := estimateHeaderSize(ctx, segs)

	for _, seg := range segs {
		seg.MaxProt, seg.InitProt = segmentProtection(seg.Name)

		switch seg.Name {
		case "__PAGEZERO":
			seg.Addr = 0
			seg.VMSize = 1 << 32
			seg.FileSize = 0
			addr = seg.VMSize
			continue
		case "__LINKEDIT":
			// sized and offset once §4.7/§4.8's LINKEDIT chunks have been
			// appended; FinalizeLinkedit assigns this segment's range.
			continue
		}

		addr = alignTo64(addr, pageSize)
		fileOff = alignTo64(fileOff, pageSize)
		seg.Addr = addr
		seg.Offset = fileOff

		localAddr := addr
		localOff := fileOff
		if seg.Name == "__TEXT" {
			localAddr += headerRoom
			localOff += headerRoom
		}

		for _, chunk := range seg.Chunks {
			os, ok := chunk.(*OutputSection)
			if !ok {
				continue
			}
			align := uint64(1) << os.ChunkP2Align()
			localAddr = alignTo64(localAddr, align)
			if !os.IsZerofill() {
				localOff = alignTo64(localOff, align)
			}
			os.Addr = localAddr
			os.Offset = localOff
			localAddr += os.Size
			if !os.IsZerofill() {
				localOff += os.Size
			}
		}

		seg.VMSize = alignTo64(localAddr-addr, pageSize)
		if seg.Name == "__TEXT" {
			seg.FileSize = alignTo64(localOff-fileOff, pageSize)
		} else {
			seg.FileSize = localOff - fileOff
		}

		addr += seg.VMSize
		fileOff += seg.FileSize
	}
}

// FinalizeLinkedit is called once the fixups/export-trie/symtab/
// unwind-info phases have appended their chunks to the __LINKEDIT
// segment, to give it the address/offset range every other segment
// already received from placeSegments.
func FinalizeLinkedit(ctx *Context, linkedit *OutputSegment, endAddr, endOffset uint64) {
	pageSize := ctx.Args.Arch.PageSize()
	linkedit.Addr = alignTo64(endAddr, pageSize)
	linkedit.Offset = alignTo64(endOffset, pageSize)

	var size uint64
	for _, c := range linkedit.Chunks {
		size = alignTo64(size, uint64(1)<<c.ChunkP2Align())
		size += c.ChunkSize()
	}
	linkedit.FileSize = size
	linkedit.VMSize = alignTo64(size, pageSize)
}

// segmentProtection returns (maxprot, initprot) VM_PROT bitmasks for a
// segment by name: __TEXT is r-x, __DATA/__DATA_CONST is rw-,
// __LINKEDIT is r--, and __PAGEZERO carries no access at all.
func segmentProtection(name string) (maxProt, initProt uint32) {
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	switch name {
	case "__PAGEZERO":
		return 0, 0
	case "__TEXT":
		return protRead | protExec, protRead | protExec
	case "__LINKEDIT":
		return protRead, protRead
	default:
		return protRead | protWrite, protRead | protWrite
	}
}

func alignTo64(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// estimateHeaderSize reserves room in __TEXT ahead of __text for the
// mach_header_64 plus every load command the emit phase will write
// (§6): one LC_SEGMENT_64 per segment (plus a Section64 record per
// section within it), LC_DYLD_INFO_ONLY plus room for the
// LC_DYLD_CHAINED_FIXUPS/LC_DYLD_EXPORTS_TRIE pair (both reserved in
// either fixup mode), LC_SYMTAB, LC_DYSYMTAB, one LC_LOAD_DYLIB per
// linked dylib, LC_LOAD_DYLINKER, LC_MAIN, LC_UUID, LC_BUILD_VERSION,
// LC_SOURCE_VERSION, and LC_CODE_SIGNATURE. Sizes match the Mach-O ABI's
// fixed struct layouts (types/commands.go's Segment64/DylibCmd/...);
// they're reproduced here as constants instead of unsafe.Sizeof so
// struct padding can never silently skew the reservation.
func estimateHeaderSize(ctx *Context, segs []*OutputSegment) uint64 {
	const (
		machHeader64Size   = 32
		segmentCmdBaseSize = 72
		sectionCmdSize     = 80
		dyldInfoCmdSize    = 48
		symtabCmdSize      = 24
		dysymtabCmdSize    = 80
		dylinkerCmdSize    = 32
		entryPointCmdSize  = 24
		uuidCmdSize        = 24
		buildVersionSize   = 32
		sourceVersionSize  = 16
		linkeditDataCmdSize = 16 // LC_DYLD_CHAINED_FIXUPS / LC_DYLD_EXPORTS_TRIE, reserved even under classic dyld-info mode so the estimate never runs short
	)

	total := uint64(machHeader64Size)
	for _, seg := range segs {
		if seg.Name == "__LINKEDIT" {
			total += segmentCmdBaseSize
			continue
		}
		nsect := 0
		for _, c := range seg.Chunks {
			if _, ok := c.(*OutputSection); ok {
				nsect++
			}
		}
		total += segmentCmdBaseSize + uint64(nsect)*sectionCmdSize
	}
	total += dyldInfoCmdSize
	total += 2 * linkeditDataCmdSize
	total += symtabCmdSize
	total += dysymtabCmdSize
	total += dylinkerCmdSize
	total += entryPointCmdSize
	total += uuidCmdSize
	total += buildVersionSize
	total += sourceVersionSize
	total += linkeditDataCmdSize // LC_CODE_SIGNATURE, appended by CodeSign after Emit
	for _, d := range ctx.Dylibs {
		total += alignTo64(24+uint64(len(d.InstallName))+1, 8)
	}
	return alignTo64(total, 16)
}

// patchInternalSymbolAddresses fixes up the handful of absolute
// pseudo-symbols newInternalFile interned before any real address was
// known (§6): the Mach-O header symbol and ___dso_handle both resolve
// to the image's load address, while dyld_stub_binder and
// _objc_msgSend are left at 0 because dyld binds them indirectly
// through the stub-helper/GOT machinery rather than a direct reference.
func patchInternalSymbolAddresses(ctx *Context) {
	var textAddr uint64
	for _, seg := range ctx.OutputSegments {
		if seg.Name == "__TEXT" {
			textAddr = seg.Addr
			break
		}
	}
	ctx.Internal.MhHeader.Value = textAddr
	ctx.Internal.DsoHandle.Value = textAddr
	if ctx.Internal.DyldPrivate.Subsec == nil {
		// reserveDyldPrivate ran: its address now lives in the
		// __DATA,__dyld_priv synthetic section rather than as an
		// absolute value.
		if os, ok := ctx.outSections["__DATA/__dyld_priv"]; ok {
			ctx.Internal.DyldPrivate.IsAbs = true
			ctx.Internal.DyldPrivate.Value = os.Addr
		}
	}
}
