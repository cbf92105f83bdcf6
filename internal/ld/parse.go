package ld

import (
	"fmt"
	"sort"

	macho "github.com/blacktop/ld64go"
)

// alwaysSplit reports whether a section is split purely by content
// rather than by symbol boundaries (§4.1, grounded on
// original_source/macho/input-files.cc's always_split).
func alwaysSplit(segName, sectName string, secType uint8) bool {
	if segName == "__TEXT" && sectName == "__eh_frame" {
		return true
	}
	switch secType {
	case sType4ByteLiterals, sType8ByteLiterals, sType16ByteLiterals,
		sTypeLiteralPointers, sTypeCstringLiterals:
		return true
	}
	return false
}

// parseObject decomposes one already-opened Mach-O relocatable file into
// the package's InputSection/Subsection/Symbol model (P1, §4.1). name is
// used for diagnostics; fromArchive/archiveOff are non-nil/non-zero only
// for an archive member.
func parseObject(ctx *Context, mf *macho.File, name string, priority int, fromArchive *Archive, archiveOff int64) (*ObjectFile, error) {
	of := &ObjectFile{
		fileBase:    fileBase{name: name, priority: priority, alive: fromArchive == nil},
		Raw:         mf,
		FromArchive: fromArchive,
		ArchiveOff:  archiveOff,
	}

	if err := of.buildSections(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := of.buildSymbols(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	of.splitSubsectionsViaSymbols()
	of.splitLiteralSections()
	if err := of.parseRelocations(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := of.parseCompactUnwind(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	of.collectModInitTerm()

	return of, nil
}

func (f *ObjectFile) buildSections(ctx *Context) error {
	for _, sec := range f.Raw.Sections {
		isec := &InputSection{
			File:     f,
			SegName:  sec.Seg,
			SectName: sec.Name,
			Addr:     sec.Addr,
			Size:     sec.Size,
			P2Align:  uint8(sec.Align),
			raw:      sec,
		}
		isec.SecType = sec.Flags.Type()
		isec.Attrs = uint32(sec.Flags.Attrs())

		if isec.SecType != sTypeZerofill {
			data, err := sec.Data()
			if err != nil {
				return fmt.Errorf("section %s,%s: %w", isec.SegName, isec.SectName, err)
			}
			isec.Raw = data
		}

		isec.OutSegName, isec.OutSectName = remapOutputLocation(isec.SegName, isec.SectName)
		f.Sections = append(f.Sections, isec)
	}
	return nil
}

func (f *ObjectFile) buildSymbols(ctx *Context) error {
	if f.Raw.Symtab == nil {
		return nil
	}
	n := len(f.Raw.Symtab.Syms)
	f.Syms = make([]*Symbol, n)
	f.nlists = make([]*nlistView, n)

	for i, nl := range f.Raw.Symtab.Syms {
		isExtern := uint8(nl.Type)&0x01 != 0
		isStab := uint8(nl.Type)&0xe0 != 0
		nType := uint8(nl.Type) & 0x0e
		isPrivate := uint8(nl.Type)&0x10 != 0

		view := &nlistView{
			name:      nl.Name,
			isExtern:  isExtern && !isStab,
			isPrivate: isPrivate,
			nType:     nType,
			desc:      uint16(nl.Desc),
			value:     nl.Value,
		}
		// view.subsec is filled in later by splitSubsectionsViaSymbols,
		// once sections are carved and each N_SECT symbol's covering
		// Subsection is known.
		f.nlists[i] = view

		if isStab {
			continue // debugging/stabs entries never get a Symbol
		}

		if !view.isExtern {
			sym := newSymbol(nl.Name)
			sym.file = f
			sym.visibility = ScopeLocal
			f.localSyms = append(f.localSyms, sym)
			continue
		}

		f.Syms[i] = ctx.SymTab.Intern(nl.Name)
	}
	return nil
}

// splitSubsectionsViaSymbols implements §4.1's N_SECT-boundary splitting:
// every non-always-split section starts as one subsection spanning the
// whole section, then is cut at each symbol address that isn't marked
// N_ALT_ENTRY, mirroring split_subsections_via_symbols.
func (f *ObjectFile) splitSubsectionsViaSymbols() {
	if f.Raw.Symtab == nil {
		return
	}
	type symOff struct {
		secIdx int
		addr   uint64
		symIdx int
		isAlt  bool
	}
	var syms []symOff
	for i, nl := range f.Raw.Symtab.Syms {
		v := f.nlists[i]
		if v == nil || v.nType != nSect {
			continue
		}
		secIdx := int(nl.Sect) - 1
		if secIdx < 0 || secIdx >= len(f.Sections) {
			continue
		}
		syms = append(syms, symOff{secIdx: secIdx, addr: nl.Value, symIdx: i, isAlt: uint16(nl.Desc)&0x0200 != 0})
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].secIdx != syms[j].secIdx {
			return syms[i].secIdx < syms[j].secIdx
		}
		return syms[i].addr < syms[j].addr
	})

	symIdxForSec := make(map[int][]symOff)
	for _, s := range syms {
		symIdxForSec[s.secIdx] = append(symIdxForSec[s.secIdx], s)
	}

	for idx, isec := range f.Sections {
		if isec.isDebug() || alwaysSplit(isec.SegName, isec.SectName, isec.SecType) {
			continue
		}

		addSubsec := func(addr uint64) *Subsection {
			size := uint32(isec.Addr + isec.Size - addr)
			ss := newSubsection(isec, addr, size, isec.P2Align)
			isec.subsecs = append(isec.subsecs, ss)
			return ss
		}

		addSubsec(isec.Addr)

		for _, s := range symIdxForSec[idx] {
			if !s.isAlt {
				last := isec.subsecs[len(isec.subsecs)-1]
				size1 := int64(s.addr) - int64(last.InputAddr)
				size2 := int64(isec.Addr+isec.Size) - int64(s.addr)
				if size1 > 0 && size2 > 0 {
					last.InputSize = uint32(size1)
					addSubsec(s.addr)
				}
			}
			last := isec.subsecs[len(isec.subsecs)-1]
			f.nlists[s.symIdx].subsec = last
		}
	}
}

// splitLiteralSections implements §4.1's content-based splitting for
// __cstring, fixed-size literal, and literal-pointer sections (grounded
// on split_cstring_literals / split_fixed_size_literals /
// split_literal_pointers).
func (f *ObjectFile) splitLiteralSections() {
	wordSize := uint32(8)

	for _, isec := range f.Sections {
		switch isec.SecType {
		case sTypeCstringLiterals:
			pos := uint32(0)
			data := isec.Raw
			for pos < uint32(len(data)) {
				end := pos
				for end < uint32(len(data)) && data[end] != 0 {
					end++
				}
				for end < uint32(len(data)) && data[end] == 0 {
					end++
				}
				if end > uint32(len(data)) {
					end = uint32(len(data))
				}
				align := trailingZeros32(pos)
				if align > isec.P2Align {
					align = isec.P2Align
				}
				ss := newSubsection(isec, isec.Addr+uint64(pos), end-pos, align)
				isec.subsecs = append(isec.subsecs, ss)
				pos = end
			}
		case sType4ByteLiterals:
			f.splitFixed(isec, 4)
		case sType8ByteLiterals:
			f.splitFixed(isec, 8)
		case sType16ByteLiterals:
			f.splitFixed(isec, 16)
		case sTypeLiteralPointers:
			f.splitFixed(isec, wordSize)
		}
	}
}

func (f *ObjectFile) splitFixed(isec *InputSection, size uint32) {
	align := uint8(trailingZeros32(size))
	for pos := uint32(0); pos < uint32(len(isec.Raw)); pos += size {
		ss := newSubsection(isec, isec.Addr+uint64(pos), size, align)
		isec.subsecs = append(isec.subsecs, ss)
	}
}

func trailingZeros32(v uint32) uint8 {
	if v == 0 {
		return 32
	}
	var n uint8
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// parseRelocations decodes each section's raw relocations, pairs
// SUBTRACTOR/ARM64_RELOC_ADDEND entries, assigns each relocation to its
// owning Subsection, and rebases the offset to be Subsection-relative
// (grounded on input-sections.cc's parse_relocations).
func (f *ObjectFile) parseRelocations(ctx *Context) error {
	for _, isec := range f.Sections {
		raw := isec.raw.Relocs
		if len(raw) == 0 {
			continue
		}

		decoded := make([]Relocation, 0, len(raw))
		for i := 0; i < len(raw); i++ {
			r := raw[i]
			rel := Relocation{Offset: r.Addr, Type: r.Type, Size: 1 << r.Len, PCRel: r.Pcrel}

			switch {
			case !r.Scattered && r.Extern:
				if int(r.Value) < len(f.Syms) {
					rel.TargetSym = f.Syms[r.Value]
				}
			case !r.Scattered && !rel.PCRel && rel.Size == 8 && rel.Type == 0:
				// A plain, non-PC-relative absolute pointer word carries its
				// own target address as an implicit addend baked into the
				// section content; decode it immediately since no per-arch
				// instruction decode is needed (unlike ADRP/ADD/LDR pairs).
				if int(rel.Offset)+8 <= len(isec.Raw) {
					addr := leUint64(isec.Raw[rel.Offset : rel.Offset+8])
					rel.TargetSubsec = f.findSubsectionByAddr(addr)
				}
			}

			// SUBTRACTOR/ARM64_RELOC_ADDEND come in a relocation pair: the
			// first entry carries the type, the second (same offset) the
			// paired operand.
			if (ctx.Args.Arch == ArchARM64 && rel.Type == ARM64RelocSubtractor) ||
				(ctx.Args.Arch == ArchAMD64 && rel.Type == X86_64RelocSubtractor) {
				if i+1 < len(raw) {
					pair := raw[i+1]
					if int(pair.Value) < len(f.Syms) {
						rel.SubtrahendSym = rel.TargetSym
						rel.TargetSym = f.Syms[pair.Value]
					}
					i++
				}
			}
			if ctx.Args.Arch == ArchARM64 && rel.Type == ARM64RelocAddend {
				rel.Addend = int64(int32(r.Value))
				if i+1 < len(raw) {
					next := raw[i+1]
					rel.Offset = next.Addr
					rel.Type = next.Type
					rel.PCRel = next.Pcrel
					rel.Size = 1 << next.Len
					if next.Extern {
						if int(next.Value) < len(f.Syms) {
							rel.TargetSym = f.Syms[next.Value]
						}
					}
					i++
				}
			}

			decoded = append(decoded, rel)
		}

		sort.Slice(decoded, func(i, j int) bool { return decoded[i].Offset < decoded[j].Offset })
		isec.Relocs = decoded

		assignRelocsToSubsections(isec)
	}
	return nil
}

// assignRelocsToSubsections partitions an already offset-sorted
// relocation list across the section's subsections and rewrites each
// relocation's Offset to be relative to its owning subsection.
func assignRelocsToSubsections(isec *InputSection) {
	i := 0
	for _, ss := range isec.subsecs {
		inputOffset := uint32(ss.InputAddr - isec.Addr)
		ss.RelOffset = i
		for i < len(isec.Relocs) && isec.Relocs[i].Offset < inputOffset+ss.InputSize {
			isec.Relocs[i].Offset -= inputOffset
			i++
		}
		ss.NRels = i - ss.RelOffset
	}
}

// collectModInitTerm records __mod_init_func/__mod_term_func pointer
// entries as whole subsections, each one word wide (already split by
// splitLiteralSections's general literal-pointer handling would not
// apply here since these are S_MOD_INIT/TERM_FUNC_POINTERS, a distinct
// type from S_LITERAL_POINTERS; split explicitly here instead).
func (f *ObjectFile) collectModInitTerm() {
	for _, isec := range f.Sections {
		switch isec.SecType {
		case sTypeModInitFuncPointers:
			f.splitFixed(isec, 8)
			f.ModInitFuncs = append(f.ModInitFuncs, isec.subsecs...)
		case sTypeModTermFuncPointers:
			f.splitFixed(isec, 8)
			f.ModTermFuncs = append(f.ModTermFuncs, isec.subsecs...)
		}
	}
}

// parseCompactUnwind decodes __LD,__compact_unwind into UnwindRecords,
// resolving its three relocatable fields (code_start, personality, lsda)
// and dropping DWARF-mode records, which are rebuilt from __eh_frame
// instead (§4.8, grounded on input-files.cc:511 parse_compact_unwind).
func (f *ObjectFile) parseCompactUnwind(ctx *Context) error {
	const entrySize = 32 // code_start u64, code_len u32, encoding u32, personality u64, lsda u64

	var unwindSec *InputSection
	for _, isec := range f.Sections {
		if isec.SegName == "__LD" && isec.SectName == "__compact_unwind" {
			unwindSec = isec
			break
		}
	}
	if unwindSec == nil {
		return nil
	}
	if len(unwindSec.Raw)%entrySize != 0 {
		return fmt.Errorf("invalid __compact_unwind section size")
	}

	n := len(unwindSec.Raw) / entrySize
	records := make([]*UnwindRecord, n)
	for i := 0; i < n; i++ {
		rec := unwindSec.Raw[i*entrySize:]
		records[i] = &UnwindRecord{
			InputOffset: leUint32(rec[0:4]),
			CodeLen:     leUint32(rec[8:12]),
			Encoding:    leUint32(rec[12:16]),
		}
	}

	raw := unwindSec.raw.Relocs
	for _, r := range raw {
		if int(r.Addr) >= len(unwindSec.Raw) {
			continue
		}
		idx := int(r.Addr) / entrySize
		if idx >= len(records) {
			continue
		}
		dst := records[idx]
		fieldOff := int(r.Addr) % entrySize

		switch fieldOff {
		case 0: // code_start
			if r.Extern && int(r.Value) < len(f.Syms) && f.Syms[r.Value] != nil {
				sym := f.Syms[r.Value]
				dst.Subsec = sym.Subsec
				dst.InputOffset = uint32(sym.Value)
			} else {
				addr := uint64(dst.InputOffset)
				dst.Subsec = f.findSubsectionByAddr(addr)
				if dst.Subsec != nil {
					dst.InputOffset = uint32(addr - dst.Subsec.InputAddr)
				}
			}
		case 16: // personality
			if r.Extern && int(r.Value) < len(f.Syms) {
				dst.Personality = f.Syms[r.Value]
			}
		case 24: // lsda
			addr := leUint32(unwindSec.Raw[idx*entrySize+24 : idx*entrySize+28])
			if r.Extern && int(r.Value) < len(f.Syms) && f.Syms[r.Value] != nil {
				sym := f.Syms[r.Value]
				dst.LSDA = sym.Subsec
				dst.LSDAOffset = addr
			} else {
				dst.LSDA = f.findSubsectionByAddr(uint64(addr))
				if dst.LSDA != nil {
					dst.LSDAOffset = addr - uint32(dst.LSDA.InputAddr)
				}
			}
		}
	}

	live := records[:0]
	for _, rec := range records {
		if rec.isDwarfMode(ctx.Args.Arch) {
			continue
		}
		if rec.Subsec != nil {
			live = append(live, rec)
		}
	}
	f.UnwindRecords = live
	return nil
}

func (f *ObjectFile) findSubsectionByAddr(addr uint64) *Subsection {
	for _, isec := range f.Sections {
		if addr >= isec.Addr && addr < isec.Addr+isec.Size {
			for _, ss := range isec.subsecs {
				if addr >= ss.InputAddr && addr < ss.InputAddr+uint64(ss.InputSize) {
					return ss
				}
			}
		}
	}
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
