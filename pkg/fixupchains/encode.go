package fixupchains

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/ld64go/types"
)

// ImportEntry is one chained-fixups import-table row before string
// interning: the dylib ordinal a bind resolves against and the
// symbol's name.
type ImportEntry struct {
	Name       string
	LibOrdinal uint8
	Weak       bool
}

// Fixup is one output location's encoded rebase-or-bind value, already
// reduced to its final slot within a segment's page (§4.7). Rebase
// entries carry Target (a runtime offset from the image's preferred
// load address); bind entries carry ImportIdx and Addend.
type Fixup struct {
	PageOffset uint32 // byte offset within its OutputSegment
	IsBind     bool
	Target     uint64 // rebase: vm offset from the image base
	ImportIdx  uint32 // bind: index into the imports table
	Addend     int64
}

// SegmentFixups is one segment's fixup set, already sorted by
// PageOffset, ready to be threaded into the PAGE_SIZE-bucketed chains
// DyldChainedStartsInSegment describes.
type SegmentFixups struct {
	SegIndex int
	VMSize   uint64
	PageSize uint32 // Arch.PageSize(), 4096 or 16384
	Fixups   []Fixup
}

// EncodeRebase64 packs a DYLD_CHAINED_PTR_64 rebase pointer: a 36-bit
// vm-offset target, an 8-bit "high8" tag byte (always 0 - pointer
// tagging / TBI is out of scope, §9 Non-goals), and the 12-bit chain
// stride to the next fixup in the same page (0 for the last one).
func EncodeRebase64(target uint64, next uint64) uint64 {
	return (target & 0xfffffffff) | (next&0xfff)<<51
}

// EncodeBind64 packs a DYLD_CHAINED_PTR_64 bind pointer: a 24-bit
// import-table ordinal, an 8-bit addend (saturated - full 64-bit
// addends need DC_IMPORT_ADDEND64, not used here), and the chain
// stride, with the bind bit (63) always set.
func EncodeBind64(importIdx uint32, addend int64, next uint64) uint64 {
	a := addend
	if a < 0 {
		a = 0
	}
	if a > 0xff {
		a = 0xff
	}
	return uint64(importIdx&0xffffff) | uint64(a&0xff)<<24 | (next&0xfff)<<51 | 1<<63
}

// BuildImportsAndSymbols serializes the DC_IMPORT (32-bit) import
// table and its backing string pool, in the layout
// DyldChainedFixupsHeader.ImportsOffset/SymbolsOffset point into
// (§4.7, grounded on types/dyld_chained_fixups.go's DyldChainedImport
// bitfield layout: 8-bit ordinal, 1-bit weak, 23-bit name offset).
func BuildImportsAndSymbols(imports []ImportEntry) (importsBlob, symbolsBlob []byte) {
	var syms bytes.Buffer
	syms.WriteByte(0) // offset 0 is reserved for "no name"
	offsets := make([]uint32, len(imports))
	for i, imp := range imports {
		offsets[i] = uint32(syms.Len())
		syms.WriteString(imp.Name)
		syms.WriteByte(0)
	}

	var tbl bytes.Buffer
	for i, imp := range imports {
		weak := uint32(0)
		if imp.Weak {
			weak = 1
		}
		packed := uint32(imp.LibOrdinal) | weak<<8 | (offsets[i]&0x7fffff)<<9
		binary.Write(&tbl, binary.LittleEndian, types.DyldChainedImport(packed))
	}
	return tbl.Bytes(), syms.Bytes()
}

// BuildChainedFixups assembles the full LC_DYLD_CHAINED_FIXUPS payload:
// the fixed header, the starts-in-image table (one offset per segment,
// 0 for a segment with no fixups), each segment's
// DyldChainedStartsInSegment plus its per-page start array, and the
// imports/symbols tables built by BuildImportsAndSymbols (§4.7, §6).
func BuildChainedFixups(segs []SegmentFixups, imports []ImportEntry) []byte {
	importsBlob, symbolsBlob := BuildImportsAndSymbols(imports)

	var segBlobs [][]byte
	for _, seg := range segs {
		segBlobs = append(segBlobs, encodeSegmentStarts(seg))
	}

	startsInImageSize := 4 + 4*len(segs)
	var segPool bytes.Buffer
	segOffsets := make([]uint32, len(segs))
	for i, blob := range segBlobs {
		if len(blob) == 0 {
			segOffsets[i] = 0
			continue
		}
		segOffsets[i] = uint32(startsInImageSize + segPool.Len())
		segPool.Write(blob)
	}

	headerSize := 32
	startsOffset := uint32(headerSize)
	importsOffset := startsOffset + uint32(startsInImageSize) + uint32(segPool.Len())
	symbolsOffset := importsOffset + uint32(len(importsBlob))

	var out bytes.Buffer
	hdr := types.DyldChainedFixupsHeader{
		FixupsVersion: 0,
		StartsOffset:  startsOffset,
		ImportsOffset: importsOffset,
		SymbolsOffset: symbolsOffset,
		ImportsCount:  uint32(len(imports)),
		ImportsFormat: types.DC_IMPORT,
		SymbolsFormat: 0,
	}
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(make([]byte, headerSize-out.Len())) // pad the 28-byte header out to startsOffset

	binary.Write(&out, binary.LittleEndian, uint32(len(segs)))
	for _, off := range segOffsets {
		binary.Write(&out, binary.LittleEndian, off)
	}
	out.Write(segPool.Bytes())
	out.Write(importsBlob)
	out.Write(symbolsBlob)

	return out.Bytes()
}

// encodeSegmentStarts threads one segment's sorted fixups into
// per-page chains and serializes its DyldChainedStartsInSegment plus
// page_start[] array. A page with no fixups gets
// DYLD_CHAINED_PTR_START_NONE; this encoder never needs
// DYLD_CHAINED_PTR_START_MULTI because every fixup in a page chains
// linearly through Next() (§4.7 "one chain per page").
func encodeSegmentStarts(seg SegmentFixups) []byte {
	if len(seg.Fixups) == 0 {
		return nil
	}

	pageCount := int((seg.VMSize + uint64(seg.PageSize) - 1) / uint64(seg.PageSize))
	pageStart := make([]uint16, pageCount)
	for i := range pageStart {
		pageStart[i] = uint16(types.DYLD_CHAINED_PTR_START_NONE)
	}

	byPage := make(map[int][]Fixup)
	for _, f := range seg.Fixups {
		p := int(f.PageOffset) / int(seg.PageSize)
		byPage[p] = append(byPage[p], f)
	}
	for p, fixups := range byPage {
		pageStart[p] = uint16(uint32(fixups[0].PageOffset) % seg.PageSize)
	}

	var out bytes.Buffer
	hdr := types.DyldChainedStartsInSegment{
		Size:            uint32(22 + 2*pageCount),
		PageSize:        uint16(seg.PageSize),
		PointerFormat:   types.DYLD_CHAINED_PTR_64,
		SegmentOffset:   0, // patched by the caller once the segment's final vmaddr is known
		MaxValidPointer: 0,
		PageCount:       uint16(pageCount),
	}
	binary.Write(&out, binary.LittleEndian, hdr.Size)
	binary.Write(&out, binary.LittleEndian, hdr.PageSize)
	binary.Write(&out, binary.LittleEndian, hdr.PointerFormat)
	binary.Write(&out, binary.LittleEndian, hdr.SegmentOffset)
	binary.Write(&out, binary.LittleEndian, hdr.MaxValidPointer)
	binary.Write(&out, binary.LittleEndian, hdr.PageCount)
	for _, ps := range pageStart {
		binary.Write(&out, binary.LittleEndian, ps)
	}
	return out.Bytes()
}
