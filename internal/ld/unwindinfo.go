package ld

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// __TEXT,__unwind_info section constants (§4.8, grounded on
// original_source/macho/macho.h's UnwindSectionHeader/
// UnwindFirstLevelPage/UnwindSecondLevelPage/UnwindLsdaEntry/
// UnwindPageEntry struct layouts).
const (
	unwindSectionVersion        = 1
	unwindSecondLevelRegular    = 2
	unwindSecondLevelCompressed = 3
	unwindPersonalityMask       = 0x30000000

	unwindRegularSecondLevelPageWords    = 4096 / 4
	unwindCompressedSecondLevelPageWords = 4096 / 4
	unwindFuncAddrMask                   = 0x00ffffff // UnwindPageEntry.func_addr is 24 bits
)

// mergedFunc is one function's final compact-unwind record with a
// resolved address, the common form both the ARM64 compact encoding
// and a DWARF-mode record (whose compact encoding just says "go read
// __eh_frame", §4.8) reduce to before paging.
type mergedFunc struct {
	addr        uint64
	encoding    uint32
	personality *Symbol
	lsda        uint64
	hasLSDA     bool
}

// BuildUnwindInfo merges every live object's compact-unwind records
// (falling back to a DWARF-mode encoding for FDEs whose CIE has no
// compact form) into the two-level page table dyld's libunwind reads
// at each call site during exception unwinding (§4.8). Personality
// routines are deduplicated into a shared table indexed by the
// 2-bit field (bits 28-29) the compact encoding format reserves for them
// (UNWIND_PERSONALITY_MASK).
func BuildUnwindInfo(ctx *Context) []byte {
	funcs := mergeUnwindRecords(ctx)
	if len(funcs) == 0 {
		return nil
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].addr < funcs[j].addr })

	personalities, persIdx := buildPersonalityTable(funcs)
	for i := range funcs {
		if funcs[i].personality != nil {
			funcs[i].encoding |= uint32(persIdx[funcs[i].personality]) << 28 & unwindPersonalityMask
		}
	}

	lsdaAddrs, lsdaIdx := buildLSDATable(funcs)

	commonEncodings, encIdx := buildCommonEncodingTable(funcs)

	pages := buildSecondLevelPages(funcs, commonEncodings, encIdx)

	return serializeUnwindInfo(commonEncodings, personalities, pages, lsdaAddrs, lsdaIdx, funcs)
}

// mergeUnwindRecords flattens every object's UnwindRecords (compact)
// and FDEs (DWARF-mode fallback) into one list addressed by final
// output address, skipping anything dead-stripped away.
func mergeUnwindRecords(ctx *Context) []mergedFunc {
	var out []mergedFunc
	for _, of := range ctx.Objects {
		if !of.IsAlive() {
			continue
		}
		for _, r := range of.UnwindRecords {
			if r.Subsec == nil || !r.Subsec.IsAlive() {
				continue
			}
			mf := mergedFunc{
				addr:        r.Subsec.Addr() + uint64(r.InputOffset),
				encoding:    r.Encoding,
				personality: r.Personality,
			}
			if r.LSDA != nil && r.LSDA.IsAlive() {
				mf.hasLSDA = true
				mf.lsda = r.LSDA.Addr() + uint64(r.LSDAOffset)
			}
			out = append(out, mf)
		}
		for _, fde := range of.FDEs {
			if fde.Subsec == nil || !fde.Subsec.IsAlive() {
				continue
			}
			enc := uint32(unwindModeDwarf)
			if ctx.Args.Arch == ArchAMD64 {
				enc = unwindModeDwarfX86
			}
			mf := mergedFunc{
				addr:     fde.Subsec.Addr() + uint64(fde.InputOffset),
				encoding: enc,
			}
			if fde.CIE != nil {
				mf.personality = fde.CIE.Personality
			}
			if fde.LSDA != nil && fde.LSDA.IsAlive() {
				mf.hasLSDA = true
				mf.lsda = fde.LSDA.Addr() + uint64(fde.LSDAOffset)
			}
			out = append(out, mf)
		}
	}
	return out
}

func buildPersonalityTable(funcs []mergedFunc) ([]uint32, map[*Symbol]int) {
	idx := make(map[*Symbol]int)
	var addrs []uint32
	for _, f := range funcs {
		if f.personality == nil {
			continue
		}
		if _, ok := idx[f.personality]; ok {
			continue
		}
		idx[f.personality] = len(addrs)
		addrs = append(addrs, uint32(f.personality.Addr()))
	}
	return addrs, idx
}

func buildLSDATable(funcs []mergedFunc) ([]mergedFunc, map[uint64]int) {
	idx := make(map[uint64]int)
	var entries []mergedFunc
	for _, f := range funcs {
		if !f.hasLSDA {
			continue
		}
		if _, ok := idx[f.addr]; ok {
			continue
		}
		idx[f.addr] = len(entries)
		entries = append(entries, f)
	}
	return entries, idx
}

// buildCommonEncodingTable picks out encodings shared by enough
// functions to be worth hoisting into the section-wide common table
// (§4.8 "compressed second-level pages"); an encoding used only once
// stays inline in its page's own per-page encoding table instead.
func buildCommonEncodingTable(funcs []mergedFunc) ([]uint32, map[uint32]int) {
	counts := make(map[uint32]int)
	for _, f := range funcs {
		counts[f.encoding&^unwindPersonalityMask]++
	}
	var common []uint32
	idx := make(map[uint32]int)
	for enc, n := range counts {
		if n < 2 {
			continue
		}
		idx[enc] = len(common)
		common = append(common, enc)
	}
	sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })
	for i, enc := range common {
		idx[enc] = i
	}
	return common, idx
}

type secondLevelPage struct {
	funcs     []mergedFunc
	pageEncs  []uint32 // per-page encodings not present in the common table
	pageEncAt map[uint32]int
}

// buildSecondLevelPages buckets functions into compressed second-level
// pages, each covering up to 4 KiB of encoded (func_addr, encoding)
// pairs (§4.8): a page's own local encoding table holds whatever
// encodings its functions use that aren't already in the common table,
// bounded the same way libunwind's page format caps it.
func buildSecondLevelPages(funcs []mergedFunc, common []uint32, commonIdx map[uint32]int) []secondLevelPage {
	const maxPerPage = 256 // keeps (func_addr,encoding) entries plus local encodings under one 4K page

	var pages []secondLevelPage
	var cur secondLevelPage
	cur.pageEncAt = make(map[uint32]int)

	flush := func() {
		if len(cur.funcs) == 0 {
			return
		}
		pages = append(pages, cur)
		cur = secondLevelPage{pageEncAt: make(map[uint32]int)}
	}

	for _, f := range funcs {
		if len(cur.funcs) >= maxPerPage {
			flush()
		}
		enc := f.encoding &^ unwindPersonalityMask
		if _, ok := commonIdx[enc]; !ok {
			if _, ok := cur.pageEncAt[enc]; !ok {
				cur.pageEncAt[enc] = len(common) + len(cur.pageEncs)
				cur.pageEncs = append(cur.pageEncs, enc)
			}
		}
		cur.funcs = append(cur.funcs, f)
	}
	flush()
	return pages
}

// serializeUnwindInfo writes the final section bytes: the fixed
// header, the common encoding table, the personality table, the
// first-level page index (one UnwindFirstLevelPage per second-level
// page, plus a terminating sentinel entry), the LSDA table, and each
// second-level compressed page.
func serializeUnwindInfo(common, personalities []uint32, pages []secondLevelPage, lsdaFuncs []mergedFunc, lsdaIdx map[uint64]int, allFuncs []mergedFunc) []byte {
	const headerSize = 28 // 7 x ul32, UnwindSectionHeader
	const firstLevelEntrySize = 12
	const lsdaEntrySize = 8

	encodingOffset := uint32(headerSize)
	encodingCount := uint32(len(common))
	personalityOffset := encodingOffset + encodingCount*4
	personalityCount := uint32(len(personalities))
	pageOffset := personalityOffset + personalityCount*4
	pageCount := uint32(len(pages)) + 1 // +1 sentinel

	lsdaOffset := pageOffset + pageCount*firstLevelEntrySize

	var pagePool bytes.Buffer
	firstLevel := make([]struct{ funcAddr, pageOff, lsdaOff uint32 }, 0, len(pages)+1)
	pageStart := lsdaOffset + uint32(len(lsdaFuncs))*lsdaEntrySize

	for _, pg := range pages {
		off := pageStart + uint32(pagePool.Len())
		firstLevel = append(firstLevel, struct{ funcAddr, pageOff, lsdaOff uint32 }{
			funcAddr: uint32(pg.funcs[0].addr),
			pageOff:  off,
			lsdaOff:  lsdaOffsetFor(pg.funcs[0], lsdaIdx, lsdaOffset),
		})
		pagePool.Write(encodeCompressedPage(pg, common))
	}
	if len(allFuncs) > 0 {
		last := allFuncs[len(allFuncs)-1]
		firstLevel = append(firstLevel, struct{ funcAddr, pageOff, lsdaOff uint32 }{
			funcAddr: uint32(last.addr + 1), // sentinel: one past the last covered address
		})
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(unwindSectionVersion))
	binary.Write(&out, binary.LittleEndian, encodingOffset)
	binary.Write(&out, binary.LittleEndian, encodingCount)
	binary.Write(&out, binary.LittleEndian, personalityOffset)
	binary.Write(&out, binary.LittleEndian, personalityCount)
	binary.Write(&out, binary.LittleEndian, pageOffset)
	binary.Write(&out, binary.LittleEndian, pageCount)

	for _, e := range common {
		binary.Write(&out, binary.LittleEndian, e)
	}
	for _, p := range personalities {
		binary.Write(&out, binary.LittleEndian, p)
	}
	for _, fl := range firstLevel {
		binary.Write(&out, binary.LittleEndian, fl.funcAddr)
		binary.Write(&out, binary.LittleEndian, fl.pageOff)
		binary.Write(&out, binary.LittleEndian, fl.lsdaOff)
	}
	for _, f := range lsdaFuncs {
		binary.Write(&out, binary.LittleEndian, uint32(f.addr))
		binary.Write(&out, binary.LittleEndian, uint32(f.lsda))
	}
	out.Write(pagePool.Bytes())

	return out.Bytes()
}

func lsdaOffsetFor(f mergedFunc, lsdaIdx map[uint64]int, lsdaBase uint32) uint32 {
	if !f.hasLSDA {
		return 0
	}
	i, ok := lsdaIdx[f.addr]
	if !ok {
		return 0
	}
	return lsdaBase + uint32(i)*8
}

// encodeCompressedPage writes one UNWIND_SECOND_LEVEL_COMPRESSED page:
// a header, its local encoding table, then one 32-bit
// (func_addr_delta:24 | encoding_index:8) entry per function, deltas
// taken from the page's first function the way UnwindPageEntry's
// 24-bit func_addr field requires.
func encodeCompressedPage(pg secondLevelPage, common []uint32) []byte {
	const pageHeaderSize = 12 // kind, page_offset, page_count ul16 x2, encoding_offset/count ul16 x2 -> UnwindSecondLevelPage is 12 bytes
	encTableOffset := pageHeaderSize
	entriesOffset := encTableOffset + len(pg.pageEncs)*4

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(unwindSecondLevelCompressed))
	binary.Write(&out, binary.LittleEndian, uint16(entriesOffset))
	binary.Write(&out, binary.LittleEndian, uint16(len(pg.funcs)))
	binary.Write(&out, binary.LittleEndian, uint16(encTableOffset))
	binary.Write(&out, binary.LittleEndian, uint16(len(pg.pageEncs)))

	for _, e := range pg.pageEncs {
		binary.Write(&out, binary.LittleEndian, e)
	}

	base := pg.funcs[0].addr
	for _, f := range pg.funcs {
		enc := f.encoding &^ unwindPersonalityMask
		idx, ok := pg.pageEncAt[enc]
		if !ok {
			idx = encodingIndexInCommon(common, enc)
		}
		delta := uint32(f.addr-base) & unwindFuncAddrMask
		entry := delta | uint32(idx&0xff)<<24
		binary.Write(&out, binary.LittleEndian, entry)
	}
	return out.Bytes()
}

func encodingIndexInCommon(common []uint32, enc uint32) int {
	for i, e := range common {
		if e == enc {
			return i
		}
	}
	return 0
}
