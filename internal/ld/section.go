package ld

import (
	"sync/atomic"

	macho "github.com/blacktop/ld64go"
)

// Section type/attribute bits the core cares about, named the way
// types/header.go names Mach-O flag constants. Only the subset the
// linker's splitting, dead-strip, and layout logic inspects is kept here;
// the rest live in the object's raw section header.
const (
	sAttrDebug        = 0x02000000 // S_ATTR_DEBUG
	sAttrNoDeadStrip  = 0x10000000 // S_ATTR_NO_DEAD_STRIP
	sAttrLiveSupport  = 0x08000000 // S_ATTR_LIVE_SUPPORT
	sAttrSomeInstr    = 0x00000400

	sTypeRegular              = 0x0
	sTypeCstringLiterals       = 0x2
	sTypeZerofill              = 0x1
	sType4ByteLiterals         = 0x3
	sType8ByteLiterals         = 0x4
	sTypeLiteralPointers       = 0x5
	sTypeModInitFuncPointers   = 0x9
	sTypeModTermFuncPointers   = 0xa
	sTypeThreadLocalRegular    = 0x11
	sTypeThreadLocalZerofill   = 0x12
	sTypeThreadLocalVariables  = 0x13
	sType16ByteLiterals        = 0xe
)

// InputSection is an immutable view of one Mach-O section of one object
// (§3 InputSection). Sections in segment __LLVM, or with S_ATTR_DEBUG,
// are parsed only for side data (stabs, DWARF) and never become output
// chunks.
type InputSection struct {
	File     *ObjectFile
	SegName  string
	SectName string
	SecType  uint8
	Attrs    uint32
	Addr     uint64
	Size     uint64
	P2Align  uint8
	Raw      []byte // empty for S_ZEROFILL
	Relocs   []Relocation

	// OutSegName/OutSectName are the remapped output location (§3
	// OutputSection remapping table); computed once at parse time.
	OutSegName  string
	OutSectName string

	// subsecs is the ordered result of subsections-via-symbols splitting
	// (§4.1), filled once by parseObject.
	subsecs []*Subsection

	// raw is the underlying reader's section, kept only long enough for
	// parseRelocations/parseCompactUnwind to read its pre-decoded Relocs.
	raw *macho.Section
}

func (is *InputSection) isDebug() bool {
	return is.SegName == "__LLVM" || is.Attrs&sAttrDebug != 0
}

func (is *InputSection) isLiteral() bool {
	switch is.SecType {
	case sTypeCstringLiterals, sType4ByteLiterals, sType8ByteLiterals, sType16ByteLiterals, sTypeLiteralPointers:
		return true
	}
	return is.SegName == "__TEXT" && is.SectName == "__eh_frame"
}

// remapOutputLocation applies the §3 OutputSection remap table.
func remapOutputLocation(segName, sectName string) (string, string) {
	if segName == "__DATA" {
		switch sectName {
		case "__got", "__auth_got", "__auth_ptr", "__nl_symbol_ptr", "__const",
			"__cfstring", "__mod_init_func", "__mod_term_func",
			"__objc_classlist", "__objc_nlclslist", "__objc_catlist",
			"__objc_nlcatlist", "__objc_protolist":
			return "__DATA_CONST", sectName
		}
	}
	if segName == "__TEXT" && sectName == "__StaticInit" {
		return "__TEXT", "__text"
	}
	return segName, sectName
}

// Subsection is the linking granularity unit (§3 Subsection).
type Subsection struct {
	Isec      *InputSection
	InputAddr uint64
	InputSize uint32
	P2Align   uint8

	RelOffset int // slice into Isec.Relocs: [RelOffset, RelOffset+NRels)
	NRels     int

	unwindOffset int // slice into File.UnwindRecords
	nUnwind      int

	alive atomic.Bool

	OutSec       *OutputSection
	outputOffset int64 // -1 until layout assigns it
}

func newSubsection(isec *InputSection, addr uint64, size uint32, p2align uint8) *Subsection {
	ss := &Subsection{
		Isec:         isec,
		InputAddr:    addr,
		InputSize:    size,
		P2Align:      p2align,
		outputOffset: -1,
	}
	return ss
}

func (ss *Subsection) IsAlive() bool  { return ss.alive.Load() }
func (ss *Subsection) markAlive() (wasDead bool) {
	return ss.alive.CompareAndSwap(false, true)
}

func (ss *Subsection) Rels() []Relocation {
	return ss.Isec.Relocs[ss.RelOffset : ss.RelOffset+ss.NRels]
}

func (ss *Subsection) UnwindRecords() []*UnwindRecord {
	if ss.Isec.File == nil {
		return nil
	}
	return ss.Isec.File.UnwindRecords[ss.unwindOffset : ss.unwindOffset+ss.nUnwind]
}

// OutputOffset is the byte offset from the OutputSection's vmaddr, valid
// only after layout (P6).
func (ss *Subsection) OutputOffset() int64 { return ss.outputOffset }

func (ss *Subsection) SetOutputOffset(off int64) { ss.outputOffset = off }

// Addr returns the subsection's final virtual address. Valid only after
// layout has assigned both the subsection's and its OutputSection's
// addresses.
func (ss *Subsection) Addr() uint64 {
	if ss.OutSec == nil || ss.outputOffset < 0 {
		return 0
	}
	return ss.OutSec.Addr + uint64(ss.outputOffset)
}

// Chunk is anything placed by the layout phase within an OutputSegment:
// an OutputSection of subsections, or a linker-synthesized LINKEDIT
// stream (symtab, string table, rebase/bind, chained fixups, ...).
type Chunk interface {
	ChunkSegName() string
	ChunkSectName() string
	ChunkP2Align() uint8
	ChunkSize() uint64
	IsZerofill() bool
}

// OutputSection is an ordered list of Subsections sharing (segname,
// sectname) (§3 OutputSection).
type OutputSection struct {
	SegName  string
	SectName string
	P2Align  uint8
	Attrs    uint32
	SecType  uint8

	Members []*Subsection
	Thunks  []*RangeExtensionThunk

	// Syms and EntrySize describe a linker-synthesized, fixed-stride
	// section (§4.4: the GOT, the stub/stub-helper/lazy-pointer trio, the
	// thread-pointer section, and the ObjC stub section) instead of one
	// built from input subsections. A section is either Members-driven or
	// Syms-driven, never both.
	Syms      []*Symbol
	EntrySize uint64

	Addr   uint64
	Offset uint64
	Size   uint64
}

func (os *OutputSection) ChunkSegName() string  { return os.SegName }
func (os *OutputSection) ChunkSectName() string { return os.SectName }
func (os *OutputSection) ChunkP2Align() uint8   { return os.P2Align }
func (os *OutputSection) ChunkSize() uint64     { return os.Size }
func (os *OutputSection) IsZerofill() bool {
	return os.SecType == sTypeZerofill || os.SecType == sTypeThreadLocalZerofill
}

// addMember folds a new subsection's contributed p2align/attrs/type into
// the section (§3: "Inherits p2align, attr, and type from its members
// (max / bitwise-or / last-writer respectively)").
func (os *OutputSection) addMember(ss *Subsection) {
	os.Members = append(os.Members, ss)
	if ss.P2Align > os.P2Align {
		os.P2Align = ss.P2Align
	}
	os.Attrs |= ss.Isec.Attrs
	os.SecType = ss.Isec.SecType
	ss.OutSec = os
}

// OutputSegment holds an ordered list of Chunks (§3 OutputSegment).
type OutputSegment struct {
	Name string

	Chunks []Chunk

	Addr     uint64
	Offset   uint64
	VMSize   uint64
	FileSize uint64

	MaxProt  uint32
	InitProt uint32
}

// segmentOrderIndex implements §4.5 "Segment order": the canonical
// segments in a fixed position, everything else sorted alphabetically
// between __DATA and __LINKEDIT.
func segmentOrderIndex(name string) int {
	switch name {
	case "__PAGEZERO":
		return 0
	case "__TEXT":
		return 1
	case "__DATA_CONST":
		return 2
	case "__DATA":
		return 3
	case "__LINKEDIT":
		return 1 << 30
	default:
		return 1 << 20 // sorted alphabetically among themselves by caller
	}
}
