package ld

import (
	"fmt"

	macho "github.com/blacktop/ld64go"
)

// FileKind distinguishes the four InputFile flavors the resolver and the
// layout phase branch on (§3 InputFile).
type FileKind int

const (
	KindObject FileKind = iota
	KindDylib
	KindInternal
	KindArchiveMember
)

// InputFile is satisfied by every file that can define or reference a
// symbol: a parsed .o, a .dylib/.tbd stub, the synthesized internal
// pseudo-file, or an archive member lazily materialized as an ObjectFile.
// Implemented by *ObjectFile, *DylibFile, and *InternalFile.
type InputFile interface {
	Kind() FileKind
	Name() string
	Priority() int
	IsAlive() bool
	IsDylib() bool
}

// fileBase carries the bookkeeping every InputFile variant shares: its
// command-line order (used as the resolver's tiebreaker, §4.2) and the
// alive flag dead-stripping toggles on archive members when the resolver
// decides to pull them in (§4.2 "Archive member inclusion is monotonic").
type fileBase struct {
	name     string
	priority int
	alive    bool // always true for non-archive files
}

func (f *fileBase) Name() string  { return f.name }
func (f *fileBase) Priority() int { return f.priority }
func (f *fileBase) IsAlive() bool { return f.alive }

// ObjectFile is one parsed relocatable .o, whether it arrived directly on
// the command line or was pulled out of a static archive (§3 ObjectFile).
type ObjectFile struct {
	fileBase

	Raw *macho.File // the underlying reader, kept for lazy section access

	FromArchive *Archive // nil unless this came out of an archive
	ArchiveOff  int64

	Sections []*InputSection

	// Syms holds every nlist entry's resolved Symbol, parallel to the
	// reader's Symtab.Syms, so relocation scanning can map an nlist
	// index straight to its interned Symbol. Entries for local (non-N_EXT)
	// symbols are nil; their Symbol lives only in localSyms.
	Syms []*Symbol

	// nlists is a parallel projection of Raw.Symtab.Syms into the
	// vocabulary resolve.go uses, built once by parseObject.
	nlists []*nlistView

	// localSyms holds symbols with N_EXT unset: never installed in the
	// global SymbolTable, so two objects' same-named locals never collide.
	localSyms []*Symbol

	CommonSyms []*Symbol // symbols resolved to tentative (S_COMMON-ish) defs

	UnwindRecords []*UnwindRecord
	CIEs          []*CIE
	FDEs          []*FDE

	ModInitFuncs []*Subsection
	ModTermFuncs []*Subsection

	MinVersion uint32
	Platform   uint32

	// objcStubNames holds names of `_objc_msgSend$<sel>` stub-synthesis
	// requests (§4.4, spec input-files.cc:1078). No phase fills it: Scan
	// flags such symbols with NeedsObjCStub instead.
	objcStubNames []string
}

func (f *ObjectFile) Kind() FileKind    { return KindObject }
func (f *ObjectFile) IsDylib() bool { return false }

// DylibFile represents a linked .dylib or a .tbd text-stub standing in
// for one (§3 DylibFile). It never contributes code or data, only
// symbol definitions that the output binds against at load time.
type DylibFile struct {
	fileBase

	InstallName   string
	CurrentVer    uint32
	CompatVer     uint32
	Weak          bool
	Reexport      bool
	Exports       []string // symbol names this dylib defines
	Reexports     []*DylibFile

	// ordinal is this dylib's 1-based LC_LOAD_DYLIB position, assigned
	// by loadDylibStub as the dylib is appended to ctx.Dylibs, used to
	// bind symbols against it.
	ordinal int
}

func (f *DylibFile) Kind() FileKind    { return KindDylib }
func (f *DylibFile) IsDylib() bool { return true }

// Archive is a parsed `!<arch>\n` static library (§3 Archive, P1). Every
// member is parsed up front by loadAllMembers (see MemberOffsets); a
// member only becomes live once the resolver picks one of its symbols.
type Archive struct {
	fileBase

	Path string
	Raw  []byte

	// SymToMember maps an exported symbol name to the file offset of the
	// archive member that defines it (the `__.SYMDEF` style index, or a
	// from-scratch scan of each member's symtab if no index is present).
	SymToMember map[string]int64

	// members caches ObjectFiles already pulled in, keyed by offset, so
	// a symbol touched by two different resolver passes only parses once.
	members map[int64]*ObjectFile

	// names maps a member's data offset to its name, for diagnostics and
	// for loadAllMembers to label the ObjectFile it materializes.
	names map[int64]string

	// MemberOffsets lists every member's data offset in archive order,
	// walked once by loadAllMembers to parse the whole archive up front
	// (§4.2: a dead member still has to stand as a rankStrongArchiveDylib
	// candidate before it can lose, or win, the resolver's race).
	MemberOffsets []int64
}

func (a *Archive) Kind() FileKind    { return KindArchiveMember }
func (a *Archive) IsDylib() bool { return false }
func (a *Archive) IsAlive() bool { return false } // an archive itself never becomes live, only its members do

// InternalFile synthesizes the handful of symbols the link needs that no
// real input defines: the dyld/ObjC runtime entry points the stub helper
// and ObjC-stub code reference, and the per-output-type Mach-O header
// symbols dyld uses to locate the image at load time (§6, grounded on
// input-files.cc's InternalFile::InternalFile and the __mh_* switch at
// input-files.cc:1348).
type InternalFile struct {
	fileBase

	DyldStubBinder *Symbol
	ObjcMsgSend    *Symbol
	DyldPrivate    *Symbol
	MhHeader       *Symbol // __mh_execute_header, __mh_dylib_header, or __mh_bundle_header depending on OutputType
	DsoHandle      *Symbol
}

func (f *InternalFile) Kind() FileKind    { return KindInternal }
func (f *InternalFile) IsDylib() bool { return false }

// newInternalFile interns and claims the sentinel symbols (§6 "Internal
// pseudo-file"). It runs before any real input is parsed. The sentinels
// are claimed as NoDeadStrip absolute definitions owned by a file at
// priority -1, which makeRank turns into the worst possible rank
// (0xFFFFFFFF), so a real object that defines one of these names
// outranks the sentinel and takes the symbol over during resolution.
func newInternalFile(ctx *Context) *InternalFile {
	f := &InternalFile{fileBase: fileBase{name: "<internal>", priority: -1, alive: true}}

	claim := func(name string) *Symbol {
		sym := ctx.SymTab.Intern(name)
		sym.mu.Lock()
		sym.file = f
		sym.visibility = ScopeLocal
		sym.NoDeadStrip = true
		sym.IsAbs = true // address patched in by emit.go once the header/stub-helper layout is known
		sym.mu.Unlock()
		return sym
	}

	f.DyldStubBinder = claim("dyld_stub_binder")
	f.ObjcMsgSend = claim("_objc_msgSend")
	f.DyldPrivate = claim("__dyld_private")
	f.DsoHandle = claim("___dso_handle")

	switch ctx.Args.OutputType {
	case OutputDylib:
		f.MhHeader = claim("__mh_dylib_header")
	case OutputBundle:
		f.MhHeader = claim("__mh_bundle_header")
	default:
		f.MhHeader = claim("__mh_execute_header")
	}

	return f
}

// fileDisplayName renders an input file's name for diagnostics, prefixing
// the owning archive path the way ld's own error messages do ("foo.a(bar.o)").
func fileDisplayName(f InputFile) string {
	if of, ok := f.(*ObjectFile); ok && of.FromArchive != nil {
		return fmt.Sprintf("%s(%s)", of.FromArchive.Path, of.Name())
	}
	return f.Name()
}
