package ld

import (
	"log"
	"os"
)

// Arch identifies the target instruction set. The core only ever targets
// one of these per link; the ARM64/x86-64 split shows up throughout the
// relocation scanner, the layout thunk pass, and the stub/GOT templates.
type Arch int

const (
	ArchARM64 Arch = iota
	ArchAMD64
)

func (a Arch) String() string {
	if a == ArchARM64 {
		return "arm64"
	}
	return "x86_64"
}

// PageSize returns the segment alignment for the target: 16K on ARM64,
// 4K on x86-64 (§4.5, §8 property 5).
func (a Arch) PageSize() uint64 {
	if a == ArchARM64 {
		return 1 << 14
	}
	return 1 << 12
}

// OutputType is the Mach-O filetype the link produces.
type OutputType int

const (
	OutputExecutable OutputType = iota
	OutputDylib
	OutputBundle
)

// FixupScheme picks between the classic rebase/bind/lazy-bind streams and
// the modern chained-fixups encoding (§4.7). Exactly one is emitted.
type FixupScheme int

const (
	FixupClassic FixupScheme = iota
	FixupChainedFixups
)

// LinkArgs is the narrow, already-parsed surface the core consumes from
// its driver (cmd/ld64go). Everything about flag syntax, response files,
// and search-path discovery lives in the driver; the core only sees the
// resolved values, the same separation FileConfig draws between "how do
// I open a file" (driver/caller concern) and "what does the reader do
// with it" (library concern).
type LinkArgs struct {
	Output       string
	Arch         Arch
	OutputType   OutputType
	Fixups       FixupScheme
	Entry        string
	DeadStrip    bool
	ForceUndef   []string // -u
	LibPaths     []string // -L, already resolved to directories
	Inputs       []string // object files, archives, dylibs, tbds, in CLI order
	Rpaths       []string
	SysLibRoot   string
	PlatformName string
	MinOSVersion uint32
	SDKVersion   uint32
	UUIDNone     bool
	AppExtSafe   bool
	Demangle     bool
}

// Context is the link session: every arena the phases read and write
// lives here for the lifetime of one link. Arenas are append-only for the
// whole link (§5 "Shared state"); cross-references between files,
// sections, subsections, and symbols are plain Go pointers into these
// slices/maps, which stay valid because nothing is ever reallocated out
// from under a live pointer.
type Context struct {
	Args *LinkArgs

	Logger *log.Logger
	Errors *ErrorSet

	SymTab *SymbolTable

	Objects  []*ObjectFile
	Dylibs   []*DylibFile
	Archives []*Archive
	Internal *InternalFile

	// nextPriority hands out the monotonic command-line-order priority
	// every InputFile carries, used as the resolver's tiebreaker.
	nextPriority int

	OutputSegments []*OutputSegment
	outSections    map[string]*OutputSection // "segname/sectname" -> section, pre-layout registry

	GotSection      *OutputSection
	StubsSection    *OutputSection
	StubHelper      *OutputSection
	LazyPtrSection  *OutputSection
	ThreadPtrSec    *OutputSection
	ObjcStubsSec    *OutputSection
	ObjcSelRefsSec  *OutputSection

	dyldStubBinder *Symbol
	objcMsgSend    *Symbol
}

// NewContext builds a fresh link session for args.
func NewContext(args *LinkArgs) *Context {
	ctx := &Context{
		Args:        args,
		Logger:      log.New(os.Stderr, "ld64go: ", 0),
		Errors:      &ErrorSet{},
		SymTab:      NewSymbolTable(),
		outSections: make(map[string]*OutputSection),
	}
	ctx.Internal = newInternalFile(ctx)
	return ctx
}

// allocPriority assigns the next monotonic command-line-order priority.
func (ctx *Context) allocPriority() int {
	p := ctx.nextPriority
	ctx.nextPriority++
	return p
}
