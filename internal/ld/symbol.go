package ld

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Visibility is how far a symbol's definition is allowed to escape its
// defining file (§3 Symbol, §4.2 "Visibility promotion").
type Visibility int

const (
	ScopeLocal Visibility = iota
	ScopeModule
	ScopeGlobal
)

// SymFlag bits accumulate during the scan phase (§4.4); they are only
// ever set with fetch_or, never cleared, except by range-extension-thunk
// bookkeeping which resets them when a thunk is discarded.
type SymFlag uint32

const (
	NeedsGOT SymFlag = 1 << iota
	NeedsStub
	NeedsThreadPtr
	NeedsObjCStub
	NeedsRangeExtnThunk
)

// rank encodes the symbol-resolution precedence lattice (§4.2) as
// (strength<<24 | priority), so that a lower value always wins and ties
// are broken by file priority without a second comparison.
type rank uint32

const (
	rankStrongDefinedAlive rank = 1
	rankWeakDefinedAlive   rank = 2
	rankStrongArchiveDylib rank = 3
	rankWeakArchiveDylib   rank = 4
	rankCommonAlive        rank = 5
	rankCommonArchive      rank = 6
	rankUndefined          rank = 7
)

func makeRank(strength rank, priority int) uint32 {
	return uint32(strength)<<24 | uint32(priority)
}

// getFileRank implements the precedence table in spec §4.2.
func getFileRank(file InputFile, isCommon, isWeak bool) rank {
	inArchive := !file.IsAlive()
	switch {
	case isCommon:
		if inArchive {
			return rankCommonArchive
		}
		return rankCommonAlive
	case file.IsDylib() || inArchive:
		if isWeak {
			return rankWeakArchiveDylib
		}
		return rankStrongArchiveDylib
	default:
		if isWeak {
			return rankWeakDefinedAlive
		}
		return rankStrongDefinedAlive
	}
}

// Symbol is the globally-interned record for one name (§3 Symbol). Its
// file/subsec/value fields are mutated only under mu until the resolver
// finishes (P3); after that they are frozen and only flags/index fields
// keep changing through scanning (P5) and layout (P6).
type Symbol struct {
	Name string

	mu         sync.Mutex
	file       InputFile
	visibility Visibility

	IsCommon    bool
	IsWeak      bool
	IsAbs       bool
	IsTLV       bool
	IsImported  bool
	IsExported  bool
	NoDeadStrip bool

	Subsec *Subsection
	Value  uint64 // byte offset within Subsec, or absolute value if IsAbs/IsCommon

	StubIdx int32
	GotIdx  int32
	TlvIdx  int32

	ThunkIdx    int32
	ThunkSymIdx int32

	flags atomic.Uint32
}

func newSymbol(name string) *Symbol {
	return &Symbol{
		Name:    name,
		StubIdx: -1,
		GotIdx:  -1,
		TlvIdx:  -1,

		ThunkIdx:    -1,
		ThunkSymIdx: -1,
	}
}

// File returns the symbol's defining file, or nil if still undefined.
func (s *Symbol) File() InputFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func (s *Symbol) Visibility() Visibility {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibility
}

// currentRank returns this symbol's current lattice position, 7<<24 for
// an undefined symbol (§4.2 table row 7).
func (s *Symbol) currentRank() uint32 {
	if s.file == nil {
		return uint32(rankUndefined) << 24
	}
	return makeRank(getFileRank(s.file, s.IsCommon, s.IsWeak), s.file.Priority())
}

// AddFlags atomically ORs bits into the symbol's scan-phase flags and
// reports whether all of the given bits were already set (a caller that
// sees false does once-only bookkeeping, e.g. appending to a thunk's
// symbol list exactly once).
func (s *Symbol) AddFlags(bits SymFlag) (wasAlreadySet bool) {
	old := s.flags.Or(uint32(bits))
	return old&uint32(bits) == uint32(bits)
}

func (s *Symbol) Flags() SymFlag { return SymFlag(s.flags.Load()) }

func (s *Symbol) HasGOT() bool  { return s.GotIdx >= 0 }
func (s *Symbol) HasStub() bool { return s.StubIdx >= 0 }
func (s *Symbol) HasTLV() bool  { return s.TlvIdx >= 0 }

// Addr computes the symbol's final virtual address. Only valid after
// layout (P6) has assigned Subsec.outputOffset, or immediately for
// Abs/Common-turned-zerofill symbols.
func (s *Symbol) Addr() uint64 {
	if s.IsAbs {
		return s.Value
	}
	if s.Subsec == nil {
		return 0
	}
	return s.Subsec.Addr() + s.Value
}

// symShard is one lock-partitioned bucket of the global symbol table.
// Partitioning by a hash of the name (§9 design notes: "partitioning
// symbols across workers" as the GC-language analogue of the spec's
// per-symbol spinlock) keeps insertion contention low without a single
// global mutex.
type symShard struct {
	mu sync.RWMutex
	m  map[string]*Symbol
}

const numSymShards = 64

// SymbolTable is the concurrent, name-interned global symbol map (§3
// Symbol: "Globally interned by name in a concurrent map").
type SymbolTable struct {
	shards [numSymShards]*symShard
}

func NewSymbolTable() *SymbolTable {
	t := &SymbolTable{}
	for i := range t.shards {
		t.shards[i] = &symShard{m: make(map[string]*Symbol)}
	}
	return t
}

func (t *SymbolTable) shardFor(name string) *symShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return t.shards[h.Sum32()%numSymShards]
}

// Intern returns the unique Symbol for name, creating a default (undefined)
// one under the shard's lock if this is the first reference.
func (t *SymbolTable) Intern(name string) *Symbol {
	shard := t.shardFor(name)

	shard.mu.RLock()
	if sym, ok := shard.m[name]; ok {
		shard.mu.RUnlock()
		return sym
	}
	shard.mu.RUnlock()

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if sym, ok := shard.m[name]; ok {
		return sym
	}
	sym := newSymbol(name)
	shard.m[name] = sym
	return sym
}

// Lookup returns the Symbol for name if it has already been interned,
// without creating one.
func (t *SymbolTable) Lookup(name string) (*Symbol, bool) {
	shard := t.shardFor(name)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	sym, ok := shard.m[name]
	return sym, ok
}

// Range calls fn for every interned symbol. Order is unspecified;
// callers that need determinism sort the result.
func (t *SymbolTable) Range(fn func(*Symbol)) {
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, sym := range shard.m {
			fn(sym)
		}
		shard.mu.RUnlock()
	}
}
