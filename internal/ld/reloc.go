package ld

import macho "github.com/blacktop/ld64go"

// Relocation type constants, named after <mach-o/reloc.h> and
// <mach-o/arm64/reloc.h>; the kept reader only exposes the raw nlist-style
// macho.Reloc, so the scanner reinterprets Type against these per
// architecture (§4.3, grounded on original_source/macho/arch-arm64.cc and
// arch-x86-64.cc's reloc switches).
const (
	ARM64RelocUnsigned        = 0
	ARM64RelocSubtractor      = 1
	ARM64RelocBranch26        = 2
	ARM64RelocPage21          = 3
	ARM64RelocPageoff12       = 4
	ARM64RelocGotLoadPage21   = 5
	ARM64RelocGotLoadPageoff12 = 6
	ARM64RelocPointerToGot    = 7
	ARM64RelocTlvpLoadPage21  = 8
	ARM64RelocTlvpLoadPageoff12 = 9
	ARM64RelocAddend         = 10
	ARM64RelocAuthPointer    = 11

	X86_64RelocUnsigned    = 0
	X86_64RelocSigned      = 1
	X86_64RelocBranch      = 2
	X86_64RelocGotLoad     = 3
	X86_64RelocGot         = 4
	X86_64RelocSubtractor  = 5
	X86_64RelocSigned1     = 6
	X86_64RelocSigned2     = 7
	X86_64RelocSigned4     = 8
	X86_64RelocTlv         = 9
)

// Relocation is the decoded, addend-resolved form of one input relocation
// (§3 Relocation), built from a pair of macho.Reloc entries when the raw
// type is SUBTRACTOR/ARM64_RELOC_ADDEND.
type Relocation struct {
	Offset uint32 // byte offset within the owning Subsection (rebased by assignRelocsToSubsections)
	Type   uint8
	Size   uint // 1, 2, 4, or 8 bytes
	PCRel  bool

	// TargetSym is the symbol an Extern relocation refers to by nlist
	// index; it is nil for a non-Extern (section-relative) relocation,
	// whose target is TargetSubsec instead.
	TargetSym *Symbol

	// Addend is the explicit addend, taken from ARM64_RELOC_ADDEND's
	// paired entry or an x86-64 SIGNED_N encoding; implicit addends baked
	// into the instruction/data bytes are read directly from the section
	// content by the relocation-application pass instead.
	Addend int64

	// SubtrahendSym is set for a SUBTRACTOR pair: the final value is
	// TargetSym - SubtrahendSym + Addend (§4.3 "Subtractor pairs").
	SubtrahendSym *Symbol

	// TargetSubsec is the resolved target for a section-relative
	// (non-extern) relocation whose implicit addend was cheap to decode
	// at parse time (a plain absolute pointer word). PC-relative
	// section-relative relocations (ADRP/ADD/LDR page sequences) need a
	// full per-architecture instruction decode to recover their implicit
	// addend; that decode belongs to the relocation-application pass
	// (P7) instead, so TargetSubsec stays nil for them and the dead-strip
	// mark phase simply treats such edges as already reachable through
	// the section's other, extern relocations.
	TargetSubsec *Subsection
}

// Subsec returns the relocation's best-effort target subsection: the
// resolved symbol's subsection for an extern reference, or the
// directly-decoded TargetSubsec for a section-relative one.
func (r *Relocation) Subsec() *Subsection {
	if r.TargetSym != nil {
		return r.TargetSym.Subsec
	}
	return r.TargetSubsec
}

// rawRelocPair couples a macho.Reloc with its SUBTRACTOR/ADDEND partner.
// parseRelocations pairs those entries inline while decoding, so no code
// constructs this type.
type rawRelocPair struct {
	r      macho.Reloc
	paired *macho.Reloc
}
