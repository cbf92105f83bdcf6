package ld

// UNWIND_MODE_MASK isolates the compact-unwind encoding's mode bits
// (bits 24-27 of the 32-bit encoding word); mode 3 ("dwarf") means the
// record defers to __eh_frame instead of carrying compact info
// (grounded on original_source/macho/input-files.cc's parse_compact_unwind).
const (
	unwindModeMask    = 0x0F000000
	unwindModeDwarf   = 0x03000000
	unwindModeDwarfX86 = 0x04000000 // x86-64's "dwarf" mode is 4; ARM64's is 3
)

// UnwindRecord is one parsed entry from an object's __LD,__compact_unwind
// section, with its three relocatable fields already resolved to
// subsection+offset or a symbol (§4.8).
type UnwindRecord struct {
	CodeLen  uint32
	Encoding uint32

	Subsec      *Subsection
	InputOffset uint32

	Personality *Symbol

	LSDA       *Subsection
	LSDAOffset uint32
}

func (r *UnwindRecord) isDwarfMode(arch Arch) bool {
	mode := r.Encoding & unwindModeMask
	if arch == ArchAMD64 {
		return mode == unwindModeDwarfX86
	}
	return mode == unwindModeDwarf
}

// CIE is a parsed Common Information Entry from __TEXT,__eh_frame
// (§4.8). Only the fields the merge into __unwind_info needs are kept;
// the rest of the CIE's augmentation data is preserved as raw bytes and
// copied through unchanged.
type CIE struct {
	Subsec      *Subsection
	InputOffset uint32
	Size        uint32

	Personality *Symbol
	LSDAEncoding byte
	FDEEncoding  byte

	Raw []byte // the full CIE record, relocation-free after apply_eh_frame_relocs
}

// FDE is a parsed Frame Description Entry, one per function with
// DWARF-mode unwind info.
type FDE struct {
	Subsec      *Subsection
	InputOffset uint32
	Size        uint32

	CIE *CIE
	LSDA *Subsection
	LSDAOffset uint32

	Raw []byte
}
