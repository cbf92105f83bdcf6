package ld

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
)

// ApplyRelocations rewrites every live subsection's bytes in place,
// resolving each relocation's S/A/P/G value convention to a final
// instruction or data-word encoding (§4.6, grounded on
// original_source/macho/arch-arm64.cc's apply_reloc and
// arch-x86-64.cc's counterpart). It must run after Layout, since P
// (the relocation site's own address) and G (a GOT/TLV slot's address)
// are only known once every subsection and synthetic section has its
// final Addr.
func ApplyRelocations(ctx *Context) error {
	g := new(errgroup.Group)
	for _, of := range ctx.Objects {
		of := of
		if !of.IsAlive() {
			continue
		}
		g.Go(func() error {
			for _, ss := range of.subsections() {
				if !ss.IsAlive() {
					continue
				}
				if err := applySubsection(ctx, ss); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// rawBytes returns ss's byte range within its owning InputSection's raw
// content, the slice every relocation in ss is applied against.
func (ss *Subsection) rawBytes() []byte {
	off := ss.InputAddr - ss.Isec.Addr
	return ss.Isec.Raw[off : off+uint64(ss.InputSize)]
}

func applySubsection(ctx *Context, ss *Subsection) error {
	buf := ss.rawBytes()
	rels := ss.Rels()
	for i := range rels {
		if err := applyOne(ctx, ss, buf, &rels[i]); err != nil {
			return err
		}
	}
	return nil
}

// relocContext bundles the value-convention inputs apply_reloc needs:
// S (symbol address), A (explicit addend), P (site address), and the
// resolved GOT/TLV slot, if any.
type relocContext struct {
	S, A, P int64
	G, GOT  int64
}

func buildRelocContext(ctx *Context, ss *Subsection, r *Relocation) relocContext {
	rc := relocContext{
		A: r.Addend,
		P: int64(ss.Addr()) + int64(r.Offset),
	}

	switch {
	case r.TargetSym != nil:
		sym := r.TargetSym
		rc.S = int64(sym.Addr())
		rc.GOT = int64(ctx.GotSection.Addr)
		if sym.HasGOT() {
			rc.G = int64(ctx.GotSection.Addr) + int64(sym.GotIdx)*8
		}
		if sym.HasTLV() {
			rc.G = int64(ctx.ThreadPtrSec.Addr) + int64(sym.TlvIdx)*8
		}
	case r.TargetSubsec != nil:
		rc.S = int64(r.TargetSubsec.Addr())
	}
	return rc
}

func applyOne(ctx *Context, ss *Subsection, buf []byte, r *Relocation) error {
	rc := buildRelocContext(ctx, ss, r)
	site := siteOffset(ss, r)
	if ctx.Args.Arch == ArchARM64 {
		return applyARM64(ctx, ss, buf, site, r, rc)
	}
	return applyAMD64(ctx, ss, buf, site, r, rc)
}

// siteOffset returns a relocation's index within this subsection's own
// rawBytes() slice; assignRelocsToSubsections has already made
// Relocation.Offset relative to the owning subsection.
func siteOffset(ss *Subsection, r *Relocation) uint32 {
	return r.Offset
}

// bits extracts the inclusive bit range [hi:lo] of val, shifted down to
// start at bit 0. Confirmed against its call sites in pageOffsetImm:
// bits(val,13,12) must yield ADRP's 2-bit immlo field and
// bits(val,32,14) its 19-bit immhi field, which only holds for this
// definition.
func bits(val uint64, hi, lo uint) uint64 {
	width := hi - lo + 1
	return (val >> lo) & ((uint64(1) << width) - 1)
}

func pageOf(addr uint64) uint64 { return addr &^ 0xfff }

// pageOffsetImm computes ADRP's 21-bit page-displacement immediate
// between the page containing target and the page containing pc,
// split across the instruction's immlo (bits 30:29) and immhi (bits
// 23:5) fields (§4.6, arch-arm64.cc page_offset).
func pageOffsetImm(target, pc uint64) uint32 {
	val := pageOf(target) - pageOf(pc)
	return uint32(bits(val, 13, 12)<<29 | bits(val, 32, 14)<<5)
}

// adrpImmMask covers ADRP's immlo (bits 30:29) and immhi (bits 23:5)
// fields, the only bits writeADRP may touch; bit 31 and bits 28:24
// (the ADRP opcode itself) and bits 4:0 (Rd) are left as the compiler
// emitted them.
const adrpImmMask = 0x60000000 | 0x00ffffe0

func writeADRP(buf []byte, off uint32, target, pc uint64) {
	insn := binary.LittleEndian.Uint32(buf[off:])
	insn = insn&^uint32(adrpImmMask) | pageOffsetImm(target, pc)
	binary.LittleEndian.PutUint32(buf[off:], insn)
}

// writeAddLdst patches the 12-bit unsigned immediate field (bits
// [21:10]) of an ADD (immediate) or LDR/STR (unsigned offset)
// instruction with the low 12 bits of the page offset, scaling by the
// LDR/STR access size when the instruction is a load/store (§4.6,
// arch-arm64.cc write_add_ldst).
func writeAddLdst(buf []byte, off uint32, val uint64) {
	insn := binary.LittleEndian.Uint32(buf[off:])
	imm12 := val & 0xfff
	if insn&0x3b000000 == 0x39000000 { // LDR/STR unsigned immediate class
		size := uint(insn>>30) & 0x3
		if insn&0x04800000 == 0x04800000 { // 128-bit SIMD/FP variant
			size = 4
		}
		imm12 >>= size
	}
	insn = insn&^(uint32(0xfff) << 10) | uint32(imm12&0xfff)<<10
	binary.LittleEndian.PutUint32(buf[off:], insn)
}

func writeBranch26(buf []byte, off uint32, disp int64) {
	insn := binary.LittleEndian.Uint32(buf[off:])
	imm26 := uint32(disp>>2) & 0x3ffffff
	insn = insn&^uint32(0x3ffffff) | imm26
	binary.LittleEndian.PutUint32(buf[off:], insn)
}

const arm64BranchRange = 1 << 27 // +/-128 MiB, a 26-bit word (28-bit byte) signed displacement

// applyARM64 mirrors arch-arm64.cc's apply_reloc switch.
func applyARM64(ctx *Context, ss *Subsection, buf []byte, off uint32, r *Relocation, rc relocContext) error {
	switch r.Type {
	case ARM64RelocUnsigned:
		if r.TargetSym != nil && r.TargetSym.IsImported {
			return nil // bound dynamically by a rebase/bind fixup instead (§4.7)
		}
		val := uint64(rc.S + rc.A)
		if r.TargetSym != nil && r.TargetSym.IsTLV {
			val = uint64(rc.S) // TLV templates carry an offset from the TLV block, not a real address
		}
		writeSized(buf, off, val, r.Size)

	case ARM64RelocSubtractor:
		if r.SubtrahendSym == nil || r.TargetSym == nil {
			return nil
		}
		val := uint64(int64(r.TargetSym.Addr()) - int64(r.SubtrahendSym.Addr()) + rc.A)
		writeSized(buf, off, val, r.Size)

	case ARM64RelocBranch26:
		disp := rc.S + rc.A - rc.P
		if disp < -arm64BranchRange || disp >= arm64BranchRange {
			if r.TargetSym == nil || r.TargetSym.ThunkIdx < 0 {
				return &LinkError{Kind: Recoverable, File: fileDisplayName(ss.Isec.File),
					Message: "branch target out of range and no thunk assigned: " + symNameOrEmpty(r.TargetSym)}
			}
			thunk := ss.OutSec.Thunks[r.TargetSym.ThunkIdx]
			target := thunk.Osec.Addr + uint64(thunk.Offset) + uint64(thunk.SymbolOffset(int(r.TargetSym.ThunkSymIdx)))
			disp = int64(target) - rc.P
		}
		writeBranch26(buf, off, disp)

	case ARM64RelocPage21, ARM64RelocGotLoadPage21, ARM64RelocTlvpLoadPage21:
		target := uint64(rc.S + rc.A)
		if r.Type != ARM64RelocPage21 {
			target = uint64(rc.G)
		}
		writeADRP(buf, off, target, uint64(rc.P))

	case ARM64RelocPageoff12, ARM64RelocGotLoadPageoff12, ARM64RelocTlvpLoadPageoff12:
		target := uint64(rc.S + rc.A)
		if r.Type != ARM64RelocPageoff12 {
			target = uint64(rc.G)
		}
		writeAddLdst(buf, off, target&0xfff)

	case ARM64RelocPointerToGot:
		val := uint64(rc.GOT) - uint64(rc.P)
		writeSized(buf, off, val, 4)

	case ARM64RelocAddend, ARM64RelocAuthPointer:
		// ADDEND carries no bytes of its own (folded into Relocation.Addend
		// at parse time); AUTH_POINTER's pointer-authentication discriminant
		// bits are out of scope (no -arm64e signing support, §9 Non-goals).
	}
	return nil
}

func symNameOrEmpty(sym *Symbol) string {
	if sym == nil {
		return "<section-relative>"
	}
	return sym.Name
}

// applyAMD64 mirrors arch-x86-64.cc's apply_reloc switch. Every
// PC-relative x86-64 relocation type (SIGNED*, BRANCH, GOT*, TLV)
// measures P from the end of the 4-byte displacement field, i.e. the
// start of the next instruction, so each subtracts 4 after forming
// disp = S + A - P.
func applyAMD64(ctx *Context, ss *Subsection, buf []byte, off uint32, r *Relocation, rc relocContext) error {
	switch r.Type {
	case X86_64RelocUnsigned:
		if r.TargetSym != nil && r.TargetSym.IsImported {
			return nil
		}
		writeSized(buf, off, uint64(rc.S+rc.A), r.Size)

	case X86_64RelocSubtractor:
		if r.SubtrahendSym == nil || r.TargetSym == nil {
			return nil
		}
		val := uint64(int64(r.TargetSym.Addr()) - int64(r.SubtrahendSym.Addr()) + rc.A)
		writeSized(buf, off, val, r.Size)

	case X86_64RelocSigned, X86_64RelocSigned1, X86_64RelocSigned2, X86_64RelocSigned4, X86_64RelocBranch:
		disp := rc.S + rc.A - (rc.P + 4)
		writeSized(buf, off, uint64(uint32(disp)), 4)

	case X86_64RelocGotLoad, X86_64RelocGot:
		disp := rc.G + rc.A - (rc.P + 4)
		writeSized(buf, off, uint64(uint32(disp)), 4)

	case X86_64RelocTlv:
		disp := rc.G - (rc.P + 4)
		writeSized(buf, off, uint64(uint32(disp)), 4)
	}
	return nil
}

func writeSized(buf []byte, off uint32, val uint64, size uint) {
	switch size {
	case 1:
		buf[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf[off:], uint32(val))
	default:
		binary.LittleEndian.PutUint64(buf[off:], val)
	}
}
