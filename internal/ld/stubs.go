package ld

import "encoding/binary"

// Per-architecture byte sizes for the synthetic call-stub machinery
// (§4.4/§4.5), grounded on original_source/macho/arch-{arm64,x86-64}.cc's
// E::stub_size/E::stub_helper_hdr_size/E::stub_helper_size constants.
const (
	arm64StubSize           = 12 // adrp + ldr + br
	arm64StubHelperHdrSize  = 24 // adrp+add+stp+adrp+ldr+br
	arm64StubHelperEntrySize = 12 // ldr w16,#imm + b header + .long idx
	arm64ObjcStubSize       = 32 // adrp+ldr+adrp+ldr+br + 3 brk padding

	amd64StubSize           = 6  // jmp *imm(%rip)
	amd64StubHelperHdrSize  = 16 // lea+push+jmp*+nop
	amd64StubHelperEntrySize = 10 // push $imm; jmp rel32
	amd64ObjcStubSize       = 16 // mov(7)+jmp*(6)+3 int3 padding
)

// writeStubsSection fills every `__stubs` entry with the jump-through-GOT
// or jump-through-lazy-pointer sequence its target symbol needs (§4.4,
// arch-arm64.cc/arch-x86-64.cc's StubsSection<E>::copy_buf). A symbol
// with a GOT slot (bound eagerly, non-lazy) jumps straight through the
// GOT; one without jumps through its assigned `__la_symbol_ptr` slot,
// which the stub-helper lazily binds on first call.
func writeStubsSection(ctx *Context, buf []byte) {
	os := ctx.StubsSection
	if os == nil {
		return
	}
	entrySize := os.EntrySize
	for i, sym := range os.Syms {
		stubAddr := os.Addr + uint64(i)*entrySize
		entry := buf[uint64(i)*entrySize : uint64(i+1)*entrySize]

		var ptrAddr uint64
		if sym.HasGOT() {
			ptrAddr = ctx.GotSection.Addr + uint64(sym.GotIdx)*8
		} else {
			ptrAddr = ctx.LazyPtrSection.Addr + uint64(i)*8
		}

		if ctx.Args.Arch == ArchARM64 {
			writeARM64Stub(entry, stubAddr, ptrAddr)
		} else {
			writeAMD64Stub(entry, stubAddr, ptrAddr)
		}
	}
}

func writeARM64Stub(entry []byte, stubAddr, ptrAddr uint64) {
	binary.LittleEndian.PutUint32(entry[0:], 0x90000010) // adrp x16, ptr@PAGE
	binary.LittleEndian.PutUint32(entry[4:], 0xf9400210)  // ldr  x16, [x16, ptr@PAGEOFF]
	binary.LittleEndian.PutUint32(entry[8:], 0xd61f0200)  // br   x16
	writeADRP(entry, 0, ptrAddr, stubAddr)
	writeAddLdst(entry, 4, ptrAddr)
}

func writeAMD64Stub(entry []byte, stubAddr, ptrAddr uint64) {
	entry[0], entry[1] = 0xff, 0x25 // jmp *imm(%rip)
	disp := int64(ptrAddr) - int64(stubAddr+6)
	binary.LittleEndian.PutUint32(entry[2:], uint32(int32(disp)))
}

// writeStubHelperSection fills the bootstrap preamble (loads
// dyld_stub_binder via the GOT and __dyld_private's address) and one
// resolver-trampoline entry per lazily-bound stub (§4.4, arch-*.cc's
// StubHelperSection<E>::copy_buf). lazyBindOffsets gives each entry's
// offset into the classic lazy-bind opcode stream dyld_stub_binder
// reads to resolve that slot.
func writeStubHelperSection(ctx *Context, buf []byte, lazyBindOffsets []uint32) {
	os := ctx.StubHelper
	if os == nil {
		return
	}
	helperAddr := os.Addr
	dyldPrivateAddr := ctx.Internal.DyldPrivate.Addr()
	stubBinderGotAddr := ctx.GotSection.Addr + uint64(ctx.Internal.DyldStubBinder.GotIdx)*8

	if ctx.Args.Arch == ArchARM64 {
		writeARM64StubHelperHeader(buf, helperAddr, dyldPrivateAddr, stubBinderGotAddr)
		off := arm64StubHelperHdrSize
		for i := range lazyBindOffsets {
			entry := buf[off : off+arm64StubHelperEntrySize]
			writeARM64StubHelperEntry(entry, helperAddr, uint64(off), lazyBindOffsets[i])
			off += arm64StubHelperEntrySize
		}
		return
	}

	writeAMD64StubHelperHeader(buf, helperAddr, dyldPrivateAddr, stubBinderGotAddr)
	off := amd64StubHelperHdrSize
	for i := range lazyBindOffsets {
		entry := buf[off : off+amd64StubHelperEntrySize]
		writeAMD64StubHelperEntry(entry, helperAddr, uint64(off), lazyBindOffsets[i])
		off += amd64StubHelperEntrySize
	}
}

func writeARM64StubHelperHeader(buf []byte, helperAddr, dyldPrivateAddr, stubBinderGotAddr uint64) {
	binary.LittleEndian.PutUint32(buf[0:], 0x90000011)  // adrp x17, __dyld_private@PAGE
	binary.LittleEndian.PutUint32(buf[4:], 0x91000231)  // add  x17, x17, __dyld_private@PAGEOFF
	binary.LittleEndian.PutUint32(buf[8:], 0xa9bf47f0)  // stp  x16, x17, [sp, #-16]!
	binary.LittleEndian.PutUint32(buf[12:], 0x90000010) // adrp x16, dyld_stub_binder@PAGE
	binary.LittleEndian.PutUint32(buf[16:], 0xf9400210) // ldr  x16, [x16, dyld_stub_binder@PAGEOFF]
	binary.LittleEndian.PutUint32(buf[20:], 0xd61f0200) // br   x16

	writeADRP(buf, 0, dyldPrivateAddr, helperAddr)
	writeAddLdst(buf, 4, dyldPrivateAddr)
	writeADRP(buf, 12, stubBinderGotAddr, helperAddr+12)
	writeAddLdst(buf, 16, stubBinderGotAddr)
}

// writeARM64StubHelperEntry writes one `ldr w16,#imm; b header; .long
// bindOffset` trampoline (arch-arm64.cc insn/bits((start-buf-1)*4,27,2)),
// entryAddr/helperAddr already absolute so the branch displacement is
// computed the same way the original's pointer-difference arithmetic is.
func writeARM64StubHelperEntry(entry []byte, helperAddr, entryOffset uint64, bindOffset uint32) {
	binary.LittleEndian.PutUint32(entry[0:], 0x18000050) // ldr w16, addr (below)
	binary.LittleEndian.PutUint32(entry[4:], 0x14000000) // b header
	binary.LittleEndian.PutUint32(entry[8:], bindOffset)

	// ldr w16, literal: 19-bit signed word offset to entry[8].
	litDisp := int32(8) / 4
	insn0 := binary.LittleEndian.Uint32(entry[0:])
	insn0 = insn0&^uint32(0x7ffff<<5) | (uint32(litDisp)&0x7ffff)<<5
	binary.LittleEndian.PutUint32(entry[0:], insn0)

	headerAddr := helperAddr
	branchDisp := int64(headerAddr) - int64(helperAddr+entryOffset+4)
	writeBranch26(entry, 4, branchDisp)
}

func writeAMD64StubHelperHeader(buf []byte, helperAddr, dyldPrivateAddr, stubBinderGotAddr uint64) {
	buf[0], buf[1], buf[2] = 0x4c, 0x8d, 0x1d // lea __dyld_private(%rip), %r11
	disp1 := int64(dyldPrivateAddr) - int64(helperAddr+7)
	binary.LittleEndian.PutUint32(buf[3:], uint32(int32(disp1)))

	buf[7], buf[8] = 0x41, 0x53 // push %r11

	buf[9], buf[10] = 0xff, 0x25 // jmp *dyld_stub_binder@GOT(%rip)
	disp2 := int64(stubBinderGotAddr) - int64(helperAddr+15)
	binary.LittleEndian.PutUint32(buf[11:], uint32(int32(disp2)))

	buf[15] = 0x90 // nop
}

func writeAMD64StubHelperEntry(entry []byte, helperAddr, entryOffset uint64, bindOffset uint32) {
	entry[0] = 0x68 // push $bindOffset
	binary.LittleEndian.PutUint32(entry[1:], bindOffset)
	entry[5] = 0xe9 // jmp rel32 back to the header
	disp := -int64(entryOffset) - 10
	binary.LittleEndian.PutUint32(entry[6:], uint32(int32(disp)))
}

// writeObjcStubsSection fills each `_objc_msgSend$<sel>` trampoline: load
// the interned selector reference, then jump through _objc_msgSend's GOT
// slot (§4.4, arch-*.cc's ObjcStubsSection<E>::copy_buf).
func writeObjcStubsSection(ctx *Context, buf []byte, selRefAddrs []uint64) {
	os := ctx.ObjcStubsSec
	if os == nil || len(os.Syms) == 0 {
		return
	}
	entrySize := os.EntrySize
	msgSendGotAddr := ctx.GotSection.Addr + uint64(ctx.objcMsgSend.GotIdx)*8

	for i := range os.Syms {
		entryAddr := os.Addr + uint64(i)*entrySize
		entry := buf[uint64(i)*entrySize : uint64(i+1)*entrySize]
		selAddr := uint64(0)
		if i < len(selRefAddrs) {
			selAddr = selRefAddrs[i]
		}
		if ctx.Args.Arch == ArchARM64 {
			writeARM64ObjcStub(entry, entryAddr, selAddr, msgSendGotAddr)
		} else {
			writeAMD64ObjcStub(entry, entryAddr, selAddr, msgSendGotAddr)
		}
	}
}

func writeARM64ObjcStub(entry []byte, entryAddr, selAddr, msgSendGotAddr uint64) {
	binary.LittleEndian.PutUint32(entry[0:], 0x90000001)  // adrp x1, sel@PAGE
	binary.LittleEndian.PutUint32(entry[4:], 0xf9400021)  // ldr  x1, [x1, sel@PAGEOFF]
	binary.LittleEndian.PutUint32(entry[8:], 0x90000010)  // adrp x16, _objc_msgSend@GOTPAGE
	binary.LittleEndian.PutUint32(entry[12:], 0xf9400210) // ldr  x16, [x16, _objc_msgSend@GOTPAGEOFF]
	binary.LittleEndian.PutUint32(entry[16:], 0xd61f0200) // br   x16
	binary.LittleEndian.PutUint32(entry[20:], 0xd4200020)
	binary.LittleEndian.PutUint32(entry[24:], 0xd4200020)
	binary.LittleEndian.PutUint32(entry[28:], 0xd4200020)

	writeADRP(entry, 0, selAddr, entryAddr)
	writeAddLdst(entry, 4, selAddr)
	writeADRP(entry, 8, msgSendGotAddr, entryAddr+8)
	writeAddLdst(entry, 12, msgSendGotAddr)
}

func writeAMD64ObjcStub(entry []byte, entryAddr, selAddr, msgSendGotAddr uint64) {
	entry[0], entry[1], entry[2] = 0x48, 0x8b, 0x35 // mov sel(%rip), %rsi
	binary.LittleEndian.PutUint32(entry[3:], uint32(int32(int64(selAddr)-int64(entryAddr+7))))
	entry[7], entry[8] = 0xff, 0x25 // jmp *_objc_msgSend@GOT(%rip)
	binary.LittleEndian.PutUint32(entry[9:], uint32(int32(int64(msgSendGotAddr)-int64(entryAddr+13))))
	entry[13], entry[14], entry[15] = 0xcc, 0xcc, 0xcc
}
