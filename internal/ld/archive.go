package ld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	macho "github.com/blacktop/ld64go"
)

// arMagic is the fixed 8-byte preamble of the common (BSD/SysV) `ar`
// format every static archive on Darwin uses (§3 Archive, P1). No
// archive-reading library exists anywhere in the retrieval pack, so this
// is a direct `io`-level reader rather than an adaptation of one.
const arMagic = "!<arch>\n"

const arHeaderSize = 60

// arHeader is the fixed-width, ASCII-decimal-padded per-member header.
type arHeader struct {
	name  string
	size  int64
	start int64 // offset of the member's data, just past this header
}

// parseArchive indexes a static library's members and builds the
// symbol-to-member lookup the resolver needs to lazily pull in exactly
// the members a link actually requires (§4.2 "Archive member inclusion").
// It prefers the ranlib `__.SYMDEF`/`__.SYMDEF SORTED` index when present;
// otherwise it falls back to opening every member's Mach-O symbol table,
// which is slower but always correct.
func parseArchive(path string, raw []byte, priority int) (*Archive, error) {
	if len(raw) < len(arMagic) || string(raw[:len(arMagic)]) != arMagic {
		return nil, fmt.Errorf("%s: not an archive (bad magic)", path)
	}

	a := &Archive{
		fileBase:    fileBase{name: path, priority: priority},
		Path:        path,
		Raw:         raw,
		SymToMember: make(map[string]int64),
		members:     make(map[int64]*ObjectFile),
	}

	off := int64(len(arMagic))
	var symdefOff int64 = -1
	memberOffs := []int64{}

	for off+arHeaderSize <= int64(len(raw)) {
		hdr, err := parseArHeader(raw, off)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		if hdr.name == "__.SYMDEF" || hdr.name == "__.SYMDEF SORTED" || hdr.name == "__.SYMDEF_64" {
			symdefOff = hdr.start
		} else if !strings.HasPrefix(hdr.name, "__.SYMDEF") {
			memberOffs = append(memberOffs, hdr.start)
			a.nameByOffset(hdr.start, hdr.name)
		}

		off = hdr.start + hdr.size
		if off%2 != 0 {
			off++ // members are 2-byte aligned
		}
	}

	a.MemberOffsets = memberOffs

	if symdefOff >= 0 {
		if err := a.indexFromSymdef(raw, symdefOff); err == nil {
			return a, nil
		}
		// fall through to the slow path if the index is malformed
	}

	for _, memOff := range memberOffs {
		if err := a.indexMemberSymbols(memOff); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	return a, nil
}

// nameByOffset remembers each member's name by its data offset, purely
// for diagnostics (fileDisplayName) and member lookup by loadMember.
func (a *Archive) nameByOffset(off int64, name string) {
	if a.names == nil {
		a.names = make(map[int64]string)
	}
	a.names[off] = name
}

func parseArHeader(raw []byte, off int64) (arHeader, error) {
	if off+arHeaderSize > int64(len(raw)) {
		return arHeader{}, fmt.Errorf("truncated archive header at %#x", off)
	}
	h := raw[off : off+arHeaderSize]

	name := strings.TrimRight(string(h[0:16]), " ")
	sizeStr := strings.TrimSpace(string(h[48:58]))
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return arHeader{}, fmt.Errorf("bad member size field %q: %w", sizeStr, err)
	}

	// BSD extended naming: "#1/<len>" means the real name is the first
	// <len> bytes of the member data, and is included in size.
	if strings.HasPrefix(name, "#1/") {
		nlen, err := strconv.Atoi(strings.TrimPrefix(name, "#1/"))
		if err == nil && off+arHeaderSize+int64(nlen) <= int64(len(raw)) {
			nameBytes := raw[off+arHeaderSize : off+arHeaderSize+int64(nlen)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			return arHeader{name: name, size: size - int64(nlen), start: off + arHeaderSize + int64(nlen)}, nil
		}
	}

	name = strings.TrimSuffix(name, "/") // SysV names end in '/'
	return arHeader{name: name, size: size, start: off + arHeaderSize}, nil
}

// indexFromSymdef decodes the ranlib table-of-contents format: a
// 4-byte table-length, (offset uint32, strx uint32) pairs, then a
// string table. Offsets point at the member's header, not its data.
func (a *Archive) indexFromSymdef(raw []byte, off int64) error {
	if off+4 > int64(len(raw)) {
		return fmt.Errorf("truncated SYMDEF")
	}
	tocLen := int64(binary.LittleEndian.Uint32(raw[off:]))
	off += 4
	if off+tocLen > int64(len(raw)) {
		return fmt.Errorf("SYMDEF table length out of range")
	}
	numEntries := tocLen / 8
	strTabOff := off + tocLen + 4 // skip the string-table-length word

	for i := int64(0); i < numEntries; i++ {
		entry := raw[off+i*8:]
		memberHdrOff := int64(binary.LittleEndian.Uint32(entry[0:4]))
		strx := int64(binary.LittleEndian.Uint32(entry[4:8]))

		nameStart := strTabOff + strx
		if nameStart >= int64(len(raw)) {
			continue
		}
		end := bytes.IndexByte(raw[nameStart:], 0)
		if end < 0 {
			continue
		}
		name := string(raw[nameStart : nameStart+int64(end)])

		hdr, err := parseArHeader(raw, memberHdrOff)
		if err != nil {
			continue
		}
		a.SymToMember[name] = hdr.start
		a.nameByOffset(hdr.start, hdr.name)
	}
	return nil
}

// indexMemberSymbols opens one member as a Mach-O object and records
// every externally-defined symbol it exports, used when no (or a
// malformed) SYMDEF index is present.
func (a *Archive) indexMemberSymbols(memberOff int64) error {
	name := a.names[memberOff]
	end := int64(len(a.Raw))
	// size was already validated by parseArHeader during the first pass;
	// re-derive it here from the header immediately preceding memberOff
	// is unnecessary since macho.NewFile bounds itself off its own Mach-O
	// header/load-command sizes once positioned at memberOff.
	mf, err := macho.NewFile(bytes.NewReader(a.Raw[memberOff:end]))
	if err != nil {
		return fmt.Errorf("member %s: %w", name, err)
	}
	if mf.Symtab == nil {
		return nil
	}
	for _, sym := range mf.Symtab.Syms {
		if sym.Type&0x01 == 0 { // N_EXT bit unset: not external
			continue
		}
		if sym.Sect == 0 && sym.Value == 0 && sym.Type&0x0e == 0x00 {
			continue // undefined reference, not a definition
		}
		if _, exists := a.SymToMember[sym.Name]; !exists {
			a.SymToMember[sym.Name] = memberOff
		}
	}
	return nil
}

// loadAllMembers eagerly parses every member of the archive into an
// ObjectFile with alive=false (§4.2 "Archive member inclusion"). Members
// have to already exist as full ObjectFiles, not just as SymToMember
// offsets, because the resolver lets a dead archive definition
// provisionally win a symbol (rankStrongArchiveDylib/rankWeakArchiveDylib)
// before mark_live_objects ever decides the member is needed; only once
// that happens does claimArchiveMember flip it alive and re-resolve it at
// its true rankStrongDefinedAlive/rankWeakDefinedAlive strength.
func (a *Archive) loadAllMembers(ctx *Context) ([]*ObjectFile, error) {
	out := make([]*ObjectFile, 0, len(a.MemberOffsets))
	for _, off := range a.MemberOffsets {
		name := a.names[off]
		mf, err := macho.NewFile(bytes.NewReader(a.Raw[off:]))
		if err != nil {
			return nil, fmt.Errorf("%s(%s): %w", a.Path, name, err)
		}
		of, err := parseObject(ctx, mf, name, ctx.allocPriority(), a, off)
		if err != nil {
			return nil, fmt.Errorf("%s(%s): %w", a.Path, name, err)
		}
		of.alive = false
		a.members[off] = of
		out = append(out, of)
	}
	return out, nil
}
