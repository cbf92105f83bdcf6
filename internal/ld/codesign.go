package ld

import (
	"crypto/sha256"
	"encoding/binary"
)

// Ad-hoc code-signature constants, grounded on
// pkg/codesign/types/types.go's size/Sign and directory.go's
// CodeDirectoryType layout (CSMAGIC_EMBEDDED_SIGNATURE/CODEDIRECTORY,
// the superblob+blob+codedirectory header sizes, ADHOC/SUPPORTS_EXECSEG
// flag values). Only the single-CodeDirectory, no-requirements,
// no-entitlements shape `codesign --force -s -` produces is emitted —
// no CMS blob, since ad-hoc signatures carry none.
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csSlotCodeDirectory      = 0

	csAdhoc          = 0x00000002
	csExecSegMain    = 0x1
	csSupportsExecSeg = 0x20400

	csHashTypeSHA256 = 2
	csPageSizeBits   = 12
	csPageSize       = 1 << csPageSizeBits

	csSuperBlobHdrSize   = 12 // magic, length, count
	csBlobIndexSize      = 8  // type, offset
	csBlobHdrSize        = 8  // magic, length
	csCodeDirectorySize  = 13*4 + 4 + 4*8
)

// codesignSize returns the total LC_CODE_SIGNATURE payload size for
// codeSize bytes of signed content under identifier id (§6, grounded on
// types.go's unexported `size`).
func codesignSize(codeSize int64, id string) int64 {
	nhashes := (codeSize + csPageSize - 1) / csPageSize
	idOff := int64(csCodeDirectorySize)
	hashOff := idOff + int64(len(id)+1)
	cdirSz := hashOff + nhashes*sha256.Size
	return int64(csSuperBlobHdrSize+csBlobIndexSize+csBlobHdrSize) + cdirSz
}

// adHocSign writes an ad-hoc code signature for data[:codeSize] into
// out (which must be codesignSize(codeSize, id) bytes), the same shape
// `codesign --force --deep -s -` produces: one SuperBlob containing one
// CodeDirectory blob, SHA-256 page hashes, no requirements/entitlements/
// CMS blob (§6, grounded on types.go's Sign).
func adHocSign(out []byte, data []byte, id string, textOff, textSize int64, isMain bool) {
	codeSize := int64(len(data))
	nhashes := (codeSize + csPageSize - 1) / csPageSize
	idOff := uint32(csCodeDirectorySize)
	hashOff := idOff + uint32(len(id)+1)
	total := uint32(codesignSize(codeSize, id))

	o := binary.BigEndian
	buf := out

	// SuperBlob
	o.PutUint32(buf[0:], csMagicEmbeddedSignature)
	o.PutUint32(buf[4:], total)
	o.PutUint32(buf[8:], 1)

	// BlobIndex[0]
	o.PutUint32(buf[12:], csSlotCodeDirectory)
	cdBlobOff := uint32(csSuperBlobHdrSize + csBlobIndexSize)
	o.PutUint32(buf[16:], cdBlobOff)

	cdir := buf[cdBlobOff:]
	cdLen := total - cdBlobOff
	o.PutUint32(cdir[0:], csMagicCodeDirectory)
	o.PutUint32(cdir[4:], cdLen)
	o.PutUint32(cdir[8:], csSupportsExecSeg) // version
	flags := uint32(csAdhoc)
	o.PutUint32(cdir[12:], flags)
	o.PutUint32(cdir[16:], hashOff)
	o.PutUint32(cdir[20:], idOff)
	o.PutUint32(cdir[24:], 0) // nSpecialSlots
	o.PutUint32(cdir[28:], uint32(nhashes))
	o.PutUint32(cdir[32:], uint32(codeSize))
	cdir[36] = sha256.Size
	cdir[37] = csHashTypeSHA256
	cdir[38] = 0 // platform
	cdir[39] = csPageSizeBits
	o.PutUint32(cdir[40:], 0) // spare2
	o.PutUint32(cdir[44:], 0) // scatterOffset
	o.PutUint32(cdir[48:], 0) // teamOffset
	o.PutUint32(cdir[52:], 0) // spare3
	o.PutUint64(cdir[56:], 0) // codeLimit64
	o.PutUint64(cdir[64:], uint64(textOff))
	o.PutUint64(cdir[72:], uint64(textSize))
	var execFlags uint32
	if isMain {
		execFlags = csExecSegMain
	}
	o.PutUint32(cdir[80:], execFlags)
	// bytes 84-87: padding to csCodeDirectorySize

	copy(cdir[idOff:], id)
	cdir[int(idOff)+len(id)] = 0

	h := sha256.New()
	var pageBuf [csPageSize]byte
	for i := int64(0); i < nhashes; i++ {
		start := i * csPageSize
		end := start + csPageSize
		if end > codeSize {
			end = codeSize
		}
		n := copy(pageBuf[:], data[start:end])
		for j := n; j < csPageSize; j++ {
			pageBuf[j] = 0
		}
		h.Reset()
		h.Write(pageBuf[:])
		sum := h.Sum(nil)
		copy(cdir[hashOff+uint32(i)*sha256.Size:], sum)
	}
}
