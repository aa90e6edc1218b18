// Package diskmgr implements francodb's paged disk storage: fixed-size page
// I/O against a single file, a magic-header integrity check, per-page CRC
// checksums, and optional transparent page encryption.
//
// Reserved page IDs: 0 is the file metadata page (magic header FRANCODB),
// 1 is the catalog root, 2 is the free-page bitmap, 3+ are user data pages.
package diskmgr

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// PageSize is the fixed page size in bytes.
	PageSize = 4096

	// MetadataPageID is the reserved page holding the file magic header.
	MetadataPageID PageID = 0
	// CatalogRootPageID is the reserved page for the catalog root.
	CatalogRootPageID PageID = 1
	// FreeBitmapPageID is the reserved page for the free-page bitmap.
	FreeBitmapPageID PageID = 2
	// FirstUserPageID is the first page ID available to user data.
	FirstUserPageID PageID = 3

	// DataPageHeaderSize is the size of the per-page header described in
	// spec §6: page_id, prev, next, free_ptr, count, checksum, page_lsn.
	DataPageHeaderSize = 28

	dphPageIDOff  = 0
	dphPrevOff    = 4
	dphNextOff    = 8
	dphFreePtrOff = 12
	dphCountOff   = 16
	dphCRCOff     = 20
	dphLSNOff     = 24

	// Magic is the 8-byte ASCII signature written to page 0 on creation.
	Magic = "FRANCODB"
)

// PageID identifies a page within the file. Page 0 is reserved.
type PageID uint32

// LSN is a Log Sequence Number, per the wire format in spec §6 a signed
// 32-bit field (prev_lsn/undo_next_lsn use -1 to mean "none").
type LSN int32

// InvalidLSN marks the absence of an LSN (e.g. a transaction's first record
// has no prev_lsn, and only CLRs carry a real undo_next_lsn).
const InvalidLSN LSN = -1

// TxID is a transaction identifier, per spec §6 a signed 32-bit wire field.
type TxID int32

// DataPageHeader is the common header present on every data page (id >= 3)
// and, loosely, on the catalog root and free-bitmap pages which reuse the
// same layout for their own bookkeeping.
type DataPageHeader struct {
	PageID    PageID
	Prev      PageID
	Next      PageID
	FreePtr   uint32
	Count     uint32
	Checksum  uint32
	PageLSN   LSN
}

// PutDataPageHeader serializes h into the first DataPageHeaderSize bytes of
// buf. The checksum field is written as-is (callers must call
// ComputeChecksum/SetChecksum separately once the rest of the page body is
// final).
func PutDataPageHeader(buf []byte, h DataPageHeader) {
	binary.LittleEndian.PutUint32(buf[dphPageIDOff:], uint32(h.PageID))
	binary.LittleEndian.PutUint32(buf[dphPrevOff:], uint32(h.Prev))
	binary.LittleEndian.PutUint32(buf[dphNextOff:], uint32(h.Next))
	binary.LittleEndian.PutUint32(buf[dphFreePtrOff:], h.FreePtr)
	binary.LittleEndian.PutUint32(buf[dphCountOff:], h.Count)
	binary.LittleEndian.PutUint32(buf[dphCRCOff:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[dphLSNOff:], uint32(int32(h.PageLSN)))
}

// GetDataPageHeader parses the header from the first DataPageHeaderSize
// bytes of buf.
func GetDataPageHeader(buf []byte) DataPageHeader {
	return DataPageHeader{
		PageID:   PageID(binary.LittleEndian.Uint32(buf[dphPageIDOff:])),
		Prev:     PageID(binary.LittleEndian.Uint32(buf[dphPrevOff:])),
		Next:     PageID(binary.LittleEndian.Uint32(buf[dphNextOff:])),
		FreePtr:  binary.LittleEndian.Uint32(buf[dphFreePtrOff:]),
		Count:    binary.LittleEndian.Uint32(buf[dphCountOff:]),
		Checksum: binary.LittleEndian.Uint32(buf[dphCRCOff:]),
		PageLSN:  LSN(int32(binary.LittleEndian.Uint32(buf[dphLSNOff:]))),
	}
}

// PageLSN reads just the page_lsn field out of a raw page buffer, without a
// full header parse. Used by the buffer pool's WAL-before-data check.
func PageLSN(buf []byte) LSN {
	return LSN(int32(binary.LittleEndian.Uint32(buf[dphLSNOff:])))
}

// SetPageLSN writes the page_lsn field in place.
func SetPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint32(buf[dphLSNOff:], uint32(int32(lsn)))
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes the CRC32-C of page, treating the checksum slot
// (bytes dphCRCOff:dphCRCOff+4) as zero. Page 0 has no such slot and is
// never checksummed this way.
func ComputeChecksum(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:dphCRCOff])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[dphCRCOff+4:])
	return h.Sum32()
}

// SetChecksum computes and stores the checksum for page.
func SetChecksum(page []byte) {
	c := ComputeChecksum(page)
	binary.LittleEndian.PutUint32(page[dphCRCOff:], c)
}

// StoredChecksum returns the checksum currently stored in page.
func StoredChecksum(page []byte) uint32 {
	return binary.LittleEndian.Uint32(page[dphCRCOff:])
}
