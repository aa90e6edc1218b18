package walog

import "hash/crc32"

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// diskmgrCRC computes the CRC32-C checksum used to guard WAL records,
// named to make clear it's the same polynomial diskmgr uses for pages —
// kept as a separate table instance since record and page buffers never
// share a checksum slot layout.
func diskmgrCRC(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}
