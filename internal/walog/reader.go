package walog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"francodb/internal/dberr"
)

// ReadAllRecords reads every record from the WAL file at path in order,
// stopping cleanly at EOF or at the first incomplete trailing record (a
// torn write left by a crash mid-append). It never returns an error for a
// torn tail; callers that need to distinguish a torn tail from a healthy
// empty file should check the returned count separately.
func ReadAllRecords(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.Wrap("walog.ReadAllRecords: open", err)
	}
	defer f.Close()

	var records []*Record
	var sizeBuf [4]byte
	for {
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// A short read of the size prefix itself is a torn tail.
			break
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		if size < 4 {
			return records, fmt.Errorf("walog.ReadAllRecords: %s: %w", path, dberr.ErrCorruptFile)
		}
		rest := make([]byte, size-4)
		if _, err := io.ReadFull(f, rest); err != nil {
			// Torn tail: the size prefix was written but the body wasn't
			// fully flushed before a crash. Stop here; this is the normal
			// end-of-log case recovery must tolerate.
			break
		}
		full := make([]byte, size)
		copy(full, sizeBuf[:])
		copy(full[4:], rest)

		rec, err := Unmarshal(full)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
