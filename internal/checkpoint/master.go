package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"francodb/internal/dberr"
	"francodb/internal/diskmgr"
)

// masterRecordVersion is the on-disk format version written into every
// master record.
const masterRecordVersion = 1

// masterRecordSize is the fixed wire size of a MasterRecord, per spec §6:
// [version:u32][checkpoint_lsn:i32][offset:i64][timestamp:u64].
const masterRecordSize = 4 + 4 + 8 + 8

// MasterRecord points at the last durable checkpoint.
type MasterRecord struct {
	Version         uint32
	CheckpointLSN   diskmgr.LSN
	CheckpointOffset int64
	TimestampUs     uint64
}

func masterRecordPath(dataDir string) string {
	return filepath.Join(dataDir, "system", "master_record")
}

// WriteMasterRecordAtomic serializes rec and installs it at
// data/system/master_record via write-to-temp then rename, per spec §4.4
// step 8 and §3's Master Record invariant.
func WriteMasterRecordAtomic(dataDir string, rec MasterRecord) error {
	rec.Version = masterRecordVersion
	dir := filepath.Join(dataDir, "system")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return dberr.Wrap("checkpoint.WriteMasterRecordAtomic: mkdir", err)
	}

	buf := make([]byte, masterRecordSize)
	binary.LittleEndian.PutUint32(buf[0:], rec.Version)
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(rec.CheckpointLSN)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(rec.CheckpointOffset))
	binary.LittleEndian.PutUint64(buf[16:], rec.TimestampUs)

	tmpPath := filepath.Join(dir, fmt.Sprintf("master_record.tmp-%s", uuid.NewString()))
	if err := os.WriteFile(tmpPath, buf, 0644); err != nil {
		return dberr.Wrap("checkpoint.WriteMasterRecordAtomic: write temp", err)
	}
	if err := os.Rename(tmpPath, masterRecordPath(dataDir)); err != nil {
		os.Remove(tmpPath)
		return dberr.Wrap("checkpoint.WriteMasterRecordAtomic: rename", err)
	}
	return nil
}

// ReadMasterRecord loads the current master record. Returns
// (MasterRecord{}, false, nil) if none has ever been written — a fresh
// database has no checkpoint yet, which is not an error.
func ReadMasterRecord(dataDir string) (MasterRecord, bool, error) {
	buf, err := os.ReadFile(masterRecordPath(dataDir))
	if os.IsNotExist(err) {
		return MasterRecord{}, false, nil
	}
	if err != nil {
		return MasterRecord{}, false, dberr.Wrap("checkpoint.ReadMasterRecord", err)
	}
	if len(buf) != masterRecordSize {
		return MasterRecord{}, false, fmt.Errorf("checkpoint.ReadMasterRecord: size %d != %d: %w", len(buf), masterRecordSize, dberr.ErrCorruptFile)
	}
	rec := MasterRecord{
		Version:          binary.LittleEndian.Uint32(buf[0:]),
		CheckpointLSN:    diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[4:]))),
		CheckpointOffset: int64(binary.LittleEndian.Uint64(buf[8:])),
		TimestampUs:      binary.LittleEndian.Uint64(buf[16:]),
	}
	return rec, true, nil
}
