// Package walog implements francodb's Write-Ahead Log: LSN allocation,
// record (de)serialization, double-buffered asynchronous flushing,
// per-database log streams, optional per-table log files, and
// per-transaction LSN chaining.
package walog

import (
	"encoding/binary"
	"fmt"

	"francodb/internal/dberr"
	"francodb/internal/diskmgr"
)

// Kind is the tagged-union discriminator for log records, per spec §3.
type Kind int32

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindInsert
	KindUpdate
	KindMarkDelete
	KindApplyDelete
	KindRollbackDelete
	KindCLR
	KindCheckpointBegin
	KindCheckpointEnd
	KindCreateTable
	KindDropTable
	KindCreateDB
	KindDropDB
	KindSwitchDB
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindAbort:
		return "ABORT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindMarkDelete:
		return "MARK_DELETE"
	case KindApplyDelete:
		return "APPLY_DELETE"
	case KindRollbackDelete:
		return "ROLLBACK_DELETE"
	case KindCLR:
		return "CLR"
	case KindCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case KindCheckpointEnd:
		return "CHECKPOINT_END"
	case KindCreateTable:
		return "CREATE_TABLE"
	case KindDropTable:
		return "DROP_TABLE"
	case KindCreateDB:
		return "CREATE_DB"
	case KindDropDB:
		return "DROP_DB"
	case KindSwitchDB:
		return "SWITCH_DB"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(k))
	}
}

// IsDeleteVariant reports whether k is one of the three delete kinds, which
// all share the {table_name, old_value} body shape.
func (k Kind) IsDeleteVariant() bool {
	return k == KindMarkDelete || k == KindApplyDelete || k == KindRollbackDelete
}

// ATTEntry is one row of the Active Transaction Table snapshotted into a
// CHECKPOINT_END record.
type ATTEntry struct {
	TxID     diskmgr.TxID
	LastLSN  diskmgr.LSN
	FirstLSN diskmgr.LSN
}

// DPTEntry is one row of the Dirty Page Table snapshotted into a
// CHECKPOINT_END record.
type DPTEntry struct {
	PageID      diskmgr.PageID
	RecoveryLSN diskmgr.LSN
}

// Record is the in-memory representation of one WAL record. Value payloads
// (OldValue/NewValue/CompensatingValue) are opaque byte strings — tuple
// encoding belongs to the out-of-scope row/B+Tree layer.
type Record struct {
	LSN         diskmgr.LSN
	PrevLSN     diskmgr.LSN // previous record of the same txn; InvalidLSN if first
	UndoNextLSN diskmgr.LSN // for CLRs; InvalidLSN otherwise
	TxID        diskmgr.TxID
	TimestampUs uint64 // microsecond timestamp
	Kind        Kind
	DBName      string

	TableName         string // INSERT/UPDATE/*DELETE/CLR/CREATE_TABLE/DROP_TABLE
	OldValue          []byte // UPDATE, *DELETE
	NewValue          []byte // INSERT, UPDATE
	CompensatingValue []byte // CLR

	ATT []ATTEntry // CHECKPOINT_END
	DPT []DPTEntry // CHECKPOINT_END
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization — see spec §6 "WAL file" for the exact wire layout.
// ───────────────────────────────────────────────────────────────────────────

const commonHeaderSize = 4 + 4 + 4 + 4 + 4 + 8 + 4 // size,lsn,prev_lsn,undo_next_lsn,txn_id,timestamp,kind

func putString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s)))
	off += 4
	copy(buf[off:], s)
	return off + len(s)
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

func stringLen(s string) int { return 4 + len(s) }
func bytesLen(b []byte) int  { return 4 + len(b) }

func getString(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", off, dberr.ErrShortRead
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return "", off, dberr.ErrShortRead
	}
	return string(buf[off : off+n]), off + n, nil
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, off, dberr.ErrShortRead
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, off, dberr.ErrShortRead
	}
	if n == 0 {
		return nil, off, nil
	}
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n, nil
}

// bodySize returns the marshaled size of the kind-specific body.
func (r *Record) bodySize() int {
	switch {
	case r.Kind == KindInsert:
		return stringLen(r.TableName) + bytesLen(r.NewValue)
	case r.Kind == KindUpdate:
		return stringLen(r.TableName) + bytesLen(r.OldValue) + bytesLen(r.NewValue)
	case r.Kind.IsDeleteVariant():
		return stringLen(r.TableName) + bytesLen(r.OldValue)
	case r.Kind == KindCLR:
		return stringLen(r.TableName) + bytesLen(r.CompensatingValue)
	case r.Kind == KindCheckpointEnd:
		n := 4 + len(r.ATT)*12 + 4 + len(r.DPT)*8
		return n
	case r.Kind == KindCreateTable || r.Kind == KindDropTable:
		return stringLen(r.TableName)
	case r.Kind == KindCreateDB || r.Kind == KindDropDB || r.Kind == KindSwitchDB:
		return stringLen(r.DBName)
	default:
		// BEGIN, COMMIT, ABORT, CHECKPOINT_BEGIN: header only.
		return 0
	}
}

// Marshal serializes r into a length-prefixed byte record, with a trailing
// CRC32 covering everything before it.
func (r *Record) Marshal() ([]byte, error) {
	total := commonHeaderSize + stringLen(r.DBName) + r.bodySize() + 4 // +4 crc
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(r.LSN)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(r.PrevLSN)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(r.UndoNextLSN)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(r.TxID)))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.TimestampUs)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(r.Kind)))
	off += 4
	off = putString(buf, off, r.DBName)

	switch {
	case r.Kind == KindInsert:
		off = putString(buf, off, r.TableName)
		off = putBytes(buf, off, r.NewValue)
	case r.Kind == KindUpdate:
		off = putString(buf, off, r.TableName)
		off = putBytes(buf, off, r.OldValue)
		off = putBytes(buf, off, r.NewValue)
	case r.Kind.IsDeleteVariant():
		off = putString(buf, off, r.TableName)
		off = putBytes(buf, off, r.OldValue)
	case r.Kind == KindCLR:
		off = putString(buf, off, r.TableName)
		off = putBytes(buf, off, r.CompensatingValue)
	case r.Kind == KindCheckpointEnd:
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.ATT)))
		off += 4
		for _, e := range r.ATT {
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(e.TxID)))
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(e.LastLSN)))
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(e.FirstLSN)))
			off += 4
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.DPT)))
		off += 4
		for _, e := range r.DPT {
			binary.LittleEndian.PutUint32(buf[off:], uint32(e.PageID))
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(e.RecoveryLSN)))
			off += 4
		}
	case r.Kind == KindCreateTable || r.Kind == KindDropTable:
		off = putString(buf, off, r.TableName)
	case r.Kind == KindCreateDB || r.Kind == KindDropDB || r.Kind == KindSwitchDB:
		off = putString(buf, off, r.DBName)
	}

	crc := diskmgrCRC(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	off += 4

	if off != total {
		return nil, fmt.Errorf("walog.Marshal: computed size %d, wrote %d", total, off)
	}
	return buf, nil
}

// Unmarshal parses one record from buf, which must contain exactly the
// bytes returned by a prior Marshal (including the size prefix and CRC
// suffix). Returns dberr.ErrUnknownKind for a kind this build doesn't
// understand.
func Unmarshal(buf []byte) (*Record, error) {
	if len(buf) < commonHeaderSize+4+4 {
		return nil, dberr.ErrShortRead
	}
	off := 0
	size := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if size != len(buf) {
		return nil, fmt.Errorf("walog.Unmarshal: size field %d != buffer %d: %w", size, len(buf), dberr.ErrCorruptFile)
	}

	r := &Record{}
	r.LSN = diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	r.PrevLSN = diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	r.UndoNextLSN = diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	r.TxID = diskmgr.TxID(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	r.TimestampUs = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.Kind = Kind(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4

	var err error
	r.DBName, off, err = getString(buf, off)
	if err != nil {
		return nil, err
	}

	switch {
	case r.Kind == KindBegin || r.Kind == KindCommit || r.Kind == KindAbort || r.Kind == KindCheckpointBegin:
		// header only
	case r.Kind == KindInsert:
		r.TableName, off, err = getString(buf, off)
		if err != nil {
			return nil, err
		}
		r.NewValue, off, err = getBytes(buf, off)
		if err != nil {
			return nil, err
		}
	case r.Kind == KindUpdate:
		if r.TableName, off, err = getString(buf, off); err != nil {
			return nil, err
		}
		if r.OldValue, off, err = getBytes(buf, off); err != nil {
			return nil, err
		}
		if r.NewValue, off, err = getBytes(buf, off); err != nil {
			return nil, err
		}
	case r.Kind.IsDeleteVariant():
		if r.TableName, off, err = getString(buf, off); err != nil {
			return nil, err
		}
		if r.OldValue, off, err = getBytes(buf, off); err != nil {
			return nil, err
		}
	case r.Kind == KindCLR:
		if r.TableName, off, err = getString(buf, off); err != nil {
			return nil, err
		}
		if r.CompensatingValue, off, err = getBytes(buf, off); err != nil {
			return nil, err
		}
	case r.Kind == KindCheckpointEnd:
		if off+4 > len(buf) {
			return nil, dberr.ErrShortRead
		}
		nAtt := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		for i := 0; i < nAtt; i++ {
			if off+12 > len(buf) {
				return nil, dberr.ErrShortRead
			}
			e := ATTEntry{
				TxID:     diskmgr.TxID(int32(binary.LittleEndian.Uint32(buf[off:]))),
				LastLSN:  diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off+4:]))),
				FirstLSN: diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off+8:]))),
			}
			off += 12
			r.ATT = append(r.ATT, e)
		}
		if off+4 > len(buf) {
			return nil, dberr.ErrShortRead
		}
		nDpt := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		for i := 0; i < nDpt; i++ {
			if off+8 > len(buf) {
				return nil, dberr.ErrShortRead
			}
			e := DPTEntry{
				PageID:      diskmgr.PageID(binary.LittleEndian.Uint32(buf[off:])),
				RecoveryLSN: diskmgr.LSN(int32(binary.LittleEndian.Uint32(buf[off+4:]))),
			}
			off += 8
			r.DPT = append(r.DPT, e)
		}
	case r.Kind == KindCreateTable || r.Kind == KindDropTable:
		if r.TableName, off, err = getString(buf, off); err != nil {
			return nil, err
		}
	case r.Kind == KindCreateDB || r.Kind == KindDropDB || r.Kind == KindSwitchDB:
		if r.DBName, off, err = getString(buf, off); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("walog.Unmarshal: kind %d: %w", int32(r.Kind), dberr.ErrUnknownKind)
	}

	if off+4 > len(buf) {
		return nil, dberr.ErrShortRead
	}
	storedCRC := binary.LittleEndian.Uint32(buf[off:])
	computed := diskmgrCRC(buf[:off])
	if storedCRC != computed {
		return nil, fmt.Errorf("walog.Unmarshal: %w", dberr.ErrChecksumMismatch)
	}

	return r, nil
}
