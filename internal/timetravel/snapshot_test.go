package timetravel

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"francodb/internal/diskmgr"
	"francodb/internal/walog"
)

// fakeTableLog writes records directly to a per-table WAL file without
// going through a full walog.Manager, so snapshot tests can control LSNs
// and timestamps precisely.
type fakeTableLog struct {
	dir string
}

func (f *fakeTableLog) TableLogPath(table string) string {
	return filepath.Join(f.dir, table+".wal")
}

func (f *fakeTableLog) write(t *testing.T, table string, records ...*walog.Record) {
	t.Helper()
	path := f.TableLogPath(table)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	for _, r := range records {
		buf, err := r.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if _, err := file.Write(buf); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

type fakeLive struct {
	rows map[string][][]byte
}

func (f *fakeLive) LoadLiveRows(table string) ([][]byte, error) {
	return f.rows[table], nil
}

func rec(lsn diskmgr.LSN, kind walog.Kind, tsUs uint64, old, new []byte) *walog.Record {
	return &walog.Record{
		LSN: lsn, PrevLSN: diskmgr.InvalidLSN, UndoNextLSN: diskmgr.InvalidLSN,
		TimestampUs: tsUs, Kind: kind, DBName: "db", TableName: "u",
		OldValue: old, NewValue: new,
	}
}

// TestReverseDelta_S3Scenario implements spec §8 scenario S3 verbatim.
func TestReverseDelta_S3Scenario(t *testing.T) {
	dir := t.TempDir()
	tl := &fakeTableLog{dir: dir}
	tl.write(t, "u",
		rec(40, walog.KindUpdate, 1_000_100, []byte("(2,200)"), []byte("(2,250)")),
		rec(41, walog.KindInsert, 1_000_200, nil, []byte("(3,300)")),
	)

	live := &fakeLive{rows: map[string][][]byte{
		"u": {[]byte("(1,100)"), []byte("(2,250)"), []byte("(3,300)")},
	}}

	e := New(tl, live)
	e.CheckpointTimestampUs = 0 // forces reverse delta regardless of target vs checkpoint
	snap, err := e.BuildSnapshot("u", 1_000_150, ReverseDelta)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	rows := snap.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	want := map[string]bool{"(1,100)": false, "(2,250)": false}
	for _, r := range rows {
		if _, ok := want[string(r)]; !ok {
			t.Fatalf("unexpected row %q", r)
		}
		want[string(r)] = true
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("missing expected row %q", k)
		}
	}
}

func TestForwardReplay_BuildsFromEmpty(t *testing.T) {
	dir := t.TempDir()
	tl := &fakeTableLog{dir: dir}
	tl.write(t, "u",
		rec(1, walog.KindInsert, 100, nil, []byte("a")),
		rec(2, walog.KindInsert, 200, nil, []byte("b")),
		rec(3, walog.KindUpdate, 300, []byte("a"), []byte("a2")),
		rec(4, walog.KindMarkDelete, 400, []byte("b"), nil),
		rec(5, walog.KindInsert, 500, nil, []byte("c")), // after target, skipped
	)
	live := &fakeLive{rows: map[string][][]byte{}}
	e := New(tl, live)

	snap, err := e.BuildSnapshot("u", 400, ForwardReplay)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	rows := snap.Rows()
	if len(rows) != 1 || !bytes.Equal(rows[0], []byte("a2")) {
		t.Fatalf("expected [a2], got %v", rows)
	}
}

func TestChoose_BoundaryRules(t *testing.T) {
	const hourUs = 3_600_000_000
	if s := Choose(1000, 500, 1000, hourUs); s != ReverseDelta {
		t.Fatalf("target >= checkpoint should be reverse delta, got %v", s)
	}
	if s := Choose(0, 10_000_000_000, 10_000_000_000+hourUs+1, hourUs); s != ForwardReplay {
		t.Fatalf("target far in the past should be forward replay, got %v", s)
	}
	if s := Choose(9_999_000_000, 10_000_000_000, 10_000_000_100, hourUs); s != ReverseDelta {
		t.Fatalf("recent target under threshold should be reverse delta, got %v", s)
	}
}

func TestBuildSnapshot_TargetEqualsNowEqualsLive(t *testing.T) {
	dir := t.TempDir()
	tl := &fakeTableLog{dir: dir}
	live := &fakeLive{rows: map[string][][]byte{"u": {[]byte("(1,1)")}}}
	e := New(tl, live)
	e.NowFunc = func() uint64 { return 5_000 }
	e.CheckpointTimestampUs = 1_000

	snap, err := e.BuildSnapshot("u", 5_000, Auto)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.Len() != 1 || !bytes.Equal(snap.Rows()[0], []byte("(1,1)")) {
		t.Fatalf("expected snapshot to equal live state, got %v", snap.Rows())
	}
}
