package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"francodb/internal/catalog"
	"francodb/internal/checkpoint"
	"francodb/internal/config"
	"francodb/internal/diskmgr"
	"francodb/internal/timetravel"
	"francodb/internal/walog"
)

type fakeLive struct {
	mu   sync.Mutex
	rows map[string][][]byte
}

func (f *fakeLive) LoadLiveRows(table string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.rows[table]...), nil
}

type fakeSink struct {
	mu     sync.Mutex
	loaded map[string][][]byte
}

func (f *fakeSink) TruncateAndLoad(table string, rows [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded == nil {
		f.loaded = make(map[string][][]byte)
	}
	f.loaded[table] = rows
	return nil
}

func testConfig(dataDir string) config.EngineConfig {
	c := config.Default()
	c.DataDir = dataDir
	c.BufferPoolFrames = 32
	c.BufferPartitions = 4
	c.CheckpointIntervalSeconds = 3600 // keep the background cron from firing mid-test
	c.OperationThreshold = 1 << 30     // effectively disabled
	return c
}

func TestOpen_BootstrapsReservedPagesOnFreshDatabase(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()

	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	if h.Disk.NumPages() < uint64(diskmgr.FreeBitmapPageID)+1 {
		t.Fatalf("expected at least %d pages after bootstrap, got %d", diskmgr.FreeBitmapPageID+1, h.Disk.NumPages())
	}

	root, err := h.Disk.ReadPage(diskmgr.CatalogRootPageID)
	if err != nil {
		t.Fatalf("ReadPage(catalog root): %v", err)
	}
	hdr := diskmgr.GetDataPageHeader(root)
	if hdr.PageID != diskmgr.CatalogRootPageID {
		t.Fatalf("catalog root page id = %d, want %d", hdr.PageID, diskmgr.CatalogRootPageID)
	}
}

func TestOpen_ReopenDoesNotReBootstrap(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()

	h1, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	pagesAfterFirst := h1.Disk.NumPages()
	if err := h1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	h2, err := Open(testConfig(dir), "mydb", Deps{Catalog: catalog.NewMemCatalog()})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer h2.Shutdown()

	if h2.Disk.NumPages() != pagesAfterFirst {
		t.Fatalf("reopen changed page count: %d -> %d", pagesAfterFirst, h2.Disk.NumPages())
	}
}

func TestRecoverOnStartup_NoMasterRecordIsNoOp(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()
	sink := &fakeSink{}

	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat, Live: &fakeLive{}, Sink: sink})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	if len(sink.loaded) != 0 {
		t.Fatalf("expected no recovery writes on a fresh database, got %v", sink.loaded)
	}
}

func TestRecoverOnStartup_RedoesCommittedAndUndoesIncomplete(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()
	cat.CreateTable("orders", diskmgr.PageID(3))

	// First session: append a committed insert and an incomplete
	// (no terminal record) insert directly to the log, then write a
	// master record directly so the next Open finds one.
	logMgr, err := walog.Open(dir, "mydb")
	if err != nil {
		t.Fatalf("walog.Open: %v", err)
	}
	if _, err := logMgr.Append(&walog.Record{TxID: 1, Kind: walog.KindBegin}); err != nil {
		t.Fatal(err)
	}
	if _, err := logMgr.Append(&walog.Record{TxID: 1, Kind: walog.KindInsert, TableName: "orders", NewValue: []byte("committed-row")}); err != nil {
		t.Fatal(err)
	}
	if _, err := logMgr.Append(&walog.Record{TxID: 1, Kind: walog.KindCommit}); err != nil {
		t.Fatal(err)
	}
	logMgr.FinalizeTxn(1)

	if _, err := logMgr.Append(&walog.Record{TxID: 2, Kind: walog.KindBegin}); err != nil {
		t.Fatal(err)
	}
	if _, err := logMgr.Append(&walog.Record{TxID: 2, Kind: walog.KindInsert, TableName: "orders", NewValue: []byte("uncommitted-row")}); err != nil {
		t.Fatal(err)
	}
	// No commit/abort for txn 2: it's left open, as if the process
	// crashed here.

	if err := logMgr.Flush(true); err != nil {
		t.Fatal(err)
	}
	master := checkpoint.MasterRecord{CheckpointLSN: logMgr.PersistentLSN(), TimestampUs: 1}
	if err := checkpoint.WriteMasterRecordAtomic(dir, master); err != nil {
		t.Fatal(err)
	}
	if err := logMgr.Close(); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{}
	live := &fakeLive{rows: map[string][][]byte{}}
	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat, Live: live, Sink: sink})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	rows := sink.loaded["orders"]
	foundCommitted, foundUncommitted := false, false
	for _, r := range rows {
		switch string(r) {
		case "committed-row":
			foundCommitted = true
		case "uncommitted-row":
			foundUncommitted = true
		}
	}
	if !foundCommitted {
		t.Fatalf("expected committed-row to survive recovery, got %v", rowsAsStrings(rows))
	}
	if foundUncommitted {
		t.Fatalf("expected uncommitted-row to be undone, got %v", rowsAsStrings(rows))
	}

	att := h.Log.ActiveTransactions()
	for _, e := range att {
		if e.TxID == 2 {
			t.Fatalf("txn 2 should have been finalized by recovery, still active: %+v", e)
		}
	}
}

func TestCheckpointNow_WritesMasterRecordUnderExclusiveLock(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()
	cat.CreateTable("orders", diskmgr.PageID(3))

	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	lsn, err := h.CheckpointNow()
	if err != nil {
		t.Fatalf("CheckpointNow: %v", err)
	}
	rec, ok, err := checkpoint.ReadMasterRecord(dir)
	if err != nil {
		t.Fatalf("ReadMasterRecord: %v", err)
	}
	if !ok || rec.CheckpointLSN != lsn {
		t.Fatalf("expected master record with LSN %d, got ok=%v rec=%+v", lsn, ok, rec)
	}
}

func TestRecoverTo_LatestIsNoOpFlush(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: catalog.NewMemCatalog()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	if err := h.RecoverTo(timetravel.Latest, timetravel.Auto, &fakeSink{}); err != nil {
		t.Fatalf("RecoverTo(Latest): %v", err)
	}
}

func TestRecoverTo_ReverseDeltaLoadsLiveRowsIntoSink(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemCatalog()
	cat.CreateTable("orders", diskmgr.PageID(3))
	live := &fakeLive{rows: map[string][][]byte{"orders": {[]byte("row1")}}}
	sink := &fakeSink{}

	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: cat, Live: live, Sink: sink})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	target := uint64(time.Now().UnixMicro())
	if err := h.RecoverTo(target, timetravel.ReverseDelta, sink); err != nil {
		t.Fatalf("RecoverTo: %v", err)
	}
	if len(sink.loaded["orders"]) != 1 || string(sink.loaded["orders"][0]) != "row1" {
		t.Fatalf("expected sink to receive live row, got %v", sink.loaded["orders"])
	}
}

func TestWithShared_AllowsConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(testConfig(dir), "mydb", Deps{Catalog: catalog.NewMemCatalog()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.WithShared(func() error { return nil }); err != nil {
				t.Errorf("WithShared: %v", err)
			}
		}()
	}
	wg.Wait()
}

func rowsAsStrings(rows [][]byte) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r)
	}
	return out
}

func TestBootstrap_SkipsWhenPagesAlreadyExist(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "mydb"), 0755); err != nil {
		t.Fatal(err)
	}
	disk, err := diskmgr.Open(filepath.Join(dir, "mydb", "mydb"))
	if err != nil {
		t.Fatalf("diskmgr.Open: %v", err)
	}
	buf := make([]byte, diskmgr.PageSize)
	diskmgr.PutDataPageHeader(buf, diskmgr.DataPageHeader{PageID: diskmgr.CatalogRootPageID})
	diskmgr.SetChecksum(buf)
	if err := disk.WritePage(diskmgr.CatalogRootPageID, buf); err != nil {
		t.Fatal(err)
	}
	diskmgr.PutDataPageHeader(buf, diskmgr.DataPageHeader{PageID: diskmgr.FreeBitmapPageID})
	diskmgr.SetChecksum(buf)
	if err := disk.WritePage(diskmgr.FreeBitmapPageID, buf); err != nil {
		t.Fatal(err)
	}
	pagesBefore := disk.NumPages()
	disk.Close()

	h := &Handle{cfg: testConfig(dir)}
	disk2, err := diskmgr.Open(filepath.Join(dir, "mydb", "mydb"))
	if err != nil {
		t.Fatal(err)
	}
	defer disk2.Close()
	h.Disk = disk2

	if err := h.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if disk2.NumPages() != pagesBefore {
		t.Fatalf("Bootstrap rewrote pages: %d -> %d", pagesBefore, disk2.NumPages())
	}
}
