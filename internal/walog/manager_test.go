package walog

import (
	"os"
	"testing"
	"time"

	"francodb/internal/diskmgr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(dir, "orders")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppend_AssignsMonotonicLSNs(t *testing.T) {
	m := newTestManager(t)
	var last diskmgr.LSN = diskmgr.InvalidLSN
	for i := 0; i < 5; i++ {
		lsn, err := m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: diskmgr.TxID(i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if lsn <= last {
			t.Fatalf("lsn %d not increasing from %d", lsn, last)
		}
		last = lsn
	}
}

func TestAppend_ChainsPrevLSNWithinTxn(t *testing.T) {
	m := newTestManager(t)
	beginLSN, _ := m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: 1})
	insertLSN, _ := m.Append(&Record{Kind: KindInsert, DBName: "orders", TxID: 1, TableName: "t", NewValue: []byte("x")})
	commitLSN, err := m.Append(&Record{Kind: KindCommit, DBName: "orders", TxID: 1})
	if err != nil {
		t.Fatalf("Append commit: %v", err)
	}

	if err := m.FlushToLSN(commitLSN); err != nil {
		t.Fatalf("FlushToLSN: %v", err)
	}

	records, err := ReadAllRecords(m.StreamPath())
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].LSN != beginLSN || records[1].PrevLSN != beginLSN {
		t.Fatalf("chain broken: begin=%d insert.prev=%d", beginLSN, records[1].PrevLSN)
	}
	if records[1].LSN != insertLSN || records[2].PrevLSN != insertLSN {
		t.Fatalf("chain broken: insert=%d commit.prev=%d", insertLSN, records[2].PrevLSN)
	}
}

func TestActiveTransactions_TracksUncommitted(t *testing.T) {
	m := newTestManager(t)
	m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: 1})
	m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: 2})
	m.Append(&Record{Kind: KindCommit, DBName: "orders", TxID: 1})
	m.FinalizeTxn(1)

	att := m.ActiveTransactions()
	if len(att) != 1 || att[0].TxID != 2 {
		t.Fatalf("expected only txn 2 active, got %+v", att)
	}
}

func TestFlushToLSN_BlocksUntilDurable(t *testing.T) {
	m := newTestManager(t)
	lsn, _ := m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: 1})
	done := make(chan error, 1)
	go func() { done <- m.FlushToLSN(lsn) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FlushToLSN: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FlushToLSN did not return within 2s")
	}
	if m.PersistentLSN() < lsn {
		t.Fatalf("persistentLSN %d < %d after FlushToLSN returned", m.PersistentLSN(), lsn)
	}
}

func TestMirrorToTable_WritesPerTableLog(t *testing.T) {
	m := newTestManager(t)
	lsn, _ := m.Append(&Record{Kind: KindInsert, DBName: "orders", TxID: 1, TableName: "line_items", NewValue: []byte("row")})
	if err := m.FlushToLSN(lsn); err != nil {
		t.Fatalf("FlushToLSN: %v", err)
	}
	m.tableMu.Lock()
	f := m.tableFiles["line_items"]
	m.tableMu.Unlock()
	if f == nil {
		t.Fatal("expected per-table log file to be open")
	}

	records, err := ReadAllRecords(m.TableLogPath("line_items"))
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 1 || records[0].TableName != "line_items" {
		t.Fatalf("unexpected table log contents: %+v", records)
	}
}

func TestSwitchDatabase_EmitsSwitchRecordInNewStream(t *testing.T) {
	m := newTestManager(t)
	if err := m.SwitchDatabase("inventory"); err != nil {
		t.Fatalf("SwitchDatabase: %v", err)
	}
	if err := m.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	records, err := ReadAllRecords(m.StreamPath())
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindSwitchDB || records[0].DBName != "inventory" {
		t.Fatalf("unexpected switch record: %+v", records)
	}
}

func TestOpThresholdCallback_FiresEveryNAppends(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "orders")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	fired := 0
	m.SetOpThresholdCallback(3, func() { fired++ })
	for i := 0; i < 7; i++ {
		m.Append(&Record{Kind: KindBegin, DBName: "orders", TxID: diskmgr.TxID(i)})
	}
	if fired != 2 {
		t.Fatalf("expected 2 threshold fires for 7 appends at threshold 3, got %d", fired)
	}
}

func TestOpen_RejectsUnwritableDir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, permission checks are bypassed")
	}
	_, err := Open("/nonexistent-root-only-path/db", "orders")
	if err == nil {
		t.Fatal("expected error opening WAL under an unwritable path")
	}
}
