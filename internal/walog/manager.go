package walog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"francodb/internal/dberr"
	"francodb/internal/diskmgr"
)

// systemStream is the pseudo-database name for the DDL-only log stream
// that records CREATE_DB/DROP_DB/SWITCH_DB.
const systemStream = "system"

// flushInterval is how often the background flush worker wakes on its own,
// absent an explicit signal. Spec §4.3 calls for "every ~30ms".
const flushInterval = 30 * time.Millisecond

// maxConsecutiveFlushFailures is the number of back-to-back I/O failures
// the flush worker tolerates before declaring degraded mode, per spec §7.
const maxConsecutiveFlushFailures = 10

// txnEntry is one row of the in-memory transaction table.
type txnEntry struct {
	firstLSN  diskmgr.LSN
	lastLSN   diskmgr.LSN
	committed bool
}

// buffer is one half of the double buffer: accumulated bytes plus the
// highest LSN they contain, so the flush worker can advance persistentLSN
// once those bytes are durable.
type buffer struct {
	bytes  []byte
	maxLSN diskmgr.LSN
}

// Manager is the Log Manager: LSN allocation, per-database WAL streams,
// double-buffered async flush, per-transaction LSN chaining, and optional
// per-table log mirroring.
type Manager struct {
	dataDir string

	nextLSN atomic.Int64 // monotonic per process, shared across all streams

	bufMu  sync.Mutex
	active *buffer
	flush  *buffer

	persistentMu sync.Mutex
	persistentLSN diskmgr.LSN
	persistentCv  *sync.Cond

	fileMu  sync.Mutex
	dbName  string
	file    *os.File
	sysFile *os.File

	txnMu sync.Mutex
	txns  map[diskmgr.TxID]*txnEntry

	tableMu    sync.Mutex
	tableFiles map[string]*os.File

	opCount       atomic.Int64
	opThreshold   int64
	onOpThreshold func()

	degraded           atomic.Bool
	consecutiveFailure atomic.Int64

	stopCh   chan struct{}
	signalCh chan struct{}
	doneCh   chan struct{}
}

// Open opens (or creates) the WAL for dbName under dataDir, plus the shared
// system stream, and starts the background flush worker.
func Open(dataDir, dbName string) (*Manager, error) {
	m := &Manager{
		dataDir:    dataDir,
		txns:       make(map[diskmgr.TxID]*txnEntry),
		tableFiles: make(map[string]*os.File),
		active:     &buffer{maxLSN: diskmgr.InvalidLSN},
		flush:      &buffer{maxLSN: diskmgr.InvalidLSN},
		stopCh:     make(chan struct{}),
		signalCh:   make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	m.persistentCv = sync.NewCond(&m.persistentMu)
	m.nextLSN.Store(1)

	if err := m.openDBFile(dbName); err != nil {
		return nil, err
	}
	sf, err := m.openStreamFile(systemStream)
	if err != nil {
		m.file.Close()
		return nil, err
	}
	m.sysFile = sf

	go m.flushLoop()
	return m, nil
}

func (m *Manager) streamPath(name string) string {
	if name == systemStream {
		return filepath.Join(m.dataDir, "system", "sys.log")
	}
	return filepath.Join(m.dataDir, name, "wal.log")
}

func (m *Manager) openStreamFile(name string) (*os.File, error) {
	path := m.streamPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, dberr.Wrap("walog.Open: mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, dberr.Wrap("walog.Open: open "+path, err)
	}
	return f, nil
}

func (m *Manager) openDBFile(dbName string) error {
	f, err := m.openStreamFile(dbName)
	if err != nil {
		return err
	}
	m.dbName = dbName
	m.file = f
	return nil
}

// SetOpThresholdCallback registers a function called every threshold
// appended records, per spec §4.4 trigger (b). threshold <= 0 disables it.
func (m *Manager) SetOpThresholdCallback(threshold int, cb func()) {
	m.opThreshold = int64(threshold)
	m.onOpThreshold = cb
}

// NextLSNPeek returns the LSN that would be assigned to the next append,
// without consuming it. Used by recovery to resume LSN allocation.
func (m *Manager) NextLSNPeek() diskmgr.LSN {
	return diskmgr.LSN(int32(m.nextLSN.Load()))
}

// SetNextLSN lets recovery fast-forward the LSN counter past whatever was
// found on disk.
func (m *Manager) SetNextLSN(lsn diskmgr.LSN) {
	m.nextLSN.Store(int64(lsn))
}

// Append serializes rec, assigns it the next LSN, chains it onto its
// transaction's prev_lsn, appends it to the active buffer, and mirrors it
// into the record's per-table log file if TableName is set. Returns the
// assigned LSN.
func (m *Manager) Append(rec *Record) (diskmgr.LSN, error) {
	lsn := diskmgr.LSN(int32(m.nextLSN.Add(1) - 1))
	rec.LSN = lsn
	if rec.TimestampUs == 0 {
		rec.TimestampUs = uint64(time.Now().UnixMicro())
	}

	if rec.Kind != KindCheckpointEnd && rec.Kind != KindCheckpointBegin {
		m.txnMu.Lock()
		switch rec.Kind {
		case KindBegin:
			rec.PrevLSN = diskmgr.InvalidLSN
			m.txns[rec.TxID] = &txnEntry{firstLSN: lsn, lastLSN: lsn}
		default:
			if e, ok := m.txns[rec.TxID]; ok {
				rec.PrevLSN = e.lastLSN
				e.lastLSN = lsn
			} else {
				rec.PrevLSN = diskmgr.InvalidLSN
			}
		}
		m.txnMu.Unlock()
	}

	data, err := rec.Marshal()
	if err != nil {
		// Serialization errors degrade to a sentinel record rather than
		// losing the LSN slot entirely.
		log.Printf("walog: marshal failed for lsn %d, writing sentinel: %v", lsn, err)
		data, _ = (&Record{LSN: lsn, PrevLSN: diskmgr.InvalidLSN, UndoNextLSN: diskmgr.InvalidLSN, Kind: KindAbort}).Marshal()
	}

	m.bufMu.Lock()
	m.active.bytes = append(m.active.bytes, data...)
	if lsn > m.active.maxLSN {
		m.active.maxLSN = lsn
	}
	m.bufMu.Unlock()

	switch rec.Kind {
	case KindCreateDB, KindDropDB, KindSwitchDB:
		m.fileMu.Lock()
		if _, err := m.sysFile.Write(data); err != nil {
			log.Printf("walog: system stream write for lsn %d: %v", lsn, err)
		}
		m.fileMu.Unlock()
	}

	if rec.TableName != "" {
		m.mirrorToTable(rec.TableName, data)
	}

	switch rec.Kind {
	case KindCommit:
		m.txnMu.Lock()
		if e, ok := m.txns[rec.TxID]; ok {
			e.committed = true
		}
		m.txnMu.Unlock()
	case KindAbort:
		m.txnMu.Lock()
		delete(m.txns, rec.TxID)
		m.txnMu.Unlock()
	}

	if m.opThreshold > 0 && m.onOpThreshold != nil {
		if m.opCount.Add(1)%m.opThreshold == 0 {
			m.onOpThreshold()
		}
	}

	m.kick()
	return lsn, nil
}

// FinalizeTxn removes a COMMITted or ABORTed transaction from the active
// table. Must be called only after the COMMIT/ABORT record is durable.
func (m *Manager) FinalizeTxn(id diskmgr.TxID) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	delete(m.txns, id)
}

// ActiveTransactions returns the ATT: transactions with no terminal record
// yet, for checkpointing.
func (m *Manager) ActiveTransactions() []ATTEntry {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	out := make([]ATTEntry, 0, len(m.txns))
	for id, e := range m.txns {
		if e.committed {
			continue
		}
		out = append(out, ATTEntry{TxID: id, LastLSN: e.lastLSN, FirstLSN: e.firstLSN})
	}
	return out
}

func (m *Manager) mirrorToTable(table string, data []byte) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	f, ok := m.tableFiles[table]
	if !ok {
		path := filepath.Join(m.dataDir, m.dbName, "wal", table+".wal")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Printf("walog: mkdir for table log %s: %v", table, err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("walog: open table log %s: %v", table, err)
			return
		}
		m.tableFiles[table] = f
	}
	if _, err := f.Write(data); err != nil {
		log.Printf("walog: mirror write to table log %s: %v", table, err)
	}
}

// TableLogPath returns the path of a table's per-table WAL file, whether or
// not it has been opened yet.
func (m *Manager) TableLogPath(table string) string {
	return filepath.Join(m.dataDir, m.dbName, "wal", table+".wal")
}

// kick wakes the flush worker without blocking the caller.
func (m *Manager) kick() {
	select {
	case m.signalCh <- struct{}{}:
	default:
	}
}

// PersistentLSN returns the highest LSN durably flushed to disk so far.
func (m *Manager) PersistentLSN() diskmgr.LSN {
	m.persistentMu.Lock()
	defer m.persistentMu.Unlock()
	return m.persistentLSN
}

// FlushToLSN blocks until persistentLSN >= target.
func (m *Manager) FlushToLSN(target diskmgr.LSN) error {
	m.kick()
	m.persistentMu.Lock()
	defer m.persistentMu.Unlock()
	for m.persistentLSN < target {
		if m.degraded.Load() {
			return fmt.Errorf("walog.FlushToLSN: %w", dberr.ErrAborted)
		}
		m.persistentCv.Wait()
	}
	return nil
}

// Flush drains the active buffer. force=true performs a synchronous drain
// on the caller's goroutine instead of waiting for the background worker.
func (m *Manager) Flush(force bool) error {
	if !force {
		m.kick()
		return nil
	}
	return m.drainOnce()
}

// drainOnce swaps the active and flush buffers and writes the flush buffer
// to disk, advancing persistentLSN. Safe to call from any goroutine:
// fileMu is held from the swap through the write, so concurrent drains
// reach the file in swap order.
func (m *Manager) drainOnce() error {
	m.fileMu.Lock()
	m.bufMu.Lock()
	if len(m.active.bytes) == 0 {
		m.bufMu.Unlock()
		m.fileMu.Unlock()
		return nil
	}
	m.active, m.flush = m.flush, m.active
	toWrite := m.flush.bytes
	maxLSN := m.flush.maxLSN
	m.flush.bytes = nil
	m.flush.maxLSN = diskmgr.InvalidLSN
	m.bufMu.Unlock()

	_, err := m.file.Write(toWrite)
	if err == nil {
		err = m.file.Sync()
	}
	m.fileMu.Unlock()

	if err != nil {
		if reopenErr := m.reopenOnFailure(err); reopenErr != nil {
			return reopenErr
		}
		return dberr.Wrap("walog.drainOnce", err)
	}

	m.consecutiveFailure.Store(0)
	m.persistentMu.Lock()
	if maxLSN > m.persistentLSN {
		m.persistentLSN = maxLSN
	}
	m.persistentCv.Broadcast()
	m.persistentMu.Unlock()
	return nil
}

// reopenOnFailure handles an append failure caused by a closed file by
// reopening the current database's stream, per spec §4.3 failure
// semantics. It also tracks consecutive failures for degraded-mode
// signaling.
func (m *Manager) reopenOnFailure(cause error) error {
	n := m.consecutiveFailure.Add(1)
	log.Printf("walog: flush failed (%d consecutive): %v", n, cause)

	m.fileMu.Lock()
	f, reopenErr := m.openStreamFile(m.dbName)
	if reopenErr == nil {
		m.file.Close()
		m.file = f
	}
	m.fileMu.Unlock()

	if n >= maxConsecutiveFlushFailures {
		if !m.degraded.Swap(true) {
			log.Printf("walog: entering degraded mode after %d consecutive flush failures", n)
			m.persistentMu.Lock()
			m.persistentCv.Broadcast()
			m.persistentMu.Unlock()
		}
	}
	if reopenErr != nil {
		return dberr.Wrap("walog.reopenOnFailure", reopenErr)
	}
	return nil
}

// Degraded reports whether the flush worker has given up after repeated
// I/O failures.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// flushLoop is the background flush worker: wakes every flushInterval or
// on an explicit kick, and drains the active buffer.
func (m *Manager) flushLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			_ = m.drainOnce()
			return
		case <-ticker.C:
			_ = m.drainOnce()
		case <-m.signalCh:
			_ = m.drainOnce()
		}
	}
}

// SwitchDatabase flushes the active buffer, closes the current stream,
// opens the target database's stream, and emits a SWITCH_DB record in the
// new stream.
func (m *Manager) SwitchDatabase(name string) error {
	if err := m.Flush(true); err != nil {
		return err
	}
	m.fileMu.Lock()
	if err := m.file.Close(); err != nil {
		m.fileMu.Unlock()
		return dberr.Wrap("walog.SwitchDatabase: close", err)
	}
	m.fileMu.Unlock()

	if err := m.openDBFile(name); err != nil {
		return err
	}

	_, err := m.Append(&Record{
		Kind:   KindSwitchDB,
		DBName: name,
		TxID:   0,
	})
	return err
}

// Close signals the flush worker to stop, waits up to 5s for it to drain,
// and closes every open file.
func (m *Manager) Close() error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("walog: flush worker did not stop within timeout, closing files anyway")
	}

	var firstErr error
	m.fileMu.Lock()
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.sysFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.fileMu.Unlock()

	m.tableMu.Lock()
	for _, f := range m.tableFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.tableMu.Unlock()

	return dberr.Wrap("walog.Close", firstErr)
}

// StreamPath exposes the current database's WAL file path (for recovery).
func (m *Manager) StreamPath() string {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	return m.streamPath(m.dbName)
}
