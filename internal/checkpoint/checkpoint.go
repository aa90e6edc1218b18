// Package checkpoint implements francodb's fuzzy ARIES checkpoint
// protocol: an ATT/DPT snapshot, a forced log+buffer flush, an atomic
// master record, per-table checkpoint-LSN tagging, and background /
// operation-count / explicit triggers.
package checkpoint

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"francodb/internal/catalog"
	"francodb/internal/dberr"
	"francodb/internal/diskmgr"
	"francodb/internal/walog"
)

// Pool is the narrow collaborator interface the checkpoint manager needs
// from the buffer pool: flush everything, and snapshot the dirty page
// table.
type Pool interface {
	FlushAll() error
	DirtyPageTable() []walog.DPTEntry
}

// Log is the narrow collaborator interface the checkpoint manager needs
// from the log manager.
type Log interface {
	Append(rec *walog.Record) (diskmgr.LSN, error)
	ActiveTransactions() []walog.ATTEntry
	Flush(force bool) error
	StreamPath() string
	SetOpThresholdCallback(threshold int, cb func())
	Degraded() bool
}

// Manager runs begin_checkpoint on demand, on an interval, and on an
// appended-record-count threshold.
type Manager struct {
	dataDir string
	dbName  string
	log     Log
	pool    Pool
	catalog catalog.Catalog

	mu   sync.Mutex // serializes concurrent checkpoint runs
	cron *cron.Cron
}

// New creates a Manager. dbName is written into the CHECKPOINT_BEGIN and
// CHECKPOINT_END records' database field; the protocol itself is
// database-scoped because the log manager it's given is.
func New(dataDir, dbName string, logMgr Log, pool Pool, cat catalog.Catalog) *Manager {
	return &Manager{dataDir: dataDir, dbName: dbName, log: logMgr, pool: pool, catalog: cat}
}

// StartBackground starts a cron-driven background trigger firing every
// intervalSeconds, per spec §4.4 trigger (a). Default is 30s.
func (m *Manager) StartBackground(intervalSeconds int) error {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	_, err := m.cron.AddFunc(spec, func() {
		if _, err := m.Checkpoint(); err != nil {
			log.Printf("checkpoint: background trigger failed: %v", err)
		}
	})
	if err != nil {
		return dberr.Wrap("checkpoint.StartBackground", err)
	}
	m.cron.Start()
	return nil
}

// StartOpThreshold wires the operation-count trigger (b): the log manager
// calls back every threshold appended records.
func (m *Manager) StartOpThreshold(threshold int) {
	if threshold <= 0 {
		threshold = 1000
	}
	m.log.SetOpThresholdCallback(threshold, func() {
		go func() {
			if _, err := m.Checkpoint(); err != nil {
				log.Printf("checkpoint: operation-threshold trigger failed: %v", err)
			}
		}()
	})
}

// Stop halts the background cron trigger, if running.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Checkpoint runs the 9-step begin_checkpoint protocol (explicit trigger
// (c), and the implementation behind triggers (a) and (b)). Returns the
// LSN of the CHECKPOINT_END record.
func (m *Manager) Checkpoint() (diskmgr.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.log.Degraded() {
		log.Printf("checkpoint: skipping, log manager is in degraded mode")
		return diskmgr.InvalidLSN, dberr.ErrRecoveryFailed
	}

	if _, err := m.log.Append(&walog.Record{Kind: walog.KindCheckpointBegin, DBName: m.dbName}); err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: begin: %w", err)
	}

	att := m.log.ActiveTransactions()

	dptEntries := m.pool.DirtyPageTable()

	if err := m.pool.FlushAll(); err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: flush_all: %w", err)
	}

	offset, err := streamSize(m.log.StreamPath())
	if err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: stream size: %w", err)
	}

	checkpointLSN, err := m.log.Append(&walog.Record{
		Kind:   walog.KindCheckpointEnd,
		DBName: m.dbName,
		ATT:    toATTEntries(att),
		DPT:    dptEntries,
	})
	if err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: end: %w", err)
	}

	if err := m.log.Flush(true); err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: flush log: %w", err)
	}

	ts := timestampUs()
	if err := WriteMasterRecordAtomic(m.dataDir, MasterRecord{
		CheckpointLSN:    checkpointLSN,
		CheckpointOffset: offset,
		TimestampUs:      ts,
	}); err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: master record: %w", err)
	}

	for _, t := range m.catalog.Tables() {
		m.catalog.SetCheckpointLSN(t.Name, checkpointLSN)
	}
	if err := m.catalog.Save(); err != nil {
		return diskmgr.InvalidLSN, fmt.Errorf("checkpoint.Checkpoint: save catalog: %w", err)
	}

	return checkpointLSN, nil
}

func toATTEntries(att []walog.ATTEntry) []walog.ATTEntry {
	out := make([]walog.ATTEntry, len(att))
	copy(out, att)
	return out
}

func timestampUs() uint64 {
	return uint64(time.Now().UnixMicro())
}

func streamSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, dberr.Wrap("checkpoint.streamSize", err)
	}
	return info.Size(), nil
}
