package engine

import (
	"fmt"
	"sort"

	"francodb/internal/checkpoint"
	"francodb/internal/diskmgr"
	"francodb/internal/timetravel"
	"francodb/internal/txn"
	"francodb/internal/walog"
)

// recoverOnStartup runs crash recovery when a master record exists: it
// redoes every record in the main log stream against every table
// unconditionally, then undoes whichever transactions never reached a
// COMMIT. The master record only decides whether recovery runs and
// supplies the time-travel engine's checkpoint timestamp; its checkpoint
// offset is not used, so redo starts at the beginning of the stream, not
// at the checkpoint. sink may be nil when no row layer is wired into this
// handle (this module owns storage and recovery only); in that case
// recovery still reconciles the log and the catalog but has nowhere to
// write reconstructed rows.
func (h *Handle) recoverOnStartup(sink timetravel.TableSink) error {
	master, found, err := checkpoint.ReadMasterRecord(h.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("recoverOnStartup: %w", err)
	}
	if !found {
		return nil // fresh database, nothing to recover
	}
	h.Travel.CheckpointTimestampUs = master.TimestampUs

	records, err := walog.ReadAllRecords(h.Log.StreamPath())
	if err != nil {
		return fmt.Errorf("recoverOnStartup: read log: %w", err)
	}

	// Resume LSN allocation past every record already in the stream.
	for _, r := range records {
		if next := r.LSN + 1; next > h.Log.NextLSNPeek() {
			h.Log.SetNextLSN(next)
		}
	}

	states := analyzeTxns(records)
	incomplete := make(map[diskmgr.TxID][]*walog.Record)
	for _, r := range records {
		if r.TxID == 0 {
			continue
		}
		if states[r.TxID] != txn.Committed {
			incomplete[r.TxID] = append(incomplete[r.TxID], r)
		}
	}

	if sink != nil {
		for _, tm := range h.Catalog.Tables() {
			if err := h.recoverTable(tm.Name, records, incomplete, sink); err != nil {
				return fmt.Errorf("recoverOnStartup: table %s: %w", tm.Name, err)
			}
		}
	}

	for txID, state := range states {
		if state != txn.Running {
			continue
		}
		if _, err := h.Log.Append(&walog.Record{TxID: txID, Kind: walog.KindAbort}); err != nil {
			return fmt.Errorf("recoverOnStartup: abort txn %d: %w", txID, err)
		}
		h.Log.FinalizeTxn(txID)
	}

	if err := h.Pool.FlushAll(); err != nil {
		return fmt.Errorf("recoverOnStartup: flush pool: %w", err)
	}
	if err := h.Log.Flush(true); err != nil {
		return fmt.Errorf("recoverOnStartup: flush log: %w", err)
	}

	for _, tm := range h.Catalog.Tables() {
		if err := h.Log.ReconcileTableLog(tm.Name); err != nil {
			return fmt.Errorf("recoverOnStartup: %w", err)
		}
	}

	return h.Catalog.Save()
}

// analyzeTxns replays BEGIN/COMMIT/ABORT records in order to determine each
// transaction's terminal state. A transaction with no terminal record is
// left Running, per spec §4.4's analysis pass.
func analyzeTxns(records []*walog.Record) map[diskmgr.TxID]txn.State {
	states := make(map[diskmgr.TxID]txn.State)
	for _, r := range records {
		if r.TxID == 0 {
			continue
		}
		switch r.Kind {
		case walog.KindBegin:
			states[r.TxID] = txn.Running
		case walog.KindCommit:
			states[r.TxID] = txn.Committed
		case walog.KindAbort:
			states[r.TxID] = txn.Aborted
		}
	}
	return states
}

// recoverTable rebuilds one table's rows: redo unconditionally applies
// every logged mutation for the table in LSN order (ARIES redoes past the
// redo point regardless of a transaction's eventual fate), then undo
// reverses the mutations belonging to transactions that never committed,
// newest first.
func (h *Handle) recoverTable(table string, all []*walog.Record, incomplete map[diskmgr.TxID][]*walog.Record, sink timetravel.TableSink) error {
	var live [][]byte
	if h.Travel.Live != nil {
		var err error
		live, err = h.Travel.Live.LoadLiveRows(table)
		if err != nil {
			return fmt.Errorf("load live rows: %w", err)
		}
	}
	heap := timetravel.NewHeap(live...)

	tableRecords := make([]*walog.Record, 0)
	for _, r := range all {
		if r.TableName == table {
			tableRecords = append(tableRecords, r)
		}
	}
	sort.Slice(tableRecords, func(i, j int) bool { return tableRecords[i].LSN < tableRecords[j].LSN })

	for _, r := range tableRecords {
		applyForward(heap, r)
	}

	for txID, recs := range incomplete {
		var own []*walog.Record
		for _, r := range recs {
			if r.TableName == table {
				own = append(own, r)
			}
		}
		sort.Slice(own, func(i, j int) bool { return own[i].LSN > own[j].LSN })
		for _, r := range own {
			applyInverse(heap, r)
		}
		_ = txID
	}

	return sink.TruncateAndLoad(table, heap.Rows())
}

func applyForward(h *timetravel.Heap, r *walog.Record) {
	switch {
	case r.Kind == walog.KindInsert:
		h.Insert(r.NewValue)
	case r.Kind == walog.KindUpdate:
		h.ReplaceMatching(r.OldValue, r.NewValue)
	case r.Kind.IsDeleteVariant():
		h.DeleteMatching(r.OldValue)
	}
}

func applyInverse(h *timetravel.Heap, r *walog.Record) {
	switch {
	case r.Kind == walog.KindInsert:
		h.DeleteMatching(r.NewValue)
	case r.Kind == walog.KindUpdate:
		h.ReplaceMatching(r.NewValue, r.OldValue)
	case r.Kind.IsDeleteVariant():
		h.Insert(r.OldValue)
	}
}
