package timetravel

import (
	"fmt"

	"francodb/internal/catalog"
	"francodb/internal/dberr"
)

// TableSink is where a recovered snapshot lands — the out-of-scope
// storage/executor layer's bulk-load entry point.
type TableSink interface {
	TruncateAndLoad(table string, rows [][]byte) error
}

// PoolFlusher is the buffer pool's flush-everything capability.
type PoolFlusher interface {
	FlushAll() error
}

// LogFlusher is the log manager's force-flush capability.
type LogFlusher interface {
	Flush(force bool) error
}

// RecoverTo runs the persistent RECOVER TO protocol of spec §4.5. The
// caller must hold the engine's global exclusive lock for the duration of
// this call (the time-travel engine has no notion of that lock itself,
// per the layering in spec §9).
//
// State machine: target == Latest is a no-op apart from flushes; target
// > now+60s fails FutureTimestamp; target == 0 fails InvalidTimestamp;
// otherwise the full protocol runs.
func (e *Engine) RecoverTo(target uint64, override Strategy, cat catalog.Catalog, sink TableSink, pool PoolFlusher, log LogFlusher) error {
	if target == Latest {
		return e.flushOnly(pool, log)
	}
	if target == 0 {
		return fmt.Errorf("timetravel.RecoverTo: %w", dberr.ErrInvalidTimestamp)
	}
	if target > e.now()+uint64(FutureGrace/1000) {
		return fmt.Errorf("timetravel.RecoverTo: target in the future: %w", dberr.ErrFutureTimestamp)
	}

	tables := cat.Tables()
	staged := make(map[string]*Heap, len(tables))
	for _, t := range tables {
		snap, err := e.BuildSnapshot(t.Name, target, override)
		if err != nil {
			// Nothing written yet — live state is untouched.
			return fmt.Errorf("timetravel.RecoverTo: build snapshot for %s: %w", t.Name, dberr.ErrRecoveryFailed)
		}
		staged[t.Name] = snap
	}

	for _, t := range tables {
		if err := sink.TruncateAndLoad(t.Name, staged[t.Name].Rows()); err != nil {
			return fmt.Errorf("timetravel.RecoverTo: load %s: %w", t.Name, dberr.ErrRecoveryFailed)
		}
	}

	if err := pool.FlushAll(); err != nil {
		return fmt.Errorf("timetravel.RecoverTo: flush buffer pool: %w", err)
	}
	if err := log.Flush(true); err != nil {
		return fmt.Errorf("timetravel.RecoverTo: flush log: %w", err)
	}
	if err := cat.Save(); err != nil {
		return fmt.Errorf("timetravel.RecoverTo: save catalog: %w", err)
	}
	return nil
}

func (e *Engine) flushOnly(pool PoolFlusher, log LogFlusher) error {
	if err := pool.FlushAll(); err != nil {
		return fmt.Errorf("timetravel.RecoverTo(latest): %w", err)
	}
	if err := log.Flush(true); err != nil {
		return fmt.Errorf("timetravel.RecoverTo(latest): %w", err)
	}
	return nil
}
