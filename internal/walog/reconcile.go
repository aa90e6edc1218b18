package walog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ReconcileTableLog checks a table's per-table WAL mirror against the main
// database stream and, if the mirror's tail LSN doesn't match what the
// main stream holds for that table (a mirror write that failed, or a
// mirror file missing entirely), rebuilds the mirror from the main
// stream. The main stream is always authoritative, per spec §4.3's
// design note that the per-table file is a read optimization, not a
// second source of truth.
func (m *Manager) ReconcileTableLog(table string) error {
	path := m.TableLogPath(table)

	mirrored, err := ReadAllRecords(path)
	if err != nil {
		return fmt.Errorf("walog.ReconcileTableLog(%s): read mirror: %w", table, err)
	}

	main, err := ReadAllRecords(m.StreamPath())
	if err != nil {
		return fmt.Errorf("walog.ReconcileTableLog(%s): read main stream: %w", table, err)
	}
	var want []*Record
	for _, r := range main {
		if r.TableName == table {
			want = append(want, r)
		}
	}

	if sameTail(mirrored, want) {
		return nil
	}

	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	if f, ok := m.tableFiles[table]; ok {
		f.Close()
		delete(m.tableFiles, table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("walog.ReconcileTableLog(%s): mkdir: %w", table, err)
	}

	var buf []byte
	for _, r := range want {
		data, err := r.Marshal()
		if err != nil {
			return fmt.Errorf("walog.ReconcileTableLog(%s): marshal: %w", table, err)
		}
		buf = append(buf, data...)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("walog.ReconcileTableLog(%s): rewrite: %w", table, err)
	}
	log.Printf("walog: reconciled table log %s from main stream (%d records)", table, len(want))
	return nil
}

func sameTail(mirrored, want []*Record) bool {
	if len(mirrored) != len(want) {
		return false
	}
	if len(want) == 0 {
		return true
	}
	return mirrored[len(mirrored)-1].LSN == want[len(want)-1].LSN
}
