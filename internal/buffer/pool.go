package buffer

import (
	"fmt"

	"francodb/internal/diskmgr"
	"francodb/internal/walog"
)

// ReplacerKind selects which eviction policy a Pool's partitions use.
type ReplacerKind string

const (
	ReplacerLRU   ReplacerKind = "lru"
	ReplacerClock ReplacerKind = "clock"
)

// DefaultPartitions is the default partition count, per spec §4.2.
const DefaultPartitions = 16

// Pool is the partitioned buffer pool: a fixed total frame count split
// across N independent partitions, per spec §4.2. partitionOf(id) =
// id mod N. Partitioning exists solely to reduce contention; correctness
// does not depend on it.
type Pool struct {
	partitions []*partition
	n          int
	disk       *diskmgr.Manager
	log        LogSync
	alloc      *pageAllocator
}

// NewPool creates a Pool with totalFrames divided evenly across
// numPartitions (rounding up so no partition is starved).
func NewPool(disk *diskmgr.Manager, log LogSync, totalFrames, numPartitions int, kind ReplacerKind) (*Pool, error) {
	if numPartitions <= 0 {
		numPartitions = DefaultPartitions
	}
	if totalFrames <= 0 {
		return nil, fmt.Errorf("buffer.NewPool: totalFrames must be positive")
	}
	perPartition := (totalFrames + numPartitions - 1) / numPartitions
	if perPartition < 1 {
		perPartition = 1
	}

	pool := &Pool{n: numPartitions, disk: disk, log: log, alloc: newPageAllocator(disk.NumPages())}
	pool.partitions = make([]*partition, numPartitions)
	for i := 0; i < numPartitions; i++ {
		pool.partitions[i] = newPartition(perPartition, newReplacer(kind, perPartition), disk, log)
	}
	return pool, nil
}

func newReplacer(kind ReplacerKind, capacity int) Replacer {
	if kind == ReplacerClock {
		return NewClockReplacer(capacity)
	}
	return NewLRUReplacer()
}

func (p *Pool) partitionOf(id diskmgr.PageID) *partition {
	return p.partitions[int(id)%p.n]
}

// FetchPage pins and returns the frame for id, loading it from disk if not
// already resident.
func (p *Pool) FetchPage(id diskmgr.PageID) (*Frame, error) {
	return p.partitionOf(id).fetch(id)
}

// NewPage allocates a fresh page id and installs a zeroed, pinned frame
// for it.
func (p *Pool) NewPage() (diskmgr.PageID, *Frame, error) {
	id := p.alloc.alloc()
	f, err := p.partitionOf(id).installNew(id)
	if err != nil {
		p.alloc.release(id)
		return 0, nil, err
	}
	return id, f, nil
}

// UnpinPage decrements the pin count for id. is_dirty sticks once set;
// it never resets a previously-dirty frame to clean.
func (p *Pool) UnpinPage(id diskmgr.PageID, isDirty bool) error {
	return p.partitionOf(id).unpin(id, isDirty)
}

// FlushPage enforces the WAL rule, recomputes the checksum, and writes id
// to disk. Page 0 is never flushed via this path.
func (p *Pool) FlushPage(id diskmgr.PageID) error {
	if id == diskmgr.MetadataPageID {
		return nil
	}
	return p.partitionOf(id).flush(id)
}

// FlushAll forces the log flush, then writes out every dirty page except
// page 0. After this returns, no dirty frames remain (spec §4.2 invariant
// iii).
func (p *Pool) FlushAll() error {
	if err := p.log.Flush(true); err != nil {
		return fmt.Errorf("buffer.FlushAll: %w", err)
	}
	for _, part := range p.partitions {
		if err := part.flushAllDirty(); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage unregisters id and returns its frame to the free list.
// Requires the page's pin count to be zero.
func (p *Pool) DeletePage(id diskmgr.PageID) error {
	if err := p.partitionOf(id).delete(id); err != nil {
		return err
	}
	p.alloc.release(id)
	return nil
}

// DirtyPageTable snapshots every resident dirty page across all
// partitions as a DPT for checkpointing, per spec §4.4 step 3.
func (p *Pool) DirtyPageTable() []walog.DPTEntry {
	var out []walog.DPTEntry
	for _, part := range p.partitions {
		for _, id := range part.snapshotDirty() {
			lsn, ok := part.lsnOf(id)
			if !ok {
				continue
			}
			out = append(out, walog.DPTEntry{PageID: id, RecoveryLSN: lsn})
		}
	}
	return out
}
