package buffer

import (
	"fmt"
	"sync"

	"francodb/internal/dberr"
	"francodb/internal/diskmgr"
)

// LogSync is the one-way capability the buffer pool needs from the log
// manager, per spec §9's "cyclic ownership" design note: the buffer pool
// depends on the log manager, never the reverse.
type LogSync interface {
	FlushToLSN(target diskmgr.LSN) error
	Flush(force bool) error
	PersistentLSN() diskmgr.LSN
}

// partition owns a disjoint slice of the total frame count: its own frame
// array, free list, page table, replacer, and lock. Generalized from
// internal/storage/pager/pager.go's single PageBufferPool into one of N
// independent instances, per spec §4.2.
type partition struct {
	mu        sync.Mutex
	frames    []*Frame
	freeList  []int
	pageTable map[diskmgr.PageID]int
	replacer  Replacer

	disk *diskmgr.Manager
	log  LogSync
}

func newPartition(capacity int, replacer Replacer, disk *diskmgr.Manager, log LogSync) *partition {
	frames := make([]*Frame, capacity)
	freeList := make([]int, capacity)
	for i := range frames {
		frames[i] = &Frame{PageID: invalidFramePageID}
		freeList[i] = capacity - 1 - i
	}
	return &partition{
		frames:    frames,
		freeList:  freeList,
		pageTable: make(map[diskmgr.PageID]int),
		replacer:  replacer,
		disk:      disk,
		log:       log,
	}
}

// takeFreeOrEvict returns a frame index ready for reuse, evicting and
// flushing a dirty victim under the WAL rule if necessary. Caller must
// hold p.mu.
func (p *partition) takeFreeOrEvict() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}
	victim, ok := p.replacer.TryVictim()
	if !ok {
		return 0, dberr.ErrNoFreeFrame
	}
	f := p.frames[victim]
	if f.Dirty {
		if err := p.log.FlushToLSN(f.LSN); err != nil {
			p.replacer.Unpin(victim) // put it back, eviction did not complete
			return 0, fmt.Errorf("buffer.evict: %w", err)
		}
		diskmgr.SetChecksum(f.Buf)
		if err := p.disk.WritePage(f.PageID, f.Buf); err != nil {
			p.replacer.Unpin(victim)
			return 0, fmt.Errorf("buffer.evict: %w", err)
		}
	}
	// Erase the page-table entry before releasing the partition lock —
	// the older erase-after-write path leaves a window where the page
	// appears resident with stale contents under concurrency.
	delete(p.pageTable, f.PageID)
	f.PageID = invalidFramePageID
	f.Dirty = false
	f.LSN = diskmgr.InvalidLSN
	return victim, nil
}

func (p *partition) fetch(id diskmgr.PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTable[id]; ok {
		f := p.frames[idx]
		f.Pinned++
		p.replacer.Pin(idx)
		return f, nil
	}

	idx, err := p.takeFreeOrEvict()
	if err != nil {
		return nil, err
	}
	buf, err := p.disk.ReadPage(id)
	if err != nil {
		p.freeList = append(p.freeList, idx)
		return nil, fmt.Errorf("buffer.fetch: %w", err)
	}
	f := p.frames[idx]
	f.PageID = id
	f.Buf = buf
	f.Dirty = false
	f.LSN = diskmgr.PageLSN(buf)
	f.Pinned = 1
	p.pageTable[id] = idx
	p.replacer.Pin(idx)
	return f, nil
}

func (p *partition) installNew(id diskmgr.PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.takeFreeOrEvict()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, diskmgr.PageSize)
	diskmgr.SetPageLSN(buf, diskmgr.InvalidLSN)
	f := p.frames[idx]
	f.PageID = id
	f.Buf = buf
	f.Dirty = true
	f.LSN = diskmgr.InvalidLSN
	f.Pinned = 1
	p.pageTable[id] = idx
	p.replacer.Pin(idx)
	return f, nil
}

func (p *partition) unpin(id diskmgr.PageID, isDirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return fmt.Errorf("buffer.unpin: page %d not resident: %w", id, dberr.ErrInvalidPageID)
	}
	f := p.frames[idx]
	if isDirty {
		f.Dirty = true
	}
	if f.Pinned > 0 {
		f.Pinned--
	}
	if f.Pinned == 0 {
		p.replacer.Unpin(idx)
	}
	return nil
}

func (p *partition) flush(id diskmgr.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return fmt.Errorf("buffer.flush: page %d not resident: %w", id, dberr.ErrInvalidPageID)
	}
	return p.flushLocked(idx)
}

// flushLocked writes the frame at idx to disk. Caller must hold p.mu.
func (p *partition) flushLocked(idx int) error {
	f := p.frames[idx]
	if !f.Dirty {
		return nil
	}
	if err := p.log.FlushToLSN(f.LSN); err != nil {
		return fmt.Errorf("buffer.flush: %w", err)
	}
	diskmgr.SetChecksum(f.Buf)
	if err := p.disk.WritePage(f.PageID, f.Buf); err != nil {
		return fmt.Errorf("buffer.flush: %w", err)
	}
	f.Dirty = false
	return nil
}

func (p *partition) flushAllDirty() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, idx := range p.pageTable {
		if id == diskmgr.MetadataPageID {
			continue
		}
		if err := p.flushLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

func (p *partition) delete(id diskmgr.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if f.Pinned != 0 {
		return fmt.Errorf("buffer.delete: page %d is pinned: %w", id, dberr.ErrInvalidPageID)
	}
	delete(p.pageTable, id)
	p.replacer.Pin(idx) // remove from the candidate set, if present
	f.PageID = invalidFramePageID
	f.Dirty = false
	p.freeList = append(p.freeList, idx)
	return nil
}

// snapshotDirty returns the page id of every currently dirty resident
// frame, without disturbing pin counts or replacer state. The page LSNs
// are looked up separately through lsnOf.
func (p *partition) snapshotDirty() []diskmgr.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []diskmgr.PageID
	for id, idx := range p.pageTable {
		if p.frames[idx].Dirty {
			out = append(out, id)
		}
	}
	return out
}

func (p *partition) lsnOf(id diskmgr.PageID) (diskmgr.LSN, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return diskmgr.InvalidLSN, false
	}
	return p.frames[idx].LSN, true
}
