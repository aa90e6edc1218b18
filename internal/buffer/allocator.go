package buffer

import (
	"sync"

	"francodb/internal/diskmgr"
)

// pageAllocator tracks free page ids in memory, the logical contents of
// the reserved free-page bitmap page (id 2). Grounded on
// internal/storage/pager/freelist.go's FreeManager (in-memory free set,
// Alloc/Free), simplified to a set plus a monotonic high-water mark
// instead of an on-disk free-list page chain — the bitmap page itself is
// out of this core's row/tuple layer, so the core only needs the
// allocation *decision*, not its on-disk encoding.
type pageAllocator struct {
	mu   sync.Mutex
	next diskmgr.PageID
	free map[diskmgr.PageID]struct{}
}

func newPageAllocator(numPages uint64) *pageAllocator {
	next := diskmgr.FirstUserPageID
	if uint64(next) < numPages {
		next = diskmgr.PageID(numPages)
	}
	return &pageAllocator{next: next, free: make(map[diskmgr.PageID]struct{})}
}

func (a *pageAllocator) alloc() diskmgr.PageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.free {
		delete(a.free, id)
		return id
	}
	id := a.next
	a.next++
	return id
}

func (a *pageAllocator) release(id diskmgr.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free[id] = struct{}{}
}
