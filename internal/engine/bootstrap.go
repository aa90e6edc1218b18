package engine

import "francodb/internal/diskmgr"

// Bootstrap initializes the reserved pages (catalog root, free-page
// bitmap) of a freshly created database file, purely in process — there
// is no SQL layer in this module, so Open Question 3 ("does CREATE
// DATABASE bootstrap run through SQL or in-process?") is settled by
// construction: it's always in-process.
//
// diskmgr.Open already wrote the metadata page's magic header on file
// creation. Pages 1 and 2 are reserved ids the buffer pool's allocator
// never hands out (it starts at FirstUserPageID), so Bootstrap writes
// them directly through the disk manager instead of going through
// Pool.NewPage.
func (h *Handle) Bootstrap() error {
	if h.Disk.NumPages() > uint64(diskmgr.FreeBitmapPageID) {
		return nil // already bootstrapped
	}

	for _, id := range []diskmgr.PageID{diskmgr.CatalogRootPageID, diskmgr.FreeBitmapPageID} {
		if uint64(id) < h.Disk.NumPages() {
			continue
		}
		buf := make([]byte, diskmgr.PageSize)
		diskmgr.PutDataPageHeader(buf, diskmgr.DataPageHeader{PageID: id})
		diskmgr.SetChecksum(buf)
		if err := h.Disk.WritePage(id, buf); err != nil {
			return err
		}
	}
	return h.Disk.Flush()
}
