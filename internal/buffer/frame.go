package buffer

import "francodb/internal/diskmgr"

// Frame is a fixed in-memory slot holding one page plus its metadata, per
// spec §3: owning page id (or invalid), pin count, dirty flag, page LSN.
type Frame struct {
	PageID diskmgr.PageID
	Buf    []byte
	Dirty  bool
	LSN    diskmgr.LSN
	Pinned int
}

const invalidFramePageID = diskmgr.PageID(^uint32(0))
