// Package buffer implements francodb's partitioned buffer pool: a frame
// table split across N independent partitions, pin/unpin reference
// counting, pluggable eviction (LRU or Clock), and the WAL-before-data
// eviction discipline.
package buffer

// Replacer is the polymorphic eviction-candidate tracker spec §4.2/§9
// calls for: a small capability interface rather than an inheritance
// chain. A frame enters the replacer's candidate set on Unpin and leaves
// it on Pin; TryVictim never returns a pinned frame.
type Replacer interface {
	// TryVictim returns an unpinned frame id to evict, removing it from
	// the candidate set. ok is false if no candidate exists.
	TryVictim() (frameID int, ok bool)
	// Pin removes frameID from the candidate set, if present.
	Pin(frameID int)
	// Unpin adds frameID to the candidate set.
	Unpin(frameID int)
	// Size reports how many frames are currently evictable.
	Size() int
}
