// Package timetravel implements francodb's point-in-time recovery: strategy
// selection between reverse-delta and forward-replay, in-memory snapshot
// construction for AS OF reads, and the atomic RECOVER TO protocol.
package timetravel

import "bytes"

// Heap is an in-memory, order-insensitive collection of opaque row bytes —
// the stand-in for the out-of-scope row/B+Tree table heap. Rows are
// compared by byte equality, per spec §4.5's "find the tuple equal to
// new_value" language.
type Heap struct {
	rows [][]byte
}

// NewHeap creates an empty heap, or one seeded with the given rows.
func NewHeap(rows ...[]byte) *Heap {
	h := &Heap{}
	for _, r := range rows {
		h.rows = append(h.rows, append([]byte{}, r...))
	}
	return h
}

// Clone returns a deep copy.
func (h *Heap) Clone() *Heap {
	return NewHeap(h.rows...)
}

// Insert appends row to the heap.
func (h *Heap) Insert(row []byte) {
	h.rows = append(h.rows, append([]byte{}, row...))
}

// DeleteMatching removes the first row equal to target, if any.
func (h *Heap) DeleteMatching(target []byte) bool {
	for i, r := range h.rows {
		if bytes.Equal(r, target) {
			h.rows = append(h.rows[:i], h.rows[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceMatching finds the first row equal to from and replaces it with
// to. Returns false if no row matched.
func (h *Heap) ReplaceMatching(from, to []byte) bool {
	for i, r := range h.rows {
		if bytes.Equal(r, from) {
			h.rows[i] = append([]byte{}, to...)
			return true
		}
	}
	return false
}

// Rows returns the heap's rows in their current order. Callers must treat
// order as insignificant, per spec §8's "byte-equal up to tuple order".
func (h *Heap) Rows() [][]byte {
	return h.rows
}

// Len returns the number of rows.
func (h *Heap) Len() int { return len(h.rows) }
