// Package txn defines the transaction abstraction the log manager and
// recovery engine consume: an id, a state, and the tail of the
// transaction's log-record chain.
package txn

import "francodb/internal/diskmgr"

// State is a closed enum of transaction lifecycle states. Transitions are
// total: RUNNING -> COMMITTED or RUNNING -> ABORTED, never the reverse.
type State uint8

const (
	Running State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Txn is a single transaction's bookkeeping: its id, current state, and
// the LSN of the most recent log record it appended (the tail of its
// prev_lsn chain, per spec §3's back-pointer invariant).
type Txn struct {
	ID      diskmgr.TxID
	state   State
	PrevLSN diskmgr.LSN // tail of this transaction's chain; InvalidLSN if none yet
}

// New creates a RUNNING transaction with no prior log records.
func New(id diskmgr.TxID) *Txn {
	return &Txn{ID: id, state: Running, PrevLSN: diskmgr.InvalidLSN}
}

// State returns the transaction's current state.
func (t *Txn) State() State { return t.state }

// Commit transitions a RUNNING transaction to COMMITTED. Only RUNNING
// transactions may append log records; once terminal, a transaction is
// immutable, so Commit on a non-RUNNING txn is a no-op.
func (t *Txn) Commit() {
	if t.state == Running {
		t.state = Committed
	}
}

// Abort transitions a RUNNING transaction to ABORTED.
func (t *Txn) Abort() {
	if t.state == Running {
		t.state = Aborted
	}
}

// Append records that this transaction just appended a log record with the
// given LSN, advancing the chain tail. Only valid while RUNNING.
func (t *Txn) Append(lsn diskmgr.LSN) {
	t.PrevLSN = lsn
}
