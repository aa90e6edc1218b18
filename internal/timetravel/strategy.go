package timetravel

import "time"

// Strategy selects how a point-in-time snapshot is built.
type Strategy int

const (
	// Auto lets Choose pick between ReverseDelta and ForwardReplay.
	Auto Strategy = iota
	ReverseDelta
	ForwardReplay
)

func (s Strategy) String() string {
	switch s {
	case ReverseDelta:
		return "REVERSE_DELTA"
	case ForwardReplay:
		return "FORWARD_REPLAY"
	default:
		return "AUTO"
	}
}

// Latest is the sentinel target meaning "RECOVER TO LATEST": a no-op
// apart from flushes.
const Latest uint64 = ^uint64(0)

// FutureGrace is how far past "now" a target timestamp may be before it's
// rejected, per spec §4.5's state machine (60s).
const FutureGrace = 60 * time.Second

// ReverseDeltaThresholdUs is the default cutover point: targets older than
// this many microseconds before now use forward replay instead of
// reverse delta, per spec §4.4's default (1 hour).
const ReverseDeltaThresholdUs uint64 = uint64(time.Hour / time.Microsecond)

// Choose implements §4.5's choose(target, db): if target is at or after
// the last checkpoint's timestamp, reverse delta is always correct and
// cheapest. Otherwise, fall back to forward replay once the target is
// further in the past than reverseDeltaThreshold microseconds.
func Choose(target, checkpointTimestampUs, nowUs, reverseDeltaThresholdUs uint64) Strategy {
	if target >= checkpointTimestampUs {
		return ReverseDelta
	}
	if nowUs > target && nowUs-target > reverseDeltaThresholdUs {
		return ForwardReplay
	}
	return ReverseDelta
}
