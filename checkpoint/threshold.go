package checkpoint

import (
	"fmt"
	"time"
)

// Stats describes what has happened since the last checkpoint. The scheduler
// feeds it to the configured Threshold.
type Stats struct {
	// LastCheckpointTxID is the last closed transaction id recorded by the
	// previous checkpoint, zero if none exists.
	LastCheckpointTxID uint64

	// LastClosedTxID is the current highest durably committed id.
	LastClosedTxID uint64

	// SinceLast is the time elapsed since the previous checkpoint.
	SinceLast time.Duration

	// BytesSince is the approximate log volume written since the previous
	// checkpoint.
	BytesSince int64
}

// Threshold decides when a checkpoint is due.
type Threshold interface {
	IsNeeded(s Stats) bool
	fmt.Stringer
}

type timeThreshold struct{ d time.Duration }

// TimeThreshold triggers when d has elapsed since the last checkpoint.
func TimeThreshold(d time.Duration) Threshold { return timeThreshold{d: d} }

func (t timeThreshold) IsNeeded(s Stats) bool { return s.SinceLast >= t.d }

func (t timeThreshold) String() string { return fmt.Sprintf("every %s", t.d) }

type countThreshold struct{ n uint64 }

// CountThreshold triggers after n transactions committed since the last
// checkpoint.
func CountThreshold(n uint64) Threshold { return countThreshold{n: n} }

func (t countThreshold) IsNeeded(s Stats) bool {
	return s.LastClosedTxID-s.LastCheckpointTxID >= t.n
}

func (t countThreshold) String() string { return fmt.Sprintf("every %d transactions", t.n) }

type volumeThreshold struct{ bytes int64 }

// VolumeThreshold triggers after approximately bytes of log growth since the
// last checkpoint.
func VolumeThreshold(bytes int64) Threshold { return volumeThreshold{bytes: bytes} }

func (t volumeThreshold) IsNeeded(s Stats) bool { return s.BytesSince >= t.bytes }

func (t volumeThreshold) String() string { return fmt.Sprintf("every %d log bytes", t.bytes) }

type anyOf struct{ ts []Threshold }

// AnyOf triggers when any of the given thresholds does.
func AnyOf(ts ...Threshold) Threshold { return anyOf{ts: ts} }

func (t anyOf) IsNeeded(s Stats) bool {
	for _, th := range t.ts {
		if th.IsNeeded(s) {
			return true
		}
	}
	return false
}

func (t anyOf) String() string {
	out := "any of:"
	for _, th := range t.ts {
		out += " [" + th.String() + "]"
	}
	return out
}

// Never is a Threshold that never triggers; checkpoints then only happen on
// explicit ForceCheckpoint calls and at shutdown.
var Never Threshold = never{}

type never struct{}

func (never) IsNeeded(Stats) bool { return false }

func (never) String() string { return "never" }
