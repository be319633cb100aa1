package wal

import "fmt"

// LogPosition identifies a byte position in the segmented log: a segment
// version and a byte offset within that segment. Positions are totally
// ordered by (Version, Offset).
type LogPosition struct {
	Version uint64
	Offset  int64
}

// Compare returns -1, 0 or 1 as p orders before, equal to or after o.
func (p LogPosition) Compare(o LogPosition) int {
	switch {
	case p.Version < o.Version:
		return -1
	case p.Version > o.Version:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Before reports whether p orders strictly before o.
func (p LogPosition) Before(o LogPosition) bool { return p.Compare(o) < 0 }

// After reports whether p orders strictly after o.
func (p LogPosition) After(o LogPosition) bool { return p.Compare(o) > 0 }

func (p LogPosition) String() string {
	return fmt.Sprintf("v%d@%d", p.Version, p.Offset)
}

// DurabilityMode defines the fsync behavior for commits.
type DurabilityMode int

const (
	// DurabilityAsync relies on the OS page cache. Fastest writes but risk
	// of data loss on crash. Use when external replication provides
	// durability.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsyncs across concurrent committers: a
	// commit blocks until a background syncer has flushed its entries,
	// amortizing fsync cost. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs before every commit acknowledgement. Slowest
	// but strongest guarantee.
	DurabilitySync
)

// NoTransaction is the reserved transaction id meaning "no transaction".
// Real ids start at 1.
const NoTransaction uint64 = 0
