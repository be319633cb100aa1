package graphwal

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordCommit is called after each commit attempt.
	// duration is the total time taken, err is nil if successful.
	RecordCommit(duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint attempt.
	RecordCheckpoint(duration time.Duration, err error)

	// RecordRecovery is called once after startup recovery.
	// replayed is the number of re-applied transactions.
	RecordRecovery(replayed int, duration time.Duration)

	// RecordTermination is called when a transaction is cooperatively
	// terminated instead of committing.
	RecordTermination()
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(time.Duration, error)     {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error) {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration)     {}
func (NoopMetricsCollector) RecordTermination()                    {}

// BasicMetricsCollector is a thread-safe in-memory implementation of
// MetricsCollector using atomic counters. Useful for tests and simple
// monitoring without external dependencies.
type BasicMetricsCollector struct {
	Commits           atomic.Uint64
	CommitFailures    atomic.Uint64
	Checkpoints       atomic.Uint64
	CheckpointErrors  atomic.Uint64
	ReplayedTxs       atomic.Uint64
	Terminations      atomic.Uint64
	TotalCommitMicros atomic.Uint64
}

func (c *BasicMetricsCollector) RecordCommit(d time.Duration, err error) {
	if err != nil {
		c.CommitFailures.Add(1)
		return
	}
	c.Commits.Add(1)
	c.TotalCommitMicros.Add(uint64(d.Microseconds()))
}

func (c *BasicMetricsCollector) RecordCheckpoint(_ time.Duration, err error) {
	if err != nil {
		c.CheckpointErrors.Add(1)
		return
	}
	c.Checkpoints.Add(1)
}

func (c *BasicMetricsCollector) RecordRecovery(replayed int, _ time.Duration) {
	c.ReplayedTxs.Add(uint64(replayed))
}

func (c *BasicMetricsCollector) RecordTermination() {
	c.Terminations.Add(1)
}

// AvgCommitLatency returns the mean latency of successful commits.
func (c *BasicMetricsCollector) AvgCommitLatency() time.Duration {
	commits := c.Commits.Load()
	if commits == 0 {
		return 0
	}
	return time.Duration(c.TotalCommitMicros.Load()/commits) * time.Microsecond
}
