// Package checkpoint writes recovery anchors into the log and schedules them
// in the background. A checkpoint entry promises that everything before its
// recorded position is durably reflected in the storage engine, so recovery
// may start there instead of replaying the whole log.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/graphwal/engine"
	"github.com/hupe1980/graphwal/health"
	"github.com/hupe1980/graphwal/prune"
	"github.com/hupe1980/graphwal/wal"
)

// ErrAborted means a checkpoint failed before its entry was written; the
// previous checkpoint remains the authoritative recovery anchor.
var ErrAborted = errors.New("checkpoint aborted")

// Options contains configuration for the Checkpointer.
type Options struct {
	// Last seeds the in-memory checkpoint state, typically from recovery.
	Last *wal.CheckpointInfo

	// SegmentSize is used to estimate log volume across segment
	// boundaries. Must match the segment store's rotation threshold.
	SegmentSize int64

	// RateLimit paces checkpoint-driven I/O. Nil means unlimited.
	RateLimit *rate.Limiter

	// Logger receives checkpoint activity. Defaults to slog.Default.
	Logger *slog.Logger
}

// Checkpointer writes checkpoint entries. Checkpoints are mutually exclusive
// with each other but overlap freely with ordinary commits: the append lock
// is held only for the anchor read and the final entry append, not for the
// storage-engine flush.
type Checkpointer struct {
	appender *wal.Appender
	eng      engine.Engine
	health   *health.Health
	cache    *wal.MetadataCache
	pruner   *prune.Pruner
	opts     Options

	mu       sync.Mutex
	last     wal.CheckpointInfo
	lastAt   time.Time
	hasLast  bool
	baseline wal.LogPosition
}

// New creates a Checkpointer. pruner may be nil to disable prune-on-checkpoint.
func New(appender *wal.Appender, eng engine.Engine, h *health.Health, cache *wal.MetadataCache, pruner *prune.Pruner, optFns ...func(o *Options)) *Checkpointer {
	opts := Options{
		SegmentSize: wal.DefaultStoreOptions().SegmentSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cp := &Checkpointer{
		appender: appender,
		eng:      eng,
		health:   h,
		cache:    cache,
		pruner:   pruner,
		opts:     opts,
		baseline: appender.Position(),
	}
	if opts.Last != nil {
		cp.last = *opts.Last
		cp.lastAt = time.Now()
		cp.hasLast = true
		cp.baseline = opts.Last.Position
	}
	return cp
}

// ForceCheckpoint flushes the storage engine, writes a checkpoint entry and
// returns the recorded anchor position. On failure the in-memory checkpoint
// pointer is not advanced, so retries and recovery see the previous
// checkpoint as authoritative.
func (cp *Checkpointer) ForceCheckpoint(ctx context.Context, reason string) (wal.LogPosition, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if err := cp.health.AssertHealthy(ErrAborted); err != nil {
		return wal.LogPosition{}, err
	}
	if cp.opts.RateLimit != nil {
		if err := cp.opts.RateLimit.Wait(ctx); err != nil {
			return wal.LogPosition{}, fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}

	started := time.Now()

	// The anchor is read before the flush: it names only transactions
	// already applied to the engine, so the flush that follows is
	// guaranteed to cover every one of them. Flushing first would let a
	// commit slip between flush and anchor with its apply still in
	// flight, and a crash would then lose it.
	lastClosed, pos, err := cp.appender.CheckpointAnchor()
	if err != nil {
		return wal.LogPosition{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	// The flush is what makes the entry a valid recovery anchor: every
	// transaction the anchor covers must be in the engine's stable state
	// before the entry exists.
	if err := cp.eng.FlushToStable(ctx); err != nil {
		err = fmt.Errorf("%w: storage engine flush: %w", ErrAborted, err)
		cp.health.Panic(err)
		return wal.LogPosition{}, err
	}

	info := wal.CheckpointInfo{
		Position:       pos,
		LastClosedTxID: lastClosed,
		Reason:         reason,
	}
	if _, err := cp.appender.AppendCheckpoint(info); err != nil {
		return wal.LogPosition{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	cp.last = info
	cp.lastAt = time.Now()
	cp.hasLast = true
	cp.baseline = pos

	cp.cache.EvictUpTo(lastClosed)

	cp.opts.Logger.Info("checkpoint completed",
		"reason", reason,
		"last_closed_tx", lastClosed,
		"position", pos.String(),
		"took", time.Since(started),
	)

	if cp.pruner != nil {
		if err := cp.pruner.PruneUpTo(ctx, pos); err != nil {
			cp.opts.Logger.Warn("prune after checkpoint incomplete", "error", err)
		}
	}

	return pos, nil
}

// Last returns the most recent checkpoint and when it was written.
func (cp *Checkpointer) Last() (wal.CheckpointInfo, time.Time, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.last, cp.lastAt, cp.hasLast
}

// Stats snapshots checkpoint-relevant counters for threshold evaluation.
func (cp *Checkpointer) Stats() Stats {
	cp.mu.Lock()
	lastTxID := cp.last.LastClosedTxID
	lastAt := cp.lastAt
	hasLast := cp.hasLast
	baseline := cp.baseline
	cp.mu.Unlock()

	var since time.Duration
	if hasLast {
		since = time.Since(lastAt)
	} else {
		since = time.Duration(1<<62 - 1)
	}

	pos := cp.appender.Position()
	bytesSince := int64(pos.Version-baseline.Version)*cp.opts.SegmentSize + pos.Offset - baseline.Offset

	return Stats{
		LastCheckpointTxID: lastTxID,
		LastClosedTxID:     cp.appender.LastClosedTxID(),
		SinceLast:          since,
		BytesSince:         bytesSince,
	}
}
