package graphwal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/graphwal/checkpoint"
	"github.com/hupe1980/graphwal/engine"
	"github.com/hupe1980/graphwal/health"
	"github.com/hupe1980/graphwal/prune"
	"github.com/hupe1980/graphwal/recovery"
	"github.com/hupe1980/graphwal/txn"
	"github.com/hupe1980/graphwal/wal"
)

// DB is an open log store. All methods are safe for concurrent use.
type DB struct {
	opts     *options
	eng      engine.Engine
	health   *health.Health
	store    *wal.SegmentStore
	cache    *wal.MetadataCache
	appender *wal.Appender
	pruner   *prune.Pruner
	cp       *checkpoint.Checkpointer
	sched    *checkpoint.Scheduler
	registry *txn.Registry

	closeMu sync.Mutex
	closed  bool
}

// Open opens the log store in dir, running crash recovery against eng before
// admitting transactions. The startup order is fixed: segment store, then
// recovery, then the appender and background machinery — a store that fails
// recovery never starts accepting work.
func Open(ctx context.Context, dir string, eng engine.Engine, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	h := health.New()

	store, err := wal.OpenSegmentStore(o.fsys, dir, func(so *wal.StoreOptions) {
		so.SegmentSize = o.segmentSize
	})
	if err != nil {
		return nil, fmt.Errorf("open segment store: %w", err)
	}

	cache := wal.NewMetadataCache()

	recoveryStarted := time.Now()
	res, err := recovery.New(store, eng, h, cache, func(ro *recovery.Options) {
		ro.BestEffort = o.bestEffortRecovery
		ro.Logger = o.logger.Logger
	}).Run(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	o.metricsCollector.RecordRecovery(res.Replayed, time.Since(recoveryStarted))

	// Subscribed only now that recovery has healed the store; the
	// pre-recovery panicked state is not a failure worth logging.
	h.OnPanic(o.logger.LogPanic)

	appender := wal.NewAppender(store, h, cache, func(ao *wal.AppenderOptions) {
		ao.Durability = o.durability
		ao.NextTxID = res.NextTxID
		ao.LastClosedTxID = res.LastClosedTxID
	})

	pruner := prune.New(store, func(po *prune.Options) {
		po.Archive = o.archiveStore
		po.Codec = o.archiveCodec
		po.RateLimit = o.ioRateLimit
		po.Logger = o.logger.Logger
	})

	cp := checkpoint.New(appender, eng, h, cache, pruner, func(co *checkpoint.Options) {
		co.Last = res.Checkpoint
		co.SegmentSize = o.segmentSize
		co.RateLimit = o.ioRateLimit
		co.Logger = o.logger.Logger
	})

	db := &DB{
		opts:     o,
		eng:      eng,
		health:   h,
		store:    store,
		cache:    cache,
		appender: appender,
		pruner:   pruner,
		cp:       cp,
		registry: txn.NewRegistry(h, func(ro *txn.Options) {
			ro.MaxConcurrent = o.maxConcurrent
		}),
	}

	// A checkpoint right after a non-trivial recovery makes the next
	// recovery start at the tail, so replays are never repeated.
	if res.Replayed > 0 || res.TruncatedAt != nil {
		if _, err := db.ForceCheckpoint(ctx, "recovery"); err != nil {
			_ = appender.Close()
			_ = store.Close()
			return nil, err
		}
	}

	db.sched = checkpoint.NewScheduler(cp, func(so *checkpoint.SchedulerOptions) {
		so.Interval = o.schedulerInterval
		so.Threshold = o.threshold
		so.Logger = o.logger.Logger
	})
	db.sched.Start()

	return db, nil
}

// Begin admits a new transaction. It fails fast once the store is panicked
// or closing.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	handle, err := db.registry.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, handle: handle}, nil
}

// ForceCheckpoint flushes the storage engine and writes a checkpoint entry,
// returning the recorded anchor position.
func (db *DB) ForceCheckpoint(ctx context.Context, reason string) (wal.LogPosition, error) {
	started := time.Now()
	pos, err := db.cp.ForceCheckpoint(ctx, reason)
	db.opts.metricsCollector.RecordCheckpoint(time.Since(started), err)
	return pos, err
}

// PruneNow runs a prune cycle against the latest checkpoint. Without a
// checkpoint nothing is prunable.
func (db *DB) PruneNow(ctx context.Context) error {
	info, _, ok := db.cp.Last()
	if !ok {
		return nil
	}
	return db.pruner.PruneUpTo(ctx, info.Position)
}

// ListRetainedSegments returns the segment files currently on disk, in
// version order.
func (db *DB) ListRetainedSegments() ([]wal.SegmentInfo, error) {
	return db.store.Segments()
}

// RetainSegments registers a named hold pinning every segment with
// version >= from against pruning, e.g. for the duration of a backup.
func (db *DB) RetainSegments(name string, from uint64) {
	db.pruner.Hold(name, from)
}

// ReleaseRetention removes a named hold.
func (db *DB) ReleaseRetention(name string) {
	db.pruner.ReleaseHold(name)
}

// LastClosedTxID returns the highest durably committed transaction id.
func (db *DB) LastClosedTxID() uint64 {
	return db.appender.LastClosedTxID()
}

// IsHealthy reports whether the store admits transactions.
func (db *DB) IsHealthy() bool {
	return db.health.IsHealthy()
}

// OnPanic subscribes fn to the transition into the panicked state. If the
// store is already panicked, fn runs immediately.
func (db *DB) OnPanic(fn func(cause error)) {
	db.health.OnPanic(fn)
}

// AwaitUnavailable blocks until the store becomes panicked or ctx expires.
func (db *DB) AwaitUnavailable(ctx context.Context) error {
	return db.health.AwaitUnavailable(ctx)
}

// Close shuts the store down: stop admitting, terminate and drain open
// transactions, write a final checkpoint while still healthy, then release
// schedulers and file handles. Every step runs even when an earlier one
// fails; the collected errors are returned joined.
func (db *DB) Close(ctx context.Context) error {
	db.closeMu.Lock()
	defer db.closeMu.Unlock()

	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var errs []error

	db.registry.Deny()
	db.registry.TerminateAll(ErrClosed)

	drainCtx, cancel := context.WithTimeout(ctx, db.opts.drainTimeout)
	if err := db.registry.AwaitClosed(drainCtx); err != nil {
		errs = append(errs, err)
	}
	cancel()

	db.sched.Stop()

	if db.health.IsHealthy() {
		if _, err := db.ForceCheckpoint(ctx, "database shutdown"); err != nil {
			errs = append(errs, err)
		}
	}

	if err := db.appender.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	db.opts.logger.LogShutdown(ctx, err)
	return err
}
