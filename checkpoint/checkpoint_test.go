package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphwal/engine"
	"github.com/hupe1980/graphwal/health"
	"github.com/hupe1980/graphwal/prune"
	"github.com/hupe1980/graphwal/recovery"
	"github.com/hupe1980/graphwal/wal"
)

type fixture struct {
	store    *wal.SegmentStore
	appender *wal.Appender
	cache    *wal.MetadataCache
	engine   *engine.InMemory
	health   *health.Health
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := wal.OpenSegmentStore(nil, t.TempDir())
	require.NoError(t, err)

	h := health.New()
	h.Healed()
	cache := wal.NewMetadataCache()
	appender := wal.NewAppender(store, h, cache)

	t.Cleanup(func() {
		_ = appender.Close()
		_ = store.Close()
	})

	return &fixture{
		store:    store,
		appender: appender,
		cache:    cache,
		engine:   engine.NewInMemory(),
		health:   h,
	}
}

func (f *fixture) commit(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		txID, _, err := f.appender.Append(ctx, []byte("batch"))
		require.NoError(t, err)
		require.NoError(t, f.engine.ApplyCommandBatch(ctx, txID, []byte("batch")))
		f.appender.MarkApplied(txID)
	}
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestForceCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.commit(t, 3)

	cp := New(f.appender, f.engine, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })

	pos, err := cp.ForceCheckpoint(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.Flushes())

	info, _, ok := cp.Last()
	require.True(t, ok)
	assert.Equal(t, pos, info.Position)
	assert.Equal(t, uint64(3), info.LastClosedTxID)
	assert.Equal(t, "test", info.Reason)

	// Metadata for covered transactions is evicted.
	assert.Equal(t, 0, f.cache.Len())

	// The checkpoint entry is on disk at the recorded anchor.
	r, err := f.store.NewReader(pos)
	require.NoError(t, err)
	defer r.Close()
	e, entryPos, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, wal.EntryCheckpoint, e.Type)
	assert.Equal(t, pos, entryPos)

	got, err := wal.DecodeCheckpointPayload(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestCheckpointMonotonicity(t *testing.T) {
	f := newFixture(t)

	cp := New(f.appender, f.engine, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })
	ctx := context.Background()

	var lastClosed uint64
	var lastPos wal.LogPosition
	for i := 0; i < 4; i++ {
		f.commit(t, 2)
		pos, err := cp.ForceCheckpoint(ctx, "test")
		require.NoError(t, err)

		info, _, _ := cp.Last()
		assert.GreaterOrEqual(t, info.LastClosedTxID, lastClosed)
		assert.False(t, pos.Before(lastPos))
		lastClosed = info.LastClosedTxID
		lastPos = pos
	}
	assert.Equal(t, uint64(8), lastClosed)
}

type flushFailEngine struct {
	*engine.InMemory
}

func (e *flushFailEngine) FlushToStable(context.Context) error {
	return errors.New("disk full")
}

func TestCheckpointAbortedOnFlushFailure(t *testing.T) {
	f := newFixture(t)
	f.commit(t, 2)

	cp := New(f.appender, &flushFailEngine{f.engine}, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })

	_, err := cp.ForceCheckpoint(context.Background(), "test")
	require.ErrorIs(t, err, ErrAborted)

	// Health is panicked and the checkpoint pointer did not advance.
	assert.False(t, f.health.IsHealthy())
	_, _, ok := cp.Last()
	assert.False(t, ok)

	// A panicked store refuses further checkpoints.
	_, err = cp.ForceCheckpoint(context.Background(), "retry")
	require.ErrorIs(t, err, ErrAborted)
}

// A transaction whose commit entry is durable but whose engine apply has not
// returned yet must stay beyond the anchor: a checkpoint taken in that window
// would otherwise point recovery past a transaction the engine never saw.
func TestCheckpointExcludesUnappliedCommit(t *testing.T) {
	dir := t.TempDir()
	store, err := wal.OpenSegmentStore(nil, dir)
	require.NoError(t, err)

	h := health.New()
	h.Healed()
	cache := wal.NewMetadataCache()
	a := wal.NewAppender(store, h, cache)
	eng := engine.NewInMemory()
	ctx := context.Background()

	// Committed to the log, apply still in flight.
	txID, _, err := a.Append(ctx, []byte("in-flight"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), txID)

	cp := New(a, eng, h, cache, nil, func(o *Options) { o.Logger = discard() })
	_, err = cp.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)

	info, _, ok := cp.Last()
	require.True(t, ok)
	assert.Equal(t, wal.NoTransaction, info.LastClosedTxID)

	require.NoError(t, a.Close())
	require.NoError(t, store.Close())

	// Crashing here must not lose the transaction: recovery from the
	// checkpoint replays it.
	store2, err := wal.OpenSegmentStore(nil, dir)
	require.NoError(t, err)
	defer store2.Close()

	eng2 := engine.NewInMemory()
	res, err := recovery.New(store2, eng2, health.New(), wal.NewMetadataCache(), func(o *recovery.Options) {
		o.Logger = discard()
	}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, uint64(1), res.LastClosedTxID)
	assert.Equal(t, uint64(1), eng2.HighestCommittedTxID())
}

func TestCheckpointAnchorAdvancesWithApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txID, _, err := f.appender.Append(ctx, []byte("batch"))
	require.NoError(t, err)

	cp := New(f.appender, f.engine, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })

	_, err = cp.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)
	info, _, _ := cp.Last()
	assert.Equal(t, wal.NoTransaction, info.LastClosedTxID)

	require.NoError(t, f.engine.ApplyCommandBatch(ctx, txID, []byte("batch")))
	f.appender.MarkApplied(txID)

	_, err = cp.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)
	info, _, _ = cp.Last()
	assert.Equal(t, txID, info.LastClosedTxID)
}

func TestCheckpointTriggersPrune(t *testing.T) {
	dir := t.TempDir()
	store, err := wal.OpenSegmentStore(nil, dir, func(o *wal.StoreOptions) { o.SegmentSize = 64 })
	require.NoError(t, err)
	defer store.Close()

	h := health.New()
	h.Healed()
	cache := wal.NewMetadataCache()
	appender := wal.NewAppender(store, h, cache)
	defer appender.Close()

	eng := engine.NewInMemory()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		txID, _, err := appender.Append(ctx, make([]byte, 64))
		require.NoError(t, err)
		require.NoError(t, eng.ApplyCommandBatch(ctx, txID, nil))
		appender.MarkApplied(txID)
	}
	require.Greater(t, store.ActiveVersion(), uint64(1))

	p := prune.New(store, func(o *prune.Options) { o.Logger = discard() })
	cp := New(appender, eng, h, cache, p, func(o *Options) { o.Logger = discard() })

	pos, err := cp.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)

	lowest, err := store.LowestVersion()
	require.NoError(t, err)
	assert.Equal(t, pos.Version, lowest)
}

func TestThresholds(t *testing.T) {
	tests := []struct {
		name   string
		th     Threshold
		stats  Stats
		needed bool
	}{
		{"time not reached", TimeThreshold(time.Hour), Stats{SinceLast: time.Minute}, false},
		{"time reached", TimeThreshold(time.Hour), Stats{SinceLast: 2 * time.Hour}, true},
		{"count not reached", CountThreshold(100), Stats{LastCheckpointTxID: 10, LastClosedTxID: 50}, false},
		{"count reached", CountThreshold(100), Stats{LastCheckpointTxID: 10, LastClosedTxID: 110}, true},
		{"volume not reached", VolumeThreshold(1 << 20), Stats{BytesSince: 1024}, false},
		{"volume reached", VolumeThreshold(1 << 20), Stats{BytesSince: 2 << 20}, true},
		{"any-of none", AnyOf(TimeThreshold(time.Hour), CountThreshold(100)), Stats{SinceLast: time.Minute}, false},
		{"any-of one", AnyOf(TimeThreshold(time.Hour), CountThreshold(100)), Stats{LastClosedTxID: 200}, true},
		{"never", Never, Stats{SinceLast: 100 * time.Hour, LastClosedTxID: 1 << 40}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.needed, tt.th.IsNeeded(tt.stats))
		})
	}
}

func TestSchedulerRunsWhenThresholdMet(t *testing.T) {
	f := newFixture(t)
	f.commit(t, 5)

	cp := New(f.appender, f.engine, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })

	s := NewScheduler(cp, func(o *SchedulerOptions) {
		o.Interval = 10 * time.Millisecond
		o.Threshold = CountThreshold(1)
		o.Logger = discard()
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		info, _, ok := cp.Last()
		return ok && info.LastClosedTxID == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerIdleWhenThresholdNotMet(t *testing.T) {
	f := newFixture(t)
	f.commit(t, 1)

	cp := New(f.appender, f.engine, f.health, f.cache, nil, func(o *Options) { o.Logger = discard() })

	s := NewScheduler(cp, func(o *SchedulerOptions) {
		o.Interval = 5 * time.Millisecond
		o.Threshold = Never
		o.Logger = discard()
	})
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	_, _, ok := cp.Last()
	assert.False(t, ok)
}
