package graphwal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphwal/checkpoint"
	"github.com/hupe1980/graphwal/engine"
	"github.com/hupe1980/graphwal/health"
	"github.com/hupe1980/graphwal/txn"
	"github.com/hupe1980/graphwal/wal"
)

func openTestDB(t *testing.T, dir string, eng engine.Engine, opts ...Option) *DB {
	t.Helper()

	opts = append([]Option{WithLogger(NoopLogger())}, opts...)
	db, err := Open(context.Background(), dir, eng, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func commitOne(t *testing.T, db *DB, command string) uint64 {
	t.Helper()

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte(command)))
	txID, err := tx.Commit(context.Background())
	require.NoError(t, err)
	return txID
}

func TestCommitAndReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := engine.NewInMemory()
	db := openTestDB(t, dir, eng)

	assert.Equal(t, uint64(1), commitOne(t, db, "add-node n1"))
	assert.Equal(t, uint64(2), commitOne(t, db, "add-edge n1 n2"))
	assert.Equal(t, uint64(2), db.LastClosedTxID())
	assert.Equal(t, 2, eng.Applied())

	require.NoError(t, db.Close(ctx))

	// Shutdown wrote a checkpoint, so reopening replays nothing but
	// restores the id allocator.
	eng2 := engine.NewInMemory()
	db2 := openTestDB(t, dir, eng2)

	assert.Zero(t, eng2.Applied())
	assert.Equal(t, uint64(2), db2.LastClosedTxID())
	assert.Equal(t, uint64(3), commitOne(t, db2, "add-node n3"))
}

func TestGaplessIDsUnderConcurrency(t *testing.T) {
	eng := engine.NewInMemory()
	db := openTestDB(t, t.TempDir(), eng)
	ctx := context.Background()

	const n = 50
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := db.Begin(ctx)
			assert.NoError(t, err)
			assert.NoError(t, tx.Write([]byte(fmt.Sprintf("cmd-%d", i))))
			id, err := tx.Commit(ctx)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}
	assert.Equal(t, n, eng.Applied())
}

func TestRollbackConsumesNoID(t *testing.T) {
	db := openTestDB(t, t.TempDir(), engine.NewInMemory())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("never-committed")))
	require.NoError(t, tx.Rollback())

	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrTxDone)

	assert.Equal(t, uint64(1), commitOne(t, db, "first"))
}

func TestEmptyCommit(t *testing.T) {
	db := openTestDB(t, t.TempDir(), engine.NewInMemory())

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrEmptyTx)

	assert.Equal(t, uint64(1), commitOne(t, db, "first"))
}

// TestCrashBeforeCommitEntry is the canonical partial-write scenario: three
// committed transactions, a checkpoint, then a fourth transaction cut off
// before its commit entry is durable. Recovery must come up at id 3 and hand
// id 4 to the next transaction.
func TestCrashBeforeCommitEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Build the pre-crash log with the log primitives, since a real
	// crash cannot be provoked through the DB surface.
	store, err := wal.OpenSegmentStore(nil, dir)
	require.NoError(t, err)
	h := health.New()
	h.Healed()
	cache := wal.NewMetadataCache()
	a := wal.NewAppender(store, h, cache)
	eng := engine.NewInMemory()

	for i := 0; i < 3; i++ {
		txID, _, err := a.Append(ctx, []byte("graph-op"))
		require.NoError(t, err)
		require.NoError(t, eng.ApplyCommandBatch(ctx, txID, []byte("graph-op")))
		a.MarkApplied(txID)
	}
	cp := checkpoint.New(a, eng, h, cache, nil, func(o *checkpoint.Options) {
		o.Logger = NoopLogger().Logger
	})
	_, err = cp.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)

	txID, _, err := a.Append(ctx, []byte("never-commits"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), txID)
	require.NoError(t, a.Close())
	require.NoError(t, store.Close())

	// Cut into transaction 4's commit entry.
	path := filepath.Join(dir, wal.SegmentName(0))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	eng2 := engine.NewInMemory()
	db := openTestDB(t, dir, eng2)

	assert.Equal(t, uint64(3), db.LastClosedTxID())
	assert.Equal(t, uint64(3), eng2.HighestCommittedTxID())
	assert.Equal(t, uint64(4), commitOne(t, db, "reuses-id-4"))
}

func TestReopenReplaysUncheckpointedCommits(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Commits without a shutdown checkpoint: close the segment files
	// directly, as a crash would.
	store, err := wal.OpenSegmentStore(nil, dir)
	require.NoError(t, err)
	h := health.New()
	h.Healed()
	a := wal.NewAppender(store, h, wal.NewMetadataCache())
	for i := 0; i < 3; i++ {
		_, _, err := a.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())
	require.NoError(t, store.Close())

	eng := engine.NewInMemory()
	db := openTestDB(t, dir, eng)

	assert.Equal(t, 3, eng.Applied())
	assert.Equal(t, uint64(3), db.LastClosedTxID())

	// The post-recovery checkpoint keeps a second recovery from
	// replaying again.
	require.NoError(t, db.Close(ctx))
	eng2 := engine.NewInMemory()
	openTestDB(t, dir, eng2)
	assert.Zero(t, eng2.Applied())
}

func TestShutdownDrainsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := engine.NewInMemory()
	db := openTestDB(t, dir, eng)
	lastID := commitOne(t, db, "work")

	// An open transaction that closes when asked to terminate.
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-tx.Terminated()
		_ = tx.Rollback()
	}()

	require.NoError(t, db.Close(ctx))
	<-done

	// New transactions are refused after close.
	_, err = db.Begin(ctx)
	require.Error(t, err)

	// The shutdown checkpoint covers the last commit.
	store, err := wal.OpenSegmentStore(nil, dir)
	require.NoError(t, err)
	defer store.Close()
	res, err := recoveryResult(t, store)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.GreaterOrEqual(t, res.LastClosedTxID, lastID)
	assert.Equal(t, "database shutdown", res.Reason)
}

// recoveryResult scans for the last checkpoint entry the way recovery does.
func recoveryResult(t *testing.T, store *wal.SegmentStore) (*wal.CheckpointInfo, error) {
	t.Helper()

	segments, err := store.Segments()
	require.NoError(t, err)

	var found *wal.CheckpointInfo
	for _, seg := range segments {
		r, err := store.NewSegmentReader(seg.Version)
		require.NoError(t, err)
		for {
			e, _, err := r.Next()
			if err != nil {
				break
			}
			if e.Type == wal.EntryCheckpoint {
				info, err := wal.DecodeCheckpointPayload(e.Payload)
				require.NoError(t, err)
				found = &info
			}
		}
		require.NoError(t, r.Close())
	}
	return found, nil
}

func TestTerminatedTransactionCannotCommit(t *testing.T) {
	db := openTestDB(t, t.TempDir(), engine.NewInMemory())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("doomed")))

	go func() {
		// Termination arrives from another goroutine, as shutdown
		// would deliver it.
		time.Sleep(5 * time.Millisecond)
		db.registry.TerminateAll(ErrClosed)
	}()

	<-tx.Terminated()
	assert.Error(t, tx.Write([]byte("more")))
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, txn.ErrTerminated)
}

func TestCheckpointEnablesPruning(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir, engine.NewInMemory(),
		WithSegmentSize(256),
		WithCheckpointThreshold(checkpoint.Never),
	)

	for i := 0; i < 20; i++ {
		commitOne(t, db, "padding-padding-padding")
	}

	before, err := db.ListRetainedSegments()
	require.NoError(t, err)
	require.Greater(t, len(before), 2)

	_, err = db.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)

	after, err := db.ListRetainedSegments()
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))
}

func TestRetentionHoldBlocksPruning(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir, engine.NewInMemory(),
		WithSegmentSize(256),
		WithCheckpointThreshold(checkpoint.Never),
	)

	for i := 0; i < 20; i++ {
		commitOne(t, db, "padding-padding-padding")
	}
	db.RetainSegments("backup", 0)

	_, err := db.ForceCheckpoint(ctx, "test")
	require.NoError(t, err)

	held, err := db.ListRetainedSegments()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), held[0].Version)

	db.ReleaseRetention("backup")
	require.NoError(t, db.PruneNow(ctx))

	released, err := db.ListRetainedSegments()
	require.NoError(t, err)
	assert.Greater(t, released[0].Version, uint64(0))
}

func TestMetricsCollected(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	db := openTestDB(t, t.TempDir(), engine.NewInMemory(), WithMetricsCollector(metrics))

	commitOne(t, db, "one")
	commitOne(t, db, "two")
	_, err := db.ForceCheckpoint(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, uint64(2), metrics.Commits.Load())
	assert.Equal(t, uint64(1), metrics.Checkpoints.Load())
	assert.Zero(t, metrics.CommitFailures.Load())
}

func TestCloseIsTerminal(t *testing.T) {
	db := openTestDB(t, t.TempDir(), engine.NewInMemory())

	require.NoError(t, db.Close(context.Background()))
	assert.ErrorIs(t, db.Close(context.Background()), ErrClosed)
}

func TestOpenDoesNotLogPanicked(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))

	db := openTestDB(t, t.TempDir(), engine.NewInMemory(), WithLogger(logger))

	// The pre-recovery panicked state is bookkeeping, not a failure;
	// only a genuine runtime panic reaches the log.
	assert.NotContains(t, buf.String(), "store panicked")

	db.health.Panic(errors.New("disk gone"))
	assert.Contains(t, buf.String(), "store panicked, refusing new transactions")
	assert.Contains(t, buf.String(), "disk gone")
}

// gatedEngine blocks the apply of one transaction until released, so tests
// can hold a durably committed transaction in the not-yet-applied window.
type gatedEngine struct {
	*engine.InMemory
	gate    uint64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEngine(gate uint64) *gatedEngine {
	return &gatedEngine{
		InMemory: engine.NewInMemory(),
		gate:     gate,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedEngine) ApplyCommandBatch(ctx context.Context, txID uint64, batch []byte) error {
	if txID == g.gate {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.InMemory.ApplyCommandBatch(ctx, txID, batch)
}

func TestCheckpointWaitsForEngineApply(t *testing.T) {
	eng := newGatedEngine(2)
	db := openTestDB(t, t.TempDir(), eng)
	commitOne(t, db, "add-node n1")

	done := make(chan uint64, 1)
	go func() {
		tx, err := db.Begin(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, tx.Write([]byte("add-node n2")))
		txID, err := tx.Commit(context.Background())
		assert.NoError(t, err)
		done <- txID
	}()
	<-eng.entered

	// Transaction 2 is in the log but its engine apply is still running;
	// the checkpoint must anchor behind it.
	_, err := db.ForceCheckpoint(context.Background(), "test")
	require.NoError(t, err)
	info, _, ok := db.cp.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.LastClosedTxID)

	close(eng.release)
	select {
	case txID := <-done:
		assert.Equal(t, uint64(2), txID)
	case <-time.After(5 * time.Second):
		t.Fatal("commit did not return after the apply was released")
	}

	// With the apply finished the next checkpoint covers it.
	_, err = db.ForceCheckpoint(context.Background(), "test")
	require.NoError(t, err)
	info, _, _ = db.cp.Last()
	assert.Equal(t, uint64(2), info.LastClosedTxID)
}
