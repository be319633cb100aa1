package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/graphwal/health"
)

// ErrAppenderClosed is returned by appends on a closed Appender.
var ErrAppenderClosed = errors.New("appender is closed")

// AppenderOptions contains configuration for the Appender.
type AppenderOptions struct {
	// Durability selects the fsync behavior for commits.
	Durability DurabilityMode

	// NextTxID is the first transaction id the appender will assign.
	// Recovery seeds it to one past the highest id observed in the
	// surviving log.
	NextTxID uint64

	// LastClosedTxID is the highest transaction id already committed,
	// durable and applied. Recovery seeds it.
	LastClosedTxID uint64
}

// DefaultAppenderOptions returns the default appender options.
func DefaultAppenderOptions() AppenderOptions {
	return AppenderOptions{
		Durability: DurabilityGroupCommit,
		NextTxID:   1,
	}
}

type txMark struct {
	txID uint64
	end  LogPosition
}

// Appender is the single serialization point of the log. Every append and
// every rotation passes through its mutex, so the order in which transactions
// acquire the lock is the order of their entries in the log, which is the
// commit order. Transaction ids are assigned at lock acquisition, never
// earlier, so ids cannot go out of order relative to log position.
//
// Any I/O failure in the append path is unrecoverable for the process: the
// appender marks Health panicked and refuses further appends.
type Appender struct {
	store  *SegmentStore
	health *health.Health
	cache  *MetadataCache
	opts   AppenderOptions

	mu           sync.Mutex
	nextTxID     uint64
	lastClosed   uint64
	lastAppended LogPosition
	synced       LogPosition
	pending      []txMark

	// Applied watermark: appliedTx is the highest id such that every
	// transaction up to it has reached the storage engine. inFlight holds
	// end positions of appended transactions awaiting MarkApplied;
	// applyDone parks out-of-order completions until the prefix closes.
	appliedTx  uint64
	appliedPos LogPosition
	inFlight   map[uint64]LogPosition
	applyDone  map[uint64]LogPosition

	syncCond *sync.Cond
	doneCond *sync.Cond
	closed   bool
	lastErr  error
	wg       sync.WaitGroup
}

// NewAppender creates an Appender over store. If the durability mode is
// group commit, a background syncer goroutine is started; Close stops it.
func NewAppender(store *SegmentStore, h *health.Health, cache *MetadataCache, optFns ...func(o *AppenderOptions)) *Appender {
	opts := DefaultAppenderOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NextTxID == NoTransaction {
		opts.NextTxID = 1
	}

	a := &Appender{
		store:        store,
		health:       h,
		cache:        cache,
		opts:         opts,
		nextTxID:     opts.NextTxID,
		lastClosed:   opts.LastClosedTxID,
		lastAppended: store.Position(),
		synced:       store.Position(),
		appliedTx:    opts.NextTxID - 1,
		appliedPos:   store.Position(),
		inFlight:     make(map[uint64]LogPosition),
		applyDone:    make(map[uint64]LogPosition),
	}
	a.syncCond = sync.NewCond(&a.mu)
	a.doneCond = sync.NewCond(&a.mu)

	if opts.Durability == DurabilityGroupCommit {
		a.wg.Add(1)
		go a.runSyncer()
	}
	return a
}

func (a *Appender) runSyncer() {
	defer a.wg.Done()
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		for !a.lastAppended.After(a.synced) && !a.closed && a.lastErr == nil {
			a.syncCond.Wait()
		}
		if a.lastErr != nil {
			return
		}
		if a.closed && !a.lastAppended.After(a.synced) {
			return
		}

		target := a.lastAppended

		// Sync without holding the lock so appends keep flowing into
		// the buffer. An append may rotate while the sync runs; the
		// store treats a sync that lost that race as satisfied,
		// because rotation syncs the outgoing segment before closing
		// it. Either way everything up to target is durable.
		a.mu.Unlock()
		err := a.store.SyncActiveData()
		a.mu.Lock()

		if err != nil {
			a.failLocked(fmt.Errorf("log sync: %w", err))
			return
		}

		if target.After(a.synced) {
			a.synced = target
		}
		a.drainPendingLocked()
		a.doneCond.Broadcast()
	}
}

// failLocked records the first terminal error, marks Health panicked and
// wakes all waiters. Caller holds a.mu.
func (a *Appender) failLocked(err error) {
	if a.lastErr == nil {
		a.lastErr = err
		a.health.Panic(err)
	}
	a.syncCond.Broadcast()
	a.doneCond.Broadcast()
}

// drainPendingLocked advances lastClosed over every pending commit whose end
// position is now durable. Caller holds a.mu.
func (a *Appender) drainPendingLocked() {
	for len(a.pending) > 0 && !a.pending[0].end.After(a.synced) {
		a.lastClosed = a.pending[0].txID
		a.pending = a.pending[1:]
	}
}

// Append commits one transaction to the log: it assigns the transaction id,
// rotates the segment first if the upcoming entries would overflow it, writes
// the Start, Command and Commit entries as one contiguous unit, and waits for
// durability according to the configured mode. It returns the assigned id and
// the position one past the Commit entry.
func (a *Appender) Append(ctx context.Context, payload []byte) (uint64, LogPosition, error) {
	if err := ctx.Err(); err != nil {
		return NoTransaction, LogPosition{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return NoTransaction, LogPosition{}, ErrAppenderClosed
	}
	if a.lastErr != nil {
		return NoTransaction, LogPosition{}, a.lastErr
	}
	if err := a.health.AssertHealthy(errors.New("append refused")); err != nil {
		return NoTransaction, LogPosition{}, err
	}

	txID := a.nextTxID
	a.nextTxID++

	start := &Entry{Type: EntryStart, TxID: txID}
	command := &Entry{Type: EntryCommand, TxID: txID, Payload: payload}
	upcoming := start.encodedSize() + command.encodedSize() + int64(entryHeaderSize+commitPayloadSize)

	if a.store.NeedsRotation(upcoming) {
		if err := a.store.Rotate(); err != nil {
			err = fmt.Errorf("log rotation: %w", err)
			a.failLocked(err)
			return NoTransaction, LogPosition{}, err
		}
	}

	startPos, _, err := a.store.AppendEntry(start)
	if err == nil {
		_, _, err = a.store.AppendEntry(command)
	}
	var end LogPosition
	if err == nil {
		commit := &Entry{Type: EntryCommit, TxID: txID, Payload: EncodeCommitPayload(startPos)}
		_, end, err = a.store.AppendEntry(commit)
	}
	if err == nil {
		err = a.store.Flush()
	}
	if err != nil {
		a.failLocked(err)
		return NoTransaction, LogPosition{}, err
	}

	a.cache.Put(txID, startPos)
	a.lastAppended = end
	a.pending = append(a.pending, txMark{txID: txID, end: end})
	a.inFlight[txID] = end

	switch a.opts.Durability {
	case DurabilityAsync:
		// Durable by the next sync (group syncer is not running; a
		// checkpoint anchor or shutdown forces one).

	case DurabilitySync:
		if err := a.store.SyncActiveData(); err != nil {
			err = fmt.Errorf("log sync: %w", err)
			a.failLocked(err)
			return NoTransaction, LogPosition{}, err
		}
		if end.After(a.synced) {
			a.synced = end
		}
		a.drainPendingLocked()

	case DurabilityGroupCommit:
		a.syncCond.Signal()
		for a.synced.Before(end) && !a.closed && a.lastErr == nil {
			a.doneCond.Wait()
		}
		if a.lastErr != nil {
			return NoTransaction, LogPosition{}, a.lastErr
		}
		if a.closed && a.synced.Before(end) {
			return NoTransaction, LogPosition{}, ErrAppenderClosed
		}
	}

	return txID, end, nil
}

// AppendCheckpoint writes a checkpoint entry and makes it durable with a full
// fsync. It returns the position of the checkpoint entry's first byte, which
// is where recovery will find it.
func (a *Appender) AppendCheckpoint(info CheckpointInfo) (LogPosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return LogPosition{}, ErrAppenderClosed
	}
	if a.lastErr != nil {
		return LogPosition{}, a.lastErr
	}

	e := &Entry{Type: EntryCheckpoint, TxID: NoTransaction, Payload: EncodeCheckpointPayload(info)}
	if a.store.NeedsRotation(e.encodedSize()) {
		if err := a.store.Rotate(); err != nil {
			err = fmt.Errorf("log rotation: %w", err)
			a.failLocked(err)
			return LogPosition{}, err
		}
	}

	start, end, err := a.store.AppendEntry(e)
	if err == nil {
		err = a.store.Flush()
	}
	if err == nil {
		err = a.store.SyncActive()
	}
	if err != nil {
		a.failLocked(fmt.Errorf("checkpoint append: %w", err))
		return LogPosition{}, a.lastErr
	}

	if end.After(a.synced) {
		a.synced = end
	}
	a.drainPendingLocked()
	a.doneCond.Broadcast()

	return start, nil
}

// MarkApplied records that txID's command batch has reached the storage
// engine. Completions may arrive in any order; the applied watermark only
// advances over a gapless prefix of ids, so a checkpoint anchor can never
// move past a committed transaction the engine has not seen yet.
func (a *Appender) MarkApplied(txID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	end, ok := a.inFlight[txID]
	if !ok {
		return
	}
	delete(a.inFlight, txID)
	a.applyDone[txID] = end

	for {
		pos, ok := a.applyDone[a.appliedTx+1]
		if !ok {
			return
		}
		delete(a.applyDone, a.appliedTx+1)
		a.appliedTx++
		a.appliedPos = pos
	}
}

// CheckpointAnchor forces everything appended so far to stable storage and
// returns the highest transaction id that is both durably committed and
// applied to the storage engine, together with the log position just past
// it. Commits whose engine apply is still in flight stay beyond the anchor,
// so recovery from the resulting checkpoint replays them. The checkpointer
// records the pair in the checkpoint entry; holding the writer lock only for
// the flush keeps the stall to concurrent commits short.
func (a *Appender) CheckpointAnchor() (uint64, LogPosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return NoTransaction, LogPosition{}, ErrAppenderClosed
	}
	if a.lastErr != nil {
		return NoTransaction, LogPosition{}, a.lastErr
	}

	if err := a.store.Flush(); err != nil {
		a.failLocked(err)
		return NoTransaction, LogPosition{}, a.lastErr
	}
	if err := a.store.SyncActiveData(); err != nil {
		a.failLocked(fmt.Errorf("log sync: %w", err))
		return NoTransaction, LogPosition{}, a.lastErr
	}

	if a.lastAppended.After(a.synced) {
		a.synced = a.lastAppended
	}
	a.drainPendingLocked()
	a.doneCond.Broadcast()

	if a.appliedTx >= a.lastClosed {
		return a.lastClosed, a.synced, nil
	}
	return a.appliedTx, a.appliedPos, nil
}

// AppliedTxID returns the highest transaction id whose engine apply has
// completed, together with all ids below it.
func (a *Appender) AppliedTxID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appliedTx
}

// LastClosedTxID returns the highest transaction id that is committed and
// durable.
func (a *Appender) LastClosedTxID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastClosed
}

// Position returns the position one past the last appended entry.
func (a *Appender) Position() LogPosition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAppended
}

// Close stops the background syncer after it has drained outstanding
// appends. The segment store stays open; the owner closes it separately.
func (a *Appender) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.syncCond.Broadcast()
	a.doneCond.Broadcast()
	err := a.lastErr
	a.mu.Unlock()

	a.wg.Wait()
	return err
}
