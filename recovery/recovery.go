// Package recovery rebuilds a consistent store from the log after a crash.
//
// It runs exactly once at startup, single-threaded, before any transaction
// is admitted: locate the last valid checkpoint, scan forward validating
// every entry, truncate the torn tail, replay committed transactions into
// the storage engine, then heal Health. A store that fails recovery stays
// panicked and admits nothing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/graphwal/engine"
	"github.com/hupe1980/graphwal/health"
	"github.com/hupe1980/graphwal/wal"
)

// ErrCorruption means an entry failed validation before the physical end of
// the log. Unlike a torn tail this indicates committed data was damaged;
// recovery refuses to continue unless best-effort mode is enabled.
var ErrCorruption = errors.New("log corruption detected")

// Options contains configuration for the Coordinator.
type Options struct {
	// BestEffort makes recovery truncate at corruption found before the
	// tail instead of failing, discarding everything after it. This
	// trades committed data for availability; off by default.
	BestEffort bool

	// Logger receives recovery progress. Defaults to slog.Default.
	Logger *slog.Logger
}

// Result describes what recovery did and the state the appender must be
// seeded with.
type Result struct {
	// Checkpoint is the anchor recovery started from, nil for a store
	// that was never checkpointed.
	Checkpoint *wal.CheckpointInfo

	// Replayed is the number of transactions re-applied to the engine.
	// Zero means the log held nothing past the checkpoint; a second
	// recovery run directly after a first one always reports zero.
	Replayed int

	// CommittedIDs holds every transaction id whose commit entry was
	// found after the checkpoint.
	CommittedIDs *roaring64.Bitmap

	// LastClosedTxID is the highest committed transaction id in the
	// recovered store.
	LastClosedTxID uint64

	// NextTxID is the id the appender must assign next. Ids of
	// transactions whose entries survive without a commit are burned;
	// ids whose entries were truncated away are reused.
	NextTxID uint64

	// TruncatedAt is where the torn tail was cut, nil if the log ended
	// cleanly.
	TruncatedAt *wal.LogPosition
}

// Coordinator runs the recovery state machine.
type Coordinator struct {
	store  *wal.SegmentStore
	eng    engine.Engine
	health *health.Health
	cache  *wal.MetadataCache
	opts   Options
}

// New creates a Coordinator.
func New(store *wal.SegmentStore, eng engine.Engine, h *health.Health, cache *wal.MetadataCache, optFns ...func(o *Options)) *Coordinator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{store: store, eng: eng, health: h, cache: cache, opts: opts}
}

type replayTx struct {
	txID     uint64
	startPos wal.LogPosition
	batch    []byte
}

// Run executes recovery and heals Health on success.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	checkpoint, err := c.locateCheckpoint()
	if err != nil {
		return nil, err
	}

	from, lastClosed := c.startState(checkpoint)

	txs, res, err := c.scanForward(from)
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		if err := c.eng.ApplyCommandBatch(ctx, tx.txID, tx.batch); err != nil {
			return nil, fmt.Errorf("replay transaction %d: %w", tx.txID, err)
		}
		c.cache.Put(tx.txID, tx.startPos)
		lastClosed = tx.txID
	}

	res.Checkpoint = checkpoint
	res.Replayed = len(txs)
	res.LastClosedTxID = lastClosed
	res.NextTxID = lastClosed + 1

	// The appender assigns ids densely, so the commit entries past the
	// checkpoint must form one contiguous id range. A hole means the log
	// was damaged or edited in a way the per-entry checksums cannot see.
	if n := res.CommittedIDs.GetCardinality(); n > 0 {
		lo, hi := res.CommittedIDs.Minimum(), res.CommittedIDs.Maximum()
		if hi-lo+1 != n {
			c.opts.Logger.Warn("commit ids past the checkpoint are not contiguous",
				"lowest", lo,
				"highest", hi,
				"missing", hi-lo+1-n,
			)
		}
	}

	c.health.Healed()

	c.opts.Logger.Info("recovery completed",
		"replayed", res.Replayed,
		"committed_ids", res.CommittedIDs.GetCardinality(),
		"last_closed_tx", res.LastClosedTxID,
		"next_tx", res.NextTxID,
		"truncated", res.TruncatedAt != nil,
	)
	return res, nil
}

func (c *Coordinator) startState(checkpoint *wal.CheckpointInfo) (wal.LogPosition, uint64) {
	if checkpoint != nil {
		return checkpoint.Position, checkpoint.LastClosedTxID
	}
	lowest, err := c.store.LowestVersion()
	if err != nil {
		lowest = 0
	}
	return wal.LogPosition{Version: lowest, Offset: wal.SegmentDataOffset}, wal.NoTransaction
}

// locateCheckpoint finds the last valid checkpoint entry, scanning segments
// from the newest downward and forward within each. Read failures while
// locating stop the scan of that segment; entries before the failure still
// count.
func (c *Coordinator) locateCheckpoint() (*wal.CheckpointInfo, error) {
	segments, err := c.store.Segments()
	if err != nil {
		return nil, err
	}

	for i := len(segments) - 1; i >= 0; i-- {
		var found *wal.CheckpointInfo

		r, err := c.store.NewSegmentReader(segments[i].Version)
		if err != nil {
			return nil, err
		}
		for {
			e, _, err := r.Next()
			if err != nil {
				break
			}
			if e.Type != wal.EntryCheckpoint {
				continue
			}
			info, err := wal.DecodeCheckpointPayload(e.Payload)
			if err != nil {
				break
			}
			found = &info
		}
		if err := r.Close(); err != nil {
			return nil, err
		}

		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// scanForward validates every entry from the start position to the physical
// end of the log, collects committed transactions in log order and cuts the
// tail back to the last durable transaction boundary.
//
// The boundary is the end of the last Commit or Checkpoint entry. Anything
// after it — a torn entry, or complete entries of a transaction that never
// reached its Commit — is truncated away, so a transaction id touched only
// by truncated entries is reassigned to the next transaction.
func (c *Coordinator) scanForward(from wal.LogPosition) ([]replayTx, *Result, error) {
	res := &Result{CommittedIDs: roaring64.New()}

	finalVersion := c.store.ActiveVersion()

	r, err := c.store.NewReader(from)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	open := make(map[uint64]*replayTx)
	var committed []replayTx
	boundary := from
	truncate := false

	for {
		e, pos, err := r.Next()
		if err == io.EOF {
			// Complete but uncommitted trailing entries are cut
			// together with the torn tail they precede.
			truncate = len(open) > 0
			break
		}
		if err != nil {
			if !isEntryFailure(err) {
				return nil, nil, fmt.Errorf("read log at %s: %w", pos, err)
			}
			if pos.Version < finalVersion {
				if !c.opts.BestEffort {
					return nil, nil, fmt.Errorf("%w: at %s, before the log tail: %v", ErrCorruption, pos, err)
				}
				c.opts.Logger.Warn("discarding log past corruption (best effort)",
					"position", pos.String(),
					"error", err,
				)
			}
			truncate = true
			break
		}

		switch e.Type {
		case wal.EntryStart:
			open[e.TxID] = &replayTx{txID: e.TxID, startPos: pos}

		case wal.EntryCommand:
			if tx, ok := open[e.TxID]; ok {
				tx.batch = append(tx.batch, e.Payload...)
			}

		case wal.EntryCommit:
			tx, ok := open[e.TxID]
			if !ok {
				// Commit without a visible Start only happens in
				// the checkpointed prefix; nothing to replay.
				boundary = r.Position()
				continue
			}
			delete(open, e.TxID)
			committed = append(committed, *tx)
			res.CommittedIDs.Add(e.TxID)
			boundary = r.Position()

		case wal.EntryCheckpoint:
			// The anchor itself, or an older one inside the scanned
			// range; durable, but carries no replayable state.
			boundary = r.Position()
		}
	}

	if truncate {
		if err := c.store.TruncateTo(boundary); err != nil {
			return nil, nil, fmt.Errorf("truncate tail at %s: %w", boundary, err)
		}
		res.TruncatedAt = &boundary
	}
	return committed, res, nil
}

// isEntryFailure reports whether err is a per-entry validation failure, as
// opposed to a real I/O error from the filesystem.
func isEntryFailure(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, wal.ErrInvalidCRC) ||
		errors.Is(err, wal.ErrInvalidEntryType) ||
		errors.Is(err, wal.ErrEntryTooLarge)
}
