package graphwal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/graphwal/txn"
	"github.com/hupe1980/graphwal/wal"
)

// Tx is one open transaction. A Tx is not safe for concurrent use; run each
// transaction on one goroutine and let concurrency happen across
// transactions.
type Tx struct {
	db     *DB
	handle *txn.Handle

	mu    sync.Mutex
	batch []byte
	done  bool
}

// Write appends a command to the transaction's batch. Commands are opaque to
// the log; the storage engine interprets them at apply time, in write order.
func (tx *Tx) Write(command []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	select {
	case <-tx.handle.Terminated():
		return fmt.Errorf("%w: %w", txn.ErrTerminated, tx.handle.TerminationReason())
	default:
	}

	tx.batch = append(tx.batch, command...)
	return nil
}

// Commit makes the transaction durable and applies it to the storage engine.
// The returned id is assigned inside the appender's writer lock, so ids
// follow log order exactly.
func (tx *Tx) Commit(ctx context.Context) (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return wal.NoTransaction, ErrTxDone
	}
	if len(tx.batch) == 0 {
		tx.close()
		return wal.NoTransaction, ErrEmptyTx
	}

	if err := tx.handle.BeginCommit(); err != nil {
		tx.close()
		tx.db.opts.metricsCollector.RecordTermination()
		return wal.NoTransaction, err
	}

	started := time.Now()

	txID, pos, err := tx.db.appender.Append(ctx, tx.batch)
	if err != nil {
		tx.close()
		tx.db.opts.metricsCollector.RecordCommit(time.Since(started), err)
		tx.db.opts.logger.LogCommit(ctx, txID, pos, err)
		return wal.NoTransaction, err
	}

	// The log already holds the commit; an engine that cannot apply it
	// leaves the store in a state only recovery may rebuild from.
	if err := tx.db.eng.ApplyCommandBatch(ctx, txID, tx.batch); err != nil {
		err = fmt.Errorf("apply committed transaction %d: %w", txID, err)
		tx.db.health.Panic(err)
		tx.close()
		tx.db.opts.metricsCollector.RecordCommit(time.Since(started), err)
		return wal.NoTransaction, err
	}
	tx.db.appender.MarkApplied(txID)

	tx.close()
	tx.db.opts.metricsCollector.RecordCommit(time.Since(started), nil)
	tx.db.opts.logger.LogCommit(ctx, txID, pos, nil)
	return txID, nil
}

// Rollback abandons the transaction. Nothing was logged, so there is
// nothing to undo.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.close()
	return nil
}

// Terminated returns a channel closed when the store requests cooperative
// cancellation of this transaction (shutdown, operator action).
func (tx *Tx) Terminated() <-chan struct{} {
	return tx.handle.Terminated()
}

// close releases the registry slot. Caller holds tx.mu.
func (tx *Tx) close() {
	tx.done = true
	tx.handle.Close()
}
