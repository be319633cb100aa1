// Package engine defines the storage-engine collaborator consumed by the log
// core. The log owns durability and ordering; the engine owns materialized
// graph state. Command batches are opaque to the log.
package engine

import (
	"context"
	"sync"
)

// Engine is implemented by the storage engine sitting behind the log.
//
// ApplyCommandBatch is called once per committed transaction: on the live
// commit path right after the transaction's entries are in the log, and
// during recovery replay. Live applies of concurrently committing
// transactions may reach the engine in any order relative to their
// transaction ids; their batches never conflict, because conflicting
// transactions serialize in the layer above the log. Recovery replay is
// strictly in log order. The engine must tolerate re-application of batches
// at or below its own flushed state (replay after an ill-timed crash can
// revisit batches the engine already holds).
//
// FlushToStable must not return until all state from applied transactions is
// on stable storage; checkpointing depends on it. Checkpoints only ever name
// a transaction after its ApplyCommandBatch has returned.
type Engine interface {
	ApplyCommandBatch(ctx context.Context, txID uint64, batch []byte) error
	FlushToStable(ctx context.Context) error
	HighestCommittedTxID() uint64
}

// InMemory is an Engine keeping applied batches in memory. It provides the
// re-application tolerance the interface demands and is the reference
// collaborator for tests.
type InMemory struct {
	mu      sync.Mutex
	batches map[uint64][]byte
	highest uint64
	flushes int
}

// NewInMemory creates an empty in-memory engine.
func NewInMemory() *InMemory {
	return &InMemory{batches: make(map[uint64][]byte)}
}

// ApplyCommandBatch records the batch. Re-applying an already-seen
// transaction is a no-op.
func (e *InMemory) ApplyCommandBatch(_ context.Context, txID uint64, batch []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.batches[txID]; ok {
		return nil
	}
	e.batches[txID] = append([]byte(nil), batch...)
	if txID > e.highest {
		e.highest = txID
	}
	return nil
}

// FlushToStable has nothing to persist; it only counts invocations.
func (e *InMemory) FlushToStable(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

// HighestCommittedTxID returns the highest applied transaction id.
func (e *InMemory) HighestCommittedTxID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highest
}

// Batch returns the applied batch of a transaction.
func (e *InMemory) Batch(txID uint64) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[txID]
	return b, ok
}

// Applied returns the number of applied transactions.
func (e *InMemory) Applied() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

// Flushes returns how often FlushToStable was called.
func (e *InMemory) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}
