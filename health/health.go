// Package health tracks the process-wide durability health of the log core.
//
// Health starts out panicked: a store that has not completed recovery must not
// admit transactions. Recovery heals it exactly once per startup. After that
// the only transition is one-way, from healthy to panicked, taken by whichever
// component first detects an unrecoverable failure (I/O error on the append
// path, failed storage-engine flush during checkpointing, corruption).
//
// Once panicked, every admission and commit path fails fast until the operator
// restarts the store, which runs recovery again. There is no self-healing at
// runtime.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Health is a thread-safe observable healthy/panicked cell.
type Health struct {
	mu          sync.Mutex
	healthy     bool
	cause       error
	unavailable chan struct{}
	subscribers []func(error)
}

// New returns a Health in the panicked, pre-recovery state.
func New() *Health {
	return &Health{
		cause:       fmt.Errorf("recovery has not completed"),
		unavailable: make(chan struct{}),
	}
}

// IsHealthy reports whether the store may admit and commit transactions.
func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// AssertHealthy returns nil when healthy, or an error wrapping the panic
// cause. Every transaction-admission and commit path calls this.
func (h *Health) AssertHealthy(wrap error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy {
		return nil
	}
	return fmt.Errorf("%w: %w", wrap, h.cause)
}

// Cause returns the panic cause, or nil when healthy.
func (h *Health) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy {
		return nil
	}
	return h.cause
}

// Panic transitions to the panicked state. The first cause wins; later calls
// are no-ops. Subscribers registered via OnPanic are notified synchronously,
// outside the lock.
func (h *Health) Panic(cause error) {
	if cause == nil {
		cause = fmt.Errorf("panicked with nil cause")
	}

	h.mu.Lock()
	if !h.healthy {
		h.mu.Unlock()
		return
	}
	h.healthy = false
	h.cause = cause
	subs := h.subscribers
	ch := h.unavailable
	h.mu.Unlock()

	close(ch)
	for _, fn := range subs {
		fn(cause)
	}
}

// Healed transitions to healthy. Called only after successful recovery at
// startup; it also re-arms AwaitUnavailable.
func (h *Health) Healed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy {
		return
	}
	h.healthy = true
	h.cause = nil
	h.unavailable = make(chan struct{})
}

// OnPanic registers fn to run when the store panics. Registration after a
// panic also invokes fn immediately with the existing cause. The
// subscription is always retained, so a subscriber registered during the
// pre-recovery panicked state still observes a later runtime panic.
func (h *Health) OnPanic(fn func(cause error)) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	healthy, cause := h.healthy, h.cause
	h.mu.Unlock()

	if !healthy && cause != nil {
		fn(cause)
	}
}

// AwaitUnavailable blocks until the store panics or ctx is done. It returns
// the panic cause, or ctx.Err() on cancellation.
func (h *Health) AwaitUnavailable(ctx context.Context) error {
	h.mu.Lock()
	ch := h.unavailable
	h.mu.Unlock()

	select {
	case <-ch:
		return h.Cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}
