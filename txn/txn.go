// Package txn tracks live transaction handles and coordinates their
// termination during shutdown. It admits work, it does not order it: commit
// ordering belongs to the log appender.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/graphwal/health"
)

// State is the lifecycle state of a transaction handle.
type State int32

const (
	// StateActive means the transaction is doing work.
	StateActive State = iota
	// StateCommitting means the transaction entered its commit.
	StateCommitting
	// StateTerminating means cancellation was requested; the transaction
	// must abort at its next step.
	StateTerminating
	// StateClosed means the handle released its admission slot.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	// ErrUnavailable is returned by Begin once the registry stopped
	// admitting new transactions.
	ErrUnavailable = errors.New("not accepting new transactions")

	// ErrTerminated is returned when an operation races a termination
	// request on the same handle.
	ErrTerminated = errors.New("transaction terminated")
)

// TimeoutError is returned by AwaitClosed when transactions refuse to close
// within the deadline. Surfaced to the shutdown caller; force-killing is an
// administrative decision, not taken here.
type TimeoutError struct {
	Remaining int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out awaiting transaction termination: %d still open", e.Remaining)
}

// Handle is one live transaction's registration.
type Handle struct {
	id  uint64
	reg *Registry

	mu         sync.Mutex
	state      State
	terminated chan struct{}
	reason     error
}

// ID returns the registry-internal handle id. This is not the transaction's
// log id, which exists only once the commit reaches the appender.
func (h *Handle) ID() uint64 { return h.id }

// State returns the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Terminated returns a channel closed when termination is requested.
// Transaction work selects on it for cooperative cancellation.
func (h *Handle) Terminated() <-chan struct{} {
	return h.terminated
}

// TerminationReason returns why the handle was asked to terminate.
func (h *Handle) TerminationReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// BeginCommit moves the handle from Active to Committing. It fails if
// termination was requested first; a commit that already began is allowed to
// finish even if termination arrives afterwards.
func (h *Handle) BeginCommit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateActive:
		h.state = StateCommitting
		return nil
	case StateTerminating:
		return fmt.Errorf("%w: %w", ErrTerminated, h.reason)
	default:
		return fmt.Errorf("begin commit in state %s", h.state)
	}
}

// Terminate requests cooperative cancellation of an Active handle. Handles
// already committing or closed are unaffected.
func (h *Handle) Terminate(reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateActive {
		return
	}
	h.state = StateTerminating
	h.reason = reason
	close(h.terminated)
}

// Close releases the handle's admission slot. Idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	h.mu.Unlock()

	h.reg.remove(h.id)
}

// Options contains configuration for the Registry.
type Options struct {
	// MaxConcurrent bounds the number of simultaneously open handles.
	MaxConcurrent int64

	// MinPoll and MaxPoll bound the backoff of the shutdown drain loop.
	MinPoll time.Duration
	MaxPoll time.Duration
}

// DefaultOptions returns the default registry options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 1024,
		MinPoll:       time.Millisecond,
		MaxPoll:       20 * time.Millisecond,
	}
}

// Registry tracks all live transaction handles.
type Registry struct {
	sem    *semaphore.Weighted
	health *health.Health
	opts   Options

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	open    bool
}

// NewRegistry creates a Registry admitting transactions.
func NewRegistry(h *health.Health, optFns ...func(o *Options)) *Registry {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		health:  h,
		opts:    opts,
		handles: make(map[uint64]*Handle),
		open:    true,
	}
}

// Begin admits a new transaction, blocking while the concurrency bound is
// exhausted. It fails fast when the registry is closed or Health is
// panicked.
func (r *Registry) Begin(ctx context.Context) (*Handle, error) {
	if err := r.health.AssertHealthy(ErrUnavailable); err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		r.sem.Release(1)
		return nil, ErrUnavailable
	}
	r.nextID++
	h := &Handle{
		id:         r.nextID,
		reg:        r,
		state:      StateActive,
		terminated: make(chan struct{}),
	}
	r.handles[h.id] = h
	r.mu.Unlock()

	return h, nil
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	_, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if ok {
		r.sem.Release(1)
	}
}

// OpenCount returns the number of non-closed handles.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// CountByState returns the number of live handles per state.
func (r *Registry) CountByState() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[State]int)
	for _, h := range r.handles {
		counts[h.State()]++
	}
	return counts
}

// Deny stops admission of new transactions. Existing handles are unaffected.
func (r *Registry) Deny() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
}

// TerminateAll requests cooperative cancellation of every Active handle.
func (r *Registry) TerminateAll(reason error) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Terminate(reason)
	}
}

// AwaitClosed polls with bounded backoff until every handle is closed or ctx
// expires. On expiry it returns a TimeoutError naming the number of handles
// still open.
func (r *Registry) AwaitClosed(ctx context.Context) error {
	wait := r.opts.MinPoll
	for {
		remaining := r.OpenCount()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return &TimeoutError{Remaining: remaining}
		case <-time.After(wait):
		}

		wait *= 2
		if wait > r.opts.MaxPoll {
			wait = r.opts.MaxPoll
		}
	}
}
