package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SchedulerOptions contains configuration for the Scheduler.
type SchedulerOptions struct {
	// Interval is the evaluation cadence. Each tick the threshold is
	// consulted; a checkpoint runs only when it says so.
	Interval time.Duration

	// Threshold decides whether a tick triggers a checkpoint.
	Threshold Threshold

	// Logger receives scheduler activity. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultSchedulerOptions returns the default scheduler options.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Interval: 15 * time.Second,
		Threshold: AnyOf(
			TimeThreshold(15*time.Minute),
			CountThreshold(100_000),
		),
	}
}

// Scheduler periodically evaluates the checkpoint threshold on a single
// background goroutine, so scheduled checkpoints never overlap themselves.
type Scheduler struct {
	cp   *Checkpointer
	opts SchedulerOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler creates a Scheduler over cp. Call Start to begin ticking.
func NewScheduler(cp *Checkpointer, optFns ...func(o *SchedulerOptions)) *Scheduler {
	opts := DefaultSchedulerOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{cp: cp, opts: opts}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.opts.Threshold.IsNeeded(s.cp.Stats()) {
			continue
		}
		if _, err := s.cp.ForceCheckpoint(ctx, "scheduler"); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.opts.Logger.Error("scheduled checkpoint failed", "error", err)
		}
	}
}

// Stop cancels the loop and waits for an in-flight checkpoint to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
