// Package prune reclaims disk space by deleting log segments that no
// recovery can need anymore: everything strictly below the segment holding
// the latest checkpoint, unless a retention hold pins older segments (an
// in-progress backup, a replication catch-up).
//
// Pruning is deliberately non-fatal. A segment that cannot be deleted or
// archived stays on disk and is retried on the next cycle; disk pressure
// degrades gracefully instead of panicking a healthy store.
package prune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/graphwal/archive"
	"github.com/hupe1980/graphwal/wal"
)

// Options contains configuration for the Pruner.
type Options struct {
	// Archive, when set, receives each segment before it is deleted. A
	// failed upload blocks the deletion of that segment.
	Archive archive.Store

	// Codec compresses segments on their way into the archive.
	Codec archive.Codec

	// Parallelism bounds concurrent segment archive uploads.
	Parallelism int

	// RateLimit paces prune I/O so reclamation does not starve the commit
	// path. Nil means unlimited.
	RateLimit *rate.Limiter

	// Logger receives prune activity. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the default pruner options.
func DefaultOptions() Options {
	return Options{
		Codec:       archive.ZstdCodec{},
		Parallelism: 2,
	}
}

// Pruner deletes obsolete closed segments.
type Pruner struct {
	store *wal.SegmentStore
	opts  Options

	mu    sync.Mutex
	holds map[string]uint64
}

// New creates a Pruner over store.
func New(store *wal.SegmentStore, optFns ...func(o *Options)) *Pruner {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codec == nil {
		opts.Codec = archive.NoCodec{}
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}

	return &Pruner{
		store: store,
		opts:  opts,
		holds: make(map[string]uint64),
	}
}

// Hold pins every segment with version >= from until the hold is released.
// Re-registering a name replaces its pin.
func (p *Pruner) Hold(name string, from uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds[name] = from
}

// ReleaseHold removes a named hold.
func (p *Pruner) ReleaseHold(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.holds, name)
}

// Holds returns the current holds by name.
func (p *Pruner) Holds() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.holds))
	for name, v := range p.holds {
		out[name] = v
	}
	return out
}

// retainFrom returns the lowest segment version that must be kept for a
// checkpoint located in checkpointVersion.
func (p *Pruner) retainFrom(checkpointVersion uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := checkpointVersion
	for _, v := range p.holds {
		if v < keep {
			keep = v
		}
	}
	return keep
}

// PruneUpTo archives (if configured) and deletes every closed segment whose
// version is strictly below the retained floor implied by checkpointPos and
// the registered holds. Failures are logged and returned joined, but the
// segments they concern simply survive until the next cycle.
func (p *Pruner) PruneUpTo(ctx context.Context, checkpointPos wal.LogPosition) error {
	keep := p.retainFrom(checkpointPos.Version)

	segments, err := p.store.Segments()
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	var candidates []wal.SegmentInfo
	for _, info := range segments {
		if info.Version < keep {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	errs := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)
	for i, info := range candidates {
		g.Go(func() error {
			errs[i] = p.pruneSegment(ctx, info)
			return nil
		})
	}
	_ = g.Wait()

	pruned := 0
	for i, err := range errs {
		if err == nil {
			pruned++
			continue
		}
		p.opts.Logger.Warn("segment prune failed, will retry next cycle",
			"version", candidates[i].Version,
			"error", err,
		)
	}
	if pruned > 0 {
		p.opts.Logger.Info("pruned segments",
			"count", pruned,
			"retain_from", keep,
		)
	}

	return errors.Join(errs...)
}

func (p *Pruner) pruneSegment(ctx context.Context, info wal.SegmentInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.opts.RateLimit != nil {
		if err := p.opts.RateLimit.WaitN(ctx, rateTokens(info.Size)); err != nil {
			return err
		}
	}

	if p.opts.Archive != nil {
		if err := p.archiveSegment(ctx, info); err != nil {
			return fmt.Errorf("archive segment %d: %w", info.Version, err)
		}
	}
	return p.store.RemoveSegment(info.Version)
}

func (p *Pruner) archiveSegment(ctx context.Context, info wal.SegmentInfo) error {
	f, err := p.store.OpenSegment(info.Version)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(info.Path) + p.opts.Codec.Ext()

	pr, pw := io.Pipe()
	go func() {
		cw, err := p.opts.Codec.Compress(pw)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_, copyErr := io.Copy(cw, f)
		closeErr := cw.Close()
		_ = pw.CloseWithError(errors.Join(copyErr, closeErr))
	}()

	if err := p.opts.Archive.Put(ctx, name, pr); err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	return nil
}

// rateTokens converts a segment size to limiter tokens at 64KiB per token,
// keeping burst sizes reasonable for any limiter configuration.
func rateTokens(size int64) int {
	n := int(size / (64 * 1024))
	if n < 1 {
		n = 1
	}
	return n
}
