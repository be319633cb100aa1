package graphwal

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/graphwal/archive"
	"github.com/hupe1980/graphwal/checkpoint"
	"github.com/hupe1980/graphwal/internal/fs"
	"github.com/hupe1980/graphwal/wal"
)

type options struct {
	fsys               fs.FileSystem
	logger             *Logger
	metricsCollector   MetricsCollector
	durability         wal.DurabilityMode
	segmentSize        int64
	threshold          checkpoint.Threshold
	schedulerInterval  time.Duration
	maxConcurrent      int64
	bestEffortRecovery bool
	archiveStore       archive.Store
	archiveCodec       archive.Codec
	ioRateLimit        *rate.Limiter
	drainTimeout       time.Duration
}

func defaultOptions() *options {
	return &options{
		logger:            NewLogger(nil),
		metricsCollector:  NoopMetricsCollector{},
		durability:        wal.DurabilityGroupCommit,
		segmentSize:       wal.DefaultStoreOptions().SegmentSize,
		threshold:         checkpoint.DefaultSchedulerOptions().Threshold,
		schedulerInterval: checkpoint.DefaultSchedulerOptions().Interval,
		maxConcurrent:     1024,
		archiveCodec:      archive.ZstdCodec{},
		drainTimeout:      30 * time.Second,
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to keep the default
// text logger on stderr; use NoopLogger() to disable logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithFileSystem overrides the filesystem used for segment files. Intended
// for tests (fault injection).
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

// WithDurability configures the commit fsync behavior. The default is
// wal.DurabilityGroupCommit.
func WithDurability(mode wal.DurabilityMode) Option {
	return func(o *options) {
		o.durability = mode
	}
}

// WithSegmentSize configures the rotation threshold in bytes.
func WithSegmentSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.segmentSize = size
		}
	}
}

// WithCheckpointThreshold configures when the background scheduler writes a
// checkpoint. Use checkpoint.Never to checkpoint only on ForceCheckpoint and
// shutdown.
func WithCheckpointThreshold(t checkpoint.Threshold) Option {
	return func(o *options) {
		if t != nil {
			o.threshold = t
		}
	}
}

// WithCheckpointInterval configures how often the scheduler evaluates the
// threshold.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.schedulerInterval = d
		}
	}
}

// WithMaxConcurrentTransactions bounds the number of simultaneously open
// transactions.
func WithMaxConcurrentTransactions(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithBestEffortRecovery makes recovery truncate at corruption found before
// the log tail instead of failing, discarding everything after it. This can
// silently drop committed transactions; leave it off unless availability
// matters more than the damaged suffix.
func WithBestEffortRecovery() Option {
	return func(o *options) {
		o.bestEffortRecovery = true
	}
}

// WithArchive ships pruned segments to store before deleting them,
// compressed with codec (nil keeps the zstd default).
func WithArchive(store archive.Store, codec archive.Codec) Option {
	return func(o *options) {
		o.archiveStore = store
		if codec != nil {
			o.archiveCodec = codec
		}
	}
}

// WithIORateLimit paces checkpoint and prune I/O so background work does not
// starve the commit path.
func WithIORateLimit(l *rate.Limiter) Option {
	return func(o *options) {
		o.ioRateLimit = l
	}
}

// WithDrainTimeout bounds how long Close waits for open transactions to
// terminate before giving up with a txn.TimeoutError.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}
