package tessera

import (
	"log/slog"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/resource"
)

// ReadMethod selects how fragment data reaches memory.
type ReadMethod = fragment.ReadMethod

// Read methods.
const (
	// ReadPRead issues positional reads per tile.
	ReadPRead = fragment.ReadPRead
	// ReadMmap maps fragment files and slices tiles out of the mapping.
	ReadMmap = fragment.ReadMmap
)

type options struct {
	logger      *Logger
	metrics     MetricsCollector
	fsys        fs.FileSystem
	method      ReadMethod
	resources   resource.Config
	metaWorkers int
}

// Option configures a Context.
type Option func(*options)

// WithLogger sets the structured logger for all operations under the
// context. Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel sets a stderr text logger at the given level. Convenience
// wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector sets the metrics sink. Pass nil to disable metrics.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithFileSystem replaces the filesystem every operation goes through.
// In-module tests use it for fault injection.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys == nil {
			fsys = fs.Default
		}
		o.fsys = fsys
	}
}

// WithReadMethod selects positional reads or memory mapping for fragment
// data.
func WithReadMethod(m ReadMethod) Option {
	return func(o *options) {
		o.method = m
	}
}

// WithResources sets the memory, worker and IO limits shared by every
// session of the context. The zero Config means unlimited memory, one
// background worker and unpaced IO.
func WithResources(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithMetaWorkers bounds the parallelism of fragment bookkeeping loads when
// a read handle opens. Zero means GOMAXPROCS.
func WithMetaWorkers(n int) Option {
	return func(o *options) {
		o.metaWorkers = n
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
		fsys:    fs.Default,
		method:  ReadPRead,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
