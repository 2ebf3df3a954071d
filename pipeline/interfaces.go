package pipeline

import (
	"context"
	"time"

	"github.com/hexlabs/pipeline/item"
)

// Stage is implemented by user code that processes one item at a time.
// Process may return a replacement item, the same item, or nil to
// discard the item before it reaches the next stage. A non-nil error is
// treated as a critical error for the item being processed (see
// ErrorManager).
type Stage interface {
	Process(ctx context.Context, it *item.Item) (*item.Item, error)
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc func(ctx context.Context, it *item.Item) (*item.Item, error)

// Process calls f(ctx, it).
func (f StageFunc) Process(ctx context.Context, it *item.Item) (*item.Item, error) {
	return f(ctx, it)
}

// BatchStage is implemented by stages that prefer to process several
// items per call. ProcessBatch must return a slice of the same length
// and order as items; a nil entry discards the corresponding item.
type BatchStage interface {
	Stage
	// BatchSize is the preferred number of items per call (S >= 1).
	BatchSize() int
	// BatchTimeout is the maximum time to wait for a batch to fill before
	// flushing a partial one. Zero means no timeout: flush only on size
	// or on upstream closure.
	BatchTimeout() time.Duration
	// ProcessBatch operates on items and returns same-length, same-order
	// results.
	ProcessBatch(ctx context.Context, items []*item.Item) ([]*item.Item, error)
}

// Lifecycle is optionally implemented by a Stage to receive start/stop
// notifications. OnStart is called once per worker, inside the worker's
// own address space (crucial for isolated workers, whose stage instance
// is constructed post-exec). OnStop is called once per worker before it
// exits.
type Lifecycle interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// NopLifecycle is embeddable by stages that need no start/stop hooks.
type NopLifecycle struct{}

// OnStart implements Lifecycle as a no-op.
func (NopLifecycle) OnStart(context.Context) error { return nil }

// OnStop implements Lifecycle as a no-op.
func (NopLifecycle) OnStop(context.Context) error { return nil }

// Source generates the Items that feed the head of a pipeline.
type Source interface {
	// Next fetches the next item. It returns false when the source is
	// exhausted or has failed; callers must then inspect Error.
	Next(ctx context.Context) bool
	// Item returns the item fetched by the last successful call to Next.
	Item() *item.Item
	// Error returns the last error observed by the source, non-nil only
	// when Next returned false because of a failure rather than
	// exhaustion.
	Error() error
}

// StageFactory constructs a Stage lazily, optionally taking constructor
// arguments. Used by AppendStageConcurrentlyFactory and by
// AppendIsolatedStage, both of which build the stage inside the worker
// that will own it (in-process for the former, inside the isolated
// subprocess for the latter) rather than receive an already-constructed
// (and, for the isolated case, potentially unserializable) value.
type StageFactory func(args ...interface{}) (Stage, error)
