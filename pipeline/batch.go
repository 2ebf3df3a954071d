package pipeline

import (
	"time"

	"github.com/hexlabs/pipeline/item"
	"github.com/juju/clock"
)

// batchBuffer accumulates items offered to a BatchStage until one of its
// two flush triggers fires: the buffer reaches BatchSize, or it has held
// at least one item for BatchTimeout. It is not safe for concurrent use;
// each concurrent instance of a batch stage owns one.
//
// This is the "batching as adapter" design: a batchBuffer wraps a
// BatchStage and turns a stream of single items into calls to
// ProcessBatch, rather than batching being a parallel stage-runner
// hierarchy of its own.
//
// The timeout trigger waits on an injectable clock.Clock rather than the
// wall clock directly, so tests can fire it with a testclock instead of
// sleeping.
type batchBuffer struct {
	stage BatchStage
	clk   clock.Clock
	items []*item.Item
	timer clock.Timer
}

func newBatchBuffer(stage BatchStage, clk clock.Clock) *batchBuffer {
	return &batchBuffer{stage: stage, clk: clk}
}

// offer appends it to the buffer and reports whether the size trigger
// has now fired. The timeout trigger, if configured, is exposed via
// timerC and must be polled by the caller's select loop.
func (b *batchBuffer) offer(it *item.Item) (sizeTriggered bool) {
	b.items = append(b.items, it)
	if len(b.items) == 1 {
		if d := b.stage.BatchTimeout(); d > 0 {
			b.timer = b.clk.NewTimer(d)
		}
	}
	size := b.stage.BatchSize()
	return size > 0 && len(b.items) >= size
}

// timerC returns the buffer's timeout channel, or nil if no timer is
// currently running. A nil channel blocks forever in a select, which is
// exactly the behaviour wanted when the buffer is empty or has no
// configured timeout.
func (b *batchBuffer) timerC() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.Chan()
}

// empty reports whether the buffer currently holds no items.
func (b *batchBuffer) empty() bool { return len(b.items) == 0 }

// drain returns the buffered items and resets the buffer, stopping any
// pending timer.
func (b *batchBuffer) drain() []*item.Item {
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}
