package pipeline

import (
	"context"
	"reflect"
	"time"

	"github.com/hexlabs/pipeline/item"
	"github.com/juju/clock"
	"golang.org/x/xerrors"
)

// builtStage is one link in a compiled segment's chain.
type builtStage struct {
	name  string
	stage Stage
	batch BatchStage // non-nil when stage also implements BatchStage
}

// segment is a chain of stages compiled to run inside a single worker
// goroutine body. Every stage but the last has concurrency 0: rather
// than trampolining through a dedicated goroutine and queue per
// zero-concurrency stage, consecutive cI=0 stages are folded into the
// next concurrency-bearing (or isolated, or terminal) stage's worker.
// This shrinks the number of goroutine/channel boundaries a run
// actually pays for to the number of segments, not the number of
// stages, while leaving behaviour unchanged: a pipeline built entirely
// of cI=0 stages compiles to exactly one segment and one worker.
type segment struct {
	name        string
	stages      []*builtStage
	concurrency int
	isolated    bool
	factory     StageFactory
	factoryArgs []interface{}
}

// workerCount is the number of goroutines (or, if isolated, subprocess
// clients) this segment runs. Concurrency 0 still gets exactly one
// worker: the segment's merge already absorbed whatever came before it,
// and something has to drive the chain forward.
func (s *segment) workerCount() int {
	if s.concurrency <= 0 {
		return 1
	}
	return s.concurrency
}

// cloneForWorker returns a shallow copy of the segment with its last
// (factory-built) stage replaced by the given per-worker instance, so
// that each worker goroutine of an isolated or lazily-constructed
// cooperative segment owns its own stage instance without the segment's
// static description being mutated. Used both for an isolated segment's
// subprocess client and for a cooperative segment built from a
// StageFactory.
func (s *segment) cloneForWorker(instance Stage) *segment {
	stages := make([]*builtStage, len(s.stages))
	copy(stages, s.stages)
	last := *stages[len(stages)-1]
	last.stage = instance
	if bs, ok := instance.(BatchStage); ok {
		last.batch = bs
	} else {
		last.batch = nil
	}
	stages[len(stages)-1] = &last
	clone := *s
	clone.stages = stages
	return &clone
}

// segmentWorker executes one goroutine's worth of a segment: it reads
// items from an input channel, advances each through the segment's
// stage chain (accumulating into any batch buffers it owns along the
// way), and forwards whatever reaches the end to out.
type segmentWorker struct {
	seg       *segment
	errMgr    *ErrorManager
	buffers   []*batchBuffer // aligned with seg.stages; nil where not a batch stage
	out       chan<- *item.Item
	abortFn   func(error)
	onDeliver func() // set only for the pipeline's final segment; counts items reaching output
}

func newSegmentWorker(seg *segment, errMgr *ErrorManager, clk clock.Clock, out chan<- *item.Item, abortFn func(error)) *segmentWorker {
	buffers := make([]*batchBuffer, len(seg.stages))
	for i, bs := range seg.stages {
		if bs.batch != nil {
			buffers[i] = newBatchBuffer(bs.batch, clk)
		}
	}
	return &segmentWorker{seg: seg, errMgr: errMgr, buffers: buffers, out: out, abortFn: abortFn}
}

// run drives the worker loop until ctx is cancelled or in is closed. On
// closure it flushes any partially filled batch buffers before
// returning, so a run that ends mid-batch still delivers a short final
// batch instead of dropping it.
//
// Every stage folded into this segment that implements Lifecycle gets
// its OnStart called once here, before the loop starts, and its OnStop
// called once after the loop exits: "once per worker", exactly as a
// dedicated goroutine-per-stage design would do, even though several
// stages may share this one worker body.
func (w *segmentWorker) run(ctx context.Context, in <-chan *item.Item) {
	if err := w.onStartAll(ctx); err != nil {
		w.abortFn(err)
		return
	}
	defer w.onStopAll(ctx)

	for {
		timerCases, timerIdx := w.pendingTimers()
		cases := make([]reflect.SelectCase, 0, 2+len(timerCases))
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(in)})
		cases = append(cases, timerCases...)

		chosen, recv, recvOK := reflect.Select(cases)
		switch {
		case chosen == 0:
			return
		case chosen == 1:
			if !recvOK {
				w.flushAll(ctx)
				return
			}
			it, _ := recv.Interface().(*item.Item)
			w.advance(ctx, 0, []*item.Item{it})
		default:
			idx := timerIdx[chosen-2]
			buf := w.buffers[idx]
			w.flushBuffer(ctx, idx, buf)
		}
	}
}

// pendingTimers builds a reflect.SelectCase per active batch-buffer
// timer. The number of simultaneously batching stages within a single
// segment is small (usually 0 or 1) and not known until the pipeline is
// built, which is why this uses reflect.Select rather than a fixed
// select statement.
func (w *segmentWorker) pendingTimers() ([]reflect.SelectCase, []int) {
	var cases []reflect.SelectCase
	var idx []int
	for i, buf := range w.buffers {
		if buf == nil {
			continue
		}
		if c := buf.timerC(); c != nil {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c)})
			idx = append(idx, i)
		}
	}
	return cases, idx
}

// onStartAll calls OnStart on every stage in the segment that implements
// Lifecycle. A failure aborts the whole run: a stage that cannot start
// has no business processing items.
func (w *segmentWorker) onStartAll(ctx context.Context) error {
	for _, bs := range w.seg.stages {
		if lc, ok := bs.stage.(Lifecycle); ok {
			if err := lc.OnStart(ctx); err != nil {
				return xerrors.Errorf("pipeline: stage %q OnStart: %w", bs.name, err)
			}
		}
	}
	return nil
}

// onStopAll calls OnStop on every Lifecycle stage in the segment, best
// effort: a teardown failure is logged but does not affect items already
// delivered or the rest of the pipeline's shutdown.
func (w *segmentWorker) onStopAll(ctx context.Context) {
	for _, bs := range w.seg.stages {
		if lc, ok := bs.stage.(Lifecycle); ok {
			if err := lc.OnStop(ctx); err != nil {
				w.errMgr.logLifecycleError(bs.name, err)
			}
		}
	}
}

func (w *segmentWorker) flushAll(ctx context.Context) {
	for i, buf := range w.buffers {
		if buf != nil && !buf.empty() {
			w.flushBuffer(ctx, i, buf)
		}
	}
}

// advance pushes items through the segment's chain starting at fromIdx.
// Items already carrying a critical error are, when skip-on-critical is
// in effect, forwarded straight to out without visiting any remaining
// stage in this (or, by the same check repeating in every downstream
// segment's advance, any later) segment.
func (w *segmentWorker) advance(ctx context.Context, fromIdx int, items []*item.Item) {
	if len(items) == 0 {
		return
	}
	if fromIdx >= len(w.seg.stages) {
		for _, it := range items {
			w.emit(ctx, it)
		}
		return
	}

	bs := w.seg.stages[fromIdx]
	skipCritical := w.errMgr.skipOnCritical()

	var toProcess, bypassed []*item.Item
	for _, it := range items {
		if skipCritical && it.HasCriticalErrors() {
			bypassed = append(bypassed, it)
		} else {
			toProcess = append(toProcess, it)
		}
	}
	for _, it := range bypassed {
		w.emit(ctx, it)
	}
	if len(toProcess) == 0 {
		return
	}

	if bs.batch != nil {
		buf := w.buffers[fromIdx]
		for _, it := range toProcess {
			if buf.offer(it) {
				w.flushBuffer(ctx, fromIdx, buf)
			}
		}
		return
	}

	var forwarded []*item.Item
	for _, it := range toProcess {
		start := time.Now()
		out, err := bs.stage.Process(ctx, it)
		elapsed := time.Since(start)

		if isFatal(err) {
			w.abortFn(err)
			return
		}

		target := out
		if target == nil {
			if err == nil {
				continue // stage discarded the item
			}
			target = it
		}
		target.SetTiming(bs.name, elapsed)

		skip, abort := w.errMgr.afterCall(bs.name, target, err, false)
		if abort != nil {
			w.abortFn(abort)
			return
		}
		if skip {
			w.emit(ctx, target)
			continue
		}
		forwarded = append(forwarded, target)
	}
	w.advance(ctx, fromIdx+1, forwarded)
}

// flushBuffer drains idx's batch buffer and runs ProcessBatch, then
// continues the chain from idx+1 with whatever results survive.
func (w *segmentWorker) flushBuffer(ctx context.Context, idx int, buf *batchBuffer) {
	items := buf.drain()
	if len(items) == 0 {
		return
	}
	name := w.seg.stages[idx].name
	start := time.Now()
	results, err := buf.stage.ProcessBatch(ctx, items)
	elapsed := time.Since(start)

	if err != nil {
		if isFatal(err) {
			w.abortFn(err)
			return
		}
		// A failing batch call is critical for every item it was given:
		// there is no partial-success signal from a returned error alone.
		var forwarded []*item.Item
		for _, it := range items {
			it.SetTiming(name, elapsed)
			skip, abort := w.errMgr.afterCall(name, it, err, true)
			if abort != nil {
				w.abortFn(abort)
				return
			}
			if skip {
				w.emit(ctx, it)
				continue
			}
			forwarded = append(forwarded, it)
		}
		w.advance(ctx, idx+1, forwarded)
		return
	}

	var forwarded []*item.Item
	for _, out := range results {
		if out == nil {
			continue
		}
		out.SetTiming(name, elapsed)
		skip, abort := w.errMgr.afterCall(name, out, nil, true)
		if abort != nil {
			w.abortFn(abort)
			return
		}
		if skip {
			w.emit(ctx, out)
			continue
		}
		forwarded = append(forwarded, out)
	}
	w.advance(ctx, idx+1, forwarded)
}

func (w *segmentWorker) emit(ctx context.Context, it *item.Item) {
	select {
	case w.out <- it:
		if w.onDeliver != nil {
			w.onDeliver()
		}
	case <-ctx.Done():
	}
}
