package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hexlabs/pipeline/pipeline"
	"github.com/hexlabs/pipeline/item"
)

// fakeSource yields a fixed, pre-built slice of items and then reports
// exhaustion.
type fakeSource struct {
	items []*item.Item
	err   error

	mu  sync.Mutex
	pos int
	cur *item.Item
}

func newFakeSource(n int) *fakeSource {
	items := make([]*item.Item, n)
	for i := range items {
		it := item.New("")
		it.Payload["text"] = fmt.Sprintf("item-%d", i)
		items[i] = it
	}
	return &fakeSource{items: items}
}

func (s *fakeSource) Next(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.items) {
		return false
	}
	s.cur = s.items[s.pos]
	s.pos++
	return true
}

func (s *fakeSource) Item() *item.Item { s.mu.Lock(); defer s.mu.Unlock(); return s.cur }
func (s *fakeSource) Error() error     { return s.err }

// textReverser reverses the "text" payload field.
type textReverser struct{ pipeline.NopLifecycle }

func (textReverser) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	text, _ := it.Payload["text"].(string)
	it.Payload["text"] = reverseString(text)
	return it, nil
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// textDuplicator appends the text field to itself.
type textDuplicator struct{ pipeline.NopLifecycle }

func (textDuplicator) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	text, _ := it.Payload["text"].(string)
	it.Payload["text"] = text + text
	return it, nil
}

// batchTextReverser is textReverser adapted to run as a BatchStage.
type batchTextReverser struct {
	pipeline.NopLifecycle
	size    int
	timeout time.Duration
}

func (b batchTextReverser) BatchSize() int { return b.size }
func (b batchTextReverser) BatchTimeout() time.Duration { return b.timeout }
func (b batchTextReverser) Process(ctx context.Context, it *item.Item) (*item.Item, error) {
	return textReverser{}.Process(ctx, it)
}
func (b batchTextReverser) ProcessBatch(ctx context.Context, items []*item.Item) ([]*item.Item, error) {
	out := make([]*item.Item, len(items))
	for i, it := range items {
		out[i], _ = b.Process(ctx, it)
	}
	return out, nil
}

// batchTextDuplicator is textDuplicator adapted to run as a BatchStage.
type batchTextDuplicator struct {
	pipeline.NopLifecycle
	size    int
	timeout time.Duration
}

func (b batchTextDuplicator) BatchSize() int { return b.size }
func (b batchTextDuplicator) BatchTimeout() time.Duration { return b.timeout }
func (b batchTextDuplicator) Process(ctx context.Context, it *item.Item) (*item.Item, error) {
	return textDuplicator{}.Process(ctx, it)
}
func (b batchTextDuplicator) ProcessBatch(ctx context.Context, items []*item.Item) ([]*item.Item, error) {
	out := make([]*item.Item, len(items))
	for i, it := range items {
		out[i], _ = b.Process(ctx, it)
	}
	return out, nil
}

// errorStage marks every item whose text field contains needle with a
// soft error.
type errorStage struct {
	pipeline.NopLifecycle
	needle string
}

func (e errorStage) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	text, _ := it.Payload["text"].(string)
	if e.needle == "" || strings.Contains(text, e.needle) {
		it.AddError("error", "text matched "+e.needle)
	}
	return it, nil
}

// exceptionStage returns a plain Go error for every item, simulating an
// uncaught fault.
type exceptionStage struct {
	pipeline.NopLifecycle
	err error
}

func (e exceptionStage) Process(context.Context, *item.Item) (*item.Item, error) {
	return nil, e.err
}

// timeWaster sleeps for d before returning the item unchanged, used to
// make concurrency's effect on wall-clock time observable.
type timeWaster struct {
	pipeline.NopLifecycle
	d time.Duration
}

func (t timeWaster) Process(ctx context.Context, it *item.Item) (*item.Item, error) {
	select {
	case <-time.After(t.d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return it, nil
}

// countingStage records, via a shared counter, how many times Process
// ran, used to assert every source item actually reached a stage.
type countingStage struct {
	pipeline.NopLifecycle
	n *int64Counter
}

type int64Counter struct {
	mu sync.Mutex
	v  int64
}

func (c *int64Counter) inc() { c.mu.Lock(); c.v++; c.mu.Unlock() }
func (c *int64Counter) get() int64 { c.mu.Lock(); defer c.mu.Unlock(); return c.v }

func (c countingStage) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	c.n.inc()
	return it, nil
}

// lifecycleCalls records OnStart/OnStop invocations, used to assert the
// "on_start is called once per worker, on_stop once before exit"
// contract.
type lifecycleCalls struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (l *lifecycleCalls) get() (starts, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops
}

// lifecycleStage is a pass-through stage that records every OnStart/
// OnStop call it receives instead of embedding pipeline.NopLifecycle, so
// tests can assert the hooks actually ran.
type lifecycleStage struct {
	calls *lifecycleCalls
}

func (s lifecycleStage) OnStart(context.Context) error {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	s.calls.starts++
	return s.calls.startErr
}

func (s lifecycleStage) OnStop(context.Context) error {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	s.calls.stops++
	return nil
}

func (s lifecycleStage) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	return it, nil
}
