package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hexlabs/pipeline/item"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// stageConfig captures one AppendStage*/AppendIsolatedStage call before
// the pipeline is compiled into segments.
type stageConfig struct {
	name        string
	stage       Stage
	concurrency int
	isolated    bool
	factory     StageFactory
	factoryArgs []interface{}
}

// Pipeline is a fluent builder for, and the runtime coordinator of, a
// multi-stage concurrent run: SetSource/SetErrorManager/AppendStage*
// describe the chain, then Run/Process/ProcessAsync drive items through
// it. A Pipeline is built at most once; build it explicitly with Build
// or implicitly by calling Run/ProcessAsync.
type Pipeline struct {
	mu sync.Mutex

	source      Source
	errMgr      *ErrorManager
	logger      *logrus.Entry
	clk         clock.Clock
	queueSize   int
	maxInit     int
	isolatedBin string

	configs []*stageConfig

	buildOnce sync.Once
	buildErr  error

	segments []*segment
	chans    []chan *item.Item // len(segments)+1; chans[0] feeds segment 0, chans[N] is the pipeline's output

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce   sync.Once
	runErr    error
	seq       uint64
	delivered uint64
	stopOnce  sync.Once
}

// New returns an empty Pipeline builder with the default error policy
// (soft errors never interrupt, critical errors skip downstream stages
// for the affected item but do not abort the run) and a queue size of
// 64 between stages.
func New() *Pipeline {
	return &Pipeline{
		errMgr:    NewErrorManager(),
		logger:    logrus.StandardLogger().WithField("component", "pipeline"),
		clk:       clock.WallClock,
		queueSize: 64,
		maxInit:   4,
	}
}

// SetSource sets the Source driving the head of the pipeline. Mutually
// exclusive with ProcessAsync: a Pipeline either pulls items from a
// Source (Run) or has them pushed in (ProcessAsync), not both.
func (p *Pipeline) SetSource(src Source) *Pipeline {
	p.source = src
	return p
}

// SetErrorManager replaces the pipeline's error policy.
func (p *Pipeline) SetErrorManager(m *ErrorManager) *Pipeline {
	if m != nil {
		p.errMgr = m
	}
	return p
}

// SetLogger overrides the pipeline-level logger, and propagates it to
// the current ErrorManager.
func (p *Pipeline) SetLogger(logger *logrus.Entry) *Pipeline {
	if logger != nil {
		p.logger = logger
		p.errMgr.SetLogger(logger)
	}
	return p
}

// SetClock replaces the clock the batch-timeout trigger waits on.
// Defaults to clock.WallClock; tests drive the trigger with a
// clock/testclock instead of sleeping through real timeouts.
func (p *Pipeline) SetClock(clk clock.Clock) *Pipeline {
	if clk != nil {
		p.clk = clk
	}
	return p
}

// SetQueueSize sets the buffer capacity of the channel strung between
// each pair of segments, bounding how far ahead of a slow downstream
// segment a fast upstream one may run before blocking (backpressure).
// Go channels are always bounded, so there is no unbounded setting;
// values < 1 are ignored and the default of 64 kept.
func (p *Pipeline) SetQueueSize(n int) *Pipeline {
	if n > 0 {
		p.queueSize = n
	}
	return p
}

// SetMaxInitWorkers sets the capacity of the semaphore Build holds
// around each worker construction (a factory call for
// AppendStageConcurrentlyFactory, a subprocess spawn for
// AppendIsolatedStage). Build performs those constructions one at a
// time, so no more than one is in progress at once whatever the value.
func (p *Pipeline) SetMaxInitWorkers(n int) *Pipeline {
	if n > 0 {
		p.maxInit = n
	}
	return p
}

// SetIsolatedWorkerBinary sets the path to a built isolated-worker
// binary: cmd/pipelineworker, or any binary whose main calls
// RunIsolatedWorker. Required if any stage is appended with
// AppendIsolatedStage.
func (p *Pipeline) SetIsolatedWorkerBinary(path string) *Pipeline {
	p.isolatedBin = path
	return p
}

// AppendStage appends stage to run inline: with no worker pool or
// channel boundary of its own, folded into the next concurrency-bearing
// (or isolated, or terminal) stage's compiled segment.
func (p *Pipeline) AppendStage(name string, stage Stage) *Pipeline {
	return p.appendConfig(&stageConfig{name: name, stage: stage})
}

// AppendStageConcurrently appends stage to run in its own pool of n
// goroutines sharing this process's heap. n == 1 still gives the stage
// its own dedicated goroutine and queue boundary rather than folding it
// into another's; n <= 0 is the same as AppendStage (inline).
func (p *Pipeline) AppendStageConcurrently(name string, stage Stage, n int) *Pipeline {
	return p.appendConfig(&stageConfig{name: name, stage: stage, concurrency: n})
}

// AppendStageConcurrentlyFactory is AppendStageConcurrently's lazy
// counterpart: rather than sharing one already-built stage object across
// its n goroutines, factory is invoked once per worker during Build, one
// call after another, so each cooperative worker gets its own instance. AppendIsolatedStage is
// its out-of-process counterpart. n < 1 is treated as 1: a factory-built
// stage always needs at least one dedicated worker to construct it in.
func (p *Pipeline) AppendStageConcurrentlyFactory(name string, factory StageFactory, n int, args ...interface{}) *Pipeline {
	if n < 1 {
		n = 1
	}
	return p.appendConfig(&stageConfig{name: name, factory: factory, factoryArgs: args, concurrency: n})
}

// AppendIsolatedStage appends a stage that runs in n dedicated OS
// subprocesses rather than in-process goroutines. Each subprocess
// constructs its stage, with args, from the StageFactory registered under
// name (RegisterStageFactory) in the binary set by
// SetIsolatedWorkerBinary. factory itself is called once, locally, only
// to learn whether the stage batches (see probeBatchMeta).
func (p *Pipeline) AppendIsolatedStage(name string, factory StageFactory, n int, args ...interface{}) *Pipeline {
	return p.appendConfig(&stageConfig{name: name, isolated: true, factory: factory, factoryArgs: args, concurrency: n})
}

func (p *Pipeline) appendConfig(c *stageConfig) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, c)
	return p
}

// compileSegments folds consecutive concurrency-0, in-process stages
// into the worker of the next stage that actually needs one (one with
// concurrency > 0, one that is isolated, or the final stage of the
// chain). A pipeline built entirely of AppendStage calls compiles to
// exactly one segment and, per segment.workerCount, exactly one worker.
// An empty configs compiles to one segment with no stages at all: its
// single worker forwards every item to output unchanged, which is what
// makes a zero-stage pipeline deliver inputs as-is rather than fail to
// build.
func compileSegments(configs []*stageConfig) []*segment {
	var segments []*segment
	var pending []*builtStage

	toBuilt := func(c *stageConfig) *builtStage {
		bs := &builtStage{name: c.name, stage: c.stage}
		if b, ok := c.stage.(BatchStage); ok {
			bs.batch = b
		}
		return bs
	}

	for _, c := range configs {
		if !c.isolated && c.concurrency <= 0 {
			pending = append(pending, toBuilt(c))
			continue
		}
		stages := append(pending, toBuilt(c))
		pending = nil
		segments = append(segments, &segment{
			name:        c.name,
			stages:      stages,
			concurrency: c.concurrency,
			isolated:    c.isolated,
			factory:     c.factory,
			factoryArgs: c.factoryArgs,
		})
	}
	if len(pending) > 0 {
		segments = append(segments, &segment{
			name:   pending[len(pending)-1].name,
			stages: pending,
		})
	}
	if len(segments) == 0 {
		segments = append(segments, &segment{name: "passthrough"})
	}
	return segments
}

// Build compiles the appended stages into segments and starts every
// worker. Calling it explicitly is optional: Run and ProcessAsync call
// it lazily. Build is idempotent; only the first call does any work.
func (p *Pipeline) Build(ctx context.Context) error {
	p.buildOnce.Do(func() {
		p.buildErr = p.build(ctx)
	})
	return p.buildErr
}

func (p *Pipeline) build(ctx context.Context) error {
	p.mu.Lock()
	configs := p.configs
	p.mu.Unlock()

	seen := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		if _, dup := seen[c.name]; dup {
			return xerrors.Errorf("pipeline: duplicate stage name %q", c.name)
		}
		seen[c.name] = struct{}{}
		if c.isolated && p.isolatedBin == "" {
			return xerrors.Errorf("pipeline: stage %q is isolated but no isolated worker binary was set (SetIsolatedWorkerBinary)", c.name)
		}
	}

	p.segments = compileSegments(configs)
	p.chans = make([]chan *item.Item, len(p.segments)+1)
	for i := range p.chans {
		p.chans[i] = make(chan *item.Item, p.queueSize)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.ctx, p.cancel = runCtx, cancel

	sem := make(chan struct{}, p.maxInit)
	for i, seg := range p.segments {
		in, out := p.chans[i], p.chans[i+1]
		final := i == len(p.segments)-1
		workers, err := p.buildWorkers(runCtx, seg, out, sem, final)
		if err != nil {
			cancel()
			return xerrors.Errorf("pipeline: starting stage %q: %w", seg.name, err)
		}

		var segWG sync.WaitGroup
		for _, worker := range workers {
			segWG.Add(1)
			p.wg.Add(1)
			go func(worker *segmentWorker) {
				defer p.wg.Done()
				defer segWG.Done()
				worker.run(runCtx, in)
			}(worker)
		}
		go func(out chan *item.Item) {
			segWG.Wait()
			close(out)
		}(out)
	}

	if p.source != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.driveSource(runCtx)
		}()
	}

	return nil
}

// buildWorkers constructs the workerCount() segmentWorkers for seg. A
// seg.isolated segment spawns one subprocess client per worker; a
// seg.factory segment that is not isolated (AppendStageConcurrentlyFactory)
// instead calls the factory once per worker, in-process: the same
// construction loop minus the subprocess spawn. Each construction holds
// a slot of sem while it runs; constructions run one after another on
// the calling goroutine, so at most one slot is ever taken.
func (p *Pipeline) buildWorkers(ctx context.Context, seg *segment, out chan<- *item.Item, sem chan struct{}, final bool) ([]*segmentWorker, error) {
	n := seg.workerCount()
	workers := make([]*segmentWorker, 0, n)

	var isBatch bool
	var batchSize int
	var batchTimeout time.Duration
	if seg.isolated {
		var err error
		isBatch, batchSize, batchTimeout, err = probeBatchMeta(seg.factory, seg.factoryArgs)
		if err != nil {
			return nil, xerrors.Errorf("probing stage: %w", err)
		}
	}

	// Every worker of an isolated or lazily-built segment is attempted
	// even after one construction fails, so a single slow or misconfigured
	// worker doesn't mask failures in its siblings; buildErrs aggregates
	// them all with go-multierror rather than reporting only the first.
	var spawned []*isolatedClient
	var buildErrs *multierror.Error
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		effSeg := seg
		switch {
		case seg.isolated:
			client, err := spawnIsolatedClient(ctx, p.isolatedBin, seg.name, seg.factoryArgs)
			if err != nil {
				<-sem
				buildErrs = multierror.Append(buildErrs, xerrors.Errorf("worker %d: %w", i, err))
				continue
			}
			spawned = append(spawned, client)
			// Only a stage the probe confirmed to batch gets the BatchStage
			// wrapper; the bare client must stay off the batch-buffer path.
			var proxy Stage = client
			if isBatch {
				proxy = &isolatedBatchClient{isolatedClient: client, size: batchSize, timeout: batchTimeout}
			}
			effSeg = seg.cloneForWorker(proxy)
		case seg.factory != nil:
			instance, err := seg.factory(seg.factoryArgs...)
			if err != nil {
				<-sem
				buildErrs = multierror.Append(buildErrs, xerrors.Errorf("worker %d: %w", i, err))
				continue
			}
			effSeg = seg.cloneForWorker(instance)
		}
		<-sem
		worker := newSegmentWorker(effSeg, p.errMgr, p.clk, out, p.abort)
		if final {
			worker.onDeliver = func() { atomic.AddUint64(&p.delivered, 1) }
		}
		workers = append(workers, worker)
	}
	if buildErrs.ErrorOrNil() != nil {
		for _, client := range spawned {
			_ = client.Close()
		}
		return nil, buildErrs.ErrorOrNil()
	}
	return workers, nil
}

// driveSource pulls items from the configured Source and feeds them
// into the first segment, assigning each a monotonic Seq. It closes the
// head channel on exhaustion or failure, which is what lets the close
// cascade through every downstream segment in turn.
func (p *Pipeline) driveSource(ctx context.Context) {
	defer close(p.chans[0])
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.source.Next(ctx) {
			if err := p.source.Error(); err != nil {
				p.abort(xerrors.Errorf("pipeline: source: %w", err))
			}
			return
		}
		it := p.source.Item()
		it.Seq = atomic.AddUint64(&p.seq, 1)
		select {
		case p.chans[0] <- it:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) abort(err error) {
	p.errOnce.Do(func() {
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
		p.logger.WithError(err).Error("pipeline aborting run")
		p.cancel()
	})
}

// Err returns the error that aborted the run, if any. Only meaningful
// after the channel returned by Run has closed, or after Stop returns.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// Run builds the pipeline if necessary and returns the channel carrying
// fully processed items. The channel closes when the Source is
// exhausted or the run is aborted (raise-on-critical tripping, or the
// Source itself failing); callers should check Err once it closes.
func (p *Pipeline) Run(ctx context.Context) (<-chan *item.Item, error) {
	if err := p.Build(ctx); err != nil {
		return nil, err
	}
	return p.chans[len(p.chans)-1], nil
}

// Process runs it through the pipeline synchronously and returns the
// single result, bypassing Run's goroutines and channels entirely. It
// is valid only when every appended stage is inline (concurrency 0,
// in-process); compileSegments then yields exactly one segment, which
// is exactly the case where no concurrency is needed anyway. Source, if
// any, is not consulted; Process feeds it directly instead. A Pipeline
// with no stages appended at all is valid too: it delivers it unchanged.
func (p *Pipeline) Process(ctx context.Context, it *item.Item) (*item.Item, error) {
	p.mu.Lock()
	configs := p.configs
	errMgr := p.errMgr
	clk := p.clk
	p.mu.Unlock()

	for _, c := range configs {
		if c.isolated || c.concurrency > 0 {
			return nil, xerrors.Errorf("pipeline: Process requires every stage to be inline (concurrency 0); %q is not", c.name)
		}
	}

	seg := compileSegments(configs)[0]
	out := make(chan *item.Item, 1)
	var abortErr error
	worker := newSegmentWorker(seg, errMgr, clk, out, func(err error) { abortErr = err })
	if err := worker.onStartAll(ctx); err != nil {
		close(out)
		return nil, err
	}
	worker.advance(ctx, 0, []*item.Item{it})
	worker.flushAll(ctx)
	worker.onStopAll(ctx)
	close(out)

	if abortErr != nil {
		return nil, abortErr
	}
	result, ok := <-out
	if !ok {
		return nil, nil
	}
	return result, nil
}

// ProcessAsync enqueues it at the head of the running pipeline and
// returns immediately; results are retrieved with GetItem. Mutually
// exclusive with SetSource: build the pipeline without a Source to
// drive it this way.
func (p *Pipeline) ProcessAsync(ctx context.Context, it *item.Item) error {
	if err := p.Build(ctx); err != nil {
		return err
	}
	it.Seq = atomic.AddUint64(&p.seq, 1)
	select {
	case p.chans[0] <- it:
		return nil
	case <-p.ctx.Done():
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetItem blocks for the next fully processed item. ok is false once
// the pipeline's output is exhausted; callers should then check Err.
func (p *Pipeline) GetItem(ctx context.Context) (out *item.Item, ok bool) {
	select {
	case it, chOK := <-p.chans[len(p.chans)-1]:
		return it, chOK
	case <-ctx.Done():
		return nil, false
	}
}

// Count returns the number of items delivered to output so far,
// including items that bypassed downstream stages under the
// skip-on-critical-error policy: those are never discarded, only
// forwarded early, so they are still counted as delivered.
func (p *Pipeline) Count() uint64 {
	return atomic.LoadUint64(&p.delivered)
}

// Stop idempotently shuts the pipeline down and waits for every worker
// to exit. If the pipeline has no Source (the ProcessAsync/GetItem
// mode), Stop also signals the natural end of input by closing the head
// channel, exactly as a Source's exhaustion would.
//
// p.cancel is deliberately not called until the close cascade has
// finished draining (the done case below): a segmentWorker's run loop
// selects over both ctx.Done() and its input channel (segment.go), and
// cancelling the shared run context at the same moment the head channel
// closes would let a worker race onto the ctx.Done() branch instead of
// the channel-closed branch that flushes its in-flight batch, dropping
// items instead of draining them cleanly.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		if p.source == nil && p.chans != nil {
			close(p.chans[0])
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return ctx.Err()
	}
	return p.Err()
}
