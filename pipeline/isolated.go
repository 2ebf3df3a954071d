package pipeline

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/hexlabs/pipeline/item"
	"golang.org/x/xerrors"
)

// Handshake is the first frame an isolated worker subprocess reads: it
// names the registered StageFactory to construct and the arguments to
// construct it with. A closure or already-built Stage cannot cross an
// exec.Cmd boundary, only this can. RunIsolatedWorker decodes it on the
// subprocess side.
type Handshake struct {
	StageName string
	Args      []interface{}
}

// WireRequest is one call sent to an isolated worker subprocess. Batch
// is non-nil for a ProcessBatch call, nil for a single-item Process call.
type WireRequest struct {
	Item  item.Snapshot
	Batch []item.Snapshot
}

// WireResponse is the subprocess's reply to a WireRequest.
type WireResponse struct {
	Item  item.Snapshot
	Batch []item.Snapshot
	// BatchDiscard is aligned with Batch: a true entry means that
	// position's item was discarded (ProcessBatch returned nil there),
	// not that its Snapshot happens to be the zero value.
	BatchDiscard []bool
	Discard      bool
	Err          string
}

// isolatedClient runs one stage instance in a dedicated subprocess,
// spawned via os/exec, and exchanges items with it as gob frames over
// stdin/stdout. Closing stdin is the cross-process equivalent of an
// in-process channel close: the subprocess's read loop (see
// RunIsolatedWorker) sees io.EOF on its side and exits, which is how an
// isolated segment's worker participates in the pipeline's ordinary
// shutdown instead of needing a separate signal.
type isolatedClient struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *gob.Encoder
	dec   *gob.Decoder
	mu    sync.Mutex
}

// isolatedBatchClient augments an isolatedClient with the BatchSize and
// BatchTimeout accessors that make it a BatchStage. Only the wrapper
// satisfies BatchStage: the bare client deliberately does not, so a
// non-batch isolated stage's proxy is never routed through a segment's
// batch buffer. size and timeout are probed locally before the
// subprocess is spawned (see probeBatchMeta) and served without a round
// trip.
type isolatedBatchClient struct {
	*isolatedClient
	size    int
	timeout time.Duration
}

// BatchSize implements BatchStage with the probed value.
func (c *isolatedBatchClient) BatchSize() int { return c.size }

// BatchTimeout implements BatchStage the same way.
func (c *isolatedBatchClient) BatchTimeout() time.Duration { return c.timeout }

// spawnIsolatedClient starts binary as a subprocess, sends it the
// handshake identifying stageName and its constructor args, and returns
// a client proxying Process/ProcessBatch calls to it.
func spawnIsolatedClient(ctx context.Context, binary, stageName string, args []interface{}) (*isolatedClient, error) {
	cmd := exec.CommandContext(ctx, binary, "-stage", stageName)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("isolated worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Errorf("isolated worker: stdout pipe: %w", err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("isolated worker: start %s: %w", binary, err)
	}

	enc := gob.NewEncoder(stdin)
	if err := enc.Encode(&Handshake{StageName: stageName, Args: args}); err != nil {
		_ = cmd.Process.Kill()
		return nil, xerrors.Errorf("isolated worker: handshake: %w", err)
	}

	return &isolatedClient{
		cmd:   cmd,
		stdin: stdin,
		enc:   enc,
		dec:   gob.NewDecoder(stdout),
	}, nil
}

// OnStart implements Lifecycle as a no-op: the subprocess already ran
// its own stage's OnStart, inside its own address space, as part of
// RunIsolatedWorker's handshake.
func (c *isolatedClient) OnStart(context.Context) error { return nil }

// OnStop implements Lifecycle by closing the subprocess down, which is
// how the isolated worker strategy's shutdown is wired into the same
// per-worker Lifecycle hook that drives an in-process stage's cleanup:
// the segment worker's normal OnStop pass is what reaps the subprocess.
func (c *isolatedClient) OnStop(context.Context) error { return c.Close() }

// fatalError marks a failure of the worker fabric itself (a broken
// subprocess pipe, a gob codec failure) rather than of user stage code.
// Error policy never applies to these: they terminate the run no matter
// how the ErrorManager is configured.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Process sends it to the subprocess and waits for its reply.
func (c *isolatedClient) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(&WireRequest{Item: it.ToSnapshot()}); err != nil {
		return nil, &fatalError{xerrors.Errorf("isolated worker: send: %w", err)}
	}
	var resp WireResponse
	if err := c.dec.Decode(&resp); err != nil {
		return nil, &fatalError{xerrors.Errorf("isolated worker: receive: %w", err)}
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	if resp.Discard {
		return nil, nil
	}
	return item.FromSnapshot(resp.Item), nil
}

// ProcessBatch sends the whole batch to the subprocess in one frame and
// waits for its reply.
func (c *isolatedClient) ProcessBatch(_ context.Context, items []*item.Item) ([]*item.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]item.Snapshot, len(items))
	for i, it := range items {
		snaps[i] = it.ToSnapshot()
	}
	if err := c.enc.Encode(&WireRequest{Batch: snaps}); err != nil {
		return nil, &fatalError{xerrors.Errorf("isolated worker: send: %w", err)}
	}
	var resp WireResponse
	if err := c.dec.Decode(&resp); err != nil {
		return nil, &fatalError{xerrors.Errorf("isolated worker: receive: %w", err)}
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	out := make([]*item.Item, len(resp.Batch))
	for i, s := range resp.Batch {
		if i < len(resp.BatchDiscard) && resp.BatchDiscard[i] {
			continue
		}
		out[i] = item.FromSnapshot(s)
	}
	return out, nil
}

// Close signals termination to the subprocess by closing its stdin and
// waits for it to exit.
func (c *isolatedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.stdin.Close()
	return c.cmd.Wait()
}

// probeBatchMeta constructs a throwaway local instance of the stage
// named by factory/args purely to read BatchSize/BatchTimeout (and
// whether it implements BatchStage at all). The real, long-lived
// instance each worker talks to lives in its own subprocess; this one is
// discarded immediately, which is safe because those two accessors are
// required to be pure and side-effect free.
func probeBatchMeta(factory StageFactory, args []interface{}) (isBatch bool, size int, timeout time.Duration, err error) {
	probe, err := factory(args...)
	if err != nil {
		return false, 0, 0, err
	}
	bs, ok := probe.(BatchStage)
	if !ok {
		return false, 0, 0, nil
	}
	return true, bs.BatchSize(), bs.BatchTimeout(), nil
}
