package pipeline

import (
	"context"
	"encoding/gob"
	"errors"
	"io"

	"github.com/hexlabs/pipeline/item"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// RunIsolatedWorker is the reusable half of the isolated (out-of-process)
// worker strategy: the subprocess-side loop that speaks the gob protocol
// over in/out. cmd/pipelineworker's main is a thin wrapper around this
// function; any user binary that needs a stage registered under its own
// package (via RegisterStageFactory in an init it blank-imports) can call
// RunIsolatedWorker directly instead of importing cmd/pipelineworker,
// which is plain package main and cannot itself be imported.
//
// RunIsolatedWorker reads exactly one Handshake frame, looks the named
// factory up in the process registry, constructs the stage, runs its
// OnStart/OnStop Lifecycle hooks around the request loop, and returns nil
// when in reaches io.EOF, the same signal an in-process worker's input
// channel closing gives it.
func RunIsolatedWorker(ctx context.Context, in io.Reader, out io.Writer, logger *logrus.Entry) error {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "pipeline-isolated-worker")
	}
	dec := gob.NewDecoder(in)
	enc := gob.NewEncoder(out)

	var hs Handshake
	if err := dec.Decode(&hs); err != nil {
		return xerrors.Errorf("isolated worker: handshake: %w", err)
	}
	logger = logger.WithField("stage", hs.StageName)

	factory, ok := LookupStageFactory(hs.StageName)
	if !ok {
		return xerrors.Errorf("isolated worker: no StageFactory registered under %q", hs.StageName)
	}
	stage, err := factory(hs.Args...)
	if err != nil {
		return xerrors.Errorf("isolated worker: constructing stage %q: %w", hs.StageName, err)
	}

	if lc, ok := stage.(Lifecycle); ok {
		if err := lc.OnStart(ctx); err != nil {
			return xerrors.Errorf("isolated worker: stage %q OnStart: %w", hs.StageName, err)
		}
		defer func() {
			if err := lc.OnStop(ctx); err != nil {
				logger.WithError(err).Warn("stage OnStop failed")
			}
		}()
	}
	batchStage, isBatch := stage.(BatchStage)

	for {
		var req WireRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return xerrors.Errorf("isolated worker: decode request: %w", err)
		}

		resp := handleWireRequest(ctx, stage, batchStage, isBatch, &req)
		if err := enc.Encode(&resp); err != nil {
			return xerrors.Errorf("isolated worker: encode response: %w", err)
		}
	}
}

// handleWireRequest dispatches one decoded WireRequest to stage (for a
// single-item Process call) or batchStage (for a ProcessBatch call) and
// packages the result as a WireResponse. A stage error crosses back only
// as a message: the concrete error type is the caller's, not something
// gob on this side of the boundary can reconstruct.
func handleWireRequest(ctx context.Context, stage Stage, batchStage BatchStage, isBatch bool, req *WireRequest) WireResponse {
	if req.Batch != nil {
		if !isBatch {
			return WireResponse{Err: "stage does not implement BatchStage"}
		}
		items := make([]*item.Item, len(req.Batch))
		for i, s := range req.Batch {
			items[i] = item.FromSnapshot(s)
		}
		results, err := batchStage.ProcessBatch(ctx, items)
		if err != nil {
			return WireResponse{Err: err.Error()}
		}
		snaps := make([]item.Snapshot, len(results))
		discard := make([]bool, len(results))
		for i, it := range results {
			if it != nil {
				snaps[i] = it.ToSnapshot()
			} else {
				discard[i] = true
			}
		}
		return WireResponse{Batch: snaps, BatchDiscard: discard}
	}

	it := item.FromSnapshot(req.Item)
	result, err := stage.Process(ctx, it)
	if err != nil {
		return WireResponse{Err: err.Error()}
	}
	if result == nil {
		return WireResponse{Discard: true}
	}
	return WireResponse{Item: result.ToSnapshot()}
}
