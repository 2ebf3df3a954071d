// Command isolatedworker is a throwaway stage-registration binary used
// only by the pipeline package's isolated-worker tests (see
// pipeline/isolated_test.go). It registers a reverser stage under a
// fixed name and defers everything else to pipeline.RunIsolatedWorker,
// the same way a real deployment's own subprocess entrypoint would. Not
// part of the module's public surface; excluded from ordinary builds
// because it lives under testdata.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hexlabs/pipeline/pipeline"
	"github.com/hexlabs/pipeline/item"
	"github.com/sirupsen/logrus"
)

// isolatedTestStageName must match the name pipeline/isolated_test.go
// passes to AppendIsolatedStage: that name is also the registry key and
// the Handshake's StageName, so it has to agree on both sides of the
// process boundary.
const isolatedTestStageName = "isolated-test-reverser"

// isolatedBatchDiscardStageName registers a batch stage that drops any
// item whose text contains "drop", exercising the wire protocol's
// per-item batch discard path (WireResponse.BatchDiscard).
const isolatedBatchDiscardStageName = "isolated-test-batch-discard"

func init() {
	pipeline.RegisterStageFactory(isolatedTestStageName, func(args ...interface{}) (pipeline.Stage, error) {
		suffix := ""
		if len(args) > 0 {
			suffix, _ = args[0].(string)
		}
		return reverserStage{suffix: suffix}, nil
	})
	pipeline.RegisterStageFactory(isolatedBatchDiscardStageName, func(args ...interface{}) (pipeline.Stage, error) {
		return batchDiscardStage{}, nil
	})
}

type reverserStage struct {
	pipeline.NopLifecycle
	suffix string
}

func (s reverserStage) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	text, _ := it.Payload["text"].(string)
	it.Payload["text"] = reverseString(text) + s.suffix
	return it, nil
}

// batchDiscardStage drops any item whose text payload contains "drop"
// rather than forwarding it, relying on ProcessBatch's documented
// contract: a nil entry at a given index discards the item there.
type batchDiscardStage struct{ pipeline.NopLifecycle }

func (batchDiscardStage) BatchSize() int { return 3 }
func (batchDiscardStage) BatchTimeout() time.Duration { return 0 }

func (s batchDiscardStage) Process(_ context.Context, it *item.Item) (*item.Item, error) {
	return it, nil
}

func (s batchDiscardStage) ProcessBatch(_ context.Context, items []*item.Item) ([]*item.Item, error) {
	out := make([]*item.Item, len(items))
	for i, it := range items {
		text, _ := it.Payload["text"].(string)
		if strings.Contains(text, "drop") {
			continue // leave out[i] nil: discard this item
		}
		out[i] = it
	}
	return out, nil
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func main() {
	log := logrus.WithField("component", "isolatedworker-testdata")
	if err := pipeline.RunIsolatedWorker(context.Background(), os.Stdin, os.Stdout, log); err != nil {
		log.WithError(err).Error("isolated test worker exiting on error")
		os.Exit(1)
	}
}
