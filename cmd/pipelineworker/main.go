// Command pipelineworker is the default subprocess entrypoint for the
// isolated (out-of-process) worker strategy: built as its own binary and
// spawned by the pipeline library via os/exec, one subprocess per
// isolated worker. It speaks a small gob protocol over stdin/stdout and
// exits when its stdin is closed, mirroring how an in-process worker
// exits when its input channel is closed.
//
// This binary only knows about stages registered by packages it
// transitively imports. A real deployment with custom isolated stages
// builds its own equivalent of this file, blank-importing the package(s)
// whose init() call pipeline.RegisterStageFactory, and calls
// pipeline.RunIsolatedWorker the same way main does here; the protocol
// loop itself lives in the library, not in this command, precisely so it
// can be reused that way.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/hexlabs/pipeline/pipeline"
	"github.com/sirupsen/logrus"
)

func main() {
	stageFlag := flag.String("stage", "", "registered stage name (informational; the authoritative name travels in the handshake frame)")
	flag.Parse()

	log := logrus.WithField("component", "pipelineworker")
	if *stageFlag != "" {
		log = log.WithField("stage", *stageFlag)
	}

	if err := pipeline.RunIsolatedWorker(context.Background(), os.Stdin, os.Stdout, log); err != nil {
		log.WithError(err).Error("isolated worker exiting on error")
		os.Exit(1)
	}
}
