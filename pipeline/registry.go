package pipeline

import (
	"fmt"
	"sync"
)

// registry holds StageFactory values reachable by name, so that an
// isolated worker process can reconstruct a stage on its side of the
// address-space boundary: closures and already-built objects cannot
// cross an exec.Command boundary, only a name can.
var registry = struct {
	mu sync.RWMutex
	m  map[string]StageFactory
}{m: make(map[string]StageFactory)}

// RegisterStageFactory makes factory reachable by name from an isolated
// (out-of-process) worker. Call it from an init() in a package the
// worker binary blank-imports, or from the binary's own main, before
// that binary calls RunIsolatedWorker.
// Registering the same name twice panics, matching the database/sql
// driver-registration idiom this mirrors.
func RegisterStageFactory(name string, factory StageFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.m[name]; exists {
		panic(fmt.Sprintf("pipeline: StageFactory %q already registered", name))
	}
	registry.m[name] = factory
}

// LookupStageFactory returns the factory registered under name, if any.
// RunIsolatedWorker resolves its stage through it; it is exported so
// callers outside the package, such as tests, can resolve factories too.
func LookupStageFactory(name string) (StageFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.m[name]
	return f, ok
}
