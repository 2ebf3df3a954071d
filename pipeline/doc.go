// Package pipeline builds and runs multi-stage, concurrent
// data-processing pipelines. A Pipeline is assembled with a fluent
// builder (SetSource, SetErrorManager, AppendStage,
// AppendStageConcurrently, AppendIsolatedStage) and then driven with
// Run, Process, or ProcessAsync/GetItem, depending on how much
// concurrency the stages need and whether items arrive from a Source or
// are pushed in by the caller.
//
// Each stage runs under one of three concurrency models: inline
// (AppendStage, folded into a neighbouring worker with no channel
// boundary of its own), in-process cooperative (AppendStageConcurrently,
// a pool of goroutines sharing this process's heap), or isolated
// (AppendIsolatedStage, a pool of dedicated OS subprocesses speaking a
// gob protocol over stdin/stdout). Stages that prefer to work on several
// items at once implement BatchStage in addition to Stage; batching is
// an adapter over the same worker loop, not a parallel class hierarchy.
//
// Errors are split into soft (expected, data-dependent, always attached
// to the item and never interrupt the run) and critical (an uncaught
// stage error, or an explicit item.AddCriticalError call). An
// ErrorManager is the single point where critical-error policy is
// decided: whether it aborts the run (RaiseOnCriticalError) and whether
// it still lets downstream stages see the item (NoSkipOnCriticalError).
package pipeline
