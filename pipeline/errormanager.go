package pipeline

import (
	"sync"

	"github.com/hexlabs/pipeline/item"
	"github.com/sirupsen/logrus"
)

// ErrorManager is the single choke-point for error policy: it logs,
// attaches the error record to the item, and may signal that the run
// must terminate. It is safe for concurrent use by multiple workers.
type ErrorManager struct {
	mu sync.Mutex

	raiseOnCritical   bool
	noSkipOnCritical  bool
	logger            *logrus.Entry
	firstCriticalErr  error
	firstCriticalOnce sync.Once
}

// NewErrorManager returns an ErrorManager with the default policy: soft
// errors are always attached and never interrupt processing; critical
// errors are attached and cause downstream stages to be skipped for
// that item (skip-on-critical is ON by default), but the run itself is
// not aborted (raise-on-critical is OFF by default).
func NewErrorManager() *ErrorManager {
	return &ErrorManager{
		logger: logrus.StandardLogger().WithField("component", "pipeline"),
	}
}

// RaiseOnCriticalError, when enabled, causes the first critical error
// observed anywhere in the pipeline to terminate the run and surface to
// the consumer. Returns the manager for chaining.
func (m *ErrorManager) RaiseOnCriticalError() *ErrorManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseOnCritical = true
	return m
}

// NoSkipOnCriticalError, when enabled, causes items carrying a critical
// error to still be processed by downstream stages (the default is to
// skip them straight to the output queue). Returns the manager for
// chaining.
func (m *ErrorManager) NoSkipOnCriticalError() *ErrorManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noSkipOnCritical = true
	return m
}

// SetLogger overrides the manager's logger. Returns the manager for
// chaining.
func (m *ErrorManager) SetLogger(logger *logrus.Entry) *ErrorManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger != nil {
		m.logger = logger
	}
	return m
}

// skipOnCritical reports whether downstream stages must be bypassed for
// items carrying a critical error.
func (m *ErrorManager) skipOnCritical() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.noSkipOnCritical
}

func (m *ErrorManager) shouldRaise() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raiseOnCritical
}

// afterCall is the single choke-point every worker passes through after
// invoking a stage's Process/ProcessBatch. A stage may have signalled a
// soft or critical error explicitly via it.AddError/it.AddCriticalError,
// or returned callErr to mean an uncaught fault (treated as critical and
// attached here). Either way, afterCall is what logs the error and, for
// critical ones, applies policy: it reports whether the remaining stages
// of the chain must be bypassed for it (skipRest), and returns a non-nil
// abort error once raise-on-critical has tripped for the run.
func (m *ErrorManager) afterCall(stage string, it *item.Item, callErr error, batched bool) (skipRest bool, abort error) {
	softBefore, critBefore := len(it.SoftErrors()), len(it.CriticalErrors())
	if callErr != nil {
		it.AddCriticalError(stage, callErr)
	}

	for _, rec := range it.SoftErrors()[softBefore:] {
		m.log(stage, rec.Message, batched, false)
	}
	newCritical := it.CriticalErrors()[critBefore:]
	for _, rec := range newCritical {
		m.log(stage, rec.Message, batched, true)
	}

	if len(newCritical) > 0 && m.shouldRaise() {
		m.firstCriticalOnce.Do(func() {
			m.mu.Lock()
			m.firstCriticalErr = newCritical[0]
			m.mu.Unlock()
		})
		abort = m.firstError()
	}
	skipRest = it.HasCriticalErrors() && m.skipOnCritical()
	return skipRest, abort
}

func (m *ErrorManager) firstError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstCriticalErr
}

// logLifecycleError reports a failed OnStop hook. Unlike a processing
// error, a stage's own teardown failing is never attached to an item
// (there is no item in play), so it only goes to the log.
func (m *ErrorManager) logLifecycleError(stage string, err error) {
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	logger.WithField("stage", stage).WithError(err).Warn("stage OnStop failed")
}

// log emits one handled error through the manager's single logger. Soft
// and critical errors alike go out at Error level; only the message text
// distinguishes them.
func (m *ErrorManager) log(stage, message string, batched, critical bool) {
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()

	fields := logrus.Fields{"stage": stage, "batch": batched}
	if critical {
		logger.WithFields(fields).Error(stage + " has generated a critical error: " + message)
		return
	}
	logger.WithFields(fields).Error(stage + " has generated an error: " + message)
}
