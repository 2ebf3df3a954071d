// Package item defines the unit of work that flows through a pipeline:
// a payload, per-stage timings, and the soft/critical errors accumulated
// as it travels.
package item

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces a new item ID when a source does not supply one.
// Swappable for tests or for callers that want deterministic IDs.
var IDGenerator = uuid.NewString

// Item is the unit of data transiting a pipeline. A zero Item is not
// usable; construct one with New.
type Item struct {
	id      string
	Payload map[string]interface{}

	timings map[string]time.Duration

	softErrors     []*Error
	criticalErrors []*Error

	// Seq is assigned by the pipeline coordinator: a monotonic sequence
	// number used only for ordering diagnostics, never for routing.
	Seq uint64
}

// New creates an Item with the given id. If id is empty, IDGenerator is
// used to assign one.
func New(id string) *Item {
	if id == "" {
		id = IDGenerator()
	}
	return &Item{
		id:      id,
		Payload: make(map[string]interface{}),
		timings: make(map[string]time.Duration),
	}
}

// ID returns the item's identifier. It never changes after creation.
func (it *Item) ID() string { return it.id }

// SetTiming records the elapsed duration of a stage's last processing
// call for this item.
func (it *Item) SetTiming(stage string, d time.Duration) {
	if it.timings == nil {
		it.timings = make(map[string]time.Duration)
	}
	it.timings[stage] = d
}

// GetTiming returns the recorded duration for stage, or 0 if the item
// never visited it.
func (it *Item) GetTiming(stage string) time.Duration {
	return it.timings[stage]
}

// AddError attaches a soft (data-dependent, non-fatal) error raised by
// stage. The item continues down the pipeline unaffected.
func (it *Item) AddError(stage, message string) {
	it.softErrors = append(it.softErrors, &Error{
		Kind:    Soft,
		Stage:   stage,
		Message: message,
		At:      time.Now(),
	})
}

// AddCriticalError attaches a critical error raised by stage. Whether
// downstream stages still run is governed by the pipeline's ErrorManager
// policy, not by the item itself.
func (it *Item) AddCriticalError(stage string, err error) {
	rec := &Error{
		Kind:  Critical,
		Stage: stage,
		At:    time.Now(),
		Err:   err,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	it.criticalErrors = append(it.criticalErrors, rec)
}

// HasErrors reports whether the item has any soft error attached.
func (it *Item) HasErrors() bool { return len(it.softErrors) > 0 }

// HasCriticalErrors reports whether the item has any critical error
// attached.
func (it *Item) HasCriticalErrors() bool { return len(it.criticalErrors) > 0 }

// SoftErrors returns the ordered soft errors attached to the item.
func (it *Item) SoftErrors() []*Error { return it.softErrors }

// CriticalErrors returns the ordered critical errors attached to the item.
func (it *Item) CriticalErrors() []*Error { return it.criticalErrors }

// Clone returns a copy of the item with its own payload map, timings map
// and error slices, so adding or replacing entries in one does not affect
// the other. Payload values and the *Error records are shared by
// reference; callers whose payload values are themselves mutable and
// shared across clones are responsible for deep-copying those values too.
func (it *Item) Clone() *Item {
	clone := &Item{
		id:      it.id,
		Payload: make(map[string]interface{}, len(it.Payload)),
		timings: make(map[string]time.Duration, len(it.timings)),
		Seq:     it.Seq,
	}
	for k, v := range it.Payload {
		clone.Payload[k] = v
	}
	for k, v := range it.timings {
		clone.timings[k] = v
	}
	clone.softErrors = append(clone.softErrors, it.softErrors...)
	clone.criticalErrors = append(clone.criticalErrors, it.criticalErrors...)
	return clone
}
