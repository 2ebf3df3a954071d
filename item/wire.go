package item

import "time"

// Snapshot is the gob-serializable representation of an Item. It exists
// because Item's id, timings and error slices are unexported: crossing
// an os/exec process boundary (the isolated worker strategy) needs an
// exported shape to encode, not the live value itself.
//
// Payload values must themselves be gob-encodable; concrete types other
// than the predeclared ones (numbers, strings, bools, slices, maps of
// the same) must be registered with gob.Register by the caller before
// the first item carrying one crosses the boundary.
type Snapshot struct {
	ID             string
	Payload        map[string]interface{}
	Timings        map[string]time.Duration
	SoftErrors     []ErrorSnapshot
	CriticalErrors []ErrorSnapshot
	Seq            uint64
}

// ErrorSnapshot is the gob-serializable representation of an Error. The
// wrapped Err value does not survive the trip, only its message: an
// arbitrary error's concrete type is not known to gob on the other end.
type ErrorSnapshot struct {
	Kind    Kind
	Stage   string
	Message string
	At      time.Time
}

// ToSnapshot converts it to its wire representation.
func (it *Item) ToSnapshot() Snapshot {
	return Snapshot{
		ID:             it.id,
		Payload:        it.Payload,
		Timings:        it.timings,
		SoftErrors:     toErrorSnapshots(it.softErrors),
		CriticalErrors: toErrorSnapshots(it.criticalErrors),
		Seq:            it.Seq,
	}
}

func toErrorSnapshots(errs []*Error) []ErrorSnapshot {
	if len(errs) == 0 {
		return nil
	}
	out := make([]ErrorSnapshot, len(errs))
	for i, e := range errs {
		out[i] = ErrorSnapshot{Kind: e.Kind, Stage: e.Stage, Message: e.Message, At: e.At}
	}
	return out
}

// FromSnapshot reconstructs an Item from its wire representation.
func FromSnapshot(s Snapshot) *Item {
	it := &Item{
		id:      s.ID,
		Payload: s.Payload,
		timings: s.Timings,
		Seq:     s.Seq,
	}
	if it.Payload == nil {
		it.Payload = make(map[string]interface{})
	}
	if it.timings == nil {
		it.timings = make(map[string]time.Duration)
	}
	for _, es := range s.SoftErrors {
		it.softErrors = append(it.softErrors, &Error{Kind: es.Kind, Stage: es.Stage, Message: es.Message, At: es.At})
	}
	for _, es := range s.CriticalErrors {
		it.criticalErrors = append(it.criticalErrors, &Error{Kind: es.Kind, Stage: es.Stage, Message: es.Message, At: es.At})
	}
	return it
}
