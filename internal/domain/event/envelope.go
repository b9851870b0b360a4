package event

import (
	"time"
)

// EventEnvelope is the sink-ready form of a DomainEvent.
type EventEnvelope struct {
	Event      DomainEvent
	Signature  string
	Slot       uint64
	ObservedAt time.Time
	ProgramID  string
	Source     Source
}

// Kind is a shorthand for Event.Kind.
func (e EventEnvelope) Kind() Kind {
	return e.Event.Kind
}

// DedupKey identifies the occurrence for duplicate suppression.
// A transaction may emit several events, but never two of the same kind
// that a recipient should be told about twice.
func (e EventEnvelope) DedupKey() string {
	return e.Signature + ":" + string(e.Event.Kind)
}
