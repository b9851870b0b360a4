package event

// DomainEvent is one parsed program event. Payload is the decoded JSON object
// that followed the event marker; numbers are kept as json.Number.
type DomainEvent struct {
	Kind         Kind
	Payload      map[string]any
	ProgramLabel string
	// LogIndex is the position of the originating line within its batch.
	LogIndex int
}
