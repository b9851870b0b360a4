package event

// Source tells whether a batch came from the live stream or a reconcile pass.
type Source string

const (
	SourceStream    Source = "stream"
	SourceReconcile Source = "reconcile"
)

// RawLogBatch is the log output of one transaction for one program.
type RawLogBatch struct {
	ProgramID    string
	ProgramLabel string
	Signature    string
	Slot         uint64
	LogLines     []string
	Source       Source
	// Failed is set when the transaction carried an error; its events never committed.
	Failed bool
}
