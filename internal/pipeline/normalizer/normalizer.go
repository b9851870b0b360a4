package normalizer

import (
	"time"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/logparser"
)

// Normalizer stamps parsed events with their transaction coordinates.
type Normalizer struct {
	nowFn func() time.Time
}

type Option func(*Normalizer)

// WithClock overrides the wall clock used for ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.nowFn = now
		}
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{nowFn: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize builds the envelope for ev. ObservedAt is the time of
// normalization; log text carries no block time.
func (n *Normalizer) Normalize(ev event.DomainEvent, signature string, slot uint64) event.EventEnvelope {
	return event.EventEnvelope{
		Event:      ev,
		Signature:  signature,
		Slot:       slot,
		ObservedAt: n.nowFn().UTC(),
	}
}

// NormalizeBatch parses every log line of batch and normalizes the events
// in line order. Failed transactions produce nothing.
func (n *Normalizer) NormalizeBatch(batch event.RawLogBatch) []event.EventEnvelope {
	if batch.Failed {
		return nil
	}
	events := logparser.ParseBatch(batch.ProgramLabel, batch.LogLines)
	if len(events) == 0 {
		return nil
	}

	out := make([]event.EventEnvelope, 0, len(events))
	for _, ev := range events {
		env := n.Normalize(ev, batch.Signature, batch.Slot)
		env.ProgramID = batch.ProgramID
		env.Source = batch.Source
		out = append(out, env)
	}
	return out
}
