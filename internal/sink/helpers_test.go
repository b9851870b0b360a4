package sink

import (
	"encoding/json"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

func envelope(kind event.Kind, payload map[string]any) event.EventEnvelope {
	return event.EventEnvelope{
		Event: event.DomainEvent{
			Kind:         kind,
			Payload:      payload,
			ProgramLabel: "group",
			LogIndex:     2,
		},
		Signature:  "5h3sig",
		Slot:       245_678_901,
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ProgramID:  "11111111111111111111111111111111",
		Source:     event.SourceStream,
	}
}

func contribution() event.EventEnvelope {
	return envelope(event.KindContributionMade, map[string]any{
		"group":       "GrpPda111",
		"contributor": "Alice111",
		"amount":      json.Number("2500000"),
	})
}
