package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

// StoreSink indexes every envelope into the event repository. Re-inserting
// an already indexed occurrence is a no-op.
type StoreSink struct {
	repo    store.EventRepository
	schemas *SchemaValidator
	logger  *slog.Logger
}

// NewStoreSink builds a store sink. schemas may be nil to skip shape checks.
func NewStoreSink(repo store.EventRepository, schemas *SchemaValidator, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{
		repo:    repo,
		schemas: schemas,
		logger:  logger.With("component", "sink.store"),
	}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	if s.schemas != nil {
		if err := s.schemas.Validate(env.Kind(), env.Event.Payload); err != nil {
			metrics.PayloadSchemaViolations.WithLabelValues(env.Kind().String()).Inc()
			s.logger.Warn("payload does not match schema",
				"kind", env.Kind(),
				"signature", env.Signature,
				"error", err,
			)
		}
	}

	rec, err := newEventRecord(env)
	if err != nil {
		return err
	}
	inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("index %s %s: %w", env.Kind(), env.Signature, err)
	}
	if !inserted {
		s.logger.Debug("event already indexed", "kind", env.Kind(), "signature", env.Signature)
	}
	return nil
}

func newEventRecord(env event.EventEnvelope) (*model.EventRecord, error) {
	raw, digest, err := encodePayload(env.Event.Payload)
	if err != nil {
		return nil, err
	}
	return &model.EventRecord{
		ProgramID:     env.ProgramID,
		ProgramLabel:  env.Event.ProgramLabel,
		Signature:     env.Signature,
		Kind:          env.Kind().String(),
		LogIndex:      env.Event.LogIndex,
		Slot:          env.Slot,
		Payload:       raw,
		PayloadDigest: digest,
		Source:        string(env.Source),
		ObservedAt:    env.ObservedAt.UTC(),
	}, nil
}
