package postgres

import (
	"context"
	"fmt"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

type EventRepo struct {
	db *DB
}

var _ store.EventRepository = (*EventRepo)(nil)

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert writes rec unless the same (signature, kind, log_index) row exists.
func (r *EventRepo) Insert(ctx context.Context, rec *model.EventRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO program_events (
			program_id, program_label, signature, kind, log_index, slot,
			payload, payload_digest, source, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature, kind, log_index) DO NOTHING
	`, rec.ProgramID, rec.ProgramLabel, rec.Signature, rec.Kind, rec.LogIndex, int64(rec.Slot),
		[]byte(rec.Payload), rec.PayloadDigest, rec.Source, rec.ObservedAt)
	if err != nil {
		return false, fmt.Errorf("insert program event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert program event rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *EventRepo) CountBySignature(ctx context.Context, signature string) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM program_events WHERE signature = $1`, signature,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count program events: %w", err)
	}
	return n, nil
}
