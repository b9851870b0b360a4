package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

type CursorRepo struct {
	db *DB
}

var _ store.CursorRepository = (*CursorRepo)(nil)

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, name string) (*model.ReconcileCursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		c    model.ReconcileCursor
		slot int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, last_synced_slot, updated_at
		FROM reconcile_cursors
		WHERE name = $1
	`, name).Scan(&c.Name, &slot, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reconcile cursor: %w", err)
	}
	c.LastSyncedSlot = uint64(slot)
	return &c, nil
}

// Advance stores slot unless a higher value is already recorded.
func (r *CursorRepo) Advance(ctx context.Context, name string, slot uint64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconcile_cursors (name, last_synced_slot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET
			last_synced_slot = GREATEST(reconcile_cursors.last_synced_slot, EXCLUDED.last_synced_slot),
			updated_at = now()
	`, name, int64(slot))
	if err != nil {
		return fmt.Errorf("advance reconcile cursor: %w", err)
	}
	return nil
}
