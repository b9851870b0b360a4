package model

import "time"

// DefaultCursorName keys the single reconciler cursor row.
const DefaultCursorName = "reconciler"

// ReconcileCursor records the last slot the reconciler fully delivered.
type ReconcileCursor struct {
	Name           string    `db:"name"`
	LastSyncedSlot uint64    `db:"last_synced_slot"`
	UpdatedAt      time.Time `db:"updated_at"`
}
