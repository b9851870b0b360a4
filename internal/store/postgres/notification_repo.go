package postgres

import (
	"context"
	"fmt"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

type NotificationRepo struct {
	db *DB
}

var _ store.NotificationRepository = (*NotificationRepo)(nil)

func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

func (r *NotificationRepo) Insert(ctx context.Context, n *model.Notification) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient, type, title, message, payload, signature, slot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signature, type, recipient) DO NOTHING
	`, n.ID, n.Recipient, string(n.Type), n.Title, n.Message, []byte(n.Payload),
		n.Signature, int64(n.Slot), n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification rows affected: %w", err)
	}
	return affected > 0, nil
}
