package store

import (
	"context"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// EventRepository persists delivered envelopes. Insert reports false when the
// (signature, kind, log_index) row already existed.
type EventRepository interface {
	Insert(ctx context.Context, rec *model.EventRecord) (bool, error)
	CountBySignature(ctx context.Context, signature string) (int, error)
}

// CursorRepository stores the reconcile cursor. Advance never lowers it.
type CursorRepository interface {
	Get(ctx context.Context, name string) (*model.ReconcileCursor, error)
	Advance(ctx context.Context, name string, slot uint64) error
}

// NotificationRepository persists user notifications. Insert reports false
// when the same (signature, type, recipient) notification already exists.
type NotificationRepository interface {
	Insert(ctx context.Context, n *model.Notification) (bool, error)
}

// DedupStore holds short-lived claims on dedup keys shared across processes.
// A claim is in flight until Confirm marks it done.
type DedupStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Confirm(ctx context.Context, key string, ttl time.Duration) error
	Confirmed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// NotificationPublisher broadcasts notifications to live subscribers.
type NotificationPublisher interface {
	Publish(ctx context.Context, n *model.Notification) error
}
