package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
	"github.com/Emmyhack/osem-sub002/internal/store"
)

const (
	DefaultDedupTTL = 24 * time.Hour
	releaseTimeout  = 2 * time.Second
)

// ErrClaimInFlight means another delivery of the same occurrence holds the
// claim and has not finished. Callers retry until it confirms or releases.
var ErrClaimInFlight = errors.New("notification claim held by an in-flight delivery")

type NotifierOption func(*NotifierSink)

func WithNotificationRepository(repo store.NotificationRepository) NotifierOption {
	return func(s *NotifierSink) { s.repo = repo }
}

func WithPublisher(p store.NotificationPublisher) NotifierOption {
	return func(s *NotifierSink) { s.publisher = p }
}

func WithDedupTTL(ttl time.Duration) NotifierOption {
	return func(s *NotifierSink) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithNotifierLogger(logger *slog.Logger) NotifierOption {
	return func(s *NotifierSink) { s.logger = logger }
}

func withNotifierClock(now func() time.Time) NotifierOption {
	return func(s *NotifierSink) { s.now = now }
}

// NotifierSink turns envelopes into user notifications. Each occurrence
// (signature and kind) produces at most one notification, whichever path
// delivers it first.
type NotifierSink struct {
	dedup     store.DedupStore
	repo      store.NotificationRepository
	publisher store.NotificationPublisher
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewNotifierSink(dedup store.DedupStore, opts ...NotifierOption) *NotifierSink {
	s := &NotifierSink{
		dedup:  dedup,
		ttl:    DefaultDedupTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sink.notifier")
	return s
}

func (s *NotifierSink) Name() string { return "notifier" }

func (s *NotifierSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	tmpl, ok := templates[env.Kind()]
	if !ok {
		return nil
	}
	recipient := recipientOf(env.Event.Payload)
	if recipient == "" {
		s.logger.Debug("no recipient in payload", "kind", env.Kind(), "signature", env.Signature)
		return nil
	}

	key := env.DedupKey()
	claimed, err := s.dedup.Claim(ctx, key, s.ttl)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		done, err := s.dedup.Confirmed(ctx, key)
		if err != nil {
			return fmt.Errorf("check claim %s: %w", key, err)
		}
		if !done {
			return retry.Transient(fmt.Errorf("%s: %w", key, ErrClaimInFlight))
		}
		metrics.NotificationsDeduplicated.Inc()
		return nil
	}

	n, err := s.build(env, tmpl, recipient)
	if err == nil {
		err = s.emit(ctx, n)
	}
	if err != nil {
		s.release(ctx, key)
		return err
	}
	if err := s.dedup.Confirm(ctx, key, s.ttl); err != nil {
		s.logger.Warn("confirm dedup claim failed", "key", key, "error", err)
	}
	return nil
}

func (s *NotifierSink) build(env event.EventEnvelope, tmpl notificationTemplate, recipient string) (*model.Notification, error) {
	raw, _, err := encodePayload(env.Event.Payload)
	if err != nil {
		return nil, err
	}
	return &model.Notification{
		ID:        uuid.New(),
		Recipient: recipient,
		Type:      tmpl.Type,
		Title:     tmpl.Title,
		Message:   tmpl.Message(env.Event.Payload),
		Payload:   raw,
		Signature: env.Signature,
		Slot:      env.Slot,
		CreatedAt: s.now().UTC(),
	}, nil
}

func (s *NotifierSink) emit(ctx context.Context, n *model.Notification) error {
	if s.repo != nil {
		inserted, err := s.repo.Insert(ctx, n)
		if err != nil {
			return fmt.Errorf("persist notification: %w", err)
		}
		if !inserted {
			metrics.NotificationsDeduplicated.Inc()
			return nil
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, n); err != nil {
			return fmt.Errorf("publish notification: %w", err)
		}
	}
	s.logger.Info("notification created",
		"type", n.Type,
		"recipient", n.Recipient,
		"signature", n.Signature,
	)
	return nil
}

// release drops the claim so a later delivery can retry. It runs detached
// from ctx, which may already be expired.
func (s *NotifierSink) release(ctx context.Context, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.dedup.Release(rctx, key); err != nil {
		s.logger.Warn("release dedup claim failed", "key", key, "error", err)
	}
}
