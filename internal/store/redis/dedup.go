package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Emmyhack/osem-sub002/internal/store"
)

const DefaultDedupPrefix = "oseme:dedup:"

const (
	claimPending = "pending"
	claimDone    = "done"
)

type DedupStore struct {
	cmd    commander
	prefix string
}

var _ store.DedupStore = (*DedupStore)(nil)

func newDedupStore(cmd commander, prefix string) *DedupStore {
	if prefix == "" {
		prefix = DefaultDedupPrefix
	}
	return &DedupStore{cmd: cmd, prefix: prefix}
}

// Claim sets key if absent. It reports false when another delivery already
// holds the claim.
func (s *DedupStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.cmd.SetNX(ctx, s.prefix+key, claimPending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Confirm marks key as handled for ttl, replacing the in-flight claim.
func (s *DedupStore) Confirm(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.cmd.Set(ctx, s.prefix+key, claimDone, ttl).Err(); err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	return nil
}

// Confirmed reports whether key was confirmed. A missing key or one still
// held by an in-flight delivery reports false.
func (s *DedupStore) Confirmed(ctx context.Context, key string) (bool, error) {
	v, err := s.cmd.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claim %s: %w", key, err)
	}
	return v == claimDone, nil
}

func (s *DedupStore) Release(ctx context.Context, key string) error {
	if err := s.cmd.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
