package cache

import (
	"context"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/metrics"
)

// DedupSet is an in-process claim set keyed by dedup key. It backs
// notification dedup when no shared store is configured. Claims are lost on
// restart, and a full set drops its least recent claim. The stored value is
// true once the claim is confirmed.
type DedupSet struct {
	lru *LRU[string, bool]
}

func NewDedupSet(capacity int, ttl time.Duration) *DedupSet {
	lru := NewLRU[string, bool](capacity, ttl)
	lru.OnEvict(func(_ string, _ bool, expired bool) {
		if !expired {
			metrics.DedupClaimsEvicted.Inc()
		}
	})
	return &DedupSet{lru: lru}
}

// Claim reports true the first time key is seen within ttl. A non-positive
// ttl uses the set's default.
func (d *DedupSet) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return d.lru.PutIfAbsent(key, false, ttl), nil
}

func (d *DedupSet) Confirm(_ context.Context, key string, ttl time.Duration) error {
	d.lru.PutWithTTL(key, true, ttl)
	return nil
}

func (d *DedupSet) Confirmed(_ context.Context, key string) (bool, error) {
	done, ok := d.lru.Get(key)
	return ok && done, nil
}

func (d *DedupSet) Release(_ context.Context, key string) error {
	d.lru.Delete(key)
	return nil
}

func (d *DedupSet) Len() int {
	return d.lru.Len()
}
