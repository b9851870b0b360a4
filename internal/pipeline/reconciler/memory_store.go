package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

// MemoryCursorStore keeps cursors in process. Used when no database is
// configured; a restart re-seeds from head.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]model.ReconcileCursor
}

var _ CursorStore = (*MemoryCursorStore)(nil)

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]model.ReconcileCursor)}
}

func (s *MemoryCursorStore) Get(_ context.Context, name string) (*model.ReconcileCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[name]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryCursorStore) Advance(_ context.Context, name string, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[name]
	if ok && c.LastSyncedSlot >= slot {
		return nil
	}
	s.cursors[name] = model.ReconcileCursor{Name: name, LastSyncedSlot: slot, UpdatedAt: time.Now().UTC()}
	return nil
}
