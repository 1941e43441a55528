package storage

import (
	"context"
	"sync"

	"limitwatch/internal/monitor"
)

// memStore keeps baselines in a plain map. Used when persistence is disabled
// and as the backing model for tests.
type memStore struct {
	mu    sync.RWMutex
	snaps map[string]monitor.Snapshot
}

func NewMemory() Store {
	return &memStore{snaps: map[string]monitor.Snapshot{}}
}

func (s *memStore) GetSnapshot(ctx context.Context, id string) (monitor.Snapshot, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id]
	return snap, ok, nil
}

func (s *memStore) PutSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	_ = ctx
	s.mu.Lock()
	s.snaps[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
