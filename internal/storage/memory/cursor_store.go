package memory

import (
	"context"
	"sync"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu    sync.RWMutex
	state *domain.SyncState
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{}
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// GetSyncState returns the persisted state.
func (s *CursorStore) GetSyncState(_ context.Context) (*domain.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, storage.ErrNotFound
	}

	stateCopy := *s.state
	return &stateCopy, nil
}

// AdvanceCursor raises the acknowledged event id. Lower values are ignored.
func (s *CursorStore) AdvanceCursor(_ context.Context, eventID int64) error {
	if eventID < 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure()
	if eventID > s.state.LastEventID {
		s.state.LastEventID = eventID
	}
	return nil
}

// RewindCursor sets the acknowledged event id unconditionally.
func (s *CursorStore) RewindCursor(_ context.Context, eventID int64) error {
	if eventID < 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure()
	s.state.LastEventID = eventID
	return nil
}

// MarkSynced records the completion time of a successful tick.
func (s *CursorStore) MarkSynced(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure()
	s.state.LastSyncAt = at
	return nil
}

// ensure must be called with mu held.
func (s *CursorStore) ensure() {
	if s.state == nil {
		s.state = &domain.SyncState{}
	}
}
