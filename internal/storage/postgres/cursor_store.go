package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
// State lives in a single sync_state row with id = 1.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new PostgreSQL cursor store.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// GetSyncState returns the persisted state.
func (s *CursorStore) GetSyncState(ctx context.Context) (*domain.SyncState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_id, last_sync_at
		FROM sync_state
		WHERE id = 1
	`)

	var (
		state    domain.SyncState
		lastSync *time.Time
	)
	if err := row.Scan(&state.LastEventID, &lastSync); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	state.LastSyncAt = timeOrZero(lastSync)

	return &state, nil
}

// AdvanceCursor raises the acknowledged event id. Lower values are ignored.
func (s *CursorStore) AdvanceCursor(ctx context.Context, eventID int64) error {
	if eventID < 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (id, last_event_id, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_event_id = GREATEST(sync_state.last_event_id, EXCLUDED.last_event_id),
		    updated_at = NOW()
	`, eventID)

	return err
}

// RewindCursor sets the acknowledged event id unconditionally.
func (s *CursorStore) RewindCursor(ctx context.Context, eventID int64) error {
	if eventID < 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (id, last_event_id, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_event_id = EXCLUDED.last_event_id,
		    updated_at = NOW()
	`, eventID)

	return err
}

// MarkSynced records the completion time of a successful tick.
func (s *CursorStore) MarkSynced(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (id, last_sync_at, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_sync_at = EXCLUDED.last_sync_at,
		    updated_at = NOW()
	`, at)

	return err
}
