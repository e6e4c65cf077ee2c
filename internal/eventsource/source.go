package eventsource

import (
	"context"

	"market-sync/internal/domain"
)

// Source defines the cursor-based poll/acknowledge/reset protocol of the upstream event service.
// Implementations perform no retries; retry policy belongs to the caller.
type Source interface {
	// Poll returns events above the remote cursor in ascending id order.
	// A nil or empty types slice requests every type.
	Poll(ctx context.Context, types []domain.EventType, limit int, finalizedOnly bool) (*PollResult, error)

	// Acknowledge advances the remote cursor past eventID.
	// Acknowledging an id at or below the cursor is a no-op success.
	Acknowledge(ctx context.Context, eventID int64) error

	// Reset rewinds the remote cursor to eventID. Administrative recovery only.
	Reset(ctx context.Context, eventID int64) error
}

// PollResult is one page of the event stream.
type PollResult struct {
	Events  []domain.Event
	HasMore bool
}
