package reconcile

import (
	"errors"
	"fmt"

	"market-sync/internal/domain"
)

var (
	// ErrMissingAssetRef is returned for an event whose payload names no asset.
	ErrMissingAssetRef = errors.New("event has neither tokenId nor name")

	// ErrUntrackedAsset is returned when the referenced asset is not in the local store.
	ErrUntrackedAsset = errors.New("asset not tracked locally")
)

// ReconcileError reports an event that could not be applied.
// The event stays unacknowledged and is redelivered by the next poll.
type ReconcileError struct {
	EventID   int64
	EventType domain.EventType
	Err       error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile event %d (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
