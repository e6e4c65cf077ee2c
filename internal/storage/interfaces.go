package storage

import (
	"context"
	"strings"
	"time"

	"market-sync/internal/domain"
)

// AssetRef identifies an asset by token id or, when ID is empty, by name.
type AssetRef struct {
	ID   string
	Name string
}

// Key returns the grouping key of the reference: the id when present, else the lower-cased name.
func (r AssetRef) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return strings.ToLower(r.Name)
}

// IsZero reports whether the reference names nothing.
func (r AssetRef) IsZero() bool {
	return r.ID == "" && r.Name == ""
}

// Dependents counts rows that reference one asset.
type Dependents struct {
	Offers        int
	Transactions  int
	DNSRecords    int
	Conversations int
	Messages      int
}

// Total returns the number of referencing rows.
func (d Dependents) Total() int {
	return d.Offers + d.Transactions + d.DNSRecords + d.Conversations + d.Messages
}

// Reader provides non-locking reads outside a transaction.
type Reader interface {
	// GetAsset retrieves an asset by reference. Returns ErrNotFound if not exists.
	GetAsset(ctx context.Context, ref AssetRef) (*domain.Asset, error)

	// GetOffer retrieves an offer by id. Returns ErrNotFound if not exists.
	GetOffer(ctx context.Context, offerID string) (*domain.Offer, error)

	// ListOffers retrieves all offers for an asset, ordered by created_at ASC.
	ListOffers(ctx context.Context, assetID string) ([]*domain.Offer, error)

	// ListTransactions retrieves all sale records for an asset, ordered by created_at ASC.
	ListTransactions(ctx context.Context, assetID string) ([]*domain.Transaction, error)

	// CountDependents counts rows referencing the asset id.
	CountDependents(ctx context.Context, assetID string) (Dependents, error)
}

// Tx is the set of operations available inside one atomic unit.
// Every write made through a Tx commits or rolls back together.
type Tx interface {
	// LockAsset reads an asset and holds a row lock until the transaction ends.
	// Returns ErrNotFound if not exists.
	LockAsset(ctx context.Context, ref AssetRef) (*domain.Asset, error)

	// InsertAsset adds a new asset. Returns ErrDuplicateKey if id or name exists.
	InsertAsset(ctx context.Context, a *domain.Asset) error

	// UpdateAsset overwrites the mutable columns of an existing asset.
	UpdateAsset(ctx context.Context, a *domain.Asset) error

	// DeleteAsset removes an asset row. Returns ErrConflict while dependents remain.
	DeleteAsset(ctx context.Context, assetID string) error

	// LockOffer reads an offer and holds a row lock. Returns ErrNotFound if not exists.
	LockOffer(ctx context.Context, offerID string) (*domain.Offer, error)

	// ListOffersByAsset retrieves all offers for an asset, ordered by created_at ASC.
	ListOffersByAsset(ctx context.Context, assetID string) ([]*domain.Offer, error)

	// InsertOffer adds an offer. Returns ErrDuplicateKey when the bidder already
	// holds a PENDING offer on the asset.
	InsertOffer(ctx context.Context, o *domain.Offer) error

	// UpdateOfferStatus sets an offer's status.
	UpdateOfferStatus(ctx context.Context, offerID string, status domain.OfferStatus, at time.Time) error

	// InsertTransaction appends a sale record.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error

	// InsertDNSRecord, InsertConversation and InsertMessage add asset-dependent rows.
	InsertDNSRecord(ctx context.Context, r *domain.DNSRecord) error
	InsertConversation(ctx context.Context, c *domain.Conversation) error
	InsertMessage(ctx context.Context, m *domain.Message) error

	// Delete*ByAsset remove rows that reference the asset, returning the count removed.
	DeleteMessagesByAsset(ctx context.Context, assetID string) (int64, error)
	DeleteConversationsByAsset(ctx context.Context, assetID string) (int64, error)
	DeleteDNSRecordsByAsset(ctx context.Context, assetID string) (int64, error)
	DeleteTransactionsByAsset(ctx context.Context, assetID string) (int64, error)
	DeleteOffersByAsset(ctx context.Context, assetID string) (int64, error)
}

// Store is the local relational store.
type Store interface {
	Reader

	// InTx runs fn inside a single transaction with at least read-committed isolation.
	// A non-nil error from fn (or a panic) rolls back every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// CursorStore persists the scheduler position.
// This enables resumption and throttling across restarts.
type CursorStore interface {
	// GetSyncState returns the persisted state.
	// Returns ErrNotFound if nothing has been saved yet.
	GetSyncState(ctx context.Context) (*domain.SyncState, error)

	// AdvanceCursor raises the acknowledged event id. Lower values are ignored.
	AdvanceCursor(ctx context.Context, eventID int64) error

	// RewindCursor sets the acknowledged event id unconditionally.
	// Only the administrative reset path calls this.
	RewindCursor(ctx context.Context, eventID int64) error

	// MarkSynced records the completion time of a successful tick.
	MarkSynced(ctx context.Context, at time.Time) error
}

// AuditLog is an append-only record of sync activity.
type AuditLog interface {
	// RecordRun appends one scheduler tick.
	RecordRun(ctx context.Context, run *domain.SyncRun) error

	// RecordEvents appends per-event outcomes.
	RecordEvents(ctx context.Context, records []*domain.EventRecord) error
}
