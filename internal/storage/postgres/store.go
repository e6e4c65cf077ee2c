package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

// NewStore creates a new Store.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*pgTx)(nil)
)

// InTx runs fn inside a READ COMMITTED transaction.
// The deferred rollback also fires when fn panics.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetAsset retrieves an asset by reference. Returns ErrNotFound if not exists.
func (s *Store) GetAsset(ctx context.Context, ref storage.AssetRef) (*domain.Asset, error) {
	return getAsset(ctx, s.pool, ref, false)
}

// GetOffer retrieves an offer by id. Returns ErrNotFound if not exists.
func (s *Store) GetOffer(ctx context.Context, offerID string) (*domain.Offer, error) {
	return getOffer(ctx, s.pool, offerID, false)
}

// ListOffers retrieves all offers for an asset, ordered by created_at ASC.
func (s *Store) ListOffers(ctx context.Context, assetID string) ([]*domain.Offer, error) {
	return listOffers(ctx, s.pool, assetID)
}

// ListTransactions retrieves all sale records for an asset, ordered by created_at ASC.
func (s *Store) ListTransactions(ctx context.Context, assetID string) ([]*domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, asset_id, buyer, seller, amount, status, chain_ref, created_at
		FROM transactions
		WHERE asset_id = $1
		ORDER BY created_at ASC, id ASC
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.AssetID, &t.Buyer, &t.Seller, &t.Amount, &t.Status, &t.ChainRef, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

// CountDependents counts rows referencing the asset id.
func (s *Store) CountDependents(ctx context.Context, assetID string) (storage.Dependents, error) {
	var d storage.Dependents
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM offers WHERE asset_id = $1),
			(SELECT COUNT(*) FROM transactions WHERE asset_id = $1),
			(SELECT COUNT(*) FROM dns_records WHERE asset_id = $1),
			(SELECT COUNT(*) FROM conversations WHERE asset_id = $1),
			(SELECT COUNT(*) FROM messages m
				JOIN conversations c ON c.id = m.conversation_id
				WHERE c.asset_id = $1)
	`, assetID).Scan(&d.Offers, &d.Transactions, &d.DNSRecords, &d.Conversations, &d.Messages)
	if err != nil {
		return storage.Dependents{}, fmt.Errorf("count dependents: %w", err)
	}
	return d, nil
}

// pgTx implements storage.Tx on an open pgx transaction.
type pgTx struct {
	q querier
}

func (x *pgTx) LockAsset(ctx context.Context, ref storage.AssetRef) (*domain.Asset, error) {
	return getAsset(ctx, x.q, ref, true)
}

func (x *pgTx) InsertAsset(ctx context.Context, a *domain.Asset) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO assets (
			id, name, owner, for_sale, price, buy_now_price, active, last_event_id, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
	`, a.ID, a.Name, a.Owner, a.ForSale, priceText(a.Price), a.BuyNowPrice, a.Active, a.LastEventID, updatedAt(a.UpdatedAt))
	return mapWriteError("insert asset", err)
}

func (x *pgTx) UpdateAsset(ctx context.Context, a *domain.Asset) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	tag, err := x.q.Exec(ctx, `
		UPDATE assets
		SET name = $2,
		    owner = $3,
		    for_sale = $4,
		    price = $5::numeric,
		    buy_now_price = $6,
		    active = $7,
		    last_event_id = $8,
		    updated_at = $9
		WHERE id = $1
	`, a.ID, a.Name, a.Owner, a.ForSale, priceText(a.Price), a.BuyNowPrice, a.Active, a.LastEventID, updatedAt(a.UpdatedAt))
	if err != nil {
		return mapWriteError("update asset", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (x *pgTx) DeleteAsset(ctx context.Context, assetID string) error {
	tag, err := x.q.Exec(ctx, `DELETE FROM assets WHERE id = $1`, assetID)
	if err != nil {
		return mapWriteError("delete asset", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (x *pgTx) LockOffer(ctx context.Context, offerID string) (*domain.Offer, error) {
	return getOffer(ctx, x.q, offerID, true)
}

func (x *pgTx) ListOffersByAsset(ctx context.Context, assetID string) ([]*domain.Offer, error) {
	return listOffers(ctx, x.q, assetID)
}

func (x *pgTx) InsertOffer(ctx context.Context, o *domain.Offer) error {
	if o == nil || o.ID == "" || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO offers (
			id, asset_id, bidder, amount, status, expires_at, external_order_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.ID, o.AssetID, o.Bidder, o.Amount, string(o.Status), nullTime(o.ExpiresAt), o.ExternalOrderID,
		updatedAt(o.CreatedAt), updatedAt(o.UpdatedAt))
	return mapWriteError("insert offer", err)
}

func (x *pgTx) UpdateOfferStatus(ctx context.Context, offerID string, status domain.OfferStatus, at time.Time) error {
	if !status.IsValid() {
		return storage.ErrInvalidInput
	}
	tag, err := x.q.Exec(ctx, `
		UPDATE offers SET status = $2, updated_at = $3 WHERE id = $1
	`, offerID, string(status), updatedAt(at))
	if err != nil {
		return mapWriteError("update offer status", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (x *pgTx) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO transactions (id, asset_id, buyer, seller, amount, status, chain_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.AssetID, t.Buyer, t.Seller, t.Amount, t.Status, t.ChainRef, updatedAt(t.CreatedAt))
	return mapWriteError("insert transaction", err)
}

func (x *pgTx) InsertDNSRecord(ctx context.Context, r *domain.DNSRecord) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO dns_records (id, asset_id, type, host, value) VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.AssetID, r.Type, r.Host, r.Value)
	return mapWriteError("insert dns record", err)
}

func (x *pgTx) InsertConversation(ctx context.Context, c *domain.Conversation) error {
	if c == nil || c.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO conversations (id, asset_id, buyer, seller, created_at) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.AssetID, c.Buyer, c.Seller, updatedAt(c.CreatedAt))
	return mapWriteError("insert conversation", err)
}

func (x *pgTx) InsertMessage(ctx context.Context, m *domain.Message) error {
	if m == nil || m.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := x.q.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender, body, created_at) VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.ConversationID, m.Sender, m.Body, updatedAt(m.CreatedAt))
	return mapWriteError("insert message", err)
}

func (x *pgTx) DeleteMessagesByAsset(ctx context.Context, assetID string) (int64, error) {
	return x.deleteRows(ctx, "delete messages", `
		DELETE FROM messages
		WHERE conversation_id IN (SELECT id FROM conversations WHERE asset_id = $1)
	`, assetID)
}

func (x *pgTx) DeleteConversationsByAsset(ctx context.Context, assetID string) (int64, error) {
	return x.deleteRows(ctx, "delete conversations", `DELETE FROM conversations WHERE asset_id = $1`, assetID)
}

func (x *pgTx) DeleteDNSRecordsByAsset(ctx context.Context, assetID string) (int64, error) {
	return x.deleteRows(ctx, "delete dns records", `DELETE FROM dns_records WHERE asset_id = $1`, assetID)
}

func (x *pgTx) DeleteTransactionsByAsset(ctx context.Context, assetID string) (int64, error) {
	return x.deleteRows(ctx, "delete transactions", `DELETE FROM transactions WHERE asset_id = $1`, assetID)
}

func (x *pgTx) DeleteOffersByAsset(ctx context.Context, assetID string) (int64, error) {
	return x.deleteRows(ctx, "delete offers", `DELETE FROM offers WHERE asset_id = $1`, assetID)
}

func (x *pgTx) deleteRows(ctx context.Context, op, query, assetID string) (int64, error) {
	tag, err := x.q.Exec(ctx, query, assetID)
	if err != nil {
		return 0, mapWriteError(op, err)
	}
	return tag.RowsAffected(), nil
}

const assetColumns = `id, name, owner, for_sale, price::text, buy_now_price, active, last_event_id, updated_at`

func getAsset(ctx context.Context, q querier, ref storage.AssetRef, lock bool) (*domain.Asset, error) {
	var (
		query string
		arg   string
	)
	switch {
	case ref.ID != "":
		query, arg = `SELECT `+assetColumns+` FROM assets WHERE id = $1`, ref.ID
	case ref.Name != "":
		query, arg = `SELECT `+assetColumns+` FROM assets WHERE LOWER(name) = LOWER($1)`, ref.Name
	default:
		return nil, storage.ErrInvalidInput
	}
	if lock {
		query += ` FOR UPDATE`
	}

	a, err := scanAsset(q.QueryRow(ctx, query, arg))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

func scanAsset(row pgx.Row) (*domain.Asset, error) {
	var (
		a     domain.Asset
		price *string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Owner, &a.ForSale, &price, &a.BuyNowPrice, &a.Active, &a.LastEventID, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if price != nil {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", *price, err)
		}
		a.Price = &d
	}
	return &a, nil
}

const offerColumns = `id, asset_id, bidder, amount, status, expires_at, external_order_id, created_at, updated_at`

func getOffer(ctx context.Context, q querier, offerID string, lock bool) (*domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(q.QueryRow(ctx, query, offerID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func listOffers(ctx context.Context, q querier, assetID string) ([]*domain.Offer, error) {
	rows, err := q.Query(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE asset_id = $1
		ORDER BY created_at ASC, id ASC
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var result []*domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanOffer(row pgx.Row) (*domain.Offer, error) {
	var (
		o         domain.Offer
		status    string
		expiresAt *time.Time
	)
	if err := row.Scan(&o.ID, &o.AssetID, &o.Bidder, &o.Amount, &status, &expiresAt, &o.ExternalOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = domain.OfferStatus(status)
	o.ExpiresAt = timeOrZero(expiresAt)
	return &o, nil
}

func priceText(p *decimal.Decimal) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

// updatedAt defaults a zero timestamp to now.
func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
