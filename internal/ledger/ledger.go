// Package ledger executes the atomic multi-row sale and offer transitions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"market-sync/internal/domain"
	"market-sync/internal/observability"
	"market-sync/internal/storage"
)

// Ledger runs offer and sale transitions against a Store.
type Ledger struct {
	store   storage.Store
	now     func() time.Time
	newID   func() string
	logger  *log.Logger
	metrics *observability.Metrics
}

// Option configures Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides offer and transaction id generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		l.newID = gen
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// New creates a Ledger over store.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// AcceptOffer transfers the asset to the offer's bidder.
// Preconditions: the offer exists, is PENDING and unexpired, and sellerAddress owns the asset.
// On success the offer is ACCEPTED, ownership moves, the listing is cleared, one Transaction
// row is written and every other PENDING offer on the asset is REJECTED, all in one commit.
// A refused call writes nothing.
func (l *Ledger) AcceptOffer(ctx context.Context, offerID, sellerAddress string) error {
	const op = "accept offer"
	err := l.acceptOffer(ctx, op, offerID, sellerAddress)
	l.metrics.RecordLedgerOp("accept_offer", err)
	return err
}

func (l *Ledger) acceptOffer(ctx context.Context, op, offerID, sellerAddress string) error {
	// Resolve the asset first so locks are taken asset-then-offer, the same order as reconciliation.
	peek, err := l.store.GetOffer(ctx, offerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return precondition(op, KindNotFound, "offer %s not found", offerID)
		}
		return fmt.Errorf("get offer: %w", err)
	}

	var refused error
	err = l.store.InTx(ctx, func(tx storage.Tx) error {
		asset, err := tx.LockAsset(ctx, storage.AssetRef{ID: peek.AssetID})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				refused = precondition(op, KindNotFound, "asset %s not found", peek.AssetID)
				return nil
			}
			return err
		}
		offer, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				refused = precondition(op, KindNotFound, "offer %s not found", offerID)
				return nil
			}
			return err
		}

		now := l.now()
		if offer.Status != domain.OfferPending {
			refused = precondition(op, KindInvalidState, "offer %s is %s", offerID, offer.Status)
			return nil
		}
		if offer.IsExpired(now) {
			refused = precondition(op, KindExpired, "offer %s expired at %s", offerID, offer.ExpiresAt.Format(time.RFC3339))
			return nil
		}
		if !domain.SameAddress(sellerAddress, asset.Owner) {
			refused = precondition(op, KindForbidden, "%s does not own asset %s", sellerAddress, asset.ID)
			return nil
		}

		return l.AcceptInTx(ctx, tx, asset, offer, nil, now)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return refused
}

// AcceptInTx performs the acceptance transition without precondition checks.
// asset must be locked by tx. chainRef may be nil.
func (l *Ledger) AcceptInTx(ctx context.Context, tx storage.Tx, asset *domain.Asset, offer *domain.Offer, chainRef *string, now time.Time) error {
	if err := tx.UpdateOfferStatus(ctx, offer.ID, domain.OfferAccepted, now); err != nil {
		return fmt.Errorf("mark offer accepted: %w", err)
	}

	seller := asset.Owner
	asset.Owner = offer.Bidder
	asset.ClearListing()
	asset.UpdatedAt = now
	if err := tx.UpdateAsset(ctx, asset); err != nil {
		return fmt.Errorf("transfer asset: %w", err)
	}

	if chainRef == nil {
		chainRef = offer.ExternalOrderID
	}
	sale := &domain.Transaction{
		ID:        l.newID(),
		AssetID:   asset.ID,
		Buyer:     offer.Bidder,
		Seller:    seller,
		Amount:    offer.Amount,
		Status:    domain.TransactionCompleted,
		ChainRef:  chainRef,
		CreatedAt: now,
	}
	if err := tx.InsertTransaction(ctx, sale); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	offers, err := tx.ListOffersByAsset(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("list competing offers: %w", err)
	}
	for _, other := range offers {
		if other.ID == offer.ID || other.Status != domain.OfferPending {
			continue
		}
		next := domain.OfferRejected
		if other.IsExpired(now) {
			next = domain.OfferExpired
		}
		if err := tx.UpdateOfferStatus(ctx, other.ID, next, now); err != nil {
			return fmt.Errorf("close competing offer %s: %w", other.ID, err)
		}
	}

	l.logger.Printf("offer %s accepted: asset %s %s -> %s for %s", offer.ID, asset.ID, seller, offer.Bidder, offer.Amount)
	return nil
}

// CompletePurchase settles a direct buy-now sale by removing the asset and every row referencing it.
// The amount must equal the listed price exactly.
func (l *Ledger) CompletePurchase(ctx context.Context, assetID, buyer, amount, externalOrderRef string) error {
	const op = "complete purchase"
	err := l.completePurchase(ctx, op, assetID, buyer, amount, externalOrderRef)
	l.metrics.RecordLedgerOp("complete_purchase", err)
	return err
}

func (l *Ledger) completePurchase(ctx context.Context, op, assetID, buyer, amount, externalOrderRef string) error {
	buyerAddr, err := domain.NormalizeAddress(buyer)
	if err != nil {
		return precondition(op, KindInvalidInput, "buyer: %v", err)
	}
	paid, err := domain.ParseDisplayAmount(amount)
	if err != nil {
		return precondition(op, KindInvalidInput, "amount: %v", err)
	}

	var refused error
	err = l.store.InTx(ctx, func(tx storage.Tx) error {
		asset, err := tx.LockAsset(ctx, storage.AssetRef{ID: assetID})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				refused = precondition(op, KindNotFound, "asset %s not found", assetID)
				return nil
			}
			return err
		}
		if !asset.ForSale {
			refused = precondition(op, KindInvalidState, "asset %s is not for sale", assetID)
			return nil
		}
		listed, ok := asset.ListedPrice()
		if !ok || !listed.Equal(paid) {
			refused = precondition(op, KindAmountMismatch, "amount %s does not match listed price %s", paid, listed)
			return nil
		}
		if domain.SameAddress(buyerAddr, asset.Owner) {
			refused = precondition(op, KindForbidden, "buyer already owns asset %s", assetID)
			return nil
		}

		return l.DeleteAssetInTx(ctx, tx, assetID)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if refused == nil {
		l.logger.Printf("asset %s purchased by %s for %s (ref=%q), removed from store", assetID, buyerAddr, paid, externalOrderRef)
	}
	return refused
}

// DeleteAssetInTx removes the asset and all dependent rows children-first.
// Any step failure is returned as *CascadeError; the caller's transaction must roll back.
func (l *Ledger) DeleteAssetInTx(ctx context.Context, tx storage.Tx, assetID string) error {
	steps := []struct {
		name string
		run  func(context.Context, string) (int64, error)
	}{
		{"messages", tx.DeleteMessagesByAsset},
		{"conversations", tx.DeleteConversationsByAsset},
		{"dns_records", tx.DeleteDNSRecordsByAsset},
		{"transactions", tx.DeleteTransactionsByAsset},
		{"offers", tx.DeleteOffersByAsset},
	}
	for _, step := range steps {
		if _, err := step.run(ctx, assetID); err != nil {
			return &CascadeError{AssetID: assetID, Step: step.name, Err: err}
		}
	}
	if err := tx.DeleteAsset(ctx, assetID); err != nil {
		return &CascadeError{AssetID: assetID, Step: "asset", Err: err}
	}
	return nil
}

// SettleOrderInTx applies an on-chain fill of the offer whose external order id is orderID.
// It reports false when no offer on the asset carries that order id.
// An offer that is already ACCEPTED is left as is; PENDING, EXPIRED and REJECTED
// offers are accepted since the chain already executed the order.
func (l *Ledger) SettleOrderInTx(ctx context.Context, tx storage.Tx, asset *domain.Asset, orderID string, chainRef *string, now time.Time) (bool, error) {
	offer, err := findByOrderID(ctx, tx, asset.ID, orderID)
	if err != nil || offer == nil {
		return false, err
	}
	switch offer.Status {
	case domain.OfferAccepted:
		return true, nil
	case domain.OfferPending, domain.OfferExpired, domain.OfferRejected:
		return true, l.AcceptInTx(ctx, tx, asset, offer, chainRef, now)
	}
	return false, nil
}

// ExpireOffersInTx moves PENDING offers of the asset to EXPIRED.
// With onlyStale set, offers that have not reached their expiry are kept.
func ExpireOffersInTx(ctx context.Context, tx storage.Tx, assetID string, onlyStale bool, now time.Time) (int, error) {
	offers, err := tx.ListOffersByAsset(ctx, assetID)
	if err != nil {
		return 0, fmt.Errorf("list offers: %w", err)
	}
	n := 0
	for _, o := range offers {
		if o.Status != domain.OfferPending {
			continue
		}
		if onlyStale && !o.IsExpired(now) {
			continue
		}
		if err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferExpired, now); err != nil {
			return n, fmt.Errorf("expire offer %s: %w", o.ID, err)
		}
		n++
	}
	return n, nil
}

// ExpireOfferInTx expires one offer of the asset, found by offer id or external order id.
// It reports false when no such offer exists. Non-PENDING offers are left unchanged.
func ExpireOfferInTx(ctx context.Context, tx storage.Tx, assetID, offerID, orderID string, now time.Time) (bool, error) {
	var (
		offer *domain.Offer
		err   error
	)
	if offerID != "" {
		offer, err = tx.LockOffer(ctx, offerID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && offer.AssetID != assetID) {
			offer, err = nil, nil
		}
	}
	if err == nil && offer == nil && orderID != "" {
		offer, err = findByOrderID(ctx, tx, assetID, orderID)
	}
	if err != nil || offer == nil {
		return false, err
	}
	if offer.Status == domain.OfferPending {
		if err := tx.UpdateOfferStatus(ctx, offer.ID, domain.OfferExpired, now); err != nil {
			return true, fmt.Errorf("expire offer %s: %w", offer.ID, err)
		}
	}
	return true, nil
}

func findByOrderID(ctx context.Context, tx storage.Tx, assetID, orderID string) (*domain.Offer, error) {
	if orderID == "" {
		return nil, nil
	}
	offers, err := tx.ListOffersByAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	for _, o := range offers {
		if o.ExternalOrderID != nil && *o.ExternalOrderID == orderID {
			return o, nil
		}
	}
	return nil, nil
}
