// Package reconcile applies routed events to the local store, one transaction per event.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"market-sync/internal/domain"
	"market-sync/internal/ledger"
	"market-sync/internal/routing"
	"market-sync/internal/storage"
)

// Reconciler applies events to the store.
type Reconciler struct {
	store           storage.Store
	router          *routing.Router
	ledger          *ledger.Ledger
	now             func() time.Time
	logger          *log.Logger
	ignoreUntracked bool
}

// Option configures Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithIgnoreUntrackedAssets treats events for unknown assets as applied instead of failing them.
func WithIgnoreUntrackedAssets(ignore bool) Option {
	return func(r *Reconciler) {
		r.ignoreUntracked = ignore
	}
}

// New creates a Reconciler.
func New(store storage.Store, router *routing.Router, l *ledger.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		router: router,
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles one event in a single transaction and returns its outcome:
// domain.EventOutcomeApplied, EventOutcomeDuplicate or EventOutcomeIgnored.
// Failures are returned as *ReconcileError and leave the store unchanged.
func (r *Reconciler) Apply(ctx context.Context, event domain.Event) (string, error) {
	m := r.router.Route(event)
	if m.Kind == routing.KindNoOp {
		return domain.EventOutcomeIgnored, nil
	}
	if m.Asset.IsZero() {
		return "", &ReconcileError{EventID: event.ID, EventType: event.Type, Err: ErrMissingAssetRef}
	}

	outcome := domain.EventOutcomeApplied
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		asset, err := tx.LockAsset(ctx, m.Asset)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			switch {
			case m.Kind == routing.KindPurchase:
				// Already removed by an earlier delivery of this sale.
				outcome = domain.EventOutcomeDuplicate
				return nil
			case r.ignoreUntracked:
				outcome = domain.EventOutcomeIgnored
				return nil
			}
			return fmt.Errorf("%w: %s", ErrUntrackedAsset, m.Asset.Key())
		}

		if event.ID <= asset.LastEventID {
			outcome = domain.EventOutcomeDuplicate
			return nil
		}
		return r.mutate(ctx, tx, event, m, asset)
	})
	if err != nil {
		return "", &ReconcileError{EventID: event.ID, EventType: event.Type, Err: err}
	}
	return outcome, nil
}

// ResolveAsset returns the id of the asset the event references. Name-only
// references are looked up without locking; ok is false when the lookup fails.
func (r *Reconciler) ResolveAsset(ctx context.Context, event domain.Event) (string, bool) {
	ref := routing.DecodePayload(event.Data).AssetRef()
	if ref.ID != "" || ref.Name == "" {
		return ref.ID, true
	}
	asset, err := r.store.GetAsset(ctx, ref)
	if err != nil {
		return "", false
	}
	return asset.ID, true
}

// mutate applies m to a locked asset and advances its watermark.
func (r *Reconciler) mutate(ctx context.Context, tx storage.Tx, event domain.Event, m routing.Mutation, asset *domain.Asset) error {
	now := r.now()
	asset.LastEventID = event.ID
	asset.UpdatedAt = now

	switch m.Kind {
	case routing.KindSetOwner:
		if err := r.transfer(ctx, tx, asset, m, now); err != nil {
			return err
		}

	case routing.KindList:
		asset.ForSale = true
		if m.Price != nil {
			p := *m.Price
			asset.Price = &p
		}
		if m.BuyNowPrice != nil {
			s := m.BuyNowPrice.String()
			asset.BuyNowPrice = &s
		}

	case routing.KindCancel:
		asset.ClearListing()

	case routing.KindExpire:
		handled, err := r.expireOffer(ctx, tx, asset.ID, m, now)
		if err != nil {
			return err
		}
		if !handled {
			asset.Active = false
			asset.ClearListing()
			if _, err := ledger.ExpireOffersInTx(ctx, tx, asset.ID, false, now); err != nil {
				return err
			}
		}

	case routing.KindPurchase:
		var chainRef *string
		if m.TxHash != "" {
			chainRef = &m.TxHash
		}
		settled, err := r.ledger.SettleOrderInTx(ctx, tx, asset, m.OrderID, chainRef, now)
		if err != nil {
			return err
		}
		if !settled {
			r.logger.Printf("asset %s sold on-chain: seller=%s buyer=%s amount=%s tx=%s, removing",
				asset.ID, valueOr(m.Seller, asset.Owner), valueOr(m.Buyer, "unknown"), amountText(m.Amount), m.TxHash)
			return r.ledger.DeleteAssetInTx(ctx, tx, asset.ID)
		}
	}

	if err := asset.Validate(); err != nil {
		return err
	}
	if _, err := ledger.ExpireOffersInTx(ctx, tx, asset.ID, true, now); err != nil {
		return err
	}
	return tx.UpdateAsset(ctx, asset)
}

// transfer moves ownership. A listing made by the previous owner no longer applies,
// and a pending offer by the new owner on their own asset is rejected.
func (r *Reconciler) transfer(ctx context.Context, tx storage.Tx, asset *domain.Asset, m routing.Mutation, now time.Time) error {
	if m.Owner == nil || *m.Owner == asset.Owner {
		return nil
	}
	asset.Owner = *m.Owner
	asset.ClearListing()

	offers, err := tx.ListOffersByAsset(ctx, asset.ID)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if o.Status == domain.OfferPending && o.Bidder == asset.Owner {
			if err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferRejected, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// expireOffer handles an expiry that names one offer. It reports false when the
// payload names no offer, which means the asset itself expired.
func (r *Reconciler) expireOffer(ctx context.Context, tx storage.Tx, assetID string, m routing.Mutation, now time.Time) (bool, error) {
	if m.OfferID == "" && m.OrderID == "" {
		return false, nil
	}
	matched, err := ledger.ExpireOfferInTx(ctx, tx, assetID, m.OfferID, m.OrderID, now)
	if err != nil {
		return false, err
	}
	if !matched && m.OfferID != "" {
		r.logger.Printf("expiry names unknown offer %s on asset %s, ignoring", m.OfferID, assetID)
		return true, nil
	}
	return matched, nil
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func amountText(d *decimal.Decimal) string {
	if d == nil {
		return "unknown"
	}
	return d.String()
}
