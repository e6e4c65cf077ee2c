// Package snapshot rebuilds an asset's sale state from the marketplace query surface.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"market-sync/internal/domain"
	"market-sync/internal/ledger"
	"market-sync/internal/observability"
	"market-sync/internal/storage"
)

// Marketplace provides the current remote view of a name. Satisfied by *marketplace.Client.
type Marketplace interface {
	Snapshot(ctx context.Context, assetID string) (*domain.NameSnapshot, error)
}

// Result reports one refresh.
type Result struct {
	Asset          *domain.Asset
	ActiveListings int
	ActiveOffers   int
	ExpiredOffers  int
}

// Fetcher refreshes assets from the marketplace.
// Refreshes of different assets run concurrently; refreshes of one asset serialize.
type Fetcher struct {
	market  Marketplace
	store   storage.Store
	locks   *keyedMutex
	now     func() time.Time
	logger  *log.Logger
	metrics *observability.Metrics
}

// Option configures Fetcher.
type Option func(*Fetcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(market Marketplace, store storage.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		market: market,
		store:  store,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Refresh fetches the asset's owner, listings and offers and rewrites its sale state.
// forSale is true while an unexpired listing exists; price comes from the earliest one.
// Stale PENDING offers are expired in the same transaction. The event watermark is untouched.
// Returns storage.ErrNotFound when the asset is not tracked locally.
func (f *Fetcher) Refresh(ctx context.Context, assetID string) (result *Result, err error) {
	defer func() { f.metrics.RecordRefresh(err) }()

	if assetID == "" {
		return nil, fmt.Errorf("refresh: %w", storage.ErrInvalidInput)
	}

	unlock := f.locks.Lock(assetID)
	defer unlock()

	if _, err := f.store.GetAsset(ctx, storage.AssetRef{ID: assetID}); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", assetID, err)
	}

	start := time.Now()
	snap, err := f.market.Snapshot(ctx, assetID)
	f.metrics.RecordRemoteCall("snapshot", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", assetID, err)
	}

	now := f.now()
	active := domain.ActiveListings(snap.Listings, now)
	result = &Result{ActiveListings: len(active)}
	for i := range snap.Offers {
		if snap.Offers[i].IsActive(now) {
			result.ActiveOffers++
		}
	}

	err = f.store.InTx(ctx, func(tx storage.Tx) error {
		asset, err := tx.LockAsset(ctx, storage.AssetRef{ID: assetID})
		if err != nil {
			return err
		}

		if owner, err := domain.NormalizeAddress(snap.Owner); err == nil {
			asset.Owner = owner
		} else if snap.Owner != "" {
			f.logger.Printf("Ignoring unparseable owner %q for %s", snap.Owner, assetID)
		}

		if len(active) > 0 {
			price, err := listingPrice(active[0])
			if err != nil {
				return err
			}
			asset.SetListing(price)
		} else {
			asset.ClearListing()
		}

		expired, err := ledger.ExpireOffersInTx(ctx, tx, assetID, true, now)
		if err != nil {
			return fmt.Errorf("expire stale offers: %w", err)
		}
		result.ExpiredOffers = expired

		asset.UpdatedAt = now
		if err := asset.Validate(); err != nil {
			return err
		}
		if err := tx.UpdateAsset(ctx, asset); err != nil {
			return err
		}
		result.Asset = asset.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", assetID, err)
	}

	f.logger.Printf("Refreshed %s: for_sale=%v listings=%d offers=%d expired=%d",
		assetID, result.Asset.ForSale, result.ActiveListings, result.ActiveOffers, result.ExpiredOffers)
	return result, nil
}

func listingPrice(l domain.Listing) (decimal.Decimal, error) {
	d, err := domain.FromSmallestUnit(l.Price, l.Currency.Decimals)
	if err != nil {
		return decimal.Zero, fmt.Errorf("listing %s: %w", l.ID, err)
	}
	return d, nil
}
