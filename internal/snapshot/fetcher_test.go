package snapshot

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync/internal/domain"
	"market-sync/internal/eventsource"
	"market-sync/internal/storage"
	"market-sync/internal/storage/memory"
)

const (
	owner    = "0x1111111111111111111111111111111111111111"
	newOwner = "0x4444444444444444444444444444444444444444"
	bidder   = "0x2222222222222222222222222222222222222222"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeMarket struct {
	mu    sync.Mutex
	snaps map[string]*domain.NameSnapshot
	err   error
	calls int

	hook func(assetID string)
}

func (m *fakeMarket) Snapshot(_ context.Context, assetID string) (*domain.NameSnapshot, error) {
	if m.hook != nil {
		m.hook(assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	snap, ok := m.snaps[assetID]
	if !ok {
		return &domain.NameSnapshot{TokenID: assetID}, nil
	}
	return snap, nil
}

func newFetcher(t *testing.T, market *fakeMarket) (*Fetcher, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	price := decimal.RequireFromString("9")
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		for _, id := range []string{"A", "B"} {
			if err := tx.InsertAsset(ctx, &domain.Asset{
				ID: id, Name: id + ".eth", Owner: owner, Active: true, LastEventID: 77,
				ForSale: true, Price: &price,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	f := NewFetcher(market, store,
		WithClock(func() time.Time { return testNow }),
		WithLogger(log.New(io.Discard, "", 0)))
	return f, store
}

func TestRefresh_EarliestActiveListingSetsPrice(t *testing.T) {
	market := &fakeMarket{snaps: map[string]*domain.NameSnapshot{
		"A": {
			TokenID: "A",
			Owner:   "0x4444444444444444444444444444444444444444",
			Listings: []domain.Listing{
				{ID: "expired", Price: "1", Currency: domain.Currency{Decimals: 0}, CreatedAt: testNow.Add(-48 * time.Hour), ExpiresAt: testNow.Add(-time.Hour)},
				{ID: "12", Price: "9000000", Currency: domain.Currency{Decimals: 6}, CreatedAt: testNow.Add(-time.Hour)},
				{ID: "11", Price: "2500000", Currency: domain.Currency{Symbol: "USDC", Decimals: 6}, CreatedAt: testNow.Add(-time.Hour)},
				{ID: "3", Price: "1000000000000000000", Currency: domain.Currency{Decimals: 18}, CreatedAt: testNow.Add(-time.Minute)},
			},
			Offers: []domain.RemoteOffer{
				{ID: "r1", ExpiresAt: testNow.Add(time.Hour)},
				{ID: "r2", ExpiresAt: testNow.Add(-time.Hour)},
			},
		},
	}}
	f, store := newFetcher(t, market)

	res, err := f.Refresh(context.Background(), "A")
	require.NoError(t, err)

	assert.Equal(t, 3, res.ActiveListings)
	assert.Equal(t, 1, res.ActiveOffers)
	assert.True(t, res.Asset.ForSale)
	require.NotNil(t, res.Asset.Price)
	assert.Equal(t, "2.5", res.Asset.Price.String(), "tie on createdAt breaks on lowest listing id")
	require.NotNil(t, res.Asset.BuyNowPrice)
	assert.Equal(t, "2.5", *res.Asset.BuyNowPrice)

	stored, err := store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	require.NoError(t, err)
	assert.Equal(t, newOwner, stored.Owner)
	assert.Equal(t, int64(77), stored.LastEventID, "refresh does not move the event watermark")
}

func TestRefresh_NoActiveListingClearsPrice(t *testing.T) {
	market := &fakeMarket{snaps: map[string]*domain.NameSnapshot{
		"A": {
			TokenID: "A",
			Owner:   owner,
			Listings: []domain.Listing{
				{ID: "1", Price: "5", CreatedAt: testNow.Add(-time.Hour), ExpiresAt: testNow},
			},
		},
	}}
	f, _ := newFetcher(t, market)

	res, err := f.Refresh(context.Background(), "A")
	require.NoError(t, err)

	assert.False(t, res.Asset.ForSale)
	assert.Nil(t, res.Asset.Price)
	assert.Nil(t, res.Asset.BuyNowPrice)
	assert.Equal(t, owner, res.Asset.Owner)
}

func TestRefresh_ExpiresStaleOffers(t *testing.T) {
	market := &fakeMarket{}
	f, store := newFetcher(t, market)
	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertOffer(ctx, &domain.Offer{ID: "stale", AssetID: "A", Bidder: bidder, Amount: "1",
			Status: domain.OfferPending, ExpiresAt: testNow.Add(-time.Minute), CreatedAt: testNow.Add(-time.Hour)}); err != nil {
			return err
		}
		return tx.InsertOffer(ctx, &domain.Offer{ID: "live", AssetID: "A", Bidder: newOwner, Amount: "1",
			Status: domain.OfferPending, ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow.Add(-time.Hour)})
	}))

	res, err := f.Refresh(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredOffers)

	stale, err := store.GetOffer(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferExpired, stale.Status)
	live, err := store.GetOffer(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferPending, live.Status)
}

func TestRefresh_UnknownAsset(t *testing.T) {
	market := &fakeMarket{}
	f, _ := newFetcher(t, market)

	_, err := f.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, market.calls, "untracked assets are not fetched")
}

func TestRefresh_MarketErrorLeavesAssetUnchanged(t *testing.T) {
	market := &fakeMarket{err: &eventsource.TransportError{Op: "get_name", StatusCode: 502}}
	f, store := newFetcher(t, market)

	_, err := f.Refresh(context.Background(), "A")
	var te *eventsource.TransportError
	require.ErrorAs(t, err, &te)

	a, err := store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	require.NoError(t, err)
	assert.True(t, a.ForSale)
	assert.Equal(t, "9", a.Price.String())
}

func TestRefresh_UnparseableListingPriceFails(t *testing.T) {
	market := &fakeMarket{snaps: map[string]*domain.NameSnapshot{
		"A": {TokenID: "A", Listings: []domain.Listing{{ID: "1", Price: "lots", CreatedAt: testNow}}},
	}}
	f, store := newFetcher(t, market)

	_, err := f.Refresh(context.Background(), "A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))

	a, err := store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "9", a.Price.String())
}

func TestRefresh_SameAssetSerializes(t *testing.T) {
	var inFlight, maxInFlight int32
	market := &fakeMarket{}
	market.hook = func(string) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}
	f, _ := newFetcher(t, market)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Refresh(context.Background(), "A")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, 0, f.locks.size())
}

func TestRefresh_DifferentAssetsRunConcurrently(t *testing.T) {
	arrived := make(chan string, 2)
	release := make(chan struct{})
	market := &fakeMarket{}
	market.hook = func(id string) {
		arrived <- id
		<-release
	}
	f, _ := newFetcher(t, market)

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Refresh(context.Background(), id)
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("refreshes of different assets did not overlap")
		}
	}
	close(release)
	wg.Wait()
}
