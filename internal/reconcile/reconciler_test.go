package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync/internal/domain"
	"market-sync/internal/ledger"
	"market-sync/internal/routing"
	"market-sync/internal/storage"
	"market-sync/internal/storage/memory"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	bidder = "0x2222222222222222222222222222222222222222"
	other  = "0x3333333333333333333333333333333333333333"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	rec   *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore()
	quiet := log.New(io.Discard, "", 0)
	clock := func() time.Time { return testNow }
	l := ledger.New(store, ledger.WithClock(clock), ledger.WithLogger(quiet))
	opts = append([]Option{WithClock(clock), WithLogger(quiet)}, opts...)
	rec := New(store, routing.NewRouter(routing.WithLogger(quiet)), l, opts...)

	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertAsset(ctx, &domain.Asset{ID: "A", Name: "alpha.eth", Owner: owner, Active: true})
	}))
	return &fixture{store: store, rec: rec}
}

func (f *fixture) asset(t *testing.T) *domain.Asset {
	t.Helper()
	a, err := f.store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	require.NoError(t, err)
	return a
}

func (f *fixture) addOffer(t *testing.T, id, bidder string, orderID *string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertOffer(ctx, &domain.Offer{
			ID: id, AssetID: "A", Bidder: bidder, Amount: "1", Status: domain.OfferPending,
			ExpiresAt: expiresAt, ExternalOrderID: orderID, CreatedAt: testNow.Add(-time.Hour),
		})
	}))
}

func (f *fixture) offerStatus(t *testing.T, id string) domain.OfferStatus {
	t.Helper()
	o, err := f.store.GetOffer(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func ev(id int64, typ domain.EventType, data map[string]any) domain.Event {
	raw, _ := json.Marshal(data)
	return domain.Event{ID: id, Type: typ, Data: raw, Finalized: true}
}

func TestApply_ListThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.rec.Apply(ctx, ev(5, domain.EventNameListed, map[string]any{
		"tokenId": "A", "price": "1000000000000000000",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeApplied, outcome)

	a := f.asset(t)
	assert.True(t, a.ForSale)
	require.NotNil(t, a.Price)
	assert.Equal(t, "1", a.Price.String())
	assert.Nil(t, a.BuyNowPrice)
	assert.Equal(t, int64(5), a.LastEventID)

	_, err = f.rec.Apply(ctx, ev(6, domain.EventNameCancelled, map[string]any{"tokenId": "A"}))
	require.NoError(t, err)

	a = f.asset(t)
	assert.False(t, a.ForSale)
	assert.Nil(t, a.Price)
	assert.Nil(t, a.BuyNowPrice)
}

func TestApply_RedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, ev(5, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "2000000000000000000"}))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, ev(6, domain.EventNameCancelled, map[string]any{"tokenId": "A"}))
	require.NoError(t, err)

	// Event 5 redelivered after a lost acknowledgment must not relist the asset.
	outcome, err := f.rec.Apply(ctx, ev(5, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "2000000000000000000"}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeDuplicate, outcome)
	assert.False(t, f.asset(t).ForSale)
}

func TestApply_ListingByNameWithBuyNowPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Apply(context.Background(), ev(1, domain.EventNameListed, map[string]any{
		"name": "ALPHA.eth", "price": "1500000", "buyNowPrice": "2000000", "decimals": 6,
	}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.True(t, decimal.RequireFromString("1.5").Equal(*a.Price))
	assert.Equal(t, "2", *a.BuyNowPrice)
}

func TestApply_ListingWithoutPriceFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Apply(context.Background(), ev(3, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "garbage"}))

	var re *ReconcileError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(3), re.EventID)
	assert.ErrorIs(t, err, domain.ErrListingWithoutPrice)

	a := f.asset(t)
	assert.False(t, a.ForSale)
	assert.Zero(t, a.LastEventID)
}

func TestApply_MalformedFieldKeepsColumn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "3000000000000000000"}))
	require.NoError(t, err)
	// A relist with an unparseable price keeps the existing one.
	_, err = f.rec.Apply(ctx, ev(2, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "NaN"}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.True(t, a.ForSale)
	assert.Equal(t, "3", a.Price.String())
	assert.Equal(t, int64(2), a.LastEventID)
}

func TestApply_RelistKeepsBuyNowPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{
		"tokenId": "A", "price": "1000000000000000000", "buyNowPrice": "5000000000000000000",
	}))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, ev(2, domain.EventNameListed, map[string]any{
		"tokenId": "A", "price": "2000000000000000000", "buyNowPrice": "garbage",
	}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.Equal(t, "2", a.Price.String())
	require.NotNil(t, a.BuyNowPrice)
	assert.Equal(t, "5", *a.BuyNowPrice)

	listed, ok := a.ListedPrice()
	require.True(t, ok)
	assert.Equal(t, "5", listed.String())
}

func TestApply_Transfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOffer(t, "mine", bidder, nil, time.Time{})
	f.addOffer(t, "theirs", other, nil, time.Time{})

	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "1"}))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, ev(2, domain.EventNameTransferred, map[string]any{
		"tokenId": "A", "from": owner, "newOwner": "0x2222222222222222222222222222222222222222",
	}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.Equal(t, bidder, a.Owner)
	assert.False(t, a.ForSale)
	assert.Equal(t, domain.OfferRejected, f.offerStatus(t, "mine"))
	assert.Equal(t, domain.OfferPending, f.offerStatus(t, "theirs"))
}

func TestApply_ExpiredAssetLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOffer(t, "o1", bidder, nil, testNow.Add(time.Hour))

	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "1"}))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, ev(2, domain.EventNameExpired, map[string]any{"tokenId": "A"}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.False(t, a.Active)
	assert.False(t, a.ForSale)
	assert.Equal(t, domain.OfferExpired, f.offerStatus(t, "o1"))
}

func TestApply_ExpiredOfferLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := "ord-1"
	f.addOffer(t, "o1", bidder, &order, testNow.Add(time.Hour))
	f.addOffer(t, "o2", other, nil, testNow.Add(time.Hour))

	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameExpired, map[string]any{"tokenId": "A", "orderId": order}))
	require.NoError(t, err)

	assert.True(t, f.asset(t).Active)
	assert.Equal(t, domain.OfferExpired, f.offerStatus(t, "o1"))
	assert.Equal(t, domain.OfferPending, f.offerStatus(t, "o2"))
}

func TestApply_StaleOffersExpireOnTouch(t *testing.T) {
	f := newFixture(t)
	f.addOffer(t, "stale", bidder, nil, testNow.Add(-time.Minute))

	_, err := f.rec.Apply(context.Background(), ev(1, domain.EventNameCancelled, map[string]any{"tokenId": "A"}))
	require.NoError(t, err)
	assert.Equal(t, domain.OfferExpired, f.offerStatus(t, "stale"))
}

func TestApply_PurchaseMatchingOrderAccepts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := "ord-9"
	f.addOffer(t, "win", bidder, &order, time.Time{})
	f.addOffer(t, "lose", other, nil, time.Time{})

	_, err := f.rec.Apply(ctx, ev(4, domain.EventNamePurchased, map[string]any{
		"tokenId": "A", "buyer": bidder, "seller": owner, "orderId": order, "txHash": "0xabc",
	}))
	require.NoError(t, err)

	a := f.asset(t)
	assert.Equal(t, bidder, a.Owner)
	assert.Equal(t, int64(4), a.LastEventID)
	assert.Equal(t, domain.OfferAccepted, f.offerStatus(t, "win"))
	assert.Equal(t, domain.OfferRejected, f.offerStatus(t, "lose"))

	txs, err := f.store.ListTransactions(ctx, "A")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0xabc", *txs[0].ChainRef)
}

func TestApply_PurchaseWithoutOrderDeletesAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOffer(t, "o1", bidder, nil, time.Time{})

	outcome, err := f.rec.Apply(ctx, ev(7, domain.EventNamePurchased, map[string]any{"tokenId": "A", "buyer": bidder}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeApplied, outcome)

	_, err = f.store.GetAsset(ctx, storage.AssetRef{ID: "A"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	deps, err := f.store.CountDependents(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, deps.Total())

	// Redelivery after the asset is gone succeeds without effect.
	outcome, err = f.rec.Apply(ctx, ev(7, domain.EventNamePurchased, map[string]any{"tokenId": "A", "buyer": bidder}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeDuplicate, outcome)
}

func TestApply_PurchaseFallbackLogsSale(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, WithLogger(log.New(&buf, "", 0)))

	_, err := f.rec.Apply(context.Background(), ev(8, domain.EventNamePurchased, map[string]any{
		"tokenId": "A", "buyer": bidder, "seller": owner, "amount": "1500000000000000000", "txHash": "0xabc",
	}))
	require.NoError(t, err)

	line := buf.String()
	assert.Contains(t, line, "buyer="+bidder)
	assert.Contains(t, line, "seller="+owner)
	assert.Contains(t, line, "amount=1.5")
	assert.Contains(t, line, "tx=0xabc")
}

func TestApply_UntrackedAsset(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	_, err := f.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{"tokenId": "Z", "price": "1"}))
	assert.ErrorIs(t, err, ErrUntrackedAsset)

	lenient := newFixture(t, WithIgnoreUntrackedAssets(true))
	outcome, err := lenient.rec.Apply(ctx, ev(1, domain.EventNameListed, map[string]any{"tokenId": "Z", "price": "1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeIgnored, outcome)
}

func TestApply_MissingAssetRef(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Apply(context.Background(), ev(1, domain.EventNameCancelled, map[string]any{"price": "1"}))
	assert.True(t, errors.Is(err, ErrMissingAssetRef))
}

func TestApply_InformationalTypeIgnored(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.rec.Apply(context.Background(), ev(1, domain.EventNameTokenized, map[string]any{"tokenId": "A"}))
	require.NoError(t, err)
	assert.Equal(t, domain.EventOutcomeIgnored, outcome)
	assert.Zero(t, f.asset(t).LastEventID)
}
