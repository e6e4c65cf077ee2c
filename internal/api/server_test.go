package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync/internal/domain"
	"market-sync/internal/eventsource/stub"
	"market-sync/internal/ledger"
	"market-sync/internal/scheduler"
	"market-sync/internal/snapshot"
	"market-sync/internal/storage"
	"market-sync/internal/storage/memory"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	bidder = "0x2222222222222222222222222222222222222222"
	buyer  = "0x3333333333333333333333333333333333333333"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	result *snapshot.Result
	err    error
}

func (f *fakeRefresher) Refresh(context.Context, string) (*snapshot.Result, error) {
	return f.result, f.err
}

type noopApplier struct{}

func (noopApplier) Apply(context.Context, domain.Event) (string, error) {
	return domain.EventOutcomeApplied, nil
}

type fixture struct {
	store     *memory.Store
	cursor    *memory.CursorStore
	source    *stub.Source
	refresher *fakeRefresher
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	clock := func() time.Time { return testNow }

	f := &fixture{
		store:     memory.NewStore(),
		cursor:    memory.NewCursorStore(),
		source:    stub.NewSource(),
		refresher: &fakeRefresher{},
	}

	ctx := context.Background()
	price := decimal.RequireFromString("1.5")
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertAsset(ctx, &domain.Asset{ID: "A", Name: "alpha.eth", Owner: owner, Active: true, ForSale: true, Price: &price}); err != nil {
			return err
		}
		return tx.InsertOffer(ctx, &domain.Offer{ID: "X", AssetID: "A", Bidder: bidder, Amount: "1",
			Status: domain.OfferPending, ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow.Add(-time.Hour)})
	}))

	sched := scheduler.New(scheduler.Options{
		Source:      f.source,
		Applier:     noopApplier{},
		Cursor:      f.cursor,
		Logger:      quiet,
		MinInterval: 30 * time.Second,
		Now:         clock,
	})
	l := ledger.New(f.store, ledger.WithClock(clock), ledger.WithLogger(quiet))
	srv := NewServer(sched, f.refresher, l, f.cursor,
		WithLogger(quiet),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		})))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestSync_ThrottleAndForce(t *testing.T) {
	f := newFixture(t)
	f.source.Publish(1, domain.EventNameListed, map[string]any{"tokenId": "A", "price": "1"})

	rec := f.do(t, http.MethodGet, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[SyncResponse](t, rec)
	assert.True(t, first.Success)
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Polled)
	assert.Equal(t, int64(1), first.AckedThrough)

	// Same clock instant: throttled, and never polls.
	rec = f.do(t, http.MethodGet, "/sync", "")
	second := decodeBody[SyncResponse](t, rec)
	assert.True(t, second.Skipped)
	assert.False(t, second.Success)
	assert.Equal(t, 1, f.source.PollCalls())

	rec = f.do(t, http.MethodGet, "/sync?force=true", "")
	forced := decodeBody[SyncResponse](t, rec)
	assert.False(t, forced.Skipped)
	assert.True(t, forced.Success)
	assert.Equal(t, 2, f.source.PollCalls())

	rec = f.do(t, http.MethodGet, "/sync?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSync_TransportErrorReportedInBody(t *testing.T) {
	f := newFixture(t)
	f.source.PollErr = io.ErrUnexpectedEOF

	rec := f.do(t, http.MethodGet, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[SyncResponse](t, rec)
	assert.False(t, resp.Success)
	assert.False(t, resp.Skipped)
	require.NotNil(t, resp.Error)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	price := decimal.RequireFromString("2.5")
	buyNow := "2.5"
	f.refresher.result = &snapshot.Result{
		Asset:          &domain.Asset{ID: "A", Name: "alpha.eth", Owner: owner, ForSale: true, Price: &price, BuyNowPrice: &buyNow, Active: true},
		ActiveListings: 2,
		ActiveOffers:   1,
	}

	rec := f.do(t, http.MethodGet, "/sync/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[RefreshResponse](t, rec)
	assert.True(t, resp.Asset.ForSale)
	require.NotNil(t, resp.Asset.Price)
	assert.Equal(t, "2.5", *resp.Asset.Price)
	assert.Equal(t, 2, resp.ActiveListings)
	assert.Equal(t, 1, resp.ActiveOffers)

	f.refresher.result, f.refresher.err = nil, storage.ErrNotFound
	rec = f.do(t, http.MethodGet, "/sync/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOfferAction(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown offer", "/offers/nope", `{"action":"accept","sellerAddress":"` + owner + `"}`, http.StatusNotFound, "not_found"},
		{"not owner", "/offers/X", `{"action":"accept","sellerAddress":"` + buyer + `"}`, http.StatusForbidden, "forbidden"},
		{"bad action", "/offers/X", `{"action":"counter","sellerAddress":"` + owner + `"}`, http.StatusBadRequest, "invalid_input"},
		{"bad body", "/offers/X", `{"action":`, http.StatusBadRequest, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeBody[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestOfferAction_AcceptThenConflict(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/offers/X", `{"action":"accept","sellerAddress":"`+owner+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a, err := f.store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	require.NoError(t, err)
	assert.Equal(t, bidder, a.Owner)
	assert.False(t, a.ForSale)

	rec = f.do(t, http.MethodPost, "/offers/X", `{"action":"reject","sellerAddress":"`+bidder+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOfferAction_Reject(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/offers/X", `{"action":"reject","sellerAddress":"`+owner+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	o, err := f.store.GetOffer(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferRejected, o.Status)
}

func TestBuy(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/domains/A/buy", `{"buyer":"`+buyer+`","amount":"1.4","externalOrderRef":"ord"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/domains/A/buy", `{"buyer":"`+owner+`","amount":"1.5"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/domains/A/buy", `{"buyer":"`+buyer+`","amount":"1.50","externalOrderRef":"ord"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := f.store.GetAsset(context.Background(), storage.AssetRef{ID: "A"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	deps, err := f.store.CountDependents(context.Background(), "A")
	require.NoError(t, err)
	assert.Zero(t, deps.Total())

	rec = f.do(t, http.MethodPost, "/domains/A/buy", `{"buyer":"`+buyer+`","amount":"1.5"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitOffer(t *testing.T) {
	f := newFixture(t)
	body := `{"bidder":"` + buyer + `","amount":"0.75","expiresAt":"2024-06-02T00:00:00Z"}`

	rec := f.do(t, http.MethodPost, "/domains/A/offers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[OfferResponse](t, rec)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, buyer, resp.Bidder)
	assert.NotEmpty(t, resp.ID)

	rec = f.do(t, http.MethodPost, "/domains/A/offers", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decodeBody[ErrorResponse](t, rec).Kind)

	rec = f.do(t, http.MethodPost, "/domains/A/offers", `{"bidder":"`+bidder+`","amount":"1","expiresAt":"2024-05-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.source.Publish(4, domain.EventNameCancelled, map[string]any{"tokenId": "A"})
	f.do(t, http.MethodGet, "/sync", "")

	rec := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "IDLE", resp.State)
	assert.Equal(t, int64(4), resp.Cursor)
	assert.Equal(t, 1, resp.Ticks)
	assert.Equal(t, testNow, resp.LastSyncAt)
}
