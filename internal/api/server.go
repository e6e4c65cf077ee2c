// Package api exposes the local HTTP surface: sync triggers, asset refresh and ledger actions.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/ledger"
	"market-sync/internal/observability"
	"market-sync/internal/scheduler"
	"market-sync/internal/snapshot"
	"market-sync/internal/storage"
)

// Syncer runs scheduler ticks. Satisfied by *scheduler.Scheduler.
type Syncer interface {
	Tick(ctx context.Context, force bool) scheduler.Result
	Status() scheduler.Status
}

// Refresher rebuilds one asset from the marketplace. Satisfied by *snapshot.Fetcher.
type Refresher interface {
	Refresh(ctx context.Context, assetID string) (*snapshot.Result, error)
}

// Ledger performs offer and purchase operations. Satisfied by *ledger.Ledger.
type Ledger interface {
	AcceptOffer(ctx context.Context, offerID, sellerAddress string) error
	RejectOffer(ctx context.Context, offerID, sellerAddress string) error
	CompletePurchase(ctx context.Context, assetID, buyer, amount, externalOrderRef string) error
	SubmitOffer(ctx context.Context, req ledger.OfferRequest) (*domain.Offer, error)
}

// Server routes HTTP requests to the sync components.
type Server struct {
	syncer    Syncer
	refresher Refresher
	ledger    Ledger
	cursor    storage.CursorStore
	metrics   http.Handler
	logger    *log.Logger
	started   time.Time
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler overrides the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates a Server.
func NewServer(syncer Syncer, refresher Refresher, l Ledger, cursor storage.CursorStore, opts ...Option) *Server {
	s := &Server{
		syncer:    syncer,
		refresher: refresher,
		ledger:    l,
		cursor:    cursor,
		metrics:   observability.Handler(),
		logger:    log.Default(),
		started:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("GET /metrics", s.metrics)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sync", s.handleSync)
	mux.HandleFunc("GET /sync/{assetId}", s.handleRefresh)
	mux.HandleFunc("POST /offers/{offerId}", s.handleOfferAction)
	mux.HandleFunc("POST /domains/{assetId}/buy", s.handleBuy)
	mux.HandleFunc("POST /domains/{assetId}/offers", s.handleSubmitOffer)

	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}
