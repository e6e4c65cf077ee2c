package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/ledger"
	"market-sync/internal/storage"
)

// SyncResponse is the JSON response for GET /sync.
type SyncResponse struct {
	Success           bool    `json:"success"`
	Skipped           bool    `json:"skipped"`
	TimeSinceLastSync *int64  `json:"timeSinceLastSync,omitempty"` // milliseconds
	RetryAfter        *int64  `json:"retryAfter,omitempty"`        // milliseconds
	Polled            int     `json:"polled"`
	Reconciled        int     `json:"reconciled"`
	Failed            int     `json:"failed"`
	AckedThrough      int64   `json:"ackedThrough,omitempty"`
	HasMore           bool    `json:"hasMore,omitempty"`
	Error             *string `json:"error,omitempty"`
}

// handleSync runs one scheduler tick. Tick failures are reported in the body, never as 5xx.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "force must be a boolean")
			return
		}
		force = v
	}

	res := s.syncer.Tick(r.Context(), force)

	resp := SyncResponse{
		Success:      res.Success,
		Skipped:      res.Skipped,
		Polled:       res.Polled,
		Reconciled:   res.Reconciled,
		Failed:       res.Failed,
		AckedThrough: res.AckedThrough,
		HasMore:      res.HasMore,
	}
	if res.TimeSinceLastSync > 0 {
		ms := res.TimeSinceLastSync.Milliseconds()
		resp.TimeSinceLastSync = &ms
	}
	if res.Skipped && res.RemainingWait > 0 {
		ms := res.RemainingWait.Milliseconds()
		resp.RetryAfter = &ms
	}
	if res.Err != nil {
		msg := res.Err.Error()
		resp.Error = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// AssetResponse is the JSON form of an asset.
type AssetResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	ForSale     bool      `json:"forSale"`
	Price       *string   `json:"price"`
	BuyNowPrice *string   `json:"buyNowPrice"`
	Active      bool      `json:"active"`
	LastEventID int64     `json:"lastEventId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func assetResponse(a *domain.Asset) AssetResponse {
	resp := AssetResponse{
		ID:          a.ID,
		Name:        a.Name,
		Owner:       a.Owner,
		ForSale:     a.ForSale,
		BuyNowPrice: a.BuyNowPrice,
		Active:      a.Active,
		LastEventID: a.LastEventID,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.Price != nil {
		p := a.Price.String()
		resp.Price = &p
	}
	return resp
}

// RefreshResponse is the JSON response for GET /sync/{assetId}.
type RefreshResponse struct {
	Asset          AssetResponse `json:"asset"`
	ActiveListings int           `json:"activeListings"`
	ActiveOffers   int           `json:"activeOffers"`
	ExpiredOffers  int           `json:"expiredOffers"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("assetId")
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "", "marketplace refresh is not configured")
		return
	}

	res, err := s.refresher.Refresh(r.Context(), assetID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, string(ledger.KindNotFound), "asset "+assetID+" is not tracked")
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), err.Error())
		default:
			s.logger.Printf("Refresh %s failed: %v", assetID, err)
			writeError(w, http.StatusBadGateway, "", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{
		Asset:          assetResponse(res.Asset),
		ActiveListings: res.ActiveListings,
		ActiveOffers:   res.ActiveOffers,
		ExpiredOffers:  res.ExpiredOffers,
	})
}

// OfferActionRequest is the body of POST /offers/{offerId}.
type OfferActionRequest struct {
	Action        string `json:"action"`
	SellerAddress string `json:"sellerAddress"`
}

func (s *Server) handleOfferAction(w http.ResponseWriter, r *http.Request) {
	offerID := r.PathValue("offerId")

	var req OfferActionRequest
	if !s.decode(w, r, &req) {
		return
	}

	var err error
	switch req.Action {
	case "accept":
		err = s.ledger.AcceptOffer(r.Context(), offerID, req.SellerAddress)
	case "reject":
		err = s.ledger.RejectOffer(r.Context(), offerID, req.SellerAddress)
	default:
		writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), `action must be "accept" or "reject"`)
		return
	}
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "offerId": offerID, "action": req.Action})
}

// BuyRequest is the body of POST /domains/{assetId}/buy.
type BuyRequest struct {
	Buyer            string `json:"buyer"`
	Amount           string `json:"amount"`
	ExternalOrderRef string `json:"externalOrderRef"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("assetId")

	var req BuyRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.ledger.CompletePurchase(r.Context(), assetID, req.Buyer, req.Amount, req.ExternalOrderRef); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "assetId": assetID})
}

// SubmitOfferRequest is the body of POST /domains/{assetId}/offers.
type SubmitOfferRequest struct {
	Bidder          string    `json:"bidder"`
	Amount          string    `json:"amount"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ExternalOrderID *string   `json:"externalOrderId,omitempty"`
}

// OfferResponse is the JSON form of an offer.
type OfferResponse struct {
	ID              string    `json:"id"`
	AssetID         string    `json:"assetId"`
	Bidder          string    `json:"bidder"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ExternalOrderID *string   `json:"externalOrderId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("assetId")

	var req SubmitOfferRequest
	if !s.decode(w, r, &req) {
		return
	}

	offer, err := s.ledger.SubmitOffer(r.Context(), ledger.OfferRequest{
		AssetID:         assetID,
		Bidder:          req.Bidder,
		Amount:          req.Amount,
		ExpiresAt:       req.ExpiresAt,
		ExternalOrderID: req.ExternalOrderID,
	})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, OfferResponse{
		ID:              offer.ID,
		AssetID:         offer.AssetID,
		Bidder:          offer.Bidder,
		Amount:          offer.Amount,
		Status:          offer.Status.String(),
		ExpiresAt:       offer.ExpiresAt,
		ExternalOrderID: offer.ExternalOrderID,
		CreatedAt:       offer.CreatedAt,
	})
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status     string    `json:"status"`
	Uptime     string    `json:"uptime"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	Cursor     int64     `json:"cursor"`
	PendingAck int64     `json:"pending_ack,omitempty"`
	Ticks      int       `json:"ticks"`
	Skips      int       `json:"skips"`
	Failures   int       `json:"failures"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.syncer.Status()

	resp := StatusResponse{
		Status:     "running",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		State:      string(st.State),
		Running:    st.Running,
		LastSyncAt: st.LastSyncAt,
		PendingAck: st.PendingAck,
		Ticks:      st.Ticks,
		Skips:      st.Skips,
		Failures:   st.Failures,
	}

	state, err := s.cursor.GetSyncState(r.Context())
	switch {
	case err == nil:
		resp.Cursor = state.LastEventID
		if resp.LastSyncAt.IsZero() {
			resp.LastSyncAt = state.LastSyncAt
		}
	case !errors.Is(err, storage.ErrNotFound):
		s.logger.Printf("Failed to read sync state: %v", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeLedgerError maps precondition kinds to status codes. Anything else is a 500.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	var pe *ledger.PreconditionError
	if !errors.As(err, &pe) {
		s.logger.Printf("Ledger operation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	writeError(w, statusForKind(pe.Kind), string(pe.Kind), pe.Error())
}

func statusForKind(kind ledger.Kind) int {
	switch kind {
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInvalidState, ledger.KindDuplicate:
		return http.StatusConflict
	case ledger.KindExpired:
		return http.StatusGone
	case ledger.KindForbidden:
		return http.StatusForbidden
	case ledger.KindAmountMismatch:
		return http.StatusUnprocessableEntity
	case ledger.KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
