package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// OfferRequest is an externally submitted bid.
type OfferRequest struct {
	AssetID         string
	Bidder          string
	Amount          string // display units
	ExpiresAt       time.Time
	ExternalOrderID *string
}

// SubmitOffer records a new PENDING offer.
// A bidder holds at most one PENDING offer per asset; a stale one is expired first and does not block.
func (l *Ledger) SubmitOffer(ctx context.Context, req OfferRequest) (*domain.Offer, error) {
	const op = "submit offer"
	offer, err := l.submitOffer(ctx, op, req)
	l.metrics.RecordLedgerOp("submit_offer", err)
	return offer, err
}

func (l *Ledger) submitOffer(ctx context.Context, op string, req OfferRequest) (*domain.Offer, error) {
	bidder, err := domain.NormalizeAddress(req.Bidder)
	if err != nil {
		return nil, precondition(op, KindInvalidInput, "bidder: %v", err)
	}
	amount, err := domain.ParseDisplayAmount(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, precondition(op, KindInvalidInput, "amount %q must be a positive decimal", req.Amount)
	}
	now := l.now()
	if !req.ExpiresAt.IsZero() && !now.Before(req.ExpiresAt) {
		return nil, precondition(op, KindExpired, "expiry %s is in the past", req.ExpiresAt.Format(time.RFC3339))
	}

	offer := &domain.Offer{
		ID:              l.newID(),
		AssetID:         req.AssetID,
		Bidder:          bidder,
		Amount:          amount.String(),
		Status:          domain.OfferPending,
		ExpiresAt:       req.ExpiresAt,
		ExternalOrderID: req.ExternalOrderID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var refused error
	err = l.store.InTx(ctx, func(tx storage.Tx) error {
		asset, err := tx.LockAsset(ctx, storage.AssetRef{ID: req.AssetID})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				refused = precondition(op, KindNotFound, "asset %s not found", req.AssetID)
				return nil
			}
			return err
		}
		if !asset.Active {
			refused = precondition(op, KindInvalidState, "asset %s is inactive", asset.ID)
			return nil
		}
		if domain.SameAddress(bidder, asset.Owner) {
			refused = precondition(op, KindForbidden, "owner cannot bid on own asset %s", asset.ID)
			return nil
		}

		existing, err := tx.ListOffersByAsset(ctx, asset.ID)
		if err != nil {
			return err
		}
		for _, o := range existing {
			if o.Status != domain.OfferPending || o.Bidder != bidder {
				continue
			}
			if !o.IsExpired(now) {
				refused = precondition(op, KindDuplicate, "bidder already has pending offer %s", o.ID)
				return nil
			}
			if err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferExpired, now); err != nil {
				return err
			}
		}

		if err := tx.InsertOffer(ctx, offer); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				refused = precondition(op, KindDuplicate, "bidder already has a pending offer on %s", asset.ID)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if refused != nil {
		return nil, refused
	}
	return offer, nil
}

// RejectOffer lets the asset owner decline a PENDING offer.
func (l *Ledger) RejectOffer(ctx context.Context, offerID, sellerAddress string) error {
	const op = "reject offer"
	err := l.rejectOffer(ctx, op, offerID, sellerAddress)
	l.metrics.RecordLedgerOp("reject_offer", err)
	return err
}

func (l *Ledger) rejectOffer(ctx context.Context, op, offerID, sellerAddress string) error {
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
		return tx.UpdateOfferStatus(ctx, offerID, domain.OfferRejected, now)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return refused
}
