package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset represents one ownable name token tracked by the local store.
// Corresponds to assets table in PostgreSQL.
type Asset struct {
	ID          string           // PRIMARY KEY, on-chain token id
	Name        string           // human-readable name, unique
	Owner       string           // lower-cased address
	ForSale     bool             // true while an active listing exists
	Price       *decimal.Decimal // display-unit price (nullable)
	BuyNowPrice *string          // display-unit decimal string (nullable)
	Active      bool             // false once the name expired
	LastEventID int64            // highest event id applied to this row
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.Price != nil {
		p := *a.Price
		c.Price = &p
	}
	if a.BuyNowPrice != nil {
		s := *a.BuyNowPrice
		c.BuyNowPrice = &s
	}
	return &c
}

// ClearListing drops the sale flag and both price fields.
func (a *Asset) ClearListing() {
	a.ForSale = false
	a.Price = nil
	a.BuyNowPrice = nil
}

// SetListing marks the asset for sale at the given display price.
func (a *Asset) SetListing(price decimal.Decimal) {
	p := price
	s := price.String()
	a.ForSale = true
	a.Price = &p
	a.BuyNowPrice = &s
}

// ListedPrice returns the price a buyer must pay: buy-now when set, else price.
func (a *Asset) ListedPrice() (decimal.Decimal, bool) {
	if a.BuyNowPrice != nil {
		if d, err := decimal.NewFromString(*a.BuyNowPrice); err == nil {
			return d, true
		}
	}
	if a.Price != nil {
		return *a.Price, true
	}
	return decimal.Zero, false
}

// Validate checks row-level invariants before a write.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return ErrMissingAssetID
	}
	if a.ForSale && a.Price == nil && a.BuyNowPrice == nil {
		return ErrListingWithoutPrice
	}
	if a.Owner != "" {
		if _, err := NormalizeAddress(a.Owner); err != nil {
			return err
		}
	}
	return nil
}
