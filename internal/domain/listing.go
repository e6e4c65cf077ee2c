package domain

import (
	"sort"
	"time"
)

// Currency describes the payment token of a listing or offer.
type Currency struct {
	Symbol   string
	Decimals int32
}

// Listing is an active sell order fetched from the marketplace query surface.
type Listing struct {
	ID        string
	Price     string // smallest-unit integer string
	Currency  Currency
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// IsActive reports whether the listing is unexpired at now.
func (l *Listing) IsActive(now time.Time) bool {
	return l.ExpiresAt.IsZero() || now.Before(l.ExpiresAt)
}

// RemoteOffer is a buy order fetched from the marketplace query surface.
type RemoteOffer struct {
	ID        string
	Buyer     string
	Price     string
	Currency  Currency
	OrderID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsActive reports whether the offer is unexpired at now.
func (o *RemoteOffer) IsActive(now time.Time) bool {
	return o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt)
}

// NameSnapshot is the marketplace view of one asset at a point in time.
type NameSnapshot struct {
	TokenID  string
	Name     string
	Owner    string
	Listings []Listing
	Offers   []RemoteOffer
}

// ActiveListings returns unexpired listings ordered by creation time, then id.
func ActiveListings(listings []Listing, now time.Time) []Listing {
	var active []Listing
	for _, l := range listings {
		if l.IsActive(now) {
			active = append(active, l)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return lessListingID(active[i].ID, active[j].ID)
	})
	return active
}

// lessListingID orders numeric ids numerically and falls back to string order.
func lessListingID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
