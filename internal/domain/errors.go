package domain

import "errors"

// Domain validation errors.
var (
	ErrMissingAssetID      = errors.New("asset id is required")
	ErrListingWithoutPrice = errors.New("asset for sale must carry a price")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("invalid amount")
)
