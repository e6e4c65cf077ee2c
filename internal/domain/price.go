package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the smallest-unit exponent of the native currency (wei).
const DefaultDecimals = 18

// FromSmallestUnit converts an integer amount in smallest units to display units.
// "1000000000000000000" with 18 decimals becomes 1.
func FromSmallestUnit(raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrInvalidAmount, raw)
	}
	if decimals < 0 {
		decimals = DefaultDecimals
	}
	return d.Shift(-decimals), nil
}

// ParseDisplayAmount parses a display-unit decimal string such as "1.25".
func ParseDisplayAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	return d, nil
}
