package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates an address and returns its lower-cased hex form.
// CAIP-10 account ids (eip155:<chain>:<address>) are accepted and reduced to the address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if i := strings.LastIndex(a, ":"); i >= 0 {
		a = a[i+1:]
	}
	if !common.IsHexAddress(a) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(a).Hex()), nil
}

// SameAddress compares two addresses case-insensitively.
// Unparseable input never matches.
func SameAddress(a, b string) bool {
	na, err := NormalizeAddress(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeAddress(b)
	if err != nil {
		return false
	}
	return na == nb
}
