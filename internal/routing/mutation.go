package routing

import (
	"github.com/shopspring/decimal"

	"market-sync/internal/storage"
)

// Kind is the intended effect of one event on local state.
type Kind int

const (
	KindNoOp Kind = iota
	KindSetOwner
	KindList
	KindCancel
	KindExpire
	KindPurchase
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSetOwner:
		return "set_owner"
	case KindList:
		return "list"
	case KindCancel:
		return "cancel"
	case KindExpire:
		return "expire"
	case KindPurchase:
		return "purchase"
	}
	return "noop"
}

// Mutation describes what an event wants done. Nil fields mean "leave untouched".
type Mutation struct {
	Kind  Kind
	Asset storage.AssetRef

	Owner       *string          // SetOwner
	Price       *decimal.Decimal // List
	BuyNowPrice *decimal.Decimal // List

	OfferID string // Expire: a specific offer
	OrderID string // Expire, Purchase: on-chain order id

	Buyer  *string          // Purchase
	Seller *string          // Purchase
	Amount *decimal.Decimal // Purchase, display units
	TxHash string           // Purchase
}
