package domain

import "time"

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// String returns the string representation of OfferStatus.
func (s OfferStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s OfferStatus) IsValid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferExpired:
		return true
	}
	return false
}

// Offer is a bid on an asset.
// Corresponds to offers table in PostgreSQL.
type Offer struct {
	ID              string      // PRIMARY KEY, uuid
	AssetID         string      // references assets.id
	Bidder          string      // lower-cased address
	Amount          string      // display-unit decimal string
	Status          OfferStatus // PENDING | ACCEPTED | REJECTED | EXPIRED
	ExpiresAt       time.Time
	ExternalOrderID *string // on-chain order id (nullable)
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpired reports whether the offer is past its expiry at now.
func (o *Offer) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Transaction is an append-only sale record.
// Corresponds to transactions table in PostgreSQL.
type Transaction struct {
	ID        string // PRIMARY KEY, uuid
	AssetID   string
	Buyer     string
	Seller    string
	Amount    string
	Status    string
	ChainRef  *string // tx hash or order id (nullable)
	CreatedAt time.Time
}

// Transaction status values.
const (
	TransactionCompleted = "COMPLETED"
)

// DNSRecord is DNS-style metadata attached to an asset.
type DNSRecord struct {
	ID      string
	AssetID string
	Type    string
	Host    string
	Value   string
}

// Conversation is a chat thread about an asset.
type Conversation struct {
	ID        string
	AssetID   string
	Buyer     string
	Seller    string
	CreatedAt time.Time
}

// Message is a chat message within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Body           string
	CreatedAt      time.Time
}
