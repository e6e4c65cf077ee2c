package domain

import "encoding/json"

// EventType is the upstream-declared type of a chain event.
type EventType string

const (
	EventNameTransferred EventType = "NAME_TRANSFERRED"
	EventNamePurchased   EventType = "NAME_PURCHASED"
	EventNameListed      EventType = "NAME_LISTED"
	EventNameCancelled   EventType = "NAME_CANCELLED"
	EventNameExpired     EventType = "NAME_EXPIRED"
	EventNameTokenized   EventType = "NAME_TOKENIZED"
	EventNameClaimed     EventType = "NAME_CLAIMED"
	EventNameOfferMade   EventType = "NAME_OFFER_MADE"
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	return string(t)
}

// MarketplaceEventTypes is the curated subset polled by the scheduler.
var MarketplaceEventTypes = []EventType{
	EventNameTransferred,
	EventNamePurchased,
	EventNameListed,
	EventNameCancelled,
	EventNameExpired,
}

// Event is one item of the upstream event stream.
type Event struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Finalized bool            `json:"finalized"`
}
