package marketplace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"market-sync/internal/domain"
)

type nameResponse struct {
	TokenID flexString `json:"tokenId"`
	Name    string     `json:"name"`
	Owner   string     `json:"owner"`
}

type listingsResponse struct {
	Listings []listingJSON `json:"listings"`
}

type listingJSON struct {
	ID        flexString   `json:"id"`
	Price     flexString   `json:"price"`
	Currency  currencyJSON `json:"currency"`
	CreatedAt flexTime     `json:"createdAt"`
	ExpiresAt flexTime     `json:"expiresAt"`
}

type offersResponse struct {
	Offers []offerJSON `json:"offers"`
}

type offerJSON struct {
	ID        flexString   `json:"id"`
	Buyer     string       `json:"buyer"`
	Price     flexString   `json:"price"`
	Currency  currencyJSON `json:"currency"`
	OrderID   flexString   `json:"orderId"`
	CreatedAt flexTime     `json:"createdAt"`
	ExpiresAt flexTime     `json:"expiresAt"`
}

type currencyJSON struct {
	Symbol   string `json:"symbol"`
	Decimals *int32 `json:"decimals"`
}

func (c currencyJSON) toDomain() domain.Currency {
	cur := domain.Currency{Symbol: c.Symbol, Decimals: domain.DefaultDecimals}
	if c.Decimals != nil {
		cur.Decimals = *c.Decimals
	}
	return cur
}

// flexString accepts a JSON string or number. Large integer prices arrive either way.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = flexString(n.String())
	return nil
}

// flexTime accepts RFC 3339 strings or unix seconds. Null or empty is the zero time.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("expected timestamp, got %s", b)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}
