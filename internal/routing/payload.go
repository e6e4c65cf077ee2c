package routing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// Payload is a leniently decoded event data object.
// Accessors report ok=false for absent or unparseable fields so callers can leave columns untouched.
type Payload struct {
	fields map[string]json.RawMessage
}

// DecodePayload parses raw event data. Anything other than a JSON object yields an empty payload.
func DecodePayload(raw json.RawMessage) Payload {
	var fields map[string]json.RawMessage
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = nil
		}
	}
	return Payload{fields: fields}
}

// String returns a field given as a JSON string or number.
func (p Payload) String(key string) (string, bool) {
	raw, ok := p.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Address returns a normalized address from the first present field among keys.
func (p Payload) Address(keys ...string) (string, bool) {
	for _, k := range keys {
		s, ok := p.String(k)
		if !ok {
			continue
		}
		if addr, err := domain.NormalizeAddress(s); err == nil {
			return addr, true
		}
	}
	return "", false
}

// Decimals returns the smallest-unit exponent, defaulting to 18.
func (p Payload) Decimals() int32 {
	s, ok := p.String("decimals")
	if !ok {
		return domain.DefaultDecimals
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil || n < 0 {
		return domain.DefaultDecimals
	}
	return int32(n)
}

// Amount converts a smallest-unit field to display units.
func (p Payload) Amount(key string) (decimal.Decimal, bool) {
	s, ok := p.String(key)
	if !ok {
		return decimal.Zero, false
	}
	d, err := domain.FromSmallestUnit(s, p.Decimals())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// AssetRef returns the referenced asset: tokenId when present, else name.
func (p Payload) AssetRef() storage.AssetRef {
	id, _ := p.String("tokenId")
	name, _ := p.String("name")
	return storage.AssetRef{ID: id, Name: name}
}
