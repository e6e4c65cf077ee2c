// Package marketplace reads the current state of a name from the marketplace query surface.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"market-sync/internal/domain"
	"market-sync/internal/eventsource"
)

// Default configuration values.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultAPIKeyHeader = "X-API-KEY"
	maxErrorBody        = 512
)

// Client is an HTTP client for the marketplace query surface.
type Client struct {
	endpoint     string
	client       *http.Client
	apiKey       string
	apiKeyHeader string
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithAPIKey sets the static key sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithAPIKeyHeader overrides the header name carrying the API key.
func WithAPIKeyHeader(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.apiKeyHeader = name
		}
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a new marketplace client rooted at endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		client:       &http.Client{Timeout: DefaultTimeout},
		apiKeyHeader: DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name is the identity and owner of one asset.
type Name struct {
	TokenID string
	Name    string
	Owner   string
}

// GetName fetches the asset's identity and current owner.
func (c *Client) GetName(ctx context.Context, assetID string) (*Name, error) {
	var resp nameResponse
	if err := c.get(ctx, "get_name", namePath(assetID), &resp); err != nil {
		return nil, err
	}
	return &Name{TokenID: string(resp.TokenID), Name: resp.Name, Owner: resp.Owner}, nil
}

// GetListings fetches every listing of the asset, expired or not.
func (c *Client) GetListings(ctx context.Context, assetID string) ([]domain.Listing, error) {
	var resp listingsResponse
	if err := c.get(ctx, "get_listings", namePath(assetID)+"/listings", &resp); err != nil {
		return nil, err
	}

	listings := make([]domain.Listing, 0, len(resp.Listings))
	for _, l := range resp.Listings {
		listings = append(listings, domain.Listing{
			ID:        string(l.ID),
			Price:     string(l.Price),
			Currency:  l.Currency.toDomain(),
			CreatedAt: l.CreatedAt.Time,
			ExpiresAt: l.ExpiresAt.Time,
		})
	}
	return listings, nil
}

// GetOffers fetches every offer on the asset, expired or not.
func (c *Client) GetOffers(ctx context.Context, assetID string) ([]domain.RemoteOffer, error) {
	var resp offersResponse
	if err := c.get(ctx, "get_offers", namePath(assetID)+"/offers", &resp); err != nil {
		return nil, err
	}

	offers := make([]domain.RemoteOffer, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		offers = append(offers, domain.RemoteOffer{
			ID:        string(o.ID),
			Buyer:     o.Buyer,
			Price:     string(o.Price),
			Currency:  o.Currency.toDomain(),
			OrderID:   string(o.OrderID),
			CreatedAt: o.CreatedAt.Time,
			ExpiresAt: o.ExpiresAt.Time,
		})
	}
	return offers, nil
}

// Snapshot fetches owner, listings and offers concurrently.
// Any failed call fails the snapshot.
func (c *Client) Snapshot(ctx context.Context, assetID string) (*domain.NameSnapshot, error) {
	var (
		name     *Name
		listings []domain.Listing
		offers   []domain.RemoteOffer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		name, err = c.GetName(gctx, assetID)
		return err
	})
	g.Go(func() (err error) {
		listings, err = c.GetListings(gctx, assetID)
		return err
	})
	g.Go(func() (err error) {
		offers, err = c.GetOffers(gctx, assetID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.NameSnapshot{
		TokenID:  name.TokenID,
		Name:     name.Name,
		Owner:    name.Owner,
		Listings: listings,
		Offers:   offers,
	}, nil
}

func namePath(assetID string) string {
	return "/names/" + url.PathEscape(assetID)
}

// get performs one GET without retries.
func (c *Client) get(ctx context.Context, op, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &eventsource.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &eventsource.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		return &eventsource.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return &eventsource.DecodeError{Op: op, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return &eventsource.DecodeError{Op: op, Err: err}
	}
	return nil
}
