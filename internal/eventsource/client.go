package eventsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"market-sync/internal/domain"
)

// Default configuration values.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultAPIKeyHeader = "Api-Key"
	maxErrorBody        = 512
)

// HTTPClient implements Source over the upstream REST poll protocol.
type HTTPClient struct {
	endpoint     string
	client       *http.Client
	apiKey       string
	apiKeyHeader string
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout. A timed-out call surfaces as TransportError.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithAPIKey sets the static key sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithAPIKeyHeader overrides the header name carrying the API key.
func WithAPIKeyHeader(name string) ClientOption {
	return func(c *HTTPClient) {
		if name != "" {
			c.apiKeyHeader = name
		}
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new event source client rooted at endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:     strings.TrimRight(endpoint, "/"),
		client:       &http.Client{Timeout: DefaultTimeout},
		apiKeyHeader: DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ Source = (*HTTPClient)(nil)

// pollResponse is the raw body of GET /poll.
type pollResponse struct {
	Events  []domain.Event `json:"events"`
	HasMore bool           `json:"hasMore"`
}

// Poll requests the next page of events above the remote cursor.
func (c *HTTPClient) Poll(ctx context.Context, types []domain.EventType, limit int, finalizedOnly bool) (*PollResult, error) {
	q := url.Values{}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("eventTypes", strings.Join(names, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("finalizedOnly", strconv.FormatBool(finalizedOnly))

	var resp pollResponse
	if err := c.do(ctx, "poll", http.MethodGet, "/poll?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	for _, e := range resp.Events {
		if e.Type == "" {
			return nil, &DecodeError{Op: "poll", Err: fmt.Errorf("event %d has no type", e.ID)}
		}
	}
	// Contiguous acknowledgment assumes ascending ids.
	sort.SliceStable(resp.Events, func(i, j int) bool {
		return resp.Events[i].ID < resp.Events[j].ID
	})

	return &PollResult{Events: resp.Events, HasMore: resp.HasMore}, nil
}

// Acknowledge advances the remote cursor past eventID.
func (c *HTTPClient) Acknowledge(ctx context.Context, eventID int64) error {
	return c.do(ctx, "acknowledge", http.MethodPost, "/poll/ack/"+strconv.FormatInt(eventID, 10), nil)
}

// Reset rewinds the remote cursor to eventID.
func (c *HTTPClient) Reset(ctx context.Context, eventID int64) error {
	return c.do(ctx, "reset", http.MethodPost, "/poll/reset/"+strconv.FormatInt(eventID, 10), nil)
}

// do performs one request without retries. A nil result still validates a non-empty body as JSON.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, result any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(truncate(respBody))}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		if result != nil {
			return &DecodeError{Op: op, Err: errors.New("empty body")}
		}
		return nil
	}

	if result == nil {
		if !json.Valid(respBody) {
			return &DecodeError{Op: op, Err: errors.New("invalid json")}
		}
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
