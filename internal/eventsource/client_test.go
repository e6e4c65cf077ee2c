package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"market-sync/internal/domain"
)

func TestHTTPClient_Poll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/poll" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Api-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		q := r.URL.Query()
		if q.Get("eventTypes") != "NAME_LISTED,NAME_CANCELLED" {
			t.Errorf("unexpected eventTypes %q", q.Get("eventTypes"))
		}
		if q.Get("limit") != "50" {
			t.Errorf("unexpected limit %q", q.Get("limit"))
		}
		if q.Get("finalizedOnly") != "true" {
			t.Errorf("unexpected finalizedOnly %q", q.Get("finalizedOnly"))
		}

		resp := map[string]interface{}{
			"events": []map[string]interface{}{
				{"id": 6, "type": "NAME_CANCELLED", "data": map[string]interface{}{"tokenId": "1"}, "finalized": true},
				{"id": 5, "type": "NAME_LISTED", "data": map[string]interface{}{"tokenId": "1", "price": "1000000000000000000"}, "finalized": true},
			},
			"hasMore": true,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithAPIKey("secret"))
	result, err := client.Poll(context.Background(),
		[]domain.EventType{domain.EventNameListed, domain.EventNameCancelled}, 50, true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if !result.HasMore {
		t.Error("expected hasMore")
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.Events[0].ID != 5 || result.Events[1].ID != 6 {
		t.Errorf("expected ascending ids, got %d, %d", result.Events[0].ID, result.Events[1].ID)
	}
	if result.Events[0].Type != domain.EventNameListed {
		t.Errorf("expected NAME_LISTED, got %s", result.Events[0].Type)
	}
	if !result.Events[0].Finalized {
		t.Error("expected finalized event")
	}
}

func TestHTTPClient_AcknowledgeAndReset(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("X-Key"); got != "k" {
			t.Errorf("expected custom key header, got %q", got)
		}
		paths = append(paths, r.URL.Path)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", WithAPIKey("k"), WithAPIKeyHeader("X-Key"))
	ctx := context.Background()

	if err := client.Acknowledge(ctx, 12); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := client.Reset(ctx, 3); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if len(paths) != 2 || paths[0] != "/poll/ack/12" || paths[1] != "/poll/reset/3" {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestHTTPClient_Non2xxIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.Poll(context.Background(), nil, 10, true)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", te.StatusCode)
	}
}

func TestHTTPClient_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(server.URL, WithTimeout(50*time.Millisecond))
	_, err := client.Poll(context.Background(), nil, 10, true)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestHTTPClient_MalformedBodyIsDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events": [{"id": "not-a-number"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.Poll(context.Background(), nil, 10, true)

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestHTTPClient_NoRetry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	if err := client.Acknowledge(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}
