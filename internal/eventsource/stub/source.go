package stub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"market-sync/internal/domain"
	"market-sync/internal/eventsource"
)

// Source implements eventsource.Source in memory with a single monotonic cursor.
// Poll returns published events above the cursor in ascending order until acknowledged.
type Source struct {
	mu     sync.Mutex
	events []domain.Event
	cursor int64

	// PollErr, when set, is returned by every Poll.
	PollErr error
	// AckErr, when set, is returned by every Acknowledge without moving the cursor.
	AckErr error

	pollCalls int
	acks      []int64
	resets    []int64
}

// NewSource creates a new stub event source.
func NewSource() *Source {
	return &Source{}
}

// Compile-time interface check.
var _ eventsource.Source = (*Source)(nil)

// Publish appends an event with the given payload. Data may be nil.
func (s *Source) Publish(id int64, typ domain.EventType, data map[string]any) {
	raw, _ := json.Marshal(data)
	if data == nil {
		raw = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, domain.Event{ID: id, Type: typ, Data: raw, Finalized: true})
	sort.SliceStable(s.events, func(i, j int) bool { return s.events[i].ID < s.events[j].ID })
}

// PublishPending appends an event that is not yet finalized.
func (s *Source) PublishPending(id int64, typ domain.EventType, data map[string]any) {
	s.Publish(id, typ, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Finalized = false
		}
	}
}

// Finalize marks a previously pending event as irreversible.
func (s *Source) Finalize(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Finalized = true
		}
	}
}

// Poll returns events above the cursor in ascending id order.
func (s *Source) Poll(ctx context.Context, types []domain.EventType, limit int, finalizedOnly bool) (*eventsource.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &eventsource.TransportError{Op: "poll", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pollCalls++
	if s.PollErr != nil {
		return nil, s.PollErr
	}

	allowed := make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	result := &eventsource.PollResult{}
	for _, e := range s.events {
		if e.ID <= s.cursor {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		if finalizedOnly && !e.Finalized {
			continue
		}
		if limit > 0 && len(result.Events) == limit {
			result.HasMore = true
			break
		}
		result.Events = append(result.Events, e)
	}
	return result, nil
}

// Acknowledge moves the cursor to max(cursor, eventID).
func (s *Source) Acknowledge(ctx context.Context, eventID int64) error {
	if err := ctx.Err(); err != nil {
		return &eventsource.TransportError{Op: "acknowledge", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.acks = append(s.acks, eventID)
	if s.AckErr != nil {
		return s.AckErr
	}
	if eventID > s.cursor {
		s.cursor = eventID
	}
	return nil
}

// Reset sets the cursor unconditionally.
func (s *Source) Reset(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resets = append(s.resets, eventID)
	s.cursor = eventID
	return nil
}

// Cursor returns the current remote cursor.
func (s *Source) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// PollCalls returns the number of Poll invocations.
func (s *Source) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

// Acks returns every id passed to Acknowledge, including failed attempts.
func (s *Source) Acks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acks...)
}

// Resets returns every id passed to Reset.
func (s *Source) Resets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.resets...)
}
