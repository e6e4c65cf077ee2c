package routing

import (
	"log"
	"sync"

	"market-sync/internal/domain"
)

// Router maps event types to handlers. Unregistered types route to a no-op.
type Router struct {
	mu       sync.RWMutex
	handlers map[domain.EventType]Handler
	logger   *log.Logger
}

// RouterOption configures Router.
type RouterOption func(*Router)

// WithLogger sets the logger for unhandled event types.
func WithLogger(l *log.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates a router with handlers for the marketplace event types.
// NAME_TOKENIZED, NAME_CLAIMED and NAME_OFFER_MADE stay informational until registered.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: map[domain.EventType]Handler{
			domain.EventNameTransferred: handleTransferred,
			domain.EventNamePurchased:   handlePurchased,
			domain.EventNameListed:      handleListed,
			domain.EventNameCancelled:   handleCancelled,
			domain.EventNameExpired:     handleExpired,
		},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs or replaces the handler for an event type.
func (r *Router) Register(t domain.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t domain.EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Route selects the mutation for one event.
func (r *Router) Route(event domain.Event) Mutation {
	r.mu.RLock()
	h, ok := r.handlers[event.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Printf("unhandled event type %s (id=%d), skipping", event.Type, event.ID)
		return Mutation{Kind: KindNoOp}
	}
	return h(event, DecodePayload(event.Data))
}

// GroupKey returns the raw asset reference key of an event: tokenId, else the lower-cased name.
// Events without an asset reference share the empty key.
func GroupKey(event domain.Event) string {
	return DecodePayload(event.Data).AssetRef().Key()
}
