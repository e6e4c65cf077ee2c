package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// tables holds every relation of the in-memory store.
type tables struct {
	assets        map[string]*domain.Asset // keyed by id
	offers        map[string]*domain.Offer
	transactions  map[string]*domain.Transaction
	dnsRecords    map[string]*domain.DNSRecord
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
}

func newTables() *tables {
	return &tables{
		assets:        make(map[string]*domain.Asset),
		offers:        make(map[string]*domain.Offer),
		transactions:  make(map[string]*domain.Transaction),
		dnsRecords:    make(map[string]*domain.DNSRecord),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string]*domain.Message),
	}
}

// clone deep-copies all relations so a transaction can be discarded on rollback.
func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.assets {
		c.assets[k] = v.Clone()
	}
	for k, v := range t.offers {
		o := *v
		c.offers[k] = &o
	}
	for k, v := range t.transactions {
		tx := *v
		c.transactions[k] = &tx
	}
	for k, v := range t.dnsRecords {
		r := *v
		c.dnsRecords[k] = &r
	}
	for k, v := range t.conversations {
		cv := *v
		c.conversations[k] = &cv
	}
	for k, v := range t.messages {
		m := *v
		c.messages[k] = &m
	}
	return c
}

// Store is an in-memory implementation of storage.Store.
// Transactions are fully serialized and run against a private copy that
// replaces the live tables only on commit.
type Store struct {
	mu   sync.RWMutex
	data *tables
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{data: newTables()}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// InTx runs fn against a copy of the tables and publishes the copy if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memTx{t: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// GetAsset retrieves an asset by reference. Returns ErrNotFound if not exists.
func (s *Store) GetAsset(_ context.Context, ref storage.AssetRef) (*domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := findAsset(s.data, ref)
	if a == nil {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

// GetOffer retrieves an offer by id. Returns ErrNotFound if not exists.
func (s *Store) GetOffer(_ context.Context, offerID string) (*domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data.offers[offerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	offerCopy := *o
	return &offerCopy, nil
}

// ListOffers retrieves all offers for an asset, ordered by created_at ASC.
func (s *Store) ListOffers(_ context.Context, assetID string) ([]*domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return offersByAsset(s.data, assetID), nil
}

// ListTransactions retrieves all sale records for an asset, ordered by created_at ASC.
func (s *Store) ListTransactions(_ context.Context, assetID string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, t := range s.data.transactions {
		if t.AssetID == assetID {
			txCopy := *t
			result = append(result, &txCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CountDependents counts rows referencing the asset id.
func (s *Store) CountDependents(_ context.Context, assetID string) (storage.Dependents, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countDependents(s.data, assetID), nil
}

func countDependents(t *tables, assetID string) storage.Dependents {
	var d storage.Dependents
	for _, o := range t.offers {
		if o.AssetID == assetID {
			d.Offers++
		}
	}
	for _, tx := range t.transactions {
		if tx.AssetID == assetID {
			d.Transactions++
		}
	}
	for _, r := range t.dnsRecords {
		if r.AssetID == assetID {
			d.DNSRecords++
		}
	}
	convs := make(map[string]bool)
	for _, c := range t.conversations {
		if c.AssetID == assetID {
			d.Conversations++
			convs[c.ID] = true
		}
	}
	for _, m := range t.messages {
		if convs[m.ConversationID] {
			d.Messages++
		}
	}
	return d
}

func findAsset(t *tables, ref storage.AssetRef) *domain.Asset {
	if ref.ID != "" {
		return t.assets[ref.ID]
	}
	if ref.Name == "" {
		return nil
	}
	for _, a := range t.assets {
		if strings.EqualFold(a.Name, ref.Name) {
			return a
		}
	}
	return nil
}

func offersByAsset(t *tables, assetID string) []*domain.Offer {
	var result []*domain.Offer
	for _, o := range t.offers {
		if o.AssetID == assetID {
			offerCopy := *o
			result = append(result, &offerCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// memTx applies writes to a private copy of the tables.
type memTx struct {
	t *tables
}

func (x *memTx) LockAsset(_ context.Context, ref storage.AssetRef) (*domain.Asset, error) {
	a := findAsset(x.t, ref)
	if a == nil {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

func (x *memTx) InsertAsset(_ context.Context, a *domain.Asset) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[a.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if a.Name != "" && findAsset(x.t, storage.AssetRef{Name: a.Name}) != nil {
		return storage.ErrDuplicateKey
	}
	x.t.assets[a.ID] = a.Clone()
	return nil
}

func (x *memTx) UpdateAsset(_ context.Context, a *domain.Asset) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[a.ID]; !exists {
		return storage.ErrNotFound
	}
	x.t.assets[a.ID] = a.Clone()
	return nil
}

func (x *memTx) DeleteAsset(_ context.Context, assetID string) error {
	if _, exists := x.t.assets[assetID]; !exists {
		return storage.ErrNotFound
	}
	if countDependents(x.t, assetID).Total() > 0 {
		return storage.ErrConflict
	}
	delete(x.t.assets, assetID)
	return nil
}

func (x *memTx) LockOffer(_ context.Context, offerID string) (*domain.Offer, error) {
	o, ok := x.t.offers[offerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	offerCopy := *o
	return &offerCopy, nil
}

func (x *memTx) ListOffersByAsset(_ context.Context, assetID string) ([]*domain.Offer, error) {
	return offersByAsset(x.t, assetID), nil
}

func (x *memTx) InsertOffer(_ context.Context, o *domain.Offer) error {
	if o == nil || o.ID == "" || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[o.AssetID]; !exists {
		return storage.ErrConflict
	}
	if _, exists := x.t.offers[o.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if o.Status == domain.OfferPending {
		for _, other := range x.t.offers {
			if other.AssetID == o.AssetID && other.Status == domain.OfferPending && other.Bidder == o.Bidder {
				return storage.ErrDuplicateKey
			}
		}
	}
	offerCopy := *o
	x.t.offers[o.ID] = &offerCopy
	return nil
}

func (x *memTx) UpdateOfferStatus(_ context.Context, offerID string, status domain.OfferStatus, at time.Time) error {
	if !status.IsValid() {
		return storage.ErrInvalidInput
	}
	o, ok := x.t.offers[offerID]
	if !ok {
		return storage.ErrNotFound
	}
	if status == domain.OfferPending && o.Status != domain.OfferPending {
		for _, other := range x.t.offers {
			if other.ID != o.ID && other.AssetID == o.AssetID && other.Status == domain.OfferPending && other.Bidder == o.Bidder {
				return storage.ErrDuplicateKey
			}
		}
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}

func (x *memTx) InsertTransaction(_ context.Context, t *domain.Transaction) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[t.AssetID]; !exists {
		return storage.ErrConflict
	}
	if _, exists := x.t.transactions[t.ID]; exists {
		return storage.ErrDuplicateKey
	}
	txCopy := *t
	x.t.transactions[t.ID] = &txCopy
	return nil
}

func (x *memTx) InsertDNSRecord(_ context.Context, r *domain.DNSRecord) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[r.AssetID]; !exists {
		return storage.ErrConflict
	}
	if _, exists := x.t.dnsRecords[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	recCopy := *r
	x.t.dnsRecords[r.ID] = &recCopy
	return nil
}

func (x *memTx) InsertConversation(_ context.Context, c *domain.Conversation) error {
	if c == nil || c.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.assets[c.AssetID]; !exists {
		return storage.ErrConflict
	}
	if _, exists := x.t.conversations[c.ID]; exists {
		return storage.ErrDuplicateKey
	}
	convCopy := *c
	x.t.conversations[c.ID] = &convCopy
	return nil
}

func (x *memTx) InsertMessage(_ context.Context, m *domain.Message) error {
	if m == nil || m.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := x.t.conversations[m.ConversationID]; !exists {
		return storage.ErrConflict
	}
	if _, exists := x.t.messages[m.ID]; exists {
		return storage.ErrDuplicateKey
	}
	msgCopy := *m
	x.t.messages[m.ID] = &msgCopy
	return nil
}

func (x *memTx) DeleteMessagesByAsset(_ context.Context, assetID string) (int64, error) {
	convs := make(map[string]bool)
	for _, c := range x.t.conversations {
		if c.AssetID == assetID {
			convs[c.ID] = true
		}
	}
	var n int64
	for id, m := range x.t.messages {
		if convs[m.ConversationID] {
			delete(x.t.messages, id)
			n++
		}
	}
	return n, nil
}

func (x *memTx) DeleteConversationsByAsset(_ context.Context, assetID string) (int64, error) {
	var n int64
	for id, c := range x.t.conversations {
		if c.AssetID != assetID {
			continue
		}
		for _, m := range x.t.messages {
			if m.ConversationID == id {
				return 0, storage.ErrConflict
			}
		}
		delete(x.t.conversations, id)
		n++
	}
	return n, nil
}

func (x *memTx) DeleteDNSRecordsByAsset(_ context.Context, assetID string) (int64, error) {
	var n int64
	for id, r := range x.t.dnsRecords {
		if r.AssetID == assetID {
			delete(x.t.dnsRecords, id)
			n++
		}
	}
	return n, nil
}

func (x *memTx) DeleteTransactionsByAsset(_ context.Context, assetID string) (int64, error) {
	var n int64
	for id, t := range x.t.transactions {
		if t.AssetID == assetID {
			delete(x.t.transactions, id)
			n++
		}
	}
	return n, nil
}

func (x *memTx) DeleteOffersByAsset(_ context.Context, assetID string) (int64, error) {
	var n int64
	for id, o := range x.t.offers {
		if o.AssetID == assetID {
			delete(x.t.offers, id)
			n++
		}
	}
	return n, nil
}
