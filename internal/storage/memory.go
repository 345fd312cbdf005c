package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
)

// MemoryStore is an in-process Store used by the service tests and local
// development. Transactions run against a deep copy of the state under a
// single mutex: the copy is swapped in on commit and discarded on error,
// so rollback and single-writer serialization match the database's
// behavior.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState

	// FailTransaction, when set, is consulted before every ledger insert.
	// Tests use it to force a mid-settlement failure.
	FailTransaction func(t *models.WalletTransaction) error
}

type memoryState struct {
	users        map[uuid.UUID]*models.User
	usersByName  map[string]uuid.UUID
	listings     map[uuid.UUID]*models.Listing
	offers       map[uuid.UUID]*models.TradeOffer
	wallets      map[uuid.UUID]*models.WalletAccount
	walletByUser map[uuid.UUID]uuid.UUID
	transactions []*models.WalletTransaction
	settlements  map[uuid.UUID]*models.Settlement
	prices       []*models.CardPrice
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:        make(map[uuid.UUID]*models.User),
		usersByName:  make(map[string]uuid.UUID),
		listings:     make(map[uuid.UUID]*models.Listing),
		offers:       make(map[uuid.UUID]*models.TradeOffer),
		wallets:      make(map[uuid.UUID]*models.WalletAccount),
		walletByUser: make(map[uuid.UUID]uuid.UUID),
		settlements:  make(map[uuid.UUID]*models.Settlement),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, u := range s.users {
		cp := *u
		c.users[id] = &cp
	}
	for name, id := range s.usersByName {
		c.usersByName[name] = id
	}
	for id, l := range s.listings {
		cp := *l
		c.listings[id] = &cp
	}
	for id, o := range s.offers {
		cp := copyOffer(o)
		c.offers[id] = &cp
	}
	for id, w := range s.wallets {
		cp := *w
		c.wallets[id] = &cp
	}
	for user, id := range s.walletByUser {
		c.walletByUser[user] = id
	}
	c.transactions = make([]*models.WalletTransaction, len(s.transactions))
	for i, t := range s.transactions {
		cp := *t
		c.transactions[i] = &cp
	}
	for id, st := range s.settlements {
		cp := *st
		c.settlements[id] = &cp
	}
	c.prices = make([]*models.CardPrice, len(s.prices))
	for i, p := range s.prices {
		cp := *p
		c.prices[i] = &cp
	}
	return c
}

func copyOffer(o *models.TradeOffer) models.TradeOffer {
	cp := *o
	cp.OfferedItems = append([]models.OfferedItem(nil), o.OfferedItems...)
	return cp
}

// WithTx runs fn against a snapshot; the snapshot replaces the live state
// only when fn returns nil. The mutex is held for the whole transaction,
// which serializes concurrent writers the way row locks do in Postgres.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	tx := &memoryTx{state: snapshot, store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

// CreateUser inserts a new user
func (s *MemoryStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.usersByName[username]; exists {
		return nil, fmt.Errorf("username %q taken: %w", username, faults.ErrConflict)
	}
	u := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.state.users[u.ID] = u
	s.state.usersByName[username] = u.ID
	cp := *u
	return &cp, nil
}

// GetUser retrieves a user by id
func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, faults.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.usersByName[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, faults.ErrNotFound)
	}
	cp := *s.state.users[id]
	return &cp, nil
}

// GetListing retrieves a listing by id
func (s *MemoryStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, faults.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

// ListListings returns listings filtered by status; an empty status returns all
func (s *MemoryStore) ListListings(ctx context.Context, status models.ListingStatus) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Listing
	for _, l := range s.state.listings {
		if status == "" || l.Status == status {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetOffer retrieves an offer by id
func (s *MemoryStore) GetOffer(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, faults.ErrNotFound)
	}
	cp := copyOffer(o)
	return &cp, nil
}

// ListOffersForUser returns offers where the user is either party
func (s *MemoryStore) ListOffersForUser(ctx context.Context, userID uuid.UUID) ([]models.TradeOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TradeOffer
	for _, o := range s.state.offers {
		if o.ProposerID == userID || o.CounterpartyID == userID {
			out = append(out, copyOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetWalletByUser retrieves the user's wallet, if one exists yet
func (s *MemoryStore) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.walletByUser[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, faults.ErrNotFound)
	}
	cp := *s.state.wallets[id]
	return &cp, nil
}

// ListWalletTransactions returns a wallet's ledger entries in creation order
func (s *MemoryStore) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WalletTransaction
	for _, t := range s.state.transactions {
		if t.WalletID == walletID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ComparableSales returns recorded sales matching the card and condition since the cutoff
func (s *MemoryStore) ComparableSales(ctx context.Context, card models.CardIdentity, condition string, since time.Time) ([]models.CardPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CardPrice
	for _, p := range s.state.prices {
		if p.Card.Name == card.Name && p.Card.Set == card.Set && p.Condition == condition && !p.SoldAt.Before(since) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// AddComparableSale records a sale for the valuation oracle (seed/test helper)
func (s *MemoryStore) AddComparableSale(p models.CardPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.state.prices = append(s.state.prices, &p)
}

// memoryTx operates on the snapshot owned by one WithTx call
type memoryTx struct {
	state *memoryState
	store *MemoryStore
}

func (tx *memoryTx) InsertListing(ctx context.Context, l *models.Listing) error {
	cp := *l
	tx.state.listings[l.ID] = &cp
	return nil
}

func (tx *memoryTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, ok := tx.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, faults.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (tx *memoryTx) SetListingStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error {
	l, ok := tx.state.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, faults.ErrNotFound)
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) InsertOffer(ctx context.Context, o *models.TradeOffer) error {
	cp := copyOffer(o)
	tx.state.offers[o.ID] = &cp
	return nil
}

func (tx *memoryTx) GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error) {
	o, ok := tx.state.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, faults.ErrNotFound)
	}
	cp := copyOffer(o)
	return &cp, nil
}

func (tx *memoryTx) UpdateOffer(ctx context.Context, o *models.TradeOffer) error {
	if _, ok := tx.state.offers[o.ID]; !ok {
		return fmt.Errorf("offer %s: %w", o.ID, faults.ErrNotFound)
	}
	cp := copyOffer(o)
	tx.state.offers[o.ID] = &cp
	return nil
}

func (tx *memoryTx) CountPendingOffers(ctx context.Context, proposerID, targetListingID uuid.UUID) (int, error) {
	n := 0
	for _, o := range tx.state.offers {
		if o.ProposerID == proposerID && o.TargetListingID == targetListingID && o.Status == models.OfferPending {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) ExpireDuePendingOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var expired []uuid.UUID
	for _, o := range tx.state.offers {
		if o.Status == models.OfferPending && !now.Before(o.ExpiresAt) {
			o.Status = models.OfferExpired
			o.UpdatedAt = now
			expired = append(expired, o.ID)
		}
	}
	return expired, nil
}

func (tx *memoryTx) GetOrCreateWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error) {
	if id, ok := tx.state.walletByUser[userID]; ok {
		cp := *tx.state.wallets[id]
		return &cp, nil
	}
	now := time.Now()
	w := &models.WalletAccount{
		ID:               uuid.New(),
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		PendingBalance:   decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx.state.wallets[w.ID] = w
	tx.state.walletByUser[userID] = w.ID
	cp := *w
	return &cp, nil
}

func (tx *memoryTx) GetWalletForUpdate(ctx context.Context, walletID uuid.UUID) (*models.WalletAccount, error) {
	w, ok := tx.state.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", walletID, faults.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (tx *memoryTx) UpdateWalletBalances(ctx context.Context, walletID uuid.UUID, available, pending decimal.Decimal) error {
	w, ok := tx.state.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, faults.ErrNotFound)
	}
	w.AvailableBalance = available
	w.PendingBalance = pending
	w.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t *models.WalletTransaction) error {
	if tx.store.FailTransaction != nil {
		if err := tx.store.FailTransaction(t); err != nil {
			return err
		}
	}
	cp := *t
	tx.state.transactions = append(tx.state.transactions, &cp)
	return nil
}

func (tx *memoryTx) InsertSettlement(ctx context.Context, s *models.Settlement) error {
	cp := *s
	tx.state.settlements[s.ID] = &cp
	return nil
}

func (tx *memoryTx) DueSettlementsForUpdate(ctx context.Context, now time.Time) ([]models.Settlement, error) {
	var out []models.Settlement
	for _, s := range tx.state.settlements {
		if s.ReleasedAt == nil && !now.Before(s.HoldUntil) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryTx) MarkSettlementReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	s, ok := tx.state.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, faults.ErrNotFound)
	}
	if s.ReleasedAt != nil {
		return fmt.Errorf("settlement %s already released: %w", id, faults.ErrConflict)
	}
	s.ReleasedAt = &at
	return nil
}
