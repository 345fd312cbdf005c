// Package db implements storage.Store on PostgreSQL via pgx. Row locks
// (SELECT ... FOR UPDATE) inside a transaction give the offer state
// machine and the ledger their single-writer semantics.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/storage"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// WithTx runs fn inside one database transaction
func (db *DB) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&dbTx{tx: pgtx}); err != nil {
		return mapError(err)
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapError folds Postgres serialization failures and deadlocks into the
// retriable conflict kind and missing rows into NotFound
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%v: %w", err, faults.ErrConflict)
		case "23505": // unique_violation
			return fmt.Errorf("%v: %w", err, faults.ErrConflict)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%v: %w", err, faults.ErrNotFound)
	}
	return err
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to create user: %w", err))
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE id = $1",
		id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get user: %w", err))
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get user: %w", err))
	}
	return user, nil
}

const listingColumns = "id, owner_id, card_name, card_set, rarity, condition, asking_price, status, created_at, updated_at"

func scanListing(row pgx.Row) (*models.Listing, error) {
	l := &models.Listing{}
	err := row.Scan(&l.ID, &l.OwnerID, &l.Card.Name, &l.Card.Set, &l.Card.Rarity,
		&l.Condition, &l.AskingPrice, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing retrieves a listing by id
func (db *DB) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := scanListing(db.Pool.QueryRow(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE id = $1", id))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get listing: %w", err))
	}
	return l, nil
}

// ListListings returns listings filtered by status; an empty status returns all
func (db *DB) ListListings(ctx context.Context, status models.ListingStatus) ([]models.Listing, error) {
	query := "SELECT " + listingColumns + " FROM listings ORDER BY created_at DESC"
	args := []any{}
	if status != "" {
		query = "SELECT " + listingColumns + " FROM listings WHERE status = $1 ORDER BY created_at DESC"
		args = append(args, status)
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

const offerColumns = "id, proposer_id, counterparty_id, target_listing_id, cash_amount, fairness_score, status, negotiation_round, message, expires_at, created_at, updated_at"

func scanOffer(row pgx.Row) (*models.TradeOffer, error) {
	o := &models.TradeOffer{}
	err := row.Scan(&o.ID, &o.ProposerID, &o.CounterpartyID, &o.TargetListingID,
		&o.CashAmount, &o.FairnessScore, &o.Status, &o.NegotiationRound,
		&o.Message, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOfferItems(ctx context.Context, q querier, offerIDs ...uuid.UUID) (map[uuid.UUID][]models.OfferedItem, error) {
	rows, err := q.Query(ctx,
		"SELECT offer_id, listing_id, declared_value FROM offer_items WHERE offer_id = ANY($1) ORDER BY position",
		offerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer items: %w", err)
	}
	defer rows.Close()

	items := make(map[uuid.UUID][]models.OfferedItem)
	for rows.Next() {
		var offerID uuid.UUID
		var item models.OfferedItem
		if err := rows.Scan(&offerID, &item.ListingID, &item.DeclaredValue); err != nil {
			return nil, fmt.Errorf("failed to scan offer item: %w", err)
		}
		items[offerID] = append(items[offerID], item)
	}
	return items, rows.Err()
}

// GetOffer retrieves an offer with its items
func (db *DB) GetOffer(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error) {
	o, err := scanOffer(db.Pool.QueryRow(ctx,
		"SELECT "+offerColumns+" FROM trade_offers WHERE id = $1", id))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get offer: %w", err))
	}
	items, err := loadOfferItems(ctx, db.Pool, o.ID)
	if err != nil {
		return nil, err
	}
	o.OfferedItems = items[o.ID]
	return o, nil
}

// ListOffersForUser returns offers where the user is either party
func (db *DB) ListOffersForUser(ctx context.Context, userID uuid.UUID) ([]models.TradeOffer, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+offerColumns+" FROM trade_offers WHERE proposer_id = $1 OR counterparty_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []models.TradeOffer
	var ids []uuid.UUID
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return offers, nil
	}
	items, err := loadOfferItems(ctx, db.Pool, ids...)
	if err != nil {
		return nil, err
	}
	for i := range offers {
		offers[i].OfferedItems = items[offers[i].ID]
	}
	return offers, nil
}

const walletColumns = "id, user_id, available_balance, pending_balance, created_at, updated_at"

func scanWallet(row pgx.Row) (*models.WalletAccount, error) {
	w := &models.WalletAccount{}
	err := row.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.PendingBalance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWalletByUser retrieves the user's wallet, if one exists yet
func (db *DB) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error) {
	w, err := scanWallet(db.Pool.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1", userID))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get wallet: %w", err))
	}
	return w, nil
}

// ListWalletTransactions returns a wallet's ledger entries in creation order
func (db *DB) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, wallet_id, type, amount, balance_after, related_user_id, reference, status, created_at
		 FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at, id`,
		walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var entries []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.RelatedUserID, &t.Reference, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// ComparableSales returns recorded sales matching the card and condition since the cutoff
func (db *DB) ComparableSales(ctx context.Context, card models.CardIdentity, condition string, since time.Time) ([]models.CardPrice, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, card_name, card_set, rarity, condition, sale_price, sold_at
		 FROM card_prices
		 WHERE lower(card_name) = lower($1) AND lower(card_set) = lower($2) AND condition = $3 AND sold_at >= $4
		 ORDER BY sold_at DESC`,
		card.Name, card.Set, condition, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query comparable sales: %w", err)
	}
	defer rows.Close()

	var sales []models.CardPrice
	for rows.Next() {
		var p models.CardPrice
		if err := rows.Scan(&p.ID, &p.Card.Name, &p.Card.Set, &p.Card.Rarity,
			&p.Condition, &p.SalePrice, &p.SoldAt); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, p)
	}
	return sales, rows.Err()
}

// AddComparableSale records a sale for the valuation oracle
func (db *DB) AddComparableSale(ctx context.Context, p models.CardPrice) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO card_prices (id, card_name, card_set, rarity, condition, sale_price, sold_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Card.Name, p.Card.Set, p.Card.Rarity, p.Condition, p.SalePrice, p.SoldAt)
	if err != nil {
		return fmt.Errorf("failed to record sale: %w", err)
	}
	return nil
}

// dbTx implements storage.Tx on a pgx transaction
type dbTx struct {
	tx pgx.Tx
}

func (t *dbTx) InsertListing(ctx context.Context, l *models.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (id, owner_id, card_name, card_set, rarity, condition, asking_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.OwnerID, l.Card.Name, l.Card.Set, l.Card.Rarity, l.Condition,
		l.AskingPrice, l.Status, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

func (t *dbTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock listing: %w", err))
	}
	return l, nil
}

func (t *dbTx) SetListingStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

func (t *dbTx) InsertOffer(ctx context.Context, o *models.TradeOffer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trade_offers (id, proposer_id, counterparty_id, target_listing_id, cash_amount, fairness_score, status, negotiation_round, message, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.ProposerID, o.CounterpartyID, o.TargetListingID, o.CashAmount,
		o.FairnessScore, o.Status, o.NegotiationRound, o.Message, o.ExpiresAt,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return t.replaceOfferItems(ctx, o)
}

func (t *dbTx) replaceOfferItems(ctx context.Context, o *models.TradeOffer) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM offer_items WHERE offer_id = $1", o.ID); err != nil {
		return fmt.Errorf("failed to clear offer items: %w", err)
	}
	for i, item := range o.OfferedItems {
		_, err := t.tx.Exec(ctx,
			"INSERT INTO offer_items (offer_id, listing_id, declared_value, position) VALUES ($1, $2, $3, $4)",
			o.ID, item.ListingID, item.DeclaredValue, i)
		if err != nil {
			return fmt.Errorf("failed to insert offer item: %w", err)
		}
	}
	return nil
}

func (t *dbTx) GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error) {
	o, err := scanOffer(t.tx.QueryRow(ctx,
		"SELECT "+offerColumns+" FROM trade_offers WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock offer: %w", err))
	}
	items, err := loadOfferItems(ctx, t.tx, o.ID)
	if err != nil {
		return nil, err
	}
	o.OfferedItems = items[o.ID]
	return o, nil
}

func (t *dbTx) UpdateOffer(ctx context.Context, o *models.TradeOffer) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trade_offers
		 SET proposer_id = $2, counterparty_id = $3, cash_amount = $4, fairness_score = $5,
		     status = $6, negotiation_round = $7, message = $8, expires_at = $9, updated_at = $10
		 WHERE id = $1`,
		o.ID, o.ProposerID, o.CounterpartyID, o.CashAmount, o.FairnessScore,
		o.Status, o.NegotiationRound, o.Message, o.ExpiresAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer %s: %w", o.ID, faults.ErrNotFound)
	}
	return t.replaceOfferItems(ctx, o)
}

func (t *dbTx) CountPendingOffers(ctx context.Context, proposerID, targetListingID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM trade_offers WHERE proposer_id = $1 AND target_listing_id = $2 AND status = 'pending'",
		proposerID, targetListingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending offers: %w", err)
	}
	return n, nil
}

func (t *dbTx) ExpireDuePendingOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx,
		"UPDATE trade_offers SET status = 'expired', updated_at = $1 WHERE status = 'pending' AND expires_at <= $1 RETURNING id",
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire offers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *dbTx) GetOrCreateWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO wallets (id, user_id) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		uuid.New(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	w, err := scanWallet(t.tx.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock wallet: %w", err))
	}
	return w, nil
}

func (t *dbTx) GetWalletForUpdate(ctx context.Context, walletID uuid.UUID) (*models.WalletAccount, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE id = $1 FOR UPDATE", walletID))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock wallet: %w", err))
	}
	return w, nil
}

func (t *dbTx) UpdateWalletBalances(ctx context.Context, walletID uuid.UUID, available, pending decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE wallets SET available_balance = $2, pending_balance = $3, updated_at = NOW() WHERE id = $1",
		walletID, available, pending)
	if err != nil {
		return mapError(fmt.Errorf("failed to update balances: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, faults.ErrNotFound)
	}
	return nil
}

func (t *dbTx) InsertTransaction(ctx context.Context, tr *models.WalletTransaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, type, amount, balance_after, related_user_id, reference, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.WalletID, tr.Type, tr.Amount, tr.BalanceAfter, tr.RelatedUserID,
		tr.Reference, tr.Status, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (t *dbTx) InsertSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO settlements (id, reference, seller_wallet_id, gross_amount, fee_amount, net_amount, hold_until, released_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Reference, s.SellerWalletID, s.GrossAmount, s.FeeAmount, s.NetAmount,
		s.HoldUntil, s.ReleasedAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (t *dbTx) DueSettlementsForUpdate(ctx context.Context, now time.Time) ([]models.Settlement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, reference, seller_wallet_id, gross_amount, fee_amount, net_amount, hold_until, released_at, created_at
		 FROM settlements WHERE released_at IS NULL AND hold_until <= $1
		 ORDER BY created_at FOR UPDATE`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due settlements: %w", err)
	}
	defer rows.Close()

	var due []models.Settlement
	for rows.Next() {
		var s models.Settlement
		if err := rows.Scan(&s.ID, &s.Reference, &s.SellerWalletID, &s.GrossAmount,
			&s.FeeAmount, &s.NetAmount, &s.HoldUntil, &s.ReleasedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

func (t *dbTx) MarkSettlementReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE settlements SET released_at = $2 WHERE id = $1 AND released_at IS NULL", id, at)
	if err != nil {
		return fmt.Errorf("failed to mark settlement released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s already released: %w", id, faults.ErrConflict)
	}
	return nil
}

var _ storage.Store = (*DB)(nil)
