// Package storage defines the persistence boundary for the marketplace
// core. Services receive a Store and never touch the database directly;
// every multi-row mutation runs inside WithTx so the offer state machine
// and the ledger get genuine all-or-nothing semantics.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
)

// Tx exposes the operations available inside one atomic transaction.
// ForUpdate reads take a row lock held until commit, so a balance check
// and the decrement that follows it cannot be separated by a concurrent
// writer.
type Tx interface {
	InsertListing(ctx context.Context, l *models.Listing) error
	GetListingForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	SetListingStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error

	InsertOffer(ctx context.Context, o *models.TradeOffer) error
	GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error)
	UpdateOffer(ctx context.Context, o *models.TradeOffer) error
	CountPendingOffers(ctx context.Context, proposerID, targetListingID uuid.UUID) (int, error)
	ExpireDuePendingOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	GetOrCreateWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error)
	GetWalletForUpdate(ctx context.Context, walletID uuid.UUID) (*models.WalletAccount, error)
	UpdateWalletBalances(ctx context.Context, walletID uuid.UUID, available, pending decimal.Decimal) error
	InsertTransaction(ctx context.Context, t *models.WalletTransaction) error

	InsertSettlement(ctx context.Context, s *models.Settlement) error
	DueSettlementsForUpdate(ctx context.Context, now time.Time) ([]models.Settlement, error)
	MarkSettlementReleased(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is the durable store the services are built against.
// Plain reads run outside any transaction; mutations go through WithTx.
type Store interface {
	// WithTx runs fn inside one transaction. A nil return commits,
	// any error rolls back every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ListListings(ctx context.Context, status models.ListingStatus) ([]models.Listing, error)

	GetOffer(ctx context.Context, id uuid.UUID) (*models.TradeOffer, error)
	ListOffersForUser(ctx context.Context, userID uuid.UUID) ([]models.TradeOffer, error)

	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error)
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error)

	ComparableSales(ctx context.Context, card models.CardIdentity, condition string, since time.Time) ([]models.CardPrice, error)
}

// IsRetriable reports whether err is a transient storage conflict worth
// retrying (serialization failure, deadlock). Business outcomes are never
// retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, faults.ErrConflict)
}
