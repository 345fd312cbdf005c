package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListingStatus is the lifecycle status of a card listing
type ListingStatus string

const (
	ListingActive  ListingStatus = "active"
	ListingTraded  ListingStatus = "traded"
	ListingSold    ListingStatus = "sold"
	ListingRemoved ListingStatus = "removed"
)

// CardIdentity identifies a card independent of any particular listing
type CardIdentity struct {
	Name   string `json:"name"`
	Set    string `json:"set"`
	Rarity string `json:"rarity"`
}

// Listing is a card offered for sale or trade
type Listing struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Card        CardIdentity    `json:"card"`
	Condition   string          `json:"condition"`
	AskingPrice decimal.Decimal `json:"asking_price"`
	Status      ListingStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OfferStatus is the lifecycle status of a trade offer
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCountered OfferStatus = "countered"
	OfferExpired   OfferStatus = "expired"
)

// Terminal reports whether no further transition is permitted from s.
// countered is not terminal: it marks a round superseded by a counter.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferExpired
}

// OfferedItem is one listing on the proposer's side of a trade,
// with the value the proposer claims it is worth
type OfferedItem struct {
	ListingID     uuid.UUID       `json:"listing_id"`
	DeclaredValue decimal.Decimal `json:"declared_value"`
}

// TradeOffer is a proposal to exchange listed cards and/or cash
// for another user's listing
type TradeOffer struct {
	ID               uuid.UUID       `json:"id"`
	ProposerID       uuid.UUID       `json:"proposer_id"`
	CounterpartyID   uuid.UUID       `json:"counterparty_id"`
	TargetListingID  uuid.UUID       `json:"target_listing_id"`
	OfferedItems     []OfferedItem   `json:"offered_items"`
	CashAmount       decimal.Decimal `json:"cash_amount"`
	FairnessScore    decimal.Decimal `json:"fairness_score"` // 0-100
	Status           OfferStatus     `json:"status"`
	NegotiationRound int             `json:"negotiation_round"`
	Message          string          `json:"message,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// WalletAccount holds a user's funds
type WalletAccount struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxTransferIn  TransactionType = "transfer_in"
	TxTransferOut TransactionType = "transfer_out"
	TxSettlement  TransactionType = "settlement" // credit held as pending
	TxRelease     TransactionType = "release"    // pending moved to available
)

// WalletTransaction is one append-only ledger entry. Amount is signed;
// BalanceAfter snapshots the affected balance immediately after applying
// the entry (pending for settlement entries, available otherwise).
type WalletTransaction struct {
	ID            uuid.UUID       `json:"id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	RelatedUserID *uuid.UUID      `json:"related_user_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Settlement links a completed sale/trade to the net proceeds held
// for the seller until the hold window passes
type Settlement struct {
	ID             uuid.UUID       `json:"id"`
	Reference      string          `json:"reference"`
	SellerWalletID uuid.UUID       `json:"seller_wallet_id"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	HoldUntil      time.Time       `json:"hold_until"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CardPrice is one comparable sale feeding the valuation service
type CardPrice struct {
	ID        uuid.UUID       `json:"id"`
	Card      CardIdentity    `json:"card"`
	Condition string          `json:"condition"`
	SalePrice decimal.Decimal `json:"sale_price"`
	SoldAt    time.Time       `json:"sold_at"`
}
