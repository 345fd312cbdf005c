// Package trade owns the trade-offer lifecycle: creation, countering,
// acceptance, rejection and expiry. Offer status never changes outside
// the operations in this package and the settlement orchestrator.
package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/fairness"
	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/settlement"
	"github.com/cardswap/cardswap/internal/storage"
	"github.com/cardswap/cardswap/internal/valuation"
)

const (
	// OfferWindow is how long an offer stays open before expiring
	OfferWindow = 7 * 24 * time.Hour

	// MaxOfferedItems bounds the proposer's side of a trade
	MaxOfferedItems = 20
)

// MaxCashAmount bounds the cash component of an offer
var MaxCashAmount = decimal.NewFromInt(10000)

// Event names published to the notifier
const (
	EventOfferCreated   = "offer_created"
	EventOfferAccepted  = "offer_accepted"
	EventOfferRejected  = "offer_rejected"
	EventOfferCountered = "offer_countered"
	EventOfferExpired   = "offer_expired"
)

// Notifier receives fire-and-forget events after a transaction commits.
// Delivery failures never affect the offer or the ledger.
type Notifier interface {
	Publish(event string, payload any)
}

// CreateRequest is a validated request to open a trade offer
type CreateRequest struct {
	TargetListingID uuid.UUID
	CashAmount      decimal.Decimal
	OfferedItems    []models.OfferedItem
	Message         string
}

// CounterRequest replaces the negotiable parts of an offer for a new round
type CounterRequest struct {
	CashAmount   decimal.Decimal
	OfferedItems []models.OfferedItem
	Message      string
}

// Service is the trade-offer state machine
type Service struct {
	store    storage.Store
	valuer   *valuation.Service
	settler  *settlement.Orchestrator
	notifier Notifier
	now      func() time.Time
}

// NewService creates a trade service
func NewService(store storage.Store, valuer *valuation.Service, settler *settlement.Orchestrator, notifier Notifier) *Service {
	return &Service{store: store, valuer: valuer, settler: settler, notifier: notifier, now: time.Now}
}

// Get returns a single offer
func (s *Service) Get(ctx context.Context, offerID uuid.UUID) (*models.TradeOffer, error) {
	return s.store.GetOffer(ctx, offerID)
}

// ListForUser returns offers where the user is either party
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.TradeOffer, error) {
	return s.store.ListOffersForUser(ctx, userID)
}

// Create opens a new trade offer against an active listing. No funds move
// until acceptance.
func (s *Service) Create(ctx context.Context, proposerID uuid.UUID, req CreateRequest) (*models.TradeOffer, error) {
	if err := validateBundle(req.CashAmount, req.OfferedItems); err != nil {
		return nil, err
	}

	target, err := s.store.GetListing(ctx, req.TargetListingID)
	if err != nil {
		return nil, err
	}
	if target.OwnerID == proposerID {
		return nil, fmt.Errorf("cannot trade with yourself: %w", faults.ErrInvalidArgument)
	}
	if target.Status != models.ListingActive {
		return nil, fmt.Errorf("target listing is %s: %w", target.Status, faults.ErrInvalidArgument)
	}

	// Valuations read market data outside the transaction; the score is
	// advisory and is not part of the atomic section.
	score, err := s.scoreBundle(ctx, req.CashAmount, req.OfferedItems, target)
	if err != nil {
		return nil, err
	}

	now := s.now()
	offer := &models.TradeOffer{
		ID:               uuid.New(),
		ProposerID:       proposerID,
		CounterpartyID:   target.OwnerID,
		TargetListingID:  target.ID,
		OfferedItems:     req.OfferedItems,
		CashAmount:       req.CashAmount,
		FairnessScore:    score.ScoreDecimal(),
		Status:           models.OfferPending,
		NegotiationRound: 1,
		Message:          req.Message,
		ExpiresAt:        now.Add(OfferWindow),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetListingForUpdate(ctx, target.ID)
		if err != nil {
			return err
		}
		if t.Status != models.ListingActive {
			return fmt.Errorf("target listing is %s: %w", t.Status, faults.ErrInvalidArgument)
		}
		if err := s.checkOfferedItems(ctx, tx, req.OfferedItems, proposerID); err != nil {
			return err
		}
		pending, err := tx.CountPendingOffers(ctx, proposerID, target.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("a pending offer for this listing already exists: %w", faults.ErrConflict)
		}
		return tx.InsertOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}

	s.publish(EventOfferCreated, offer)
	return offer, nil
}

// Accept settles the offer: listings flip, cash moves, status becomes
// accepted, all atomically. Only the current counterparty may accept.
func (s *Service) Accept(ctx context.Context, offerID, actingUserID uuid.UUID) (*settlement.Result, error) {
	result, err := s.settler.AcceptOffer(ctx, offerID, actingUserID)
	if err != nil {
		return nil, err
	}
	s.publish(EventOfferAccepted, result.Offer)
	return result, nil
}

// Reject declines a pending offer. Rejecting an already-rejected offer is
// a no-op success; rejecting an accepted or expired offer fails.
func (s *Service) Reject(ctx context.Context, offerID, actingUserID uuid.UUID) error {
	var rejected *models.TradeOffer
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		offer, err := tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if actingUserID != offer.CounterpartyID {
			return fmt.Errorf("only the counterparty may reject: %w", faults.ErrUnauthorized)
		}
		switch offer.Status {
		case models.OfferRejected:
			return nil // idempotent
		case models.OfferAccepted, models.OfferExpired:
			return fmt.Errorf("offer is %s: %w", offer.Status, faults.ErrAlreadyTerminal)
		}
		offer.Status = models.OfferRejected
		offer.UpdatedAt = s.now()
		rejected = offer
		return tx.UpdateOffer(ctx, offer)
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		s.publish(EventOfferRejected, rejected)
	}
	return nil
}

// Counter starts a new negotiation round: either party replaces the cash
// and item bundle, the fairness score is recomputed, the deadline resets
// and the accept/reject decision passes to the other party.
func (s *Service) Counter(ctx context.Context, offerID, actingUserID uuid.UUID, req CounterRequest) (*models.TradeOffer, error) {
	if err := validateBundle(req.CashAmount, req.OfferedItems); err != nil {
		return nil, err
	}

	current, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actingUserID != current.ProposerID && actingUserID != current.CounterpartyID {
		return nil, fmt.Errorf("not a party to this offer: %w", faults.ErrUnauthorized)
	}
	target, err := s.store.GetListing(ctx, current.TargetListingID)
	if err != nil {
		return nil, err
	}
	// Items and cash always come from the side that does not own the
	// target listing, no matter which party counters.
	buyer := current.ProposerID
	if buyer == target.OwnerID {
		buyer = current.CounterpartyID
	}

	score, err := s.scoreBundle(ctx, req.CashAmount, req.OfferedItems, target)
	if err != nil {
		return nil, err
	}

	var (
		countered *models.TradeOffer
		expired   bool
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		offer, err := tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferPending {
			return fmt.Errorf("offer is %s: %w", offer.Status, faults.ErrAlreadyTerminal)
		}
		now := s.now()
		if !now.Before(offer.ExpiresAt) {
			offer.Status = models.OfferExpired
			offer.UpdatedAt = now
			expired = true
			return tx.UpdateOffer(ctx, offer)
		}
		if err := s.checkOfferedItems(ctx, tx, req.OfferedItems, buyer); err != nil {
			return err
		}

		other := offer.ProposerID
		if actingUserID == offer.ProposerID {
			other = offer.CounterpartyID
		}
		offer.ProposerID = actingUserID
		offer.CounterpartyID = other
		offer.OfferedItems = req.OfferedItems
		offer.CashAmount = req.CashAmount
		offer.FairnessScore = score.ScoreDecimal()
		offer.NegotiationRound++
		offer.Message = req.Message
		offer.Status = models.OfferPending
		offer.ExpiresAt = now.Add(OfferWindow)
		offer.UpdatedAt = now
		countered = offer
		return tx.UpdateOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("deadline passed before countering: %w", faults.ErrExpired)
	}

	s.publish(EventOfferCountered, countered)
	return countered, nil
}

// ExpireSweep transitions every pending offer past its deadline to
// expired. Safe to run repeatedly.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	var expired []uuid.UUID
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		expired, err = tx.ExpireDuePendingOffers(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		s.publish(EventOfferExpired, map[string]any{"offer_id": id})
	}
	return len(expired), nil
}

// ScoreFairness exposes scoring of arbitrary bundle values
func (s *Service) ScoreFairness(offered, requested decimal.Decimal) (fairness.Result, error) {
	return fairness.Score(offered, requested)
}

// scoreBundle values both sides of the trade and scores the balance.
// Offered listings are valued by the market, not by the proposer's
// declared values.
func (s *Service) scoreBundle(ctx context.Context, cash decimal.Decimal, items []models.OfferedItem, target *models.Listing) (fairness.Result, error) {
	offeredTotal := cash
	for _, item := range items {
		l, err := s.store.GetListing(ctx, item.ListingID)
		if err != nil {
			return fairness.Result{}, err
		}
		est, err := s.valuer.EstimateListing(ctx, l)
		if err != nil {
			return fairness.Result{}, err
		}
		offeredTotal = offeredTotal.Add(est.Value)
	}
	targetEst, err := s.valuer.EstimateListing(ctx, target)
	if err != nil {
		return fairness.Result{}, err
	}
	return fairness.Score(offeredTotal, targetEst.Value)
}

// checkOfferedItems verifies every offered listing belongs to the owner
// side and is still active, under row locks
func (s *Service) checkOfferedItems(ctx context.Context, tx storage.Tx, items []models.OfferedItem, ownerID uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		if seen[item.ListingID] {
			return fmt.Errorf("listing %s offered twice: %w", item.ListingID, faults.ErrInvalidArgument)
		}
		seen[item.ListingID] = true
		l, err := tx.GetListingForUpdate(ctx, item.ListingID)
		if err != nil {
			return err
		}
		if l.OwnerID != ownerID {
			return fmt.Errorf("listing %s is not yours to offer: %w", l.ID, faults.ErrUnauthorized)
		}
		if l.Status != models.ListingActive {
			return fmt.Errorf("offered listing %s is %s: %w", l.ID, l.Status, faults.ErrInvalidArgument)
		}
	}
	return nil
}

func (s *Service) publish(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Publish(event, payload)
	}
}

func validateBundle(cash decimal.Decimal, items []models.OfferedItem) error {
	if cash.Sign() < 0 {
		return fmt.Errorf("cash amount cannot be negative: %w", faults.ErrInvalidArgument)
	}
	if cash.GreaterThan(MaxCashAmount) {
		return fmt.Errorf("cash amount exceeds %s: %w", MaxCashAmount, faults.ErrInvalidArgument)
	}
	if len(items) > MaxOfferedItems {
		return fmt.Errorf("at most %d items per offer: %w", MaxOfferedItems, faults.ErrInvalidArgument)
	}
	if cash.Sign() == 0 && len(items) == 0 {
		return fmt.Errorf("offer must include cash or items: %w", faults.ErrInvalidArgument)
	}
	for _, item := range items {
		if item.DeclaredValue.Sign() < 0 {
			return fmt.Errorf("declared value cannot be negative: %w", faults.ErrInvalidArgument)
		}
	}
	return nil
}
