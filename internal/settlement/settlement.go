// Package settlement finalizes accepted trade offers. The listing flips,
// the cash transfer and the offer transition happen inside one storage
// transaction: observers never see an accepted offer whose cash has not
// moved, or moved cash against a still-pending offer.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/ledger"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/storage"
)

const (
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond
)

// Result reports a completed settlement
type Result struct {
	Offer     *models.TradeOffer `json:"offer"`
	CashMoved decimal.Decimal    `json:"cash_moved"`
}

// Orchestrator executes the composite accept operation
type Orchestrator struct {
	store  storage.Store
	ledger *ledger.Service
	now    func() time.Time
}

// NewOrchestrator creates a settlement orchestrator
func NewOrchestrator(store storage.Store, ledger *ledger.Service) *Orchestrator {
	return &Orchestrator{store: store, ledger: ledger, now: time.Now}
}

// AcceptOffer transitions the offer to accepted, marks the target and all
// offered listings traded, and moves any cash amount from proposer to
// counterparty. Everything applies atomically or not at all. Transient
// storage conflicts are retried a bounded number of times; anything else
// surfaces immediately with no partial effect.
func (o *Orchestrator) AcceptOffer(ctx context.Context, offerID, actingUserID uuid.UUID) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := o.acceptOnce(ctx, offerID, actingUserID)
		if err == nil {
			return result, nil
		}
		if !storage.IsRetriable(err) {
			return nil, classify(err)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("gave up after %d attempts: %v: %w", maxAttempts, lastErr, faults.ErrSettlementFailed)
}

func (o *Orchestrator) acceptOnce(ctx context.Context, offerID, actingUserID uuid.UUID) (*Result, error) {
	var (
		result  Result
		expired bool
	)
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		offer, err := tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status.Terminal() {
			return fmt.Errorf("offer is %s: %w", offer.Status, faults.ErrAlreadyTerminal)
		}
		if actingUserID != offer.CounterpartyID {
			return fmt.Errorf("only the current counterparty may accept: %w", faults.ErrUnauthorized)
		}
		now := o.now()
		if !now.Before(offer.ExpiresAt) {
			// The deadline passed: record the expiry (this commits) and
			// fail the accept afterwards.
			offer.Status = models.OfferExpired
			offer.UpdatedAt = now
			expired = true
			return tx.UpdateOffer(ctx, offer)
		}

		target, err := tx.GetListingForUpdate(ctx, offer.TargetListingID)
		if err != nil {
			return err
		}
		if target.Status != models.ListingActive {
			return fmt.Errorf("target listing is %s: %w", target.Status, faults.ErrSettlementFailed)
		}
		// Counters flip who decides, not who pays: items and cash always
		// come from the side that does not own the target listing.
		buyer, seller := offer.ProposerID, offer.CounterpartyID
		if buyer == target.OwnerID {
			buyer, seller = seller, buyer
		}
		if target.OwnerID != seller {
			return fmt.Errorf("target listing changed hands: %w", faults.ErrSettlementFailed)
		}
		if err := tx.SetListingStatus(ctx, target.ID, models.ListingTraded); err != nil {
			return err
		}
		for _, item := range offer.OfferedItems {
			l, err := tx.GetListingForUpdate(ctx, item.ListingID)
			if err != nil {
				return err
			}
			if l.OwnerID != buyer || l.Status != models.ListingActive {
				return fmt.Errorf("offered listing %s unavailable: %w", l.ID, faults.ErrSettlementFailed)
			}
			if err := tx.SetListingStatus(ctx, l.ID, models.ListingTraded); err != nil {
				return err
			}
		}

		if offer.CashAmount.Sign() > 0 {
			ref := "offer:" + offer.ID.String()
			if err := o.ledger.TransferTx(ctx, tx, buyer, seller, offer.CashAmount, ref); err != nil {
				return err
			}
		}

		offer.Status = models.OfferAccepted
		offer.UpdatedAt = now
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}
		result = Result{Offer: offer, CashMoved: offer.CashAmount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("deadline passed before acceptance: %w", faults.ErrExpired)
	}
	return &result, nil
}

// classify keeps business outcomes as-is and folds unexpected storage
// errors into SettlementFailed
func classify(err error) error {
	for _, business := range []error{
		faults.ErrInvalidArgument,
		faults.ErrNotFound,
		faults.ErrUnauthorized,
		faults.ErrAlreadyTerminal,
		faults.ErrExpired,
		faults.ErrInsufficientFunds,
		faults.ErrSettlementFailed,
	} {
		if errors.Is(err, business) {
			return err
		}
	}
	return fmt.Errorf("%v: %w", err, faults.ErrSettlementFailed)
}
