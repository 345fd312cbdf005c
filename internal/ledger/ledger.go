// Package ledger owns wallet balances. Balances move only through the
// operations here; every mutation appends a transaction row with a
// balance snapshot, so replaying a wallet's entries reproduces its
// balance exactly.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/storage"
)

// Entry statuses
const (
	StatusCompleted = "completed"
	StatusHeld      = "held"
	StatusReleased  = "released"
)

// DefaultHold is how long settled proceeds stay pending before release
const DefaultHold = 72 * time.Hour

// Service moves funds between wallets atomically
type Service struct {
	store storage.Store
	now   func() time.Time
}

// NewService creates a ledger service
func NewService(store storage.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Balance returns the user's wallet, creating an empty one on first use
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*models.WalletAccount, error) {
	var wallet *models.WalletAccount
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// History returns the user's ledger entries in creation order
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]models.WalletTransaction, error) {
	wallet, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListWalletTransactions(ctx, wallet.ID)
}

// Deposit credits external funds to the user's available balance
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.WalletTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var entry *models.WalletTransaction
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		entry, err = s.creditTx(ctx, tx, userID, amount, models.TxDeposit, false, nil, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw debits the user's available balance; fails atomically if funds
// are insufficient
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.WalletTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var entry *models.WalletTransaction
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		entry, err = s.debitTx(ctx, tx, userID, amount, models.TxWithdrawal, nil, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer moves amount from one user's available balance to another's as
// one atomic unit. A failed credit rolls back the debit.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID uuid.UUID, amount decimal.Decimal, reference string) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.TransferTx(ctx, tx, fromUserID, toUserID, amount, reference)
	})
}

// TransferTx performs a transfer inside an already-open transaction. The
// settlement orchestrator uses this so the cash movement commits or rolls
// back together with the listing and offer writes.
func (s *Service) TransferTx(ctx context.Context, tx storage.Tx, fromUserID, toUserID uuid.UUID, amount decimal.Decimal, reference string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if fromUserID == toUserID {
		return fmt.Errorf("cannot transfer to the same user: %w", faults.ErrInvalidArgument)
	}

	// Lock both wallets in a fixed order so two opposing transfers
	// cannot deadlock.
	first, second := fromUserID, toUserID
	if second.String() < first.String() {
		first, second = second, first
	}
	if _, err := tx.GetOrCreateWalletForUpdate(ctx, first); err != nil {
		return err
	}
	if _, err := tx.GetOrCreateWalletForUpdate(ctx, second); err != nil {
		return err
	}

	if _, err := s.debitTx(ctx, tx, fromUserID, amount, models.TxTransferOut, &toUserID, reference); err != nil {
		return err
	}
	_, err := s.creditTx(ctx, tx, toUserID, amount, models.TxTransferIn, false, &fromUserID, reference)
	return err
}

// Settle credits net proceeds (gross minus fee) to the seller's pending
// balance and records a settlement held until the hold window passes
func (s *Service) Settle(ctx context.Context, reference string, sellerUserID uuid.UUID, gross, fee decimal.Decimal, hold time.Duration) (*models.Settlement, error) {
	if err := validAmount(gross); err != nil {
		return nil, err
	}
	if fee.Sign() < 0 || fee.GreaterThanOrEqual(gross) {
		return nil, fmt.Errorf("fee must be non-negative and below the gross amount: %w", faults.ErrInvalidArgument)
	}
	if hold <= 0 {
		hold = DefaultHold
	}
	net := gross.Sub(fee)

	var settlement *models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		entry, err := s.creditTx(ctx, tx, sellerUserID, net, models.TxSettlement, true, nil, reference)
		if err != nil {
			return err
		}
		now := s.now()
		settlement = &models.Settlement{
			ID:             uuid.New(),
			Reference:      reference,
			SellerWalletID: entry.WalletID,
			GrossAmount:    gross,
			FeeAmount:      fee,
			NetAmount:      net,
			HoldUntil:      now.Add(hold),
			CreatedAt:      now,
		}
		return tx.InsertSettlement(ctx, settlement)
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// ReleaseDue moves net proceeds of every settlement past its hold window
// from pending to available, exactly once per settlement. Safe to run
// repeatedly; the released marker prevents double release.
func (s *Service) ReleaseDue(ctx context.Context) (int, error) {
	released := 0
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		due, err := tx.DueSettlementsForUpdate(ctx, now)
		if err != nil {
			return err
		}
		for _, st := range due {
			wallet, err := tx.GetWalletForUpdate(ctx, st.SellerWalletID)
			if err != nil {
				return err
			}
			if wallet.PendingBalance.LessThan(st.NetAmount) {
				return fmt.Errorf("pending balance %s below settlement %s net %s: %w",
					wallet.PendingBalance, st.ID, st.NetAmount, faults.ErrSettlementFailed)
			}
			available := wallet.AvailableBalance.Add(st.NetAmount)
			pending := wallet.PendingBalance.Sub(st.NetAmount)
			if err := tx.UpdateWalletBalances(ctx, wallet.ID, available, pending); err != nil {
				return err
			}
			entry := &models.WalletTransaction{
				ID:           uuid.New(),
				WalletID:     wallet.ID,
				Type:         models.TxRelease,
				Amount:       st.NetAmount,
				BalanceAfter: available,
				Reference:    st.Reference,
				Status:       StatusReleased,
				CreatedAt:    now,
			}
			if err := tx.InsertTransaction(ctx, entry); err != nil {
				return err
			}
			if err := tx.MarkSettlementReleased(ctx, st.ID, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// debitTx decrements available balance and appends the ledger entry while
// the wallet row lock is held, so the sufficiency check and the decrement
// are one atomic step
func (s *Service) debitTx(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, txType models.TransactionType, related *uuid.UUID, reference string) (*models.WalletTransaction, error) {
	wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.AvailableBalance.LessThan(amount) {
		return nil, fmt.Errorf("available balance %s below %s: %w",
			wallet.AvailableBalance.StringFixed(2), amount.StringFixed(2), faults.ErrInsufficientFunds)
	}
	available := wallet.AvailableBalance.Sub(amount)
	if err := tx.UpdateWalletBalances(ctx, wallet.ID, available, wallet.PendingBalance); err != nil {
		return nil, err
	}
	entry := &models.WalletTransaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		Type:          txType,
		Amount:        amount.Neg(),
		BalanceAfter:  available,
		RelatedUserID: related,
		Reference:     reference,
		Status:        StatusCompleted,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) creditTx(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, txType models.TransactionType, toPending bool, related *uuid.UUID, reference string) (*models.WalletTransaction, error) {
	wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	available, pending := wallet.AvailableBalance, wallet.PendingBalance
	balanceAfter := decimal.Zero
	status := StatusCompleted
	if toPending {
		pending = pending.Add(amount)
		balanceAfter = pending
		status = StatusHeld
	} else {
		available = available.Add(amount)
		balanceAfter = available
	}
	if err := tx.UpdateWalletBalances(ctx, wallet.ID, available, pending); err != nil {
		return nil, err
	}
	entry := &models.WalletTransaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		Type:          txType,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		RelatedUserID: related,
		Reference:     reference,
		Status:        status,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive: %w", faults.ErrInvalidArgument)
	}
	return nil
}
