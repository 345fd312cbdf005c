package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
)

func TestWithTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	listing := &models.Listing{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Card:      models.CardIdentity{Name: "Pikachu"},
		Condition: "mint",
		Status:    models.ListingActive,
		CreatedAt: time.Now(),
	}
	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertListing(ctx, listing)
	})
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("abort")
	err = store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SetListingStatus(ctx, listing.ID, models.ListingSold); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want abort error", err)
	}

	got, err := store.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ListingActive {
		t.Errorf("status = %s, failed transaction must not leak writes", got.Status)
	}
}

func TestWithTxSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	userID := uuid.New()

	err := store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		return tx.UpdateWalletBalances(ctx, w.ID, decimal.NewFromInt(10), decimal.Zero)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the returned copy must not touch stored state.
	w, err := store.GetWalletByUser(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	w.AvailableBalance = decimal.NewFromInt(999)

	again, err := store.GetWalletByUser(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AvailableBalance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("available = %s, want 10", again.AvailableBalance)
	}
}

func TestIsRetriable(t *testing.T) {
	wrapped := fmt.Errorf("serialization failure: %w", faults.ErrConflict)
	if !IsRetriable(wrapped) {
		t.Error("wrapped ErrConflict should be retriable")
	}
	if IsRetriable(faults.ErrNotFound) {
		t.Error("ErrNotFound is not retriable")
	}
	if IsRetriable(nil) {
		t.Error("nil is not retriable")
	}
}
