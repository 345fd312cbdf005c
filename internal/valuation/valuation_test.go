package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
)

type stubPrices struct {
	sales []models.CardPrice
	err   error

	gotCondition string
	gotSince     time.Time
}

func (s *stubPrices) ComparableSales(_ context.Context, _ models.CardIdentity, condition string, since time.Time) ([]models.CardPrice, error) {
	s.gotCondition = condition
	s.gotSince = since
	return s.sales, s.err
}

func sale(price float64, soldAt time.Time) models.CardPrice {
	return models.CardPrice{SalePrice: decimal.NewFromFloat(price), SoldAt: soldAt}
}

func TestEstimateValueFromMarket(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	prices := &stubPrices{sales: []models.CardPrice{
		sale(100, now.AddDate(0, 0, -5)),
		sale(110, now.AddDate(0, 0, -30)),
		sale(90, now.AddDate(0, 0, -60)),
	}}
	svc := NewService(prices)
	svc.now = func() time.Time { return now }

	card := models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}
	est, err := svc.EstimateValue(context.Background(), card, "near_mint")
	if err != nil {
		t.Fatalf("EstimateValue returned error: %v", err)
	}

	if !est.Value.Equal(decimal.NewFromInt(100)) {
		t.Errorf("value = %s, want 100", est.Value)
	}
	if !est.Low.Equal(decimal.NewFromInt(90)) || !est.High.Equal(decimal.NewFromInt(110)) {
		t.Errorf("band = [%s, %s], want [90, 110]", est.Low, est.High)
	}
	if est.LowConfidence {
		t.Error("market estimate should not be low confidence")
	}
	if want := now.Add(-90 * 24 * time.Hour); !prices.gotSince.Equal(want) {
		t.Errorf("lookback cutoff = %v, want %v", prices.gotSince, want)
	}
}

func TestEstimateValueFallbackTooFewSales(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	prices := &stubPrices{sales: []models.CardPrice{
		sale(100, now.AddDate(0, 0, -5)),
		sale(110, now.AddDate(0, 0, -30)),
	}}
	svc := NewService(prices)
	svc.now = func() time.Time { return now }

	card := models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}
	est, err := svc.EstimateValue(context.Background(), card, "near_mint")
	if err != nil {
		t.Fatalf("EstimateValue returned error: %v", err)
	}

	// holo_rare baseline 15 x near_mint 1.0
	if !est.Value.Equal(decimal.NewFromInt(15)) {
		t.Errorf("value = %s, want 15", est.Value)
	}
	if !est.LowConfidence {
		t.Error("fallback estimate should be low confidence")
	}
	if !est.Low.Equal(decimal.NewFromFloat(7.5)) || !est.High.Equal(decimal.NewFromFloat(22.5)) {
		t.Errorf("band = [%s, %s], want [7.5, 22.5]", est.Low, est.High)
	}
}

func TestEstimateValueFallbackConditionMultiplier(t *testing.T) {
	svc := NewService(&stubPrices{})

	tests := []struct {
		rarity    string
		condition string
		want      float64
	}{
		{"common", "near_mint", 0.50},
		{"secret_rare", "gem_mint", 112.50},
		{"rare", "damaged", 1.25},
		{"Holo Rare", "Near Mint", 15}, // identity fields normalize
		{"unknown_rarity", "unknown_condition", 1.40},
	}
	for _, tt := range tests {
		card := models.CardIdentity{Name: "Some Card", Rarity: tt.rarity}
		est, err := svc.EstimateValue(context.Background(), card, tt.condition)
		if err != nil {
			t.Fatalf("EstimateValue(%s, %s) returned error: %v", tt.rarity, tt.condition, err)
		}
		if !est.Value.Equal(decimal.NewFromFloat(tt.want)) {
			t.Errorf("value(%s, %s) = %s, want %v", tt.rarity, tt.condition, est.Value, tt.want)
		}
	}
}

func TestEstimateValueBlankNameIsNotFound(t *testing.T) {
	svc := NewService(&stubPrices{})
	_, err := svc.EstimateValue(context.Background(), models.CardIdentity{Name: "  "}, "near_mint")
	if !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestEstimateValuePriceSourceFailureDegrades(t *testing.T) {
	svc := NewService(&stubPrices{err: errors.New("connection refused")})
	card := models.CardIdentity{Name: "Pikachu", Rarity: "common"}
	est, err := svc.EstimateValue(context.Background(), card, "near_mint")
	if err != nil {
		t.Fatalf("price source failure should degrade, got error: %v", err)
	}
	if !est.LowConfidence {
		t.Error("degraded estimate should be low confidence")
	}
	if !est.Value.Equal(decimal.NewFromFloat(0.50)) {
		t.Errorf("value = %s, want 0.50", est.Value)
	}
}

func TestEstimateListing(t *testing.T) {
	svc := NewService(&stubPrices{})
	listing := &models.Listing{
		Card:      models.CardIdentity{Name: "Onix", Rarity: "common"},
		Condition: "mint",
	}
	est, err := svc.EstimateListing(context.Background(), listing)
	if err != nil {
		t.Fatalf("EstimateListing returned error: %v", err)
	}
	if !est.Value.Equal(decimal.NewFromFloat(0.60)) {
		t.Errorf("value = %s, want 0.60", est.Value)
	}
}
