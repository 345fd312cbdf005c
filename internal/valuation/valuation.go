// Package valuation estimates fair market value for cards. Estimates come
// from recent comparable sales when enough exist, otherwise from a
// conservative rarity/condition baseline. A well-formed card identity
// always gets a usable number back, never an error.
package valuation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/models"
)

// PriceSource provides comparable sales for a card, most often backed by
// the card_prices table
type PriceSource interface {
	ComparableSales(ctx context.Context, card models.CardIdentity, condition string, since time.Time) ([]models.CardPrice, error)
}

const (
	minComparables = 3
	lookback       = 90 * 24 * time.Hour
)

// Baseline values per rarity, in currency units for a near-mint card.
// Used when the market has too few comparable sales.
var rarityBaseValues = map[string]decimal.Decimal{
	"common":      decimal.NewFromFloat(0.50),
	"uncommon":    decimal.NewFromFloat(1.50),
	"rare":        decimal.NewFromFloat(5),
	"holo_rare":   decimal.NewFromFloat(15),
	"ultra_rare":  decimal.NewFromFloat(40),
	"secret_rare": decimal.NewFromFloat(75),
}

var conditionMultipliers = map[string]decimal.Decimal{
	"gem_mint":          decimal.NewFromFloat(1.5),
	"mint":              decimal.NewFromFloat(1.2),
	"near_mint":         decimal.NewFromInt(1),
	"lightly_played":    decimal.NewFromFloat(0.8),
	"moderately_played": decimal.NewFromFloat(0.6),
	"heavily_played":    decimal.NewFromFloat(0.4),
	"damaged":           decimal.NewFromFloat(0.25),
}

var (
	defaultBaseValue           = decimal.NewFromInt(2)
	defaultConditionMultiplier = decimal.NewFromFloat(0.7)
	marketBandWidth            = decimal.NewFromFloat(0.10)
	fallbackBandWidth          = decimal.NewFromFloat(0.50)
)

// Estimate is a fair-market-value estimate with a confidence band
type Estimate struct {
	Value         decimal.Decimal `json:"value"`
	Low           decimal.Decimal `json:"low"`
	High          decimal.Decimal `json:"high"`
	LowConfidence bool            `json:"low_confidence"`
	Rationale     string          `json:"rationale"`
}

// Service estimates card values from a price source
type Service struct {
	prices PriceSource
	now    func() time.Time
}

// NewService creates a valuation service
func NewService(prices PriceSource) *Service {
	return &Service{prices: prices, now: time.Now}
}

// EstimateValue returns a fair-market-value estimate for a card in a given
// condition. It fails only for a missing card name; a card the market has
// never seen still gets the conservative fallback.
func (s *Service) EstimateValue(ctx context.Context, card models.CardIdentity, condition string) (*Estimate, error) {
	if strings.TrimSpace(card.Name) == "" {
		return nil, fmt.Errorf("card name required: %w", faults.ErrNotFound)
	}

	sales, err := s.prices.ComparableSales(ctx, card, normalize(condition), s.now().Add(-lookback))
	if err == nil && len(sales) >= minComparables {
		return marketEstimate(sales), nil
	}
	// A price-source failure degrades to the fallback rather than failing
	// the caller; the estimate is flagged low confidence either way.
	return fallbackEstimate(card, condition), nil
}

// EstimateListing is a convenience wrapper for a listed card
func (s *Service) EstimateListing(ctx context.Context, l *models.Listing) (*Estimate, error) {
	return s.EstimateValue(ctx, l.Card, l.Condition)
}

func marketEstimate(sales []models.CardPrice) *Estimate {
	sum := decimal.Zero
	for _, sale := range sales {
		sum = sum.Add(sale.SalePrice)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(sales)))).Round(2)
	band := mean.Mul(marketBandWidth)
	return &Estimate{
		Value:     mean,
		Low:       mean.Sub(band).Round(2),
		High:      mean.Add(band).Round(2),
		Rationale: fmt.Sprintf("Average of %d comparable sales in the last 90 days.", len(sales)),
	}
}

func fallbackEstimate(card models.CardIdentity, condition string) *Estimate {
	base, ok := rarityBaseValues[normalize(card.Rarity)]
	if !ok {
		base = defaultBaseValue
	}
	mult, ok := conditionMultipliers[normalize(condition)]
	if !ok {
		mult = defaultConditionMultiplier
	}
	value := base.Mul(mult).Round(2)
	band := value.Mul(fallbackBandWidth)
	return &Estimate{
		Value:         value,
		Low:           value.Sub(band).Round(2),
		High:          value.Add(band).Round(2),
		LowConfidence: true,
		Rationale:     fmt.Sprintf("No recent market data; baseline for a %s card in %s condition.", card.Rarity, condition),
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
