// Package fairness scores how balanced a proposed trade is. Scoring is a
// pure function of the two bundle values so the same inputs always produce
// the same score, label and suggestions.
package fairness

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/faults"
)

// Labels returned by Score, from most to least balanced
const (
	LabelVeryFair       = "Very Fair"
	LabelFair           = "Fair"
	LabelSlightly       = "Slightly Unbalanced"
	LabelVeryUnbalanced = "Very Unbalanced"
)

// Band boundaries: a ratio within the tolerance of 1.0 maps into the
// band's score range, interpolated linearly toward the ceiling as the
// ratio approaches 1.0. Band selection runs in decimal so that exact
// boundary ratios (0.95, 0.85, 0.70) land in the inclusive band.
var (
	veryFairTolerance = decimal.NewFromFloat(0.05) // ratio in [0.95, 1.05] -> [95, 100]
	fairTolerance     = decimal.NewFromFloat(0.15) // ratio in [0.85, 1.15] -> [80, 95)
	slightlyTolerance = decimal.NewFromFloat(0.30) // ratio in [0.70, 1.30] -> [60, 80)
)

// Result is the outcome of scoring one trade
type Result struct {
	Score       float64  `json:"score"`
	Label       string   `json:"label"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions"`
}

// ScoreDecimal returns the score rounded to two places for storage
func (r Result) ScoreDecimal() decimal.Decimal {
	return decimal.NewFromFloat(r.Score).Round(2)
}

// Score rates the balance of offered value against requested value on a
// 0-100 scale. requested must be positive.
func Score(offered, requested decimal.Decimal) (Result, error) {
	if requested.Sign() <= 0 {
		return Result{}, fmt.Errorf("requested value must be positive: %w", faults.ErrInvalidArgument)
	}
	if offered.Sign() < 0 {
		return Result{}, fmt.Errorf("offered value cannot be negative: %w", faults.ErrInvalidArgument)
	}

	ratioDec := offered.Div(requested)
	distDec := decimal.NewFromInt(1).Sub(ratioDec).Abs()
	ratio := ratioDec.InexactFloat64()
	dist := distDec.InexactFloat64()

	var score float64
	var label string
	switch {
	case distDec.LessThanOrEqual(veryFairTolerance):
		// [95, 100]
		score = 100 - (dist/0.05)*5
		label = LabelVeryFair
	case distDec.LessThanOrEqual(fairTolerance):
		// (80, 95)
		score = 95 - ((dist-0.05)/0.10)*15
		label = LabelFair
	case distDec.LessThanOrEqual(slightlyTolerance):
		// [60, 80)
		score = 80 - ((dist-0.15)/0.15)*20
		label = LabelSlightly
	default:
		score = math.Max(0, 60*(1-dist))
		label = LabelVeryUnbalanced
	}

	r := Result{
		Score: score,
		Label: label,
		Reasoning: fmt.Sprintf("Offered value %s against requested value %s (ratio %.2f).",
			offered.StringFixed(2), requested.StringFixed(2), ratio),
		Suggestions: suggestions(offered, requested),
	}
	return r, nil
}

func suggestions(offered, requested decimal.Decimal) []string {
	diff := offered.Sub(requested)
	switch {
	case diff.Sign() < 0:
		return []string{
			fmt.Sprintf("Add %s in cash to balance the trade.", diff.Abs().StringFixed(2)),
		}
	case diff.Sign() > 0 && diff.GreaterThan(requested.Mul(veryFairTolerance)):
		return []string{
			fmt.Sprintf("You are offering %s more than the requested value; consider asking for cash or removing an item.", diff.StringFixed(2)),
		}
	default:
		return []string{"This trade is well balanced."}
	}
}
