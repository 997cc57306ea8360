// Package weights turns registry base weights into final per-provider weights
// for the providers that survive a cycle.
package weights

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gpu-index/core/determinism"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// DefaultTolerance bounds weight-sum drift
var DefaultTolerance = decimal.New(1, -6)

// Member is a surviving provider entering allocation
type Member struct {
	ProviderID     string
	Category       types.Category
	BaseWeight     decimal.Decimal
	RawPrice       decimal.Decimal
	EffectivePrice decimal.Decimal
	Tier           types.Tier
}

// Allocation is the weight table for one variant
type Allocation struct {
	Totals        map[types.Category]decimal.Decimal
	Contributions []types.WeightedContribution
	Starved       []types.Category
}

// IsStarved reports whether the category had no survivors
func (a *Allocation) IsStarved(c types.Category) bool {
	for _, s := range a.Starved {
		if s == c {
			return true
		}
	}
	return false
}

// CategorySum returns the sum of final weights within a category
func (a *Allocation) CategorySum(c types.Category) decimal.Decimal {
	return determinism.Sum(a.finalWeights(func(w types.WeightedContribution) bool { return w.Category == c }))
}

// Total returns the sum of all final weights
func (a *Allocation) Total() decimal.Decimal {
	return determinism.Sum(a.finalWeights(nil))
}

func (a *Allocation) finalWeights(keep func(types.WeightedContribution) bool) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(a.Contributions))
	for _, w := range a.Contributions {
		if keep == nil || keep(w) {
			out = append(out, w.FinalWeight)
		}
	}
	return out
}

// Allocate distributes each category's total over its members in proportion
// to base weight. Members are kept in input order. A category in totals with
// no members is recorded as starved and contributes nothing; its share is not
// moved to the other category. Members of categories absent from totals are
// ignored.
func Allocate(members []Member, totals map[types.Category]decimal.Decimal) *Allocation {
	alloc := &Allocation{Totals: totals}

	baseSums := make(map[types.Category]decimal.Decimal)
	for _, m := range members {
		if _, ok := totals[m.Category]; !ok {
			continue
		}
		baseSums[m.Category] = baseSums[m.Category].Add(m.BaseWeight)
	}

	for _, c := range types.Categories() {
		if _, ok := totals[c]; !ok {
			continue
		}
		if !baseSums[c].IsPositive() {
			alloc.Starved = append(alloc.Starved, c)
		}
	}

	for _, m := range members {
		total, ok := totals[m.Category]
		if !ok || !baseSums[m.Category].IsPositive() {
			continue
		}
		alloc.Contributions = append(alloc.Contributions, types.WeightedContribution{
			ProviderID:     m.ProviderID,
			Category:       m.Category,
			RawPrice:       m.RawPrice,
			EffectivePrice: m.EffectivePrice,
			BaseWeight:     m.BaseWeight,
			FinalWeight:    total.Mul(m.BaseWeight).Div(baseSums[m.Category]),
			Tier:           m.Tier,
		})
	}
	return alloc
}

// Verify checks that every non-starved category sums to its total and the
// grand total matches the sum of non-starved totals.
func Verify(a *Allocation, tolerance decimal.Decimal) error {
	expected := decimal.Zero
	for _, c := range types.Categories() {
		total, ok := a.Totals[c]
		if !ok || a.IsStarved(c) {
			continue
		}
		expected = expected.Add(total)
		if got := a.CategorySum(c); !determinism.WithinTolerance(got, total, tolerance) {
			return errors.WeightSumMismatch(fmt.Sprintf("%s weights sum to %s, want %s", c, got, total)).
				WithContext("category", string(c))
		}
	}
	for _, w := range a.Contributions {
		if w.FinalWeight.IsNegative() {
			return errors.WeightSumMismatch(fmt.Sprintf("provider %s has negative weight %s", w.ProviderID, w.FinalWeight))
		}
	}
	if got := a.Total(); !determinism.WithinTolerance(got, expected, tolerance) {
		return errors.WeightSumMismatch(fmt.Sprintf("weights sum to %s, want %s", got, expected))
	}
	return nil
}

// VariantTotals returns the category totals a variant allocates against
func VariantTotals(v types.Variant, registryTotals map[types.Category]decimal.Decimal) map[types.Category]decimal.Decimal {
	switch v {
	case types.VariantHyperscalersOnly:
		return map[types.Category]decimal.Decimal{types.CategoryHyperscaler: decimal.NewFromInt(1)}
	case types.VariantNonHyperscalersOnly:
		return map[types.Category]decimal.Decimal{types.CategoryNonHyperscaler: decimal.NewFromInt(1)}
	}
	out := make(map[types.Category]decimal.Decimal, len(registryTotals))
	for c, t := range registryTotals {
		out[c] = t
	}
	return out
}
