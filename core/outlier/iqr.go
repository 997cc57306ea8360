// Package outlier removes anomalous non-hyperscaler prices with an IQR fence.
package outlier

import (
	"sort"

	"github.com/shopspring/decimal"
)

const (
	// DefaultMultiplier is the IQR fence width
	DefaultMultiplier = 2.5

	// DefaultMinSample is the smallest set the filter will act on
	DefaultMinSample = 4
)

// Priced is one provider's price entering the filter
type Priced struct {
	ProviderID string
	Price      decimal.Decimal
}

// Exclusion records a provider removed by the fence
type Exclusion struct {
	ProviderID string          `json:"provider_id"`
	Price      decimal.Decimal `json:"price"`
	Bound      string          `json:"bound"`
}

// Result is the outcome of one filter pass
type Result struct {
	Kept     []Priced
	Excluded []Exclusion
	Q1       decimal.Decimal
	Q3       decimal.Decimal
	Lower    decimal.Decimal
	Upper    decimal.Decimal

	// Skipped is set when the sample was too small to filter
	Skipped bool
}

// Filter is an IQR outlier fence
type Filter struct {
	Multiplier decimal.Decimal
	MinSample  int
}

// NewFilter creates a filter with the given fence width and minimum sample
func NewFilter(multiplier float64, minSample int) *Filter {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	if minSample <= 0 {
		minSample = DefaultMinSample
	}
	return &Filter{Multiplier: decimal.NewFromFloat(multiplier), MinSample: minSample}
}

// Apply fences prices outside [Q1 - k*IQR, Q3 + k*IQR]. Input order is kept.
func (f *Filter) Apply(prices []Priced) Result {
	if len(prices) < f.MinSample {
		kept := make([]Priced, len(prices))
		copy(kept, prices)
		return Result{Kept: kept, Skipped: true}
	}

	values := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		values[i] = p.Price
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	q1 := Quantile(values, decimal.RequireFromString("0.25"))
	q3 := Quantile(values, decimal.RequireFromString("0.75"))
	spread := q3.Sub(q1).Mul(f.Multiplier)

	res := Result{
		Q1:    q1,
		Q3:    q3,
		Lower: q1.Sub(spread),
		Upper: q3.Add(spread),
	}
	for _, p := range prices {
		switch {
		case p.Price.LessThan(res.Lower):
			res.Excluded = append(res.Excluded, Exclusion{ProviderID: p.ProviderID, Price: p.Price, Bound: "lower"})
		case p.Price.GreaterThan(res.Upper):
			res.Excluded = append(res.Excluded, Exclusion{ProviderID: p.ProviderID, Price: p.Price, Bound: "upper"})
		default:
			res.Kept = append(res.Kept, p)
		}
	}
	return res
}

// Quantile interpolates linearly between the closest ranks of a sorted
// slice: position q*(n-1), weighted between floor and ceil.
func Quantile(sorted []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q.Mul(decimal.NewFromInt(int64(n - 1)))
	lo := pos.Floor()
	frac := pos.Sub(lo)
	i := int(lo.IntPart())
	if i >= n-1 {
		return sorted[n-1]
	}
	return sorted[i].Add(sorted[i+1].Sub(sorted[i]).Mul(frac))
}
