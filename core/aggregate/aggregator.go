// Package aggregate computes index values from weight allocations.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"gpu-index/core/types"
	"gpu-index/core/weights"
)

// Aggregate returns sum(final_weight * effective_price) over the allocation.
// ok is false when nothing contributed.
func Aggregate(variant types.Variant, alloc *weights.Allocation, ts time.Time) (types.IndexResult, bool) {
	if alloc == nil || len(alloc.Contributions) == 0 {
		return types.IndexResult{Variant: variant, Timestamp: ts}, false
	}

	value := decimal.Zero
	contributors := make([]types.WeightedContribution, len(alloc.Contributions))
	for i, c := range alloc.Contributions {
		value = value.Add(c.Contribution())
		contributors[i] = c
	}

	return types.IndexResult{
		Variant:      variant,
		Value:        value,
		Source:       types.SourceCalculated,
		Timestamp:    ts,
		Contributors: contributors,
	}, true
}
