package weights

import (
	"testing"

	"github.com/shopspring/decimal"

	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

func member(id string, c types.Category, base, price string) Member {
	p := decimal.RequireFromString(price)
	return Member{
		ProviderID:     id,
		Category:       c,
		BaseWeight:     decimal.RequireFromString(base),
		RawPrice:       p,
		EffectivePrice: p,
		Tier:           types.TierPrimary,
	}
}

func fullTotals() map[types.Category]decimal.Decimal {
	return map[types.Category]decimal.Decimal{
		types.CategoryHyperscaler:    decimal.RequireFromString("0.6"),
		types.CategoryNonHyperscaler: decimal.RequireFromString("0.4"),
	}
}

func TestAllocateRedistributesWithinCategory(t *testing.T) {
	members := []Member{
		member("a", types.CategoryHyperscaler, "18.28", "4"),
		member("b", types.CategoryHyperscaler, "23.54", "5"),
		member("c", types.CategoryNonHyperscaler, "7.09", "2"),
	}

	alloc := Allocate(members, fullTotals())
	if err := Verify(alloc, DefaultTolerance); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(alloc.Starved) != 0 {
		t.Errorf("unexpected starvation: %v", alloc.Starved)
	}

	hs := alloc.CategorySum(types.CategoryHyperscaler)
	if hs.Sub(decimal.RequireFromString("0.6")).Abs().GreaterThan(DefaultTolerance) {
		t.Errorf("hyperscaler sum = %s", hs)
	}
	c := alloc.Contributions[2]
	if !c.FinalWeight.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("sole non-hyperscaler should take the full 0.4, got %s", c.FinalWeight)
	}
}

func TestAllocateAbsenceStaysWithinCategory(t *testing.T) {
	full := []Member{
		member("a", types.CategoryHyperscaler, "0.7", "4"),
		member("b", types.CategoryHyperscaler, "0.3", "5"),
		member("c", types.CategoryNonHyperscaler, "1", "2"),
		member("d", types.CategoryNonHyperscaler, "2", "2.2"),
		member("e", types.CategoryNonHyperscaler, "1", "2.1"),
	}
	before := Allocate(full, fullTotals())
	after := Allocate([]Member{full[0], full[1], full[2], full[4]}, fullTotals())

	for _, alloc := range []*Allocation{before, after} {
		if err := Verify(alloc, DefaultTolerance); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}

	hsBefore := before.CategorySum(types.CategoryHyperscaler)
	hsAfter := after.CategorySum(types.CategoryHyperscaler)
	if !hsBefore.Equal(hsAfter) {
		t.Errorf("hyperscaler total moved from %s to %s", hsBefore, hsAfter)
	}
	for i := 0; i < 2; i++ {
		if !before.Contributions[i].FinalWeight.Equal(after.Contributions[i].FinalWeight) {
			t.Errorf("%s weight changed: %s -> %s", before.Contributions[i].ProviderID,
				before.Contributions[i].FinalWeight, after.Contributions[i].FinalWeight)
		}
	}

	weight := func(a *Allocation, id string) decimal.Decimal {
		for _, c := range a.Contributions {
			if c.ProviderID == id {
				return c.FinalWeight
			}
		}
		t.Fatalf("no contribution for %s", id)
		return decimal.Zero
	}
	// c and e had 0.1 each of 0.4; d's 0.2 is split between them 1:1
	if got := weight(before, "c"); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("c before = %s, want 0.1", got)
	}
	for _, id := range []string{"c", "e"} {
		if got := weight(after, id); !got.Equal(decimal.RequireFromString("0.2")) {
			t.Errorf("%s after = %s, want 0.2", id, got)
		}
	}
	nh := after.CategorySum(types.CategoryNonHyperscaler)
	if !nh.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("non-hyperscaler total = %s, want 0.4", nh)
	}
}

func TestAllocateStarvedCategoryIsNotRenormalized(t *testing.T) {
	members := []Member{
		member("a", types.CategoryHyperscaler, "0.7", "4"),
		member("b", types.CategoryHyperscaler, "0.3", "5"),
	}

	alloc := Allocate(members, fullTotals())
	if !alloc.IsStarved(types.CategoryNonHyperscaler) {
		t.Fatal("non-hyperscaler category should be starved")
	}
	if err := Verify(alloc, DefaultTolerance); err != nil {
		t.Fatalf("starved allocation should still verify: %v", err)
	}
	if got := alloc.Total(); !got.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("total = %s, want 0.6 (no renormalization)", got)
	}
}

func TestAllocateSingleCategoryVariant(t *testing.T) {
	members := []Member{
		member("a", types.CategoryHyperscaler, "0.7", "4"),
		member("c", types.CategoryNonHyperscaler, "1", "2"),
		member("d", types.CategoryNonHyperscaler, "1", "2.2"),
	}

	alloc := Allocate(members, VariantTotals(types.VariantNonHyperscalersOnly, fullTotals()))
	if len(alloc.Contributions) != 2 {
		t.Fatalf("expected only non-hyperscalers, got %d rows", len(alloc.Contributions))
	}
	for _, w := range alloc.Contributions {
		if !w.FinalWeight.Equal(decimal.RequireFromString("0.5")) {
			t.Errorf("%s weight = %s, want 0.5", w.ProviderID, w.FinalWeight)
		}
	}
	if err := Verify(alloc, DefaultTolerance); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	alloc := Allocate([]Member{member("a", types.CategoryHyperscaler, "1", "4")}, fullTotals())
	alloc.Contributions[0].FinalWeight = decimal.RequireFromString("0.59")

	err := Verify(alloc, DefaultTolerance)
	if !errors.IsType(err, errors.TypeWeightSumMismatch) {
		t.Fatalf("expected WEIGHT_SUM_MISMATCH, got %v", err)
	}
}
