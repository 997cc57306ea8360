package outlier

import (
	"testing"

	"github.com/shopspring/decimal"
)

func priced(values ...string) []Priced {
	out := make([]Priced, len(values))
	for i, v := range values {
		out[i] = Priced{ProviderID: string(rune('a' + i)), Price: decimal.RequireFromString(v)}
	}
	return out
}

func TestApplyExcludesFarOutlier(t *testing.T) {
	f := NewFilter(DefaultMultiplier, DefaultMinSample)
	res := f.Apply(priced("1", "2", "3", "4", "10"))

	if res.Skipped {
		t.Fatal("filter should run on five prices")
	}
	checks := map[string]decimal.Decimal{"Q1": res.Q1, "Q3": res.Q3, "Upper": res.Upper}
	want := map[string]string{"Q1": "2", "Q3": "4", "Upper": "9"}
	for name, got := range checks {
		if !got.Equal(decimal.RequireFromString(want[name])) {
			t.Errorf("%s = %s, want %s", name, got, want[name])
		}
	}
	if len(res.Excluded) != 1 || res.Excluded[0].ProviderID != "e" {
		t.Fatalf("expected only e (10) excluded, got %+v", res.Excluded)
	}
	if res.Excluded[0].Bound != "upper" {
		t.Errorf("bound = %s, want upper", res.Excluded[0].Bound)
	}
	if len(res.Kept) != 4 {
		t.Errorf("kept %d, want 4", len(res.Kept))
	}
}

func TestApplyLowerBound(t *testing.T) {
	f := NewFilter(DefaultMultiplier, DefaultMinSample)
	res := f.Apply(priced("0.01", "2.0", "2.1", "2.2", "2.3", "2.4"))

	if len(res.Excluded) != 1 || res.Excluded[0].Bound != "lower" {
		t.Fatalf("expected the 0.01 price fenced below, got %+v", res.Excluded)
	}
}

func TestApplySkipsSmallSamples(t *testing.T) {
	f := NewFilter(DefaultMultiplier, DefaultMinSample)
	res := f.Apply(priced("1", "2", "100"))

	if !res.Skipped {
		t.Fatal("three prices should skip filtering")
	}
	if len(res.Kept) != 3 || len(res.Excluded) != 0 {
		t.Errorf("skipped filter must keep everything, got kept=%d excluded=%d", len(res.Kept), len(res.Excluded))
	}
}

func TestApplyPreservesInputOrder(t *testing.T) {
	f := NewFilter(DefaultMultiplier, DefaultMinSample)
	res := f.Apply(priced("3", "1", "4", "2"))
	for i, want := range []string{"a", "b", "c", "d"} {
		if res.Kept[i].ProviderID != want {
			t.Fatalf("kept order changed: %+v", res.Kept)
		}
	}
}

func TestQuantileInterpolates(t *testing.T) {
	sorted := []decimal.Decimal{
		decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(4),
	}
	got := Quantile(sorted, decimal.RequireFromString("0.25"))
	if !got.Equal(decimal.RequireFromString("1.75")) {
		t.Errorf("Q1 of 1..4 = %s, want 1.75", got)
	}
}
