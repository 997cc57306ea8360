package discount

import (
	"testing"

	"github.com/shopspring/decimal"

	"gpu-index/core/types"
)

func params(d, v string) types.DiscountParams {
	return types.DiscountParams{
		DiscountPct:         decimal.RequireFromString(d),
		VolumeDiscountedPct: decimal.RequireFromString(v),
	}
}

func TestBlend(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		d, v   string
		expect string
	}{
		{"half off for 80% of volume", "10", "0.5", "0.8", "6.0"},
		{"no volume discounted", "10", "0.5", "0", "10"},
		{"all volume discounted", "10", "0.44", "1", "5.6"},
		{"zero discount", "4.2", "0", "0.65", "4.2"},
		{"azure defaults", "10", "0.65", "0.65", "5.775"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Blend(decimal.RequireFromString(tt.raw), params(tt.d, tt.v))
			if !got.Equal(decimal.RequireFromString(tt.expect)) {
				t.Errorf("Blend(%s, %s, %s) = %s, want %s", tt.raw, tt.d, tt.v, got, tt.expect)
			}
		})
	}
}

func TestEffectivePriceAbsent(t *testing.T) {
	p := params("0.5", "0.8")
	if _, ok := EffectivePrice(types.Absent("aws"), &p); ok {
		t.Error("absent observation must stay absent")
	}
}

func TestEffectivePriceWithoutParams(t *testing.T) {
	obs := types.NewObservation("coreweave", 4.25, types.TierPrimary)
	got, ok := EffectivePrice(obs, nil)
	if !ok || !got.Equal(decimal.RequireFromString("4.25")) {
		t.Errorf("got %s, %v; want 4.25 unchanged", got, ok)
	}
}
