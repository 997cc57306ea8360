package types

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewObservationRejectsInvalidPrices(t *testing.T) {
	tests := []struct {
		name    string
		price   float64
		present bool
	}{
		{"positive", 2.5, true},
		{"zero", 0, false},
		{"negative", -1, false},
		{"nan", math.NaN(), false},
		{"inf", math.Inf(1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := NewObservation("aws", tt.price, TierPrimary)
			if obs.Present() != tt.present {
				t.Errorf("Present() = %v, want %v", obs.Present(), tt.present)
			}
			if !tt.present && obs.Tier != TierNone {
				t.Errorf("absent observation should carry tier none, got %s", obs.Tier)
			}
		})
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory("Non-Hyperscalers"); err != nil || c != CategoryNonHyperscaler {
		t.Errorf("ParseCategory(Non-Hyperscalers) = %s, %v", c, err)
	}
	if _, err := ParseCategory("neocloud"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestDiscountParamsValidate(t *testing.T) {
	ok := DiscountParams{DiscountPct: decimal.RequireFromString("0.44"), VolumeDiscountedPct: decimal.NewFromInt(1)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := DiscountParams{DiscountPct: decimal.NewFromInt(1), VolumeDiscountedPct: decimal.NewFromInt(1)}
	if err := bad.Validate(); err == nil {
		t.Error("discount of 100% must be rejected")
	}
}

func TestHistoryEntrySealAndVerify(t *testing.T) {
	entry := &HistoryEntry{
		ID:        "abc",
		CycleID:   "2025-11-14",
		Attempt:   1,
		Variant:   VariantFull,
		State:     StatePublished,
		Value:     decimal.RequireFromString("3.42"),
		Source:    SourceCalculated,
		Timestamp: time.Date(2025, 11, 14, 0, 0, 0, 0, time.UTC),
	}
	if err := entry.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !entry.VerifyHash() {
		t.Fatal("freshly sealed entry should verify")
	}

	entry.Value = decimal.RequireFromString("3.43")
	if entry.VerifyHash() {
		t.Error("tampered entry should not verify")
	}
}

func TestHistoryEntrySealRejectsNonTerminal(t *testing.T) {
	entry := &HistoryEntry{
		ID:      "abc",
		Variant: VariantFull,
		State:   StateRejected,
		Value:   decimal.NewFromInt(2),
		Source:  SourceCalculated,
	}
	if err := entry.Seal(); err == nil {
		t.Error("rejected state must not be sealable")
	}
}
