// Package types defines the core domain types for the GPU price index.
package types

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Category partitions providers into the two weighted groups
type Category string

const (
	CategoryHyperscaler    Category = "hyperscaler"
	CategoryNonHyperscaler Category = "non_hyperscaler"
)

// Categories returns both categories in a fixed order
func Categories() []Category {
	return []Category{CategoryHyperscaler, CategoryNonHyperscaler}
}

// ParseCategory accepts the canonical names and the display spellings
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hyperscaler", "hyperscalers":
		return CategoryHyperscaler, nil
	case "non_hyperscaler", "non-hyperscaler", "non_hyperscalers", "non-hyperscalers":
		return CategoryNonHyperscaler, nil
	}
	return "", fmt.Errorf("unrecognized category %q", s)
}

// Tier records which source produced an observation
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
	TierManual    Tier = "manual"
	TierNone      Tier = "none"
)

// Variant identifies one of the three published index series
type Variant string

const (
	VariantFull                Variant = "full"
	VariantHyperscalersOnly    Variant = "hyperscalers_only"
	VariantNonHyperscalersOnly Variant = "non_hyperscalers_only"
)

// AllVariants returns the variants in publication order
func AllVariants() []Variant {
	return []Variant{VariantFull, VariantHyperscalersOnly, VariantNonHyperscalersOnly}
}

// ParseVariant parses a variant name
func ParseVariant(s string) (Variant, error) {
	for _, v := range AllVariants() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Categories returns the categories that feed the variant
func (v Variant) Categories() []Category {
	switch v {
	case VariantHyperscalersOnly:
		return []Category{CategoryHyperscaler}
	case VariantNonHyperscalersOnly:
		return []Category{CategoryNonHyperscaler}
	}
	return Categories()
}

// Source tags the provenance of a published index value
type Source string

const (
	SourceCalculated       Source = "calculated"
	SourceCarryForwardPrev Source = "carry_forward_prev"
	SourceRerun            Source = "rerun"
)

// Observation is one provider's price for the cycle.
// A zero Tier or TierNone means absent.
type Observation struct {
	ProviderID string          `json:"provider_id"`
	Price      decimal.Decimal `json:"price"`
	Tier       Tier            `json:"tier"`
}

// NewObservation converts a raw float price into an observation.
// Zero, negative, NaN and infinite prices become absent.
func NewObservation(providerID string, price float64, tier Tier) Observation {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return Absent(providerID)
	}
	return Observation{ProviderID: providerID, Price: decimal.NewFromFloat(price), Tier: tier}
}

// Absent returns an observation carrying no price
func Absent(providerID string) Observation {
	return Observation{ProviderID: providerID, Tier: TierNone}
}

// Present reports whether the observation carries a usable price
func (o Observation) Present() bool {
	return o.Tier != "" && o.Tier != TierNone && o.Price.IsPositive()
}

// DiscountParams describes the enterprise discount applied to a hyperscaler.
// DiscountPct is in [0,1); VolumeDiscountedPct is in [0,1].
type DiscountParams struct {
	DiscountPct         decimal.Decimal `json:"discount_pct" yaml:"discount_pct"`
	VolumeDiscountedPct decimal.Decimal `json:"volume_discounted_pct" yaml:"volume_discounted_pct"`
}

// Validate checks the parameter ranges
func (d DiscountParams) Validate() error {
	one := decimal.NewFromInt(1)
	if d.DiscountPct.IsNegative() || d.DiscountPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("discount_pct %s outside [0,1)", d.DiscountPct)
	}
	if d.VolumeDiscountedPct.IsNegative() || d.VolumeDiscountedPct.GreaterThan(one) {
		return fmt.Errorf("volume_discounted_pct %s outside [0,1]", d.VolumeDiscountedPct)
	}
	return nil
}

// WeightedContribution is one row of the contribution table
type WeightedContribution struct {
	ProviderID     string          `json:"provider_id"`
	Category       Category        `json:"category"`
	RawPrice       decimal.Decimal `json:"raw_price"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	BaseWeight     decimal.Decimal `json:"base_weight"`
	FinalWeight    decimal.Decimal `json:"final_weight"`
	Tier           Tier            `json:"tier"`
}

// Contribution returns FinalWeight * EffectivePrice
func (c WeightedContribution) Contribution() decimal.Decimal {
	return c.FinalWeight.Mul(c.EffectivePrice)
}
