// Package publish hands validated index values to downstream consumers.
// Sinks own delivery and retries; this package only guarantees that what it
// hands them is well formed.
package publish

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gpu-index/core/determinism"
	"gpu-index/core/engine"
	"gpu-index/core/guard"
	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// ScaleDecimals is the fixed-point precision consumers read prices in
const ScaleDecimals = 18

// ReviewCeiling flags individually published prices for manual review
var ReviewCeiling = decimal.NewFromFloat(guard.DefaultSanityCeiling)

// PublishedValue is one index value ready for delivery
type PublishedValue struct {
	Variant          types.Variant   `json:"variant"`
	AssetID          string          `json:"asset_id"`
	Value            decimal.Decimal `json:"value"`
	Scaled           *big.Int        `json:"scaled"`
	Source           types.Source    `json:"source"`
	ContributorCount int             `json:"contributor_count"`
}

// PublishedContribution is one hyperscaler's effective price, published
// under its own asset id
type PublishedContribution struct {
	ProviderID     string          `json:"provider_id"`
	AssetID        string          `json:"asset_id"`
	RawPrice       decimal.Decimal `json:"raw_price"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	Weight         decimal.Decimal `json:"weight"`
	Scaled         *big.Int        `json:"scaled"`
	Tier           types.Tier      `json:"tier"`

	// Flagged marks a price above ReviewCeiling; it is published anyway
	Flagged bool `json:"flagged,omitempty"`
}

// Publication is everything a cycle publishes
type Publication struct {
	BatchID       string                  `json:"batch_id"`
	CycleID       string                  `json:"cycle_id"`
	Attempt       int                     `json:"attempt"`
	Timestamp     time.Time               `json:"timestamp"`
	Values        []PublishedValue        `json:"values"`
	Contributions []PublishedContribution `json:"contributions,omitempty"`
}

// Sink delivers publications
type Sink interface {
	Name() string
	Publish(ctx context.Context, pub *Publication) error
	Close() error
}

// ScalePrice converts a price to an 18-decimal fixed-point integer
func ScalePrice(d decimal.Decimal) *big.Int {
	return determinism.ScaleToFixed(d, ScaleDecimals)
}

// VariantAssetID returns the asset id an index variant is published under
func VariantAssetID(v types.Variant) string {
	switch v {
	case types.VariantHyperscalersOnly:
		return registry.AssetHyperscalersOnly
	case types.VariantNonHyperscalersOnly:
		return registry.AssetNonHyperscalers
	}
	return registry.AssetFullIndex
}

// FromReport builds a publication from a finished cycle. Only publishable
// results are included; providers with an asset id contribute their
// effective price when they were observed this cycle, flagged when it is
// above ReviewCeiling.
func FromReport(report *engine.Report, reg *registry.Registry) (*Publication, error) {
	if report.DryRun {
		return nil, errors.Publish("dry-run reports are never published", nil)
	}

	pub := &Publication{
		BatchID:   uuid.NewString(),
		CycleID:   report.CycleID,
		Attempt:   report.Attempt,
		Timestamp: report.Timestamp,
	}
	for _, res := range report.Publishable() {
		pub.Values = append(pub.Values, PublishedValue{
			Variant:          res.Variant,
			AssetID:          VariantAssetID(res.Variant),
			Value:            res.Value,
			Scaled:           ScalePrice(res.Value),
			Source:           res.Source,
			ContributorCount: res.ContributingCount(),
		})
	}

	for _, c := range report.Contributions {
		p, ok := reg.Get(c.ProviderID)
		if !ok || p.AssetID == "" || !c.EffectivePrice.IsPositive() {
			continue
		}
		pub.Contributions = append(pub.Contributions, PublishedContribution{
			ProviderID:     c.ProviderID,
			AssetID:        p.AssetID,
			RawPrice:       c.RawPrice,
			EffectivePrice: c.EffectivePrice,
			Weight:         c.FinalWeight,
			Scaled:         ScalePrice(c.EffectivePrice),
			Tier:           c.Tier,
			Flagged:        c.EffectivePrice.GreaterThan(ReviewCeiling),
		})
	}

	if err := pub.Validate(); err != nil {
		return nil, err
	}
	return pub, nil
}

// Validate refuses payloads a consumer could misread
func (p *Publication) Validate() error {
	if p.CycleID == "" {
		return errors.Publish("publication has no cycle id", nil)
	}
	if len(p.Values) == 0 {
		return errors.Publish("publication has no values", nil)
	}
	seen := make(map[types.Variant]bool, len(p.Values))
	for _, v := range p.Values {
		if v.Source == "" {
			return errors.Publish("value without source", nil).WithContext("variant", string(v.Variant))
		}
		if !v.Value.IsPositive() {
			return errors.Publish("non-positive value", nil).WithContext("variant", string(v.Variant))
		}
		if v.AssetID == "" {
			return errors.Publish("value without asset id", nil).WithContext("variant", string(v.Variant))
		}
		if seen[v.Variant] {
			return errors.Publish("duplicate variant", nil).WithContext("variant", string(v.Variant))
		}
		seen[v.Variant] = true
	}
	for _, c := range p.Contributions {
		if !c.EffectivePrice.IsPositive() || c.AssetID == "" {
			return errors.Publish("invalid contribution", nil).WithContext("provider", c.ProviderID)
		}
	}
	return nil
}
