package resolver

import (
	"context"

	"github.com/shopspring/decimal"

	"gpu-index/core/registry"
	"gpu-index/core/types"
)

// ObservationSource serves the prices ingested for the current cycle
type ObservationSource struct {
	name   string
	prices map[string]decimal.Decimal
}

// NewObservationSource indexes present observations by provider id
func NewObservationSource(name string, observations []types.Observation) *ObservationSource {
	prices := make(map[string]decimal.Decimal, len(observations))
	for _, o := range observations {
		if o.Present() {
			prices[o.ProviderID] = o.Price
		}
	}
	return &ObservationSource{name: name, prices: prices}
}

// Name implements Source
func (s *ObservationSource) Name() string { return s.name }

// Tier implements Source
func (s *ObservationSource) Tier() types.Tier { return types.TierPrimary }

// Lookup implements Source
func (s *ObservationSource) Lookup(_ context.Context, providerID string) (decimal.Decimal, bool, error) {
	p, ok := s.prices[providerID]
	return p, ok, nil
}

// StaticSource serves the registry's fixed fallback prices for one tier
type StaticSource struct {
	tier   types.Tier
	prices map[string]decimal.Decimal
}

// NewStaticSource builds the secondary or tertiary source from the registry
func NewStaticSource(reg *registry.Registry, tier types.Tier) *StaticSource {
	prices := make(map[string]decimal.Decimal)
	for _, p := range reg.Providers() {
		var v *decimal.Decimal
		switch tier {
		case types.TierSecondary:
			v = p.Fallback.Secondary
		case types.TierTertiary:
			v = p.Fallback.Tertiary
		}
		if v != nil {
			prices[p.ID] = *v
		}
	}
	return &StaticSource{tier: tier, prices: prices}
}

// Name implements Source
func (s *StaticSource) Name() string { return "registry-" + string(s.tier) }

// Tier implements Source
func (s *StaticSource) Tier() types.Tier { return s.tier }

// Lookup implements Source
func (s *StaticSource) Lookup(_ context.Context, providerID string) (decimal.Decimal, bool, error) {
	p, ok := s.prices[providerID]
	return p, ok, nil
}

// RegistryFallbacks returns the secondary and tertiary sources for reg
func RegistryFallbacks(reg *registry.Registry) []Source {
	return []Source{
		NewStaticSource(reg, types.TierSecondary),
		NewStaticSource(reg, types.TierTertiary),
	}
}
