// Package registry holds the versioned provider table: categories, base
// weights, discount parameters, fallback prices and name aliases.
package registry

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gpu-index/core/determinism"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// FallbackPrices are the static secondary and tertiary prices for a provider
type FallbackPrices struct {
	Secondary *decimal.Decimal `json:"secondary,omitempty"`
	Tertiary  *decimal.Decimal `json:"tertiary,omitempty"`
}

// Defined reports whether any fallback tier exists
func (f FallbackPrices) Defined() bool {
	return f.Secondary != nil || f.Tertiary != nil
}

// Provider is one registry entry
type Provider struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Category   types.Category        `json:"category"`
	Aliases    []string              `json:"aliases,omitempty"`
	BaseWeight decimal.Decimal       `json:"base_weight"`
	Discount   *types.DiscountParams `json:"discount,omitempty"`
	Fallback   FallbackPrices        `json:"fallback"`
	AssetID    string                `json:"asset_id,omitempty"`
}

// Registry is an immutable, versioned provider table
type Registry struct {
	Version        string
	CategoryTotals map[types.Category]decimal.Decimal

	providers []Provider
	byID      map[string]int
	aliases   map[string]string
}

// New builds a registry and its alias map. It does not validate.
func New(version string, totals map[types.Category]decimal.Decimal, providers []Provider) *Registry {
	r := &Registry{
		Version:        version,
		CategoryTotals: make(map[types.Category]decimal.Decimal, len(totals)),
		providers:      make([]Provider, len(providers)),
		byID:           make(map[string]int, len(providers)),
		aliases:        make(map[string]string),
	}
	for c, t := range totals {
		r.CategoryTotals[c] = t
	}
	copy(r.providers, providers)
	for i, p := range r.providers {
		r.byID[p.ID] = i
		r.aliases[aliasKey(p.ID)] = p.ID
		if p.Name != "" {
			r.aliases[aliasKey(p.Name)] = p.ID
		}
		for _, a := range p.Aliases {
			r.aliases[aliasKey(a)] = p.ID
		}
	}
	return r
}

func aliasKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Canonicalize maps an id, display name or alias to the canonical id
func (r *Registry) Canonicalize(name string) (string, bool) {
	id, ok := r.aliases[aliasKey(name)]
	return id, ok
}

// Get returns a provider by canonical id
func (r *Registry) Get(id string) (Provider, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Provider{}, false
	}
	return r.providers[i], true
}

// Providers returns all providers in declaration order
func (r *Registry) Providers() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ByCategory returns the providers of one category in declaration order
func (r *Registry) ByCategory(c types.Category) []Provider {
	var out []Provider
	for _, p := range r.providers {
		if p.Category == c {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of providers
func (r *Registry) Len() int {
	return len(r.providers)
}

// WithDiscountOverrides returns a copy of the registry with per-cycle
// discount parameters replacing the stored ones. The receiver is unchanged.
func (r *Registry) WithDiscountOverrides(overrides map[string]types.DiscountParams) (*Registry, error) {
	providers := r.Providers()
	seen := make(map[string]bool, len(overrides))
	for _, id := range determinism.SortedKeys(overrides) {
		params := overrides[id]
		canonical, ok := r.Canonicalize(id)
		if !ok {
			return nil, errors.Schemaf("discount override for unknown provider %q", id)
		}
		if seen[canonical] {
			return nil, errors.Schemaf("duplicate override for %s", canonical).WithContext("name", id)
		}
		seen[canonical] = true
		if err := params.Validate(); err != nil {
			return nil, errors.Wrapf(errors.TypeSchema, err, "discount override for %s", canonical)
		}
		i := r.byID[canonical]
		if providers[i].Category != types.CategoryHyperscaler {
			return nil, errors.Schemaf("discount override for non-hyperscaler %s", canonical)
		}
		p := params
		providers[i].Discount = &p
	}
	return New(r.Version, r.CategoryTotals, providers), nil
}

// Validate checks the registry's structural invariants
func (r *Registry) Validate() error {
	if r.Version == "" {
		return errors.Schema("registry has no version")
	}
	if len(r.providers) == 0 {
		return errors.Schema("registry has no providers")
	}

	sum := decimal.Zero
	for _, c := range types.Categories() {
		t, ok := r.CategoryTotals[c]
		if !ok {
			return errors.Schemaf("registry has no category total for %s", c)
		}
		if t.IsNegative() {
			return errors.Schemaf("category total for %s is negative", c)
		}
		sum = sum.Add(t)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.New(1, -9)) {
		return errors.Schemaf("category totals sum to %s, want 1", sum)
	}

	seenIDs := make(map[string]bool, len(r.providers))
	owners := make(map[string]string)
	for _, p := range r.providers {
		if p.ID == "" {
			return errors.Schema("provider with empty id")
		}
		if seenIDs[p.ID] {
			return errors.Schemaf("duplicate provider id %s", p.ID)
		}
		seenIDs[p.ID] = true

		if p.Category != types.CategoryHyperscaler && p.Category != types.CategoryNonHyperscaler {
			return errors.Schemaf("provider %s has unrecognized category %q", p.ID, p.Category)
		}
		if !p.BaseWeight.IsPositive() {
			return errors.Schemaf("provider %s has non-positive base weight %s", p.ID, p.BaseWeight)
		}
		if p.Discount != nil {
			if p.Category != types.CategoryHyperscaler {
				return errors.Schemaf("provider %s: discounts apply to hyperscalers only", p.ID)
			}
			if err := p.Discount.Validate(); err != nil {
				return errors.Wrapf(errors.TypeSchema, err, "provider %s", p.ID)
			}
		}
		for _, f := range []*decimal.Decimal{p.Fallback.Secondary, p.Fallback.Tertiary} {
			if f != nil && !f.IsPositive() {
				return errors.Schemaf("provider %s has non-positive fallback price", p.ID)
			}
		}

		names := append([]string{p.ID, p.Name}, p.Aliases...)
		for _, n := range names {
			if n == "" {
				continue
			}
			k := aliasKey(n)
			if owner, ok := owners[k]; ok && owner != p.ID {
				return errors.Schemaf("alias %q claimed by both %s and %s", n, owner, p.ID)
			}
			owners[k] = p.ID
		}
	}
	return nil
}

// String summarizes the registry
func (r *Registry) String() string {
	return fmt.Sprintf("registry %s (%d hyperscalers, %d non-hyperscalers)",
		r.Version, len(r.ByCategory(types.CategoryHyperscaler)), len(r.ByCategory(types.CategoryNonHyperscaler)))
}
