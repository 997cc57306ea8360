package ingestion

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// Overrides are operator-supplied prices and discount parameters for one
// cycle. Keys are provider ids, names or aliases.
type Overrides struct {
	Prices    map[string]decimal.Decimal
	Discounts map[string]types.DiscountParams
}

type overridesFile struct {
	Prices    map[string]float64 `yaml:"prices"`
	Discounts map[string]struct {
		DiscountPct         float64 `yaml:"discount_pct"`
		VolumeDiscountedPct float64 `yaml:"volume_discounted_pct"`
	} `yaml:"discounts"`
}

// LoadOverrides reads a YAML overrides file:
//
//	prices:
//	  aws: 3.85
//	  Voltage Park: 1.99
//	discounts:
//	  azure:
//	    discount_pct: 0.60
//	    volume_discounted_pct: 0.65
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config("failed to read overrides file", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes overrides YAML
func ParseOverrides(data []byte) (*Overrides, error) {
	var raw overridesFile
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, errors.Wrap(errors.TypeSchema, "invalid overrides file", err)
	}

	o := &Overrides{
		Prices:    make(map[string]decimal.Decimal, len(raw.Prices)),
		Discounts: make(map[string]types.DiscountParams, len(raw.Discounts)),
	}
	for name, p := range raw.Prices {
		if p <= 0 {
			return nil, errors.Schemaf("override price for %s must be positive", name)
		}
		o.Prices[name] = decimal.NewFromFloat(p)
	}
	for name, d := range raw.Discounts {
		params := types.DiscountParams{
			DiscountPct:         decimal.NewFromFloat(d.DiscountPct),
			VolumeDiscountedPct: decimal.NewFromFloat(d.VolumeDiscountedPct),
		}
		if err := params.Validate(); err != nil {
			return nil, errors.Wrapf(errors.TypeSchema, err, "discount override for %s", name)
		}
		o.Discounts[name] = params
	}
	return o, nil
}

// ParsePriceFlags parses "provider=price" pairs into o.Prices
func (o *Overrides) ParsePriceFlags(pairs []string) error {
	if o.Prices == nil {
		o.Prices = make(map[string]decimal.Decimal)
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return errors.Schemaf("override %q: want provider=price", pair)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !price.IsPositive() {
			return errors.Schemaf("override %q: price must be a positive number", pair)
		}
		o.Prices[strings.TrimSpace(name)] = price
	}
	return nil
}

// Empty reports whether nothing is overridden
func (o *Overrides) Empty() bool {
	return o == nil || (len(o.Prices) == 0 && len(o.Discounts) == 0)
}

// String summarizes the overrides
func (o *Overrides) String() string {
	return fmt.Sprintf("%d price overrides, %d discount overrides", len(o.Prices), len(o.Discounts))
}
