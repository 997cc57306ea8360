package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/shopspring/decimal"
	"github.com/zclconf/go-cty/cty"

	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// Registry file layout:
//
//	version = "2025.11-h100"
//
//	category_totals {
//	  hyperscaler     = 0.60
//	  non_hyperscaler = 0.40
//	}
//
//	provider "azure" {
//	  name        = "Microsoft Azure"
//	  category    = "hyperscaler"
//	  base_weight = 23.54
//	  aliases     = ["Azure"]
//	  discount {
//	    discount_pct          = 0.65
//	    volume_discounted_pct = 0.65
//	  }
//	  fallback {
//	    secondary = 18.8
//	    tertiary  = 6.2
//	  }
//	}
type hclFile struct {
	Version   string        `hcl:"version"`
	Totals    *hclTotals    `hcl:"category_totals,block"`
	Providers []hclProvider `hcl:"provider,block"`
}

type hclTotals struct {
	Hyperscaler    float64 `hcl:"hyperscaler"`
	NonHyperscaler float64 `hcl:"non_hyperscaler"`
}

type hclProvider struct {
	ID         string       `hcl:"id,label"`
	Name       string       `hcl:"name,optional"`
	Category   string       `hcl:"category"`
	BaseWeight float64      `hcl:"base_weight"`
	Aliases    []string     `hcl:"aliases,optional"`
	AssetID    string       `hcl:"asset_id,optional"`
	Discount   *hclDiscount `hcl:"discount,block"`
	Fallback   *hclFallback `hcl:"fallback,block"`
}

type hclDiscount struct {
	DiscountPct         float64 `hcl:"discount_pct"`
	VolumeDiscountedPct float64 `hcl:"volume_discounted_pct"`
}

type hclFallback struct {
	Secondary *float64 `hcl:"secondary,optional"`
	Tertiary  *float64 `hcl:"tertiary,optional"`
}

// LoadHCL reads and validates a registry file
func LoadHCL(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config("failed to read registry file", err)
	}
	return ParseHCL(src, path)
}

// ParseHCL decodes and validates registry source
func ParseHCL(src []byte, filename string) (*Registry, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.TypeSchema, "failed to parse registry", diags)
	}

	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, errors.Wrap(errors.TypeSchema, "failed to decode registry", diags)
	}

	totals := DefaultCategoryTotals()
	if raw.Totals != nil {
		totals = map[types.Category]decimal.Decimal{
			types.CategoryHyperscaler:    decimal.NewFromFloat(raw.Totals.Hyperscaler),
			types.CategoryNonHyperscaler: decimal.NewFromFloat(raw.Totals.NonHyperscaler),
		}
	}

	providers := make([]Provider, 0, len(raw.Providers))
	for _, hp := range raw.Providers {
		category, err := types.ParseCategory(hp.Category)
		if err != nil {
			return nil, errors.Wrapf(errors.TypeSchema, err, "provider %s", hp.ID)
		}
		p := Provider{
			ID:         hp.ID,
			Name:       hp.Name,
			Category:   category,
			Aliases:    hp.Aliases,
			BaseWeight: decimal.NewFromFloat(hp.BaseWeight),
			AssetID:    hp.AssetID,
		}
		if hp.Discount != nil {
			p.Discount = &types.DiscountParams{
				DiscountPct:         decimal.NewFromFloat(hp.Discount.DiscountPct),
				VolumeDiscountedPct: decimal.NewFromFloat(hp.Discount.VolumeDiscountedPct),
			}
		}
		if hp.Fallback != nil {
			p.Fallback.Secondary = floatPtrToDecimal(hp.Fallback.Secondary)
			p.Fallback.Tertiary = floatPtrToDecimal(hp.Fallback.Tertiary)
		}
		providers = append(providers, p)
	}

	reg := New(raw.Version, totals, providers)
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func floatPtrToDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	v := decimal.NewFromFloat(*f)
	return &v
}

func decimalValue(v decimal.Decimal) cty.Value {
	return cty.NumberVal(v.BigFloat())
}

// EncodeHCL renders the registry in the file layout accepted by ParseHCL
func EncodeHCL(r *Registry) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	body.SetAttributeValue("version", cty.StringVal(r.Version))
	body.AppendNewline()

	totals := body.AppendNewBlock("category_totals", nil).Body()
	totals.SetAttributeValue("hyperscaler", decimalValue(r.CategoryTotals[types.CategoryHyperscaler]))
	totals.SetAttributeValue("non_hyperscaler", decimalValue(r.CategoryTotals[types.CategoryNonHyperscaler]))

	for _, p := range r.providers {
		body.AppendNewline()
		pb := body.AppendNewBlock("provider", []string{p.ID}).Body()
		if p.Name != "" {
			pb.SetAttributeValue("name", cty.StringVal(p.Name))
		}
		pb.SetAttributeValue("category", cty.StringVal(string(p.Category)))
		pb.SetAttributeValue("base_weight", decimalValue(p.BaseWeight))
		if len(p.Aliases) > 0 {
			aliases := make([]cty.Value, len(p.Aliases))
			for i, a := range p.Aliases {
				aliases[i] = cty.StringVal(a)
			}
			pb.SetAttributeValue("aliases", cty.ListVal(aliases))
		}
		if p.AssetID != "" {
			pb.SetAttributeValue("asset_id", cty.StringVal(p.AssetID))
		}
		if p.Discount != nil {
			db := pb.AppendNewBlock("discount", nil).Body()
			db.SetAttributeValue("discount_pct", decimalValue(p.Discount.DiscountPct))
			db.SetAttributeValue("volume_discounted_pct", decimalValue(p.Discount.VolumeDiscountedPct))
		}
		if p.Fallback.Defined() {
			fb := pb.AppendNewBlock("fallback", nil).Body()
			if p.Fallback.Secondary != nil {
				fb.SetAttributeValue("secondary", decimalValue(*p.Fallback.Secondary))
			}
			if p.Fallback.Tertiary != nil {
				fb.SetAttributeValue("tertiary", decimalValue(*p.Fallback.Tertiary))
			}
		}
	}
	return f.Bytes()
}

// Describe renders a short human-readable table of the registry
func Describe(r *Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Registry version: %s\n", r.Version)
	for _, c := range types.Categories() {
		fmt.Fprintf(&b, "\n%s (total %s)\n", c, r.CategoryTotals[c].StringFixed(2))
		for _, p := range r.ByCategory(c) {
			line := fmt.Sprintf("  %-16s %-22s weight %8s", p.ID, p.Name, p.BaseWeight.String())
			if p.Discount != nil {
				line += fmt.Sprintf("  discount %s on %s", p.Discount.DiscountPct, p.Discount.VolumeDiscountedPct)
			}
			if p.Fallback.Defined() {
				line += "  [fallbacks]"
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}
