package registry

import (
	"github.com/shopspring/decimal"

	"gpu-index/core/types"
)

// DefaultVersion identifies the built-in provider table
const DefaultVersion = "2025.11-h100"

// Asset identifiers used by the on-chain oracle for each published series
const (
	AssetFullIndex        = "H100_INDEX_HOURLY"
	AssetHyperscalersOnly = "H100_HYPERSCALERS_HOURLY"
	AssetNonHyperscalers  = "H100_NON_HYPERSCALERS_HOURLY"
	AssetAWS              = "AWS_H100_HOURLY"
	AssetAzure            = "AZURE_H100_HOURLY"
	AssetGCP              = "GCP_H100_HOURLY"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func hyperscaler(id, name string, weight, volumePct, discountPct string, secondary, tertiary *decimal.Decimal, asset string, aliases ...string) Provider {
	return Provider{
		ID:         id,
		Name:       name,
		Category:   types.CategoryHyperscaler,
		Aliases:    aliases,
		BaseWeight: d(weight),
		Discount: &types.DiscountParams{
			DiscountPct:         d(discountPct),
			VolumeDiscountedPct: d(volumePct),
		},
		Fallback: FallbackPrices{Secondary: secondary, Tertiary: tertiary},
		AssetID:  asset,
	}
}

func neocloud(id, name, weight string, aliases ...string) Provider {
	return Provider{
		ID:         id,
		Name:       name,
		Category:   types.CategoryNonHyperscaler,
		Aliases:    aliases,
		BaseWeight: d(weight),
	}
}

// DefaultCategoryTotals are the fixed 60/40 category shares
func DefaultCategoryTotals() map[types.Category]decimal.Decimal {
	return map[types.Category]decimal.Decimal{
		types.CategoryHyperscaler:    d("0.60"),
		types.CategoryNonHyperscaler: d("0.40"),
	}
}

// Default returns the built-in H100 provider table. Hyperscaler weights are
// market share; non-hyperscaler weights are revenue share.
func Default() *Registry {
	providers := []Provider{
		hyperscaler("aws", "Amazon Web Services", "18.28", "1.00", "0.44", nil, nil, AssetAWS, "AWS", "Amazon"),
		hyperscaler("azure", "Microsoft Azure", "23.54", "0.65", "0.65", dp("18.8"), dp("6.2"), AssetAzure, "Azure"),
		hyperscaler("gcp", "Google Cloud", "10.28", "0.65", "0.65", dp("10.0"), dp("4.0"), AssetGCP, "GCP", "Google Cloud Platform"),
		hyperscaler("coreweave", "CoreWeave", "3.74", "0.80", "0.50", dp("6.155"), dp("3.0"), ""),

		neocloud("voltage-park", "Voltage Park", "7.09", "VoltagePark"),
		neocloud("nebius", "Nebius", "5.01"),
		neocloud("shakti-cloud", "ShaktiCloud", "3.87", "Shakti Cloud"),
		neocloud("taiga-cloud", "TaigaCloud", "3.75", "Taiga Cloud"),
		neocloud("lambda-labs", "Lambda Labs", "4.00", "Lambda", "LambdaLabs"),
		neocloud("crusoe", "Crusoe", "1.60"),
		neocloud("hyperstack", "HyperStack", "1.42"),
		neocloud("fluidstack", "FluidStack", "1.40"),
		neocloud("ori", "Ori", "1.31"),
		neocloud("scaleway", "Scaleway", "0.50"),
		neocloud("ovhcloud", "OVHcloud", "0.52", "OVH Cloud"),
		neocloud("gmi-cloud", "GMICloud", "0.54", "GMI Cloud"),
		neocloud("leaseweb", "Leaseweb", "0.40"),
		neocloud("gcore", "Gcore", "0.37"),
		neocloud("hydrahost", "HydraHost", "0.37"),
		neocloud("neysa", "Neysa.ai", "0.28"),
		neocloud("fal-ai", "Fal.AI", "0.30"),
		neocloud("baseten", "Baseten", "0.26"),
		neocloud("edgevana", "EdgeVana", "0.21"),
		neocloud("replicate", "Replicate", "0.19"),
		neocloud("ace-cloud", "AceCloud", "0.19", "Ace Cloud"),
		neocloud("massed-compute", "Massed Compute", "0.19"),
		neocloud("civo", "Civo", "0.12"),
		neocloud("gpu-mart", "GPU-Mart", "0.11"),
		neocloud("atlantic-net", "Atlantic.Net", "0.09"),
		neocloud("vast-ai", "Vast.ai", "0.07"),
		neocloud("runpod", "RunPod", "0.07"),
		neocloud("hostkey", "Hostkey", "0.03"),
		neocloud("cudo-compute", "CUDO Compute", "0.04"),
		neocloud("datacrunch", "DataCrunch", "0.04"),
		neocloud("leadergpu", "LeaderGPU", "0.06"),
		neocloud("atlascloud", "AtlasCloud", "0.06"),
		neocloud("qubrid", "Qubrid", "0.02"),
		neocloud("koyeb", "Koyeb", "0.02"),
		neocloud("jarvislabs", "JarvisLabs", "0.0035"),
	}
	return New(DefaultVersion, DefaultCategoryTotals(), providers)
}
