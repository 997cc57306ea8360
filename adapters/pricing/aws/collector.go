// Package aws collects the live AWS on-demand H100 price from the AWS
// Pricing API and serves it as a primary price source.
package aws

import (
	"context"
	"encoding/json"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	awstypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gpu-index/core/determinism"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// ProviderID is the registry id this collector prices
const ProviderID = "aws"

// Config configures the collector
type Config struct {
	// Region for the Pricing API endpoint (always us-east-1 for pricing)
	Region string

	// InstanceType is the 8-GPU H100 instance
	InstanceType string

	// GPUCount divides the instance price down to one GPU-hour
	GPUCount int

	// Location is the human-readable location the Pricing API filters on
	Location string
}

// DefaultConfig returns the p5.48xlarge in us-east-1
func DefaultConfig() Config {
	return Config{
		Region:       "us-east-1",
		InstanceType: "p5.48xlarge",
		GPUCount:     8,
		Location:     "US East (N. Virginia)",
	}
}

// ProductsAPI is the subset of the Pricing client the collector calls
type ProductsAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Collector fetches the AWS price once per process and serves it
type Collector struct {
	client ProductsAPI
	config Config
	logger *zap.Logger

	once  sync.Once
	price decimal.Decimal
	found bool
	err   error
}

// New creates a collector using the default AWS credential chain
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Collector, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(errors.TypeConfig, "failed to load AWS configuration", err)
	}
	return NewWithClient(pricing.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewWithClient creates a collector around an existing client
func NewWithClient(client ProductsAPI, cfg Config, logger *zap.Logger) *Collector {
	if cfg.GPUCount < 1 {
		cfg.GPUCount = 1
	}
	return &Collector{client: client, config: cfg, logger: logging.OrDefault(logger)}
}

// Name implements resolver.Source
func (c *Collector) Name() string { return "aws-pricing-api" }

// Tier implements resolver.Source
func (c *Collector) Tier() types.Tier { return types.TierPrimary }

// Lookup implements resolver.Source. Only the aws provider is served.
func (c *Collector) Lookup(ctx context.Context, providerID string) (decimal.Decimal, bool, error) {
	if providerID != ProviderID {
		return decimal.Zero, false, nil
	}
	c.once.Do(func() {
		c.price, c.found, c.err = c.fetch(ctx)
	})
	return c.price, c.found, c.err
}

func (c *Collector) fetch(ctx context.Context) (decimal.Decimal, bool, error) {
	input := &pricing.GetProductsInput{
		ServiceCode: awssdk.String("AmazonEC2"),
		Filters: []awstypes.Filter{
			termMatch("instanceType", c.config.InstanceType),
			termMatch("location", c.config.Location),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
		MaxResults: awssdk.Int32(10),
	}

	out, err := c.client.GetProducts(ctx, input)
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(errors.TypeInternal, err, "GetProducts %s", c.config.InstanceType)
	}

	for _, item := range out.PriceList {
		price, ok := ExtractOnDemandPrice([]byte(item), "USD")
		if !ok {
			continue
		}
		perGPU := price.Div(decimal.NewFromInt(int64(c.config.GPUCount)))
		c.logger.Info("fetched AWS on-demand price",
			zap.String("instance_type", c.config.InstanceType),
			logging.Price("instance_price", price),
			logging.Price("gpu_price", perGPU))
		return perGPU, true, nil
	}

	c.logger.Warn("no on-demand price returned", zap.String("instance_type", c.config.InstanceType))
	return decimal.Zero, false, nil
}

// priceListItem is one GetProducts price list document
type priceListItem struct {
	Product struct {
		SKU        string            `json:"sku"`
		Attributes map[string]string `json:"attributes"`
	} `json:"product"`
	Terms struct {
		OnDemand map[string]offerTerm `json:"OnDemand"`
	} `json:"terms"`
}

type offerTerm struct {
	OfferTermCode   string                    `json:"offerTermCode"`
	SKU             string                    `json:"sku"`
	PriceDimensions map[string]priceDimension `json:"priceDimensions"`
}

type priceDimension struct {
	RateCode     string            `json:"rateCode"`
	Unit         string            `json:"unit"`
	PricePerUnit map[string]string `json:"pricePerUnit"`
}

// ExtractOnDemandPrice returns the first positive hourly on-demand price in
// the given currency. Terms and dimensions are visited in key order so the
// same document always yields the same price.
func ExtractOnDemandPrice(raw []byte, currency string) (decimal.Decimal, bool) {
	var item priceListItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return decimal.Zero, false
	}

	for _, termKey := range determinism.SortedKeys(item.Terms.OnDemand) {
		term := item.Terms.OnDemand[termKey]
		for _, dimKey := range determinism.SortedKeys(term.PriceDimensions) {
			dim := term.PriceDimensions[dimKey]
			if dim.Unit != "" && dim.Unit != "Hrs" {
				continue
			}
			value, ok := dim.PricePerUnit[currency]
			if !ok {
				continue
			}
			price, err := decimal.NewFromString(value)
			if err != nil || !price.IsPositive() {
				continue
			}
			return price, true
		}
	}
	return decimal.Zero, false
}

func termMatch(field, value string) awstypes.Filter {
	return awstypes.Filter{
		Type:  awstypes.FilterTypeTermMatch,
		Field: awssdk.String(field),
		Value: awssdk.String(value),
	}
}
