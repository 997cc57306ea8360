// Package resolver produces one observation per provider by walking the
// primary, secondary and tertiary source tiers in order.
package resolver

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/internal/logging"
)

// Source is any provider of raw prices for one tier
type Source interface {
	// Name identifies the source in provenance logs
	Name() string

	// Tier is the tier this source serves
	Tier() types.Tier

	// Lookup returns the price for a canonical provider id. ok is false when
	// the source has nothing for the provider.
	Lookup(ctx context.Context, providerID string) (price decimal.Decimal, ok bool, err error)
}

// Resolver walks source tiers for each provider
type Resolver struct {
	primary     []Source
	secondary   []Source
	tertiary    []Source
	concurrency int
	logger      *zap.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithConcurrency bounds the number of providers resolved at once
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a resolver. Sources are grouped by their Tier and tried in the
// order given within each tier.
func New(sources []Source, opts ...Option) *Resolver {
	r := &Resolver{concurrency: 8}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)

	for _, s := range sources {
		switch s.Tier() {
		case types.TierPrimary:
			r.primary = append(r.primary, s)
		case types.TierSecondary:
			r.secondary = append(r.secondary, s)
		case types.TierTertiary:
			r.tertiary = append(r.tertiary, s)
		default:
			panic(fmt.Sprintf("resolver: source %s has unsupported tier %s", s.Name(), s.Tier()))
		}
	}
	return r
}

// Resolve returns the first valid price for the provider. Secondary and
// tertiary tiers are consulted only when the registry defines fallbacks for
// it. A provider with no value from any tier resolves to an absent
// observation; Resolve never fails for a missing provider.
func (r *Resolver) Resolve(ctx context.Context, p registry.Provider) types.Observation {
	tiers := [][]Source{r.primary}
	if p.Fallback.Defined() {
		tiers = append(tiers, r.secondary, r.tertiary)
	}

	for _, tier := range tiers {
		for _, src := range tier {
			price, ok, err := src.Lookup(ctx, p.ID)
			if err != nil {
				r.logger.Warn("source lookup failed",
					logging.Provider(p.ID),
					zap.String("source", src.Name()),
					zap.Error(err))
				continue
			}
			if !ok || !price.IsPositive() {
				continue
			}
			if src.Tier() != types.TierPrimary {
				r.logger.Info("using fallback price",
					logging.Provider(p.ID),
					zap.String("tier", string(src.Tier())),
					zap.String("source", src.Name()),
					logging.Price("price", price))
			}
			return types.Observation{ProviderID: p.ID, Price: price, Tier: src.Tier()}
		}
	}

	r.logger.Debug("no observation from any tier", logging.Provider(p.ID))
	return types.Absent(p.ID)
}

// ResolveAll resolves every registry provider concurrently and returns the
// observations in registry order. The only error is context cancellation.
func (r *Resolver) ResolveAll(ctx context.Context, reg *registry.Registry) ([]types.Observation, error) {
	providers := reg.Providers()
	out := make([]types.Observation, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = r.Resolve(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
