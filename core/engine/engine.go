// Package engine runs one index computation cycle end to end.
// The CLI and any scheduler are thin wrappers around it.
package engine

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gpu-index/core/aggregate"
	"gpu-index/core/determinism"
	"gpu-index/core/discount"
	"gpu-index/core/guard"
	"gpu-index/core/history"
	"gpu-index/core/outlier"
	"gpu-index/core/registry"
	"gpu-index/core/resolver"
	"gpu-index/core/types"
	"gpu-index/core/weights"
	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// EngineConfig configures thresholds and fan-out
type EngineConfig struct {
	// OutlierMultiplier is the IQR fence width
	OutlierMultiplier float64

	// MinOutlierSample is the smallest set the outlier filter acts on
	MinOutlierSample int

	// SwingThreshold rejects relative moves at or above it
	SwingThreshold float64

	// SanityCeiling flags values above it
	SanityCeiling float64

	// WeightTolerance bounds weight-sum drift
	WeightTolerance decimal.Decimal

	// RerunMateriality is the relative difference from the rejected value
	// above which a rerun result is tagged rerun
	RerunMateriality decimal.Decimal

	// Concurrency bounds parallel provider resolution
	Concurrency int
}

// DefaultEngineConfig returns production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		OutlierMultiplier: outlier.DefaultMultiplier,
		MinOutlierSample:  outlier.DefaultMinSample,
		SwingThreshold:    guard.DefaultSwingThreshold,
		SanityCeiling:     guard.DefaultSanityCeiling,
		WeightTolerance:   weights.DefaultTolerance,
		RerunMateriality:  decimal.RequireFromString("0.001"),
		Concurrency:       8,
	}
}

// Engine computes, guards and records index values
type Engine struct {
	registry *registry.Registry
	history  history.Store
	marker   guard.Marker
	sources  []resolver.Source
	guard    *guard.Guard
	filter   *outlier.Filter
	ids      *determinism.IDGenerator
	config   EngineConfig
	logger   *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithPrimarySources adds live primary collectors consulted after the
// cycle's own observations
func WithPrimarySources(sources ...resolver.Source) Option {
	return func(e *Engine) {
		e.sources = append(e.sources, sources...)
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine
func NewEngine(reg *registry.Registry, store history.Store, marker guard.Marker, config EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		history:  store,
		marker:   marker,
		ids:      determinism.NewIDGenerator("gpu-index/history"),
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	e.guard = guard.New(config.SwingThreshold, config.SanityCeiling, e.logger)
	e.filter = outlier.NewFilter(config.OutlierMultiplier, config.MinOutlierSample)
	if e.config.WeightTolerance.IsZero() {
		e.config.WeightTolerance = weights.DefaultTolerance
	}
	return e
}

// Registry returns the engine's provider table
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Run executes one cycle. A non-nil error with a non-nil report means the
// cycle aborted with failures recorded; a nil report means nothing was
// computed.
func (e *Engine) Run(ctx context.Context, cycle Cycle) (*Report, error) {
	if err := cycle.Validate(); err != nil {
		return nil, err
	}
	log := e.logger.With(logging.CycleID(cycle.ID), zap.String("run_id", uuid.NewString()))

	reg := e.registry
	if len(cycle.DiscountOverrides) > 0 {
		var err error
		if reg, err = reg.WithDiscountOverrides(cycle.DiscountOverrides); err != nil {
			return nil, err
		}
		log.Info("applied discount overrides", zap.Int("count", len(cycle.DiscountOverrides)))
	}

	report := &Report{
		CycleID:         cycle.ID,
		Attempt:         1,
		Timestamp:       cycle.Timestamp,
		RegistryVersion: reg.Version,
		DryRun:          cycle.DryRun,
		Override:        len(cycle.Overrides) > 0,
	}

	lasts := make(map[types.Variant]*types.HistoryEntry)
	for _, v := range types.AllVariants() {
		last, err := e.history.Last(ctx, v)
		if err != nil {
			return nil, errors.Storage("failed to read history", err).WithContext("variant", string(v))
		}
		lasts[v] = last
		if last != nil && last.CycleID == cycle.ID && last.Attempt >= report.Attempt {
			report.Attempt = last.Attempt + 1
		}
	}

	var rerun *guard.MarkerState
	if !cycle.DryRun {
		state, err := e.marker.Consume(ctx)
		if err != nil {
			return nil, errors.Storage("failed to consume rerun marker", err)
		}
		switch {
		case state == nil:
		case state.CycleID == cycle.ID:
			rerun = state
			report.Rerun = true
			if report.Attempt < 2 {
				report.Attempt = 2
			}
			log.Info("rerun marker consumed", zap.Int("attempt", report.Attempt))
		default:
			log.Warn("discarding rerun marker from another cycle", zap.String("marker_cycle", state.CycleID))
		}
	}

	observations, err := e.observe(ctx, reg, cycle)
	if err != nil {
		return nil, err
	}
	report.Observations = observations

	members := e.prepare(reg, observations, report, log)

	allocations := make(map[types.Variant]*weights.Allocation, 3)
	for _, v := range types.AllVariants() {
		alloc := weights.Allocate(members, weights.VariantTotals(v, reg.CategoryTotals))
		if err := weights.Verify(alloc, e.config.WeightTolerance); err != nil {
			log.Error("weight invariant violated, aborting cycle", logging.Variant(string(v)), zap.Error(err))
			for _, fv := range types.AllVariants() {
				report.Failures = append(report.Failures, FailureReport{
					Variant:   fv,
					Stage:     StageWeights,
					Type:      errors.TypeWeightSumMismatch,
					Reason:    err.Error(),
					LastValid: lasts[fv],
				})
			}
			return report, err
		}
		allocations[v] = alloc
	}
	report.Contributions = allocations[types.VariantFull].Contributions
	for _, c := range allocations[types.VariantFull].Starved {
		report.degrade("category %s starved: contributes 0 to full index", c)
		log.Warn("category starvation", zap.String("category", string(c)), zap.String("type", string(errors.TypeCategoryStarvation)))
	}

	rejected := make(map[types.Variant]string)
	var entries []*types.HistoryEntry
	for _, v := range types.AllVariants() {
		result, ok := aggregate.Aggregate(v, allocations[v], cycle.Timestamp)
		var calculated *decimal.Decimal
		if ok {
			value := result.Value
			calculated = &value
		}

		d := e.guard.Evaluate(v, calculated, lasts[v])
		if d.State == types.StatePublished && rerun != nil {
			if prev, seen := rerun.Rejected[v]; seen && e.materiallyDifferent(prev, d.Value) {
				d.Source = types.SourceRerun
			}
		}
		report.Decisions = append(report.Decisions, d)

		if d.Rejected {
			if calculated != nil {
				rejected[v] = calculated.String()
			} else {
				rejected[v] = ""
			}
		}

		if d.Fatal {
			report.Failures = append(report.Failures, FailureReport{
				Variant:    v,
				Stage:      StageGuard,
				Type:       errors.TypeNoHistory,
				Reason:     d.Reason,
				Calculated: calculated,
			})
			continue
		}

		contributors := result.Contributors
		if d.State == types.StateCarriedForward {
			contributors = d.Previous.Contributors
		}
		res := types.IndexResult{
			Variant:      v,
			Value:        d.Value,
			Source:       d.Source,
			Timestamp:    cycle.Timestamp,
			Contributors: contributors,
			Flagged:      d.Flagged,
		}
		report.Results = append(report.Results, res)

		entry := &types.HistoryEntry{
			ID:           string(e.ids.Generate(string(v), cycle.ID, strconv.Itoa(report.Attempt))),
			CycleID:      cycle.ID,
			Attempt:      report.Attempt,
			Variant:      v,
			State:        d.State,
			Value:        d.Value,
			Source:       d.Source,
			Calculated:   calculated,
			Reason:       d.Reason,
			Flagged:      d.Flagged,
			Timestamp:    cycle.Timestamp,
			Contributors: contributors,
		}
		if err := entry.Seal(); err != nil {
			return report, errors.Internal("failed to seal history entry", err)
		}
		entries = append(entries, entry)

		log.Info("variant resolved",
			logging.Variant(string(v)),
			zap.String("state", string(d.State)),
			zap.String("source", string(d.Source)),
			logging.Price("value", d.Value),
			zap.Int("contributors", len(contributors)))
	}

	wantRerun := len(rejected) > 0 && rerun == nil && report.Attempt == 1
	report.RerunRequested = wantRerun

	if cycle.DryRun {
		log.Info("dry run: history and rerun marker untouched")
		return report, nil
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	for _, entry := range entries {
		if err := e.history.Append(ctx, entry); err != nil {
			return report, errors.Storage("failed to append history", err).WithContext("variant", string(entry.Variant))
		}
	}

	// armed only once the attempt is on record, so a later run counts it
	if wantRerun {
		armed, err := e.marker.Arm(ctx, guard.MarkerState{
			CycleID:  cycle.ID,
			ArmedAt:  cycle.Timestamp,
			Rejected: rejected,
		})
		if err != nil {
			return report, errors.Storage("failed to arm rerun marker", err)
		}
		if !armed {
			log.Warn("rerun marker already armed")
		}
	}

	if report.Failed() {
		return report, errors.NoHistory(string(report.Failures[0].Variant))
	}
	return report, nil
}

// observe produces one observation per registry provider, from overrides in
// manual mode or the tiered resolver otherwise.
func (e *Engine) observe(ctx context.Context, reg *registry.Registry, cycle Cycle) ([]types.Observation, error) {
	if len(cycle.Overrides) > 0 {
		prices := make(map[string]decimal.Decimal, len(cycle.Overrides))
		for _, name := range determinism.SortedKeys(cycle.Overrides) {
			id, ok := reg.Canonicalize(name)
			if !ok {
				return nil, errors.Schemaf("override for unknown provider %q", name)
			}
			if _, dup := prices[id]; dup {
				return nil, errors.Schemaf("duplicate override for %s", id).WithContext("name", name)
			}
			prices[id] = cycle.Overrides[name]
		}
		var out []types.Observation
		for _, p := range reg.Providers() {
			if price, ok := prices[p.ID]; ok {
				out = append(out, types.Observation{ProviderID: p.ID, Price: price, Tier: types.TierManual})
			} else {
				out = append(out, types.Absent(p.ID))
			}
		}
		return out, nil
	}

	sources := []resolver.Source{resolver.NewObservationSource("cycle-input", cycle.Observations)}
	sources = append(sources, e.sources...)
	sources = append(sources, resolver.RegistryFallbacks(reg)...)
	r := resolver.New(sources, resolver.WithConcurrency(e.config.Concurrency), resolver.WithLogger(e.logger))
	return r.ResolveAll(ctx, reg)
}

// prepare blends hyperscalers, fences non-hyperscalers and returns the
// surviving members in registry order.
func (e *Engine) prepare(reg *registry.Registry, observations []types.Observation, report *Report, log *zap.Logger) []weights.Member {
	byID := make(map[string]types.Observation, len(observations))
	for _, o := range observations {
		byID[o.ProviderID] = o
	}

	var nonHS []outlier.Priced
	for _, p := range reg.ByCategory(types.CategoryNonHyperscaler) {
		if o := byID[p.ID]; o.Present() {
			nonHS = append(nonHS, outlier.Priced{ProviderID: p.ID, Price: o.Price})
		}
	}
	fence := e.filter.Apply(nonHS)
	if fence.Skipped {
		report.degrade("outlier filter skipped: %d non-hyperscaler prices", len(nonHS))
		log.Warn("degraded sample, outlier filter skipped", zap.Int("prices", len(nonHS)))
	}
	report.Exclusions = fence.Excluded
	excluded := make(map[string]bool, len(fence.Excluded))
	for _, x := range fence.Excluded {
		excluded[x.ProviderID] = true
		log.Info("outlier excluded",
			logging.Provider(x.ProviderID),
			logging.Price("price", x.Price),
			zap.String("bound", x.Bound))
	}

	var members []weights.Member
	for _, p := range reg.Providers() {
		o := byID[p.ID]
		if !o.Present() {
			report.Missing = append(report.Missing, p.ID)
			log.Debug("provider has no observation", logging.Provider(p.ID), zap.String("type", string(errors.TypeMissingObservation)))
			continue
		}
		if excluded[p.ID] {
			continue
		}
		effective := o.Price
		if p.Category == types.CategoryHyperscaler {
			effective, _ = discount.EffectivePrice(o, p.Discount)
		}
		members = append(members, weights.Member{
			ProviderID:     p.ID,
			Category:       p.Category,
			BaseWeight:     p.BaseWeight,
			RawPrice:       o.Price,
			EffectivePrice: effective,
			Tier:           o.Tier,
		})
	}
	return members
}

func (e *Engine) materiallyDifferent(rejected string, value decimal.Decimal) bool {
	if rejected == "" {
		return true
	}
	prev, err := decimal.NewFromString(rejected)
	if err != nil || !prev.IsPositive() {
		return true
	}
	return determinism.RelativeChange(prev, value).GreaterThan(e.config.RerunMateriality)
}
