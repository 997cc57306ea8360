// Package guard decides whether a computed index value may be published or
// must be replaced by the last published value.
package guard

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gpu-index/core/determinism"
	"gpu-index/core/types"
	"gpu-index/internal/logging"
)

const (
	// DefaultSwingThreshold rejects moves of 50% or more
	DefaultSwingThreshold = 0.5

	// DefaultSanityCeiling flags H100 hourly prices above this for review
	DefaultSanityCeiling = 100.0
)

// Rejection reasons
const (
	ReasonInvalid = "invalid_value"
	ReasonSwing   = "swing_exceeds_threshold"
)

// Decision is the guard's verdict for one variant
type Decision struct {
	Variant types.Variant
	State   types.GuardState
	Source  types.Source

	// Value is what will be recorded: the calculated value or the carried one
	Value decimal.Decimal

	// Calculated is the freshly computed value, nil when none was produced
	Calculated *decimal.Decimal

	Previous *types.HistoryEntry
	Reason   string
	Change   *decimal.Decimal
	Rejected bool
	Flagged  bool

	// Fatal means rejected with no history to fall back on
	Fatal bool

	Transitions []types.GuardState
}

// Terminal reports whether the decision yields a history entry
func (d Decision) Terminal() bool {
	return !d.Fatal && d.State.Terminal()
}

// Guard applies sanity bounds and the swing check
type Guard struct {
	threshold decimal.Decimal
	ceiling   decimal.Decimal
	logger    *zap.Logger
}

// New creates a guard
func New(threshold, ceiling float64, logger *zap.Logger) *Guard {
	if threshold <= 0 {
		threshold = DefaultSwingThreshold
	}
	if ceiling <= 0 {
		ceiling = DefaultSanityCeiling
	}
	return &Guard{
		threshold: decimal.NewFromFloat(threshold),
		ceiling:   decimal.NewFromFloat(ceiling),
		logger:    logging.OrDefault(logger),
	}
}

// Evaluate runs pending -> calculated -> (published | rejected -> carried_forward).
// calculated is nil when aggregation produced nothing; last is nil when the
// variant has no history.
func (g *Guard) Evaluate(variant types.Variant, calculated *decimal.Decimal, last *types.HistoryEntry) Decision {
	d := Decision{
		Variant:     variant,
		State:       types.StatePending,
		Calculated:  calculated,
		Previous:    last,
		Transitions: []types.GuardState{types.StatePending},
	}
	log := g.logger.With(logging.Variant(string(variant)))

	valid := calculated != nil && calculated.IsPositive()
	if valid {
		d.moveTo(types.StateCalculated)
		if calculated.GreaterThan(g.ceiling) {
			d.Flagged = true
			log.Warn("index value above sanity ceiling, flagged for review",
				logging.Price("value", *calculated),
				logging.Price("ceiling", g.ceiling))
		}
	}

	switch {
	case !valid:
		d.Reason = ReasonInvalid
	case last != nil:
		change := determinism.RelativeChange(last.Value, *calculated)
		d.Change = &change
		if change.GreaterThanOrEqual(g.threshold) {
			d.Reason = ReasonSwing
		}
	}

	if d.Reason == "" {
		d.Value = *calculated
		d.Source = types.SourceCalculated
		d.moveTo(types.StatePublished)
		return d
	}

	d.Rejected = true
	d.moveTo(types.StateRejected)

	if last == nil {
		d.Fatal = true
		log.Error("value rejected with no history to carry forward", zap.String("reason", d.Reason))
		return d
	}

	d.Value = last.Value
	d.Source = types.SourceCarryForwardPrev
	d.moveTo(types.StateCarriedForward)

	fields := []zap.Field{
		zap.String("reason", d.Reason),
		logging.Price("previous", last.Value),
	}
	if calculated != nil {
		fields = append(fields, logging.Price("calculated", *calculated))
	}
	if d.Change != nil {
		fields = append(fields, zap.String("change", d.Change.StringFixed(4)))
	}
	log.Warn("value rejected, carrying forward previous", fields...)
	return d
}

func (d *Decision) moveTo(s types.GuardState) {
	d.State = s
	d.Transitions = append(d.Transitions, s)
}

// String summarizes the decision
func (d Decision) String() string {
	if d.Fatal {
		return fmt.Sprintf("%s: rejected (%s), no history", d.Variant, d.Reason)
	}
	return fmt.Sprintf("%s: %s %s (%s)", d.Variant, d.State, d.Value.StringFixed(4), d.Source)
}
