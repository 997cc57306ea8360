package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gpu-index/core/determinism"
	"gpu-index/core/guard"
	"gpu-index/core/outlier"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// Cycle is one computation request
type Cycle struct {
	// ID identifies the cycle; reruns reuse it
	ID string

	// Timestamp stamps every output; the engine never reads the wall clock
	Timestamp time.Time

	// Observations are this cycle's primary prices, keyed by canonical id
	Observations []types.Observation

	// Overrides, when non-empty, replace resolution with operator prices
	Overrides map[string]decimal.Decimal

	// DiscountOverrides replace registry discount parameters for this cycle
	DiscountOverrides map[string]types.DiscountParams

	// DryRun computes everything but writes no history and arms no marker
	DryRun bool
}

// Validate checks the cycle envelope
func (c Cycle) Validate() error {
	if c.ID == "" {
		return errors.Schema("cycle has no id")
	}
	if c.Timestamp.IsZero() {
		return errors.Schema("cycle has no timestamp")
	}
	seen := make(map[string]bool, len(c.Observations))
	for i, o := range c.Observations {
		if o.ProviderID == "" {
			return errors.Schemaf("observation %d has no provider id", i)
		}
		if seen[o.ProviderID] {
			return errors.Schemaf("duplicate observation for provider %s", o.ProviderID)
		}
		seen[o.ProviderID] = true
	}
	for _, id := range determinism.SortedKeys(c.Overrides) {
		if p := c.Overrides[id]; !p.IsPositive() {
			return errors.Schemaf("override price for %s must be positive, got %s", id, p)
		}
	}
	return nil
}

// Failure pipeline stages
const (
	StageWeights = "weight_allocator"
	StageGuard   = "anomaly_guard"
)

// FailureReport describes a variant that produced no terminal state
type FailureReport struct {
	Variant    types.Variant       `json:"variant"`
	Stage      string              `json:"stage"`
	Type       errors.Type         `json:"type"`
	Reason     string              `json:"reason"`
	Calculated *decimal.Decimal    `json:"calculated,omitempty"`
	LastValid  *types.HistoryEntry `json:"last_valid,omitempty"`
}

// String renders the failure for operators
func (f FailureReport) String() string {
	last := "none"
	if f.LastValid != nil {
		last = fmt.Sprintf("%s at %s", f.LastValid.Value.StringFixed(4), f.LastValid.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s failed at %s (%s): %s; last valid: %s", f.Variant, f.Stage, f.Type, f.Reason, last)
}

// Report is the full provenance of one cycle
type Report struct {
	CycleID         string    `json:"cycle_id"`
	Attempt         int       `json:"attempt"`
	Timestamp       time.Time `json:"timestamp"`
	RegistryVersion string    `json:"registry_version"`
	DryRun          bool      `json:"dry_run"`
	Override        bool      `json:"override"`
	Rerun           bool      `json:"rerun"`

	Observations  []types.Observation          `json:"observations"`
	Missing       []string                     `json:"missing,omitempty"`
	Exclusions    []outlier.Exclusion          `json:"exclusions,omitempty"`
	Contributions []types.WeightedContribution `json:"contributions"`

	Results   []types.IndexResult `json:"results"`
	Decisions []guard.Decision    `json:"-"`
	Failures  []FailureReport     `json:"failures,omitempty"`
	Degraded  []string            `json:"degraded,omitempty"`

	RerunRequested bool `json:"rerun_requested"`
}

// Result returns the result for a variant
func (r *Report) Result(v types.Variant) (types.IndexResult, bool) {
	for _, res := range r.Results {
		if res.Variant == v {
			return res, true
		}
	}
	return types.IndexResult{}, false
}

// Publishable returns only results safe to hand to a sink: source set and
// value positive.
func (r *Report) Publishable() []types.IndexResult {
	var out []types.IndexResult
	for _, res := range r.Results {
		if res.Source != "" && res.Value.IsPositive() {
			out = append(out, res)
		}
	}
	return out
}

// Failed reports whether any variant ended without a terminal state
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) degrade(format string, args ...interface{}) {
	r.Degraded = append(r.Degraded, fmt.Sprintf(format, args...))
}
