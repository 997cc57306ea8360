package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"gpu-index/core/guard"
	"gpu-index/core/history"
	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

var cycleTime = time.Date(2025, 11, 14, 0, 0, 0, 0, time.UTC)

func testRegistry() *registry.Registry {
	d := decimal.RequireFromString
	providers := []registry.Provider{
		{ID: "a", Name: "Alpha", Category: types.CategoryHyperscaler, BaseWeight: d("0.7")},
		{ID: "b", Name: "Bravo", Category: types.CategoryHyperscaler, BaseWeight: d("0.3")},
		{ID: "c", Name: "Charlie", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "d", Name: "Delta", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "e", Name: "Echo", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
	}
	return registry.New("test", registry.DefaultCategoryTotals(), providers)
}

func obs(prices map[string]float64) []types.Observation {
	var out []types.Observation
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if p, ok := prices[id]; ok {
			out = append(out, types.NewObservation(id, p, types.TierPrimary))
		}
	}
	return out
}

var baseline = map[string]float64{"a": 4.0, "b": 5.0, "c": 2.0, "d": 2.2, "e": 2.1}

type harness struct {
	engine *Engine
	store  *history.MemoryStore
	marker *guard.MemoryMarker
}

func newHarness(t *testing.T) *harness {
	store := history.NewMemoryStore()
	marker := guard.NewMemoryMarker()
	e := NewEngine(testRegistry(), store, marker, DefaultEngineConfig(), WithLogger(zaptest.NewLogger(t)))
	return &harness{engine: e, store: store, marker: marker}
}

func approx(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if got.Sub(decimal.RequireFromString(want)).Abs().GreaterThan(decimal.New(1, -9)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func mustResult(t *testing.T, r *Report, v types.Variant) types.IndexResult {
	t.Helper()
	res, ok := r.Result(v)
	if !ok {
		t.Fatalf("no result for %s", v)
	}
	return res
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	report, err := h.engine.Run(context.Background(), Cycle{
		ID:           "2025-11-14",
		Timestamp:    cycleTime,
		Observations: obs(baseline),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	approx(t, "full", mustResult(t, report, types.VariantFull).Value, "3.42")
	approx(t, "hyperscalers", mustResult(t, report, types.VariantHyperscalersOnly).Value, "4.3")
	approx(t, "non-hyperscalers", mustResult(t, report, types.VariantNonHyperscalersOnly).Value, "2.1")

	for _, res := range report.Results {
		if res.Source != types.SourceCalculated {
			t.Errorf("%s source = %s, want calculated", res.Variant, res.Source)
		}
	}
	if len(report.Degraded) == 0 {
		t.Error("three non-hyperscaler prices should be reported as a degraded sample")
	}
	if len(report.Contributions) != 5 {
		t.Errorf("contribution table has %d rows, want 5", len(report.Contributions))
	}

	for _, v := range types.AllVariants() {
		last, _ := h.store.Last(context.Background(), v)
		if last == nil || last.State != types.StatePublished {
			t.Errorf("%s: expected a published history entry, got %+v", v, last)
		}
	}
}

func TestRunCarriesForwardAndReruns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Run(ctx, Cycle{ID: "day-1", Timestamp: cycleTime, Observations: obs(baseline)}); err != nil {
		t.Fatalf("day 1: %v", err)
	}

	spiked := map[string]float64{"a": 9.0, "b": 9.5, "c": 2.0, "d": 2.2, "e": 2.1}
	day2 := Cycle{ID: "day-2", Timestamp: cycleTime.Add(24 * time.Hour), Observations: obs(spiked)}
	report, err := h.engine.Run(ctx, day2)
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}

	hs := mustResult(t, report, types.VariantHyperscalersOnly)
	if hs.Source != types.SourceCarryForwardPrev {
		t.Fatalf("hyperscaler source = %s, want carry_forward_prev", hs.Source)
	}
	approx(t, "carried hyperscalers", hs.Value, "4.3")
	if nh := mustResult(t, report, types.VariantNonHyperscalersOnly); nh.Source != types.SourceCalculated {
		t.Errorf("unaffected variant source = %s", nh.Source)
	}
	if !report.RerunRequested {
		t.Fatal("rejection on first attempt should request a rerun")
	}

	// Rerun with corrected prices.
	day2.Observations = obs(map[string]float64{"a": 4.2, "b": 5.1, "c": 2.0, "d": 2.2, "e": 2.1})
	rerun, err := h.engine.Run(ctx, day2)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !rerun.Rerun || rerun.Attempt != 2 {
		t.Errorf("rerun flags: rerun=%v attempt=%d", rerun.Rerun, rerun.Attempt)
	}
	hs = mustResult(t, rerun, types.VariantHyperscalersOnly)
	if hs.Source != types.SourceRerun {
		t.Errorf("corrected value source = %s, want rerun", hs.Source)
	}
	if rerun.RerunRequested {
		t.Error("a rerun must never request another rerun")
	}

	// A second rejection on the rerun does not re-arm.
	day2.Observations = obs(spiked)
	again, err := h.engine.Run(ctx, day2)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if again.RerunRequested {
		t.Error("marker armed more than once for the same cycle")
	}
	if state, _ := h.marker.Consume(ctx); state != nil {
		t.Errorf("marker unexpectedly armed: %+v", state)
	}
}

func TestRunNoHistoryIsFatalForVariantOnly(t *testing.T) {
	h := newHarness(t)
	report, err := h.engine.Run(context.Background(), Cycle{
		ID:           "first",
		Timestamp:    cycleTime,
		Observations: obs(map[string]float64{"a": 4.0, "b": 5.0}),
	})
	if !errors.IsType(err, errors.TypeNoHistory) {
		t.Fatalf("expected NO_HISTORY error, got %v", err)
	}
	if report == nil || len(report.Failures) != 1 {
		t.Fatalf("expected one failure report, got %+v", report)
	}
	f := report.Failures[0]
	if f.Variant != types.VariantNonHyperscalersOnly || f.Stage != StageGuard || f.LastValid != nil {
		t.Errorf("unexpected failure report: %+v", f)
	}

	full := mustResult(t, report, types.VariantFull)
	approx(t, "full with starved category", full.Value, "2.58")
	if _, ok := report.Result(types.VariantNonHyperscalersOnly); ok {
		t.Error("failed variant must not produce a result")
	}
	if last, _ := h.store.Last(context.Background(), types.VariantNonHyperscalersOnly); last != nil {
		t.Error("failed variant must not write history")
	}
	if last, _ := h.store.Last(context.Background(), types.VariantHyperscalersOnly); last == nil {
		t.Error("healthy variant must still be recorded")
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Run(ctx, Cycle{ID: "d1", Timestamp: cycleTime, Observations: obs(baseline)}); err != nil {
		t.Fatal(err)
	}

	spiked := obs(map[string]float64{"a": 20, "b": 20, "c": 2.0, "d": 2.2, "e": 2.1})
	report, err := h.engine.Run(ctx, Cycle{ID: "d2", Timestamp: cycleTime.Add(time.Hour), Observations: spiked, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !report.RerunRequested {
		t.Error("dry run should still report that a rerun would be requested")
	}
	if state, _ := h.marker.Consume(ctx); state != nil {
		t.Error("dry run armed the marker")
	}
	list, _ := h.store.List(ctx, types.VariantFull, 0)
	if len(list) != 1 {
		t.Errorf("dry run wrote history: %d entries", len(list))
	}
}

func TestRunManualOverride(t *testing.T) {
	h := newHarness(t)
	d := decimal.RequireFromString
	report, err := h.engine.Run(context.Background(), Cycle{
		ID:        "manual",
		Timestamp: cycleTime,
		Overrides: map[string]decimal.Decimal{
			"Alpha": d("4.0"), "b": d("5.0"), "c": d("2.0"), "d": d("2.2"), "e": d("2.1"),
		},
		Observations: obs(map[string]float64{"a": 100}),
	})
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "full", mustResult(t, report, types.VariantFull).Value, "3.42")
	for _, o := range report.Observations {
		if o.Tier != types.TierManual {
			t.Errorf("%s tier = %s, want manual", o.ProviderID, o.Tier)
		}
	}

	_, err = h.engine.Run(context.Background(), Cycle{
		ID: "bad", Timestamp: cycleTime, Overrides: map[string]decimal.Decimal{"zulu": d("1")},
	})
	if !errors.IsType(err, errors.TypeSchema) {
		t.Errorf("unknown override provider should be a schema error, got %v", err)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() *Report {
		h := newHarness(t)
		r, err := h.engine.Run(context.Background(), Cycle{ID: "x", Timestamp: cycleTime, Observations: obs(baseline)})
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	a, b := run(), run()
	for i := range a.Results {
		if !a.Results[i].Value.Equal(b.Results[i].Value) || a.Results[i].Source != b.Results[i].Source {
			t.Errorf("%s differs across identical runs: %s vs %s", a.Results[i].Variant, a.Results[i].Value, b.Results[i].Value)
		}
	}
}

func TestRunCancelledWritesNoHistory(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.engine.Run(ctx, Cycle{ID: "c", Timestamp: cycleTime, Observations: obs(baseline)}); err == nil {
		t.Fatal("expected cancellation error")
	}
	if last, _ := h.store.Last(context.Background(), types.VariantFull); last != nil {
		t.Error("cancelled cycle wrote history")
	}
}

func TestCycleValidate(t *testing.T) {
	tests := []struct {
		name  string
		cycle Cycle
	}{
		{"no id", Cycle{Timestamp: cycleTime}},
		{"no timestamp", Cycle{ID: "x"}},
		{"duplicate provider", Cycle{ID: "x", Timestamp: cycleTime, Observations: []types.Observation{
			types.NewObservation("a", 1, types.TierPrimary), types.NewObservation("a", 2, types.TierPrimary),
		}}},
		{"non-positive override", Cycle{ID: "x", Timestamp: cycleTime, Overrides: map[string]decimal.Decimal{"a": decimal.Zero}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cycle.Validate(); !errors.IsType(err, errors.TypeSchema) {
				t.Errorf("expected schema error, got %v", err)
			}
		})
	}
}

func TestRunRejectsOverridesNamingOneProviderTwice(t *testing.T) {
	d := decimal.RequireFromString
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		_, err := h.engine.Run(context.Background(), Cycle{
			ID:        "manual",
			Timestamp: cycleTime,
			Overrides: map[string]decimal.Decimal{
				"a": d("4.0"), "Alpha": d("8.0"), "b": d("5.0"), "c": d("2.0"), "d": d("2.2"), "e": d("2.1"),
			},
			DryRun: true,
		})
		if !errors.IsType(err, errors.TypeSchema) {
			t.Fatalf("run %d: expected schema error for aliased override, got %v", i, err)
		}
	}
}

func TestRunNeverFencesHyperscalers(t *testing.T) {
	d := decimal.RequireFromString
	providers := []registry.Provider{
		{ID: "a", Name: "Alpha", Category: types.CategoryHyperscaler, BaseWeight: d("0.5")},
		{ID: "b", Name: "Bravo", Category: types.CategoryHyperscaler, BaseWeight: d("0.5")},
		{ID: "c", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "d", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "e", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "f", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
		{ID: "g", Category: types.CategoryNonHyperscaler, BaseWeight: d("1")},
	}
	reg := registry.New("fence", registry.DefaultCategoryTotals(), providers)
	e := NewEngine(reg, history.NewMemoryStore(), guard.NewMemoryMarker(), DefaultEngineConfig(), WithLogger(zaptest.NewLogger(t)))

	// non-hyperscaler fence: Q1=3, Q3=5, upper = 5 + 2.5*2 = 10
	var observations []types.Observation
	for id, p := range map[string]float64{"a": 20, "b": 5, "c": 2, "d": 3, "e": 4, "f": 5, "g": 20} {
		observations = append(observations, types.NewObservation(id, p, types.TierPrimary))
	}
	report, err := e.Run(context.Background(), Cycle{ID: "fence", Timestamp: cycleTime, Observations: observations, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Exclusions) != 1 || report.Exclusions[0].ProviderID != "g" {
		t.Fatalf("exclusions = %+v, want only the non-hyperscaler g", report.Exclusions)
	}
	found := false
	for _, c := range report.Contributions {
		if c.ProviderID == "a" {
			found = c.FinalWeight.IsPositive()
		}
		if c.ProviderID == "g" {
			t.Error("excluded non-hyperscaler still contributes")
		}
	}
	if !found {
		t.Error("hyperscaler priced like the excluded outlier must still contribute")
	}
}

type failingStore struct {
	*history.MemoryStore
}

func (failingStore) Append(context.Context, *types.HistoryEntry) error {
	return fmt.Errorf("disk full")
}

func TestRunDoesNotArmMarkerWhenHistoryAppendFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Run(ctx, Cycle{ID: "day-1", Timestamp: cycleTime, Observations: obs(baseline)}); err != nil {
		t.Fatal(err)
	}

	broken := NewEngine(testRegistry(), failingStore{h.store}, h.marker, DefaultEngineConfig(), WithLogger(zaptest.NewLogger(t)))
	spiked := obs(map[string]float64{"a": 9.0, "b": 9.5, "c": 2.0, "d": 2.2, "e": 2.1})
	report, err := broken.Run(ctx, Cycle{ID: "day-2", Timestamp: cycleTime.Add(24 * time.Hour), Observations: spiked})
	if !errors.IsType(err, errors.TypeStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !report.RerunRequested {
		t.Error("rejection should still be reported as wanting a rerun")
	}
	if state, _ := h.marker.Consume(ctx); state != nil {
		t.Errorf("marker armed without a recorded first attempt: %+v", state)
	}
}
