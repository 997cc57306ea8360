// Package metrics records cycle outcomes as Prometheus series. The CLI runs
// as a batch job, so series are written to a node-exporter textfile rather
// than served.
package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gpu-index/core/engine"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

// Recorder owns a private registry of index series
type Recorder struct {
	registry *prometheus.Registry

	IndexValue        *prometheus.GaugeVec
	Contributors      *prometheus.GaugeVec
	ProviderWeight    *prometheus.GaugeVec
	CarryForwardTotal *prometheus.CounterVec
	OutliersExcluded  prometheus.Counter
	RerunRequested    prometheus.Counter
	FailuresTotal     *prometheus.CounterVec
}

// NewRecorder registers every series on a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		IndexValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_index_value",
			Help: "Published H100 index value in USD per GPU-hour.",
		}, []string{"variant", "source"}),
		Contributors: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_index_contributors",
			Help: "Providers with a positive weight in the variant.",
		}, []string{"variant"}),
		ProviderWeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_index_provider_weight",
			Help: "Final weight of each provider in the full index.",
		}, []string{"provider"}),
		CarryForwardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpu_index_carry_forward_total",
			Help: "Variants that carried the previous value forward.",
		}, []string{"variant"}),
		OutliersExcluded: f.NewCounter(prometheus.CounterOpts{
			Name: "gpu_index_outliers_excluded_total",
			Help: "Non-hyperscaler prices dropped by the IQR filter.",
		}),
		RerunRequested: f.NewCounter(prometheus.CounterOpts{
			Name: "gpu_index_rerun_requested_total",
			Help: "Cycles that armed the rerun marker.",
		}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpu_index_failures_total",
			Help: "Variants that failed without a value, by error type.",
		}, []string{"variant", "type"}),
	}
}

// Registry exposes the underlying gatherer
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records one cycle's report
func (r *Recorder) Observe(report *engine.Report) {
	r.IndexValue.Reset()
	for _, res := range report.Results {
		value, _ := res.Value.Float64()
		r.IndexValue.WithLabelValues(string(res.Variant), string(res.Source)).Set(value)
		r.Contributors.WithLabelValues(string(res.Variant)).Set(float64(res.ContributingCount()))
		if res.Source == types.SourceCarryForwardPrev {
			r.CarryForwardTotal.WithLabelValues(string(res.Variant)).Inc()
		}
	}

	r.ProviderWeight.Reset()
	for _, c := range report.Contributions {
		w, _ := c.FinalWeight.Float64()
		r.ProviderWeight.WithLabelValues(c.ProviderID).Set(w)
	}

	r.OutliersExcluded.Add(float64(len(report.Exclusions)))
	if report.RerunRequested {
		r.RerunRequested.Inc()
	}
	for _, f := range report.Failures {
		r.FailuresTotal.WithLabelValues(string(f.Variant), string(f.Type)).Inc()
	}
}

// WriteTextfile writes the current series atomically to path
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(errors.TypeStorage, "failed to create metrics directory", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.Wrap(errors.TypeStorage, "failed to write metrics textfile", err)
	}
	return nil
}
