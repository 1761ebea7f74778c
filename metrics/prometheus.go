// Package metrics implements recon.Metrics with Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/apexmediation/revenue-recon/recon"
)

// Prometheus holds every reconciliation collector.
type Prometheus struct {
	registry *prometheus.Registry

	// Expected builder
	ExpectedRows *prometheus.CounterVec

	// Matching
	Matches *prometheus.CounterVec

	// Reconcile
	Deltas *prometheus.CounterVec

	// Performance
	StageDuration *prometheus.HistogramVec
}

var _ recon.Metrics = (*Prometheus)(nil)

// New creates the collectors on a private registry. Pass nil to get a fresh
// registry that also carries the Go and process collectors.
func New(registry *prometheus.Registry) (*Prometheus, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Prometheus{registry: registry}

	m.ExpectedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "expected_rows_total",
		Help:      "Receipts seen, expected rows written and skipped by the expected builder",
	}, []string{"result"})

	m.Matches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "matches_total",
		Help:      "Matches persisted by band",
	}, []string{"band"})

	m.Deltas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "deltas_total",
		Help:      "Deltas computed by kind",
	}, []string{"kind"})

	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recon",
		Name:      "stage_duration_seconds",
		Help:      "Time to run one pipeline stage",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage", "outcome"})

	for _, c := range []prometheus.Collector{m.ExpectedRows, m.Matches, m.Deltas, m.StageDuration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Gatherer returns the registry for the /metrics handler.
func (m *Prometheus) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Prometheus) ExpectedCounts(seen, written, skipped int) {
	m.ExpectedRows.WithLabelValues("seen").Add(float64(seen))
	m.ExpectedRows.WithLabelValues("written").Add(float64(written))
	m.ExpectedRows.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Prometheus) MatchCounts(autoInserted, reviewPersisted int) {
	m.Matches.WithLabelValues("auto").Add(float64(autoInserted))
	m.Matches.WithLabelValues("review").Add(float64(reviewPersisted))
}

func (m *Prometheus) DeltaComputed(kind recon.DeltaKind) {
	m.Deltas.WithLabelValues(string(kind)).Inc()
}

func (m *Prometheus) ObserveStage(stage string, outcome recon.Outcome, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, string(outcome)).Observe(d.Seconds())
}
