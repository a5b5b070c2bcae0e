// Package observability exposes the Prometheus counters recorded by the
// mutation coordinator and the textfile export used by the CLI.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for dealtree_mutations_total.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeCorrupt   = "corrupt"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors for one registry. A nil *Metrics records
// nothing.
type Metrics struct {
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	corrupt          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dealtree",
				Name:      "mutations_total",
				Help:      "Hierarchy mutations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		mutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dealtree",
				Name:      "mutation_duration_seconds",
				Help:      "Validate-and-commit duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dealtree",
				Name:      "rejections_total",
				Help:      "Parent assignments refused by the validator.",
			},
			[]string{"reason"},
		),
		corrupt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dealtree",
				Name:      "corrupt_hierarchy_total",
				Help:      "Operations aborted because stored data was not a forest.",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.mutations, m.mutationDuration, m.rejections, m.corrupt} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordMutation counts one finished mutation.
func (m *Metrics) RecordMutation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, outcome).Inc()
	m.mutationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection counts one validator rejection.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordCorruption counts one corrupt-hierarchy detection.
func (m *Metrics) RecordCorruption() {
	if m == nil {
		return
	}
	m.corrupt.Inc()
}

// WriteTextfile writes every metric in g to path in the node-exporter
// textfile format. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
