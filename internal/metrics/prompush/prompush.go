// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// It adapts the generic metrics.Backend interface to Prometheus by using
// client_golang CounterVec/SummaryVec collectors and pushing the collected
// registry to a Pushgateway instead of exposing a scrape endpoint, which
// suits batch-style pipeline runs. All Prometheus-specific dependencies stay
// in this package so the engine can swap backends without changes.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"refinery/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string // Pushgateway "job" group; the pipeline name
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec // refinery_stage_total
	stageDuration *prometheus.SummaryVec // refinery_stage_duration_seconds
	rowCounter    *prometheus.CounterVec // refinery_rows_total
	tableCounter  *prometheus.CounterVec // refinery_tables_total
}

// NewBackend constructs a Pushgateway backend. jobName is the Pushgateway
// grouping key, usually the pipeline name.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "refinery"
	}

	reg := prometheus.NewRegistry()
	stageCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_stage_total",
			Help: "Total stage executions, partitioned by table, stage, and status.",
		},
		[]string{"table", "stage", "status"},
	)
	stageDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "refinery_stage_duration_seconds",
			Help:       "Duration of stages in seconds, partitioned by table, stage, and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"table", "stage", "status"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_rows_total",
			Help: "Row-level counts per table and kind (read, exploded, dropped, quarantined, written).",
		},
		[]string{"table", "kind"},
	)
	tableCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_tables_total",
			Help: "Per-run target table outcomes.",
		},
		[]string{"table", "status"},
	)

	for _, c := range []prometheus.Collector{stageCounter, stageDuration, rowCounter, tableCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stageCounter:  stageCounter,
		stageDuration: stageDuration,
		rowCounter:    rowCounter,
		tableCounter:  tableCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "refinery_stage_total":
		b.stageCounter.WithLabelValues(labels["table"], labels["stage"], labels["status"]).Add(delta)
	case "refinery_rows_total":
		b.rowCounter.WithLabelValues(labels["table"], labels["kind"]).Add(delta)
	case "refinery_tables_total":
		b.tableCounter.WithLabelValues(labels["table"], labels["status"]).Add(delta)
	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "refinery_stage_duration_seconds" {
		return
	}
	b.stageDuration.WithLabelValues(labels["table"], labels["stage"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
