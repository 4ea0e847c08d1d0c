// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from pipeline runs.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data.
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems (Prometheus, Datadog) live in subpackages; the
//     engine depends only on this interface.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStage measures latency and success/failure for one stage of a target
// table's run (materialize, evaluate, validate, write).
func RecordStage(pipeline, table, stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"pipeline": pipeline,
		"table":    table,
		"stage":    stage,
		"status":   status,
	}
	backend.IncCounter("refinery_stage_total", 1, lbls)
	backend.ObserveHistogram("refinery_stage_duration_seconds", d.Seconds(), lbls)
}

// RecordRows increments a row-level counter for a target table.
//
// Typical kinds mirror the run summary fields:
//   - "read"
//   - "exploded"
//   - "dropped"
//   - "quarantined"
//   - "written"
func RecordRows(pipeline, table, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("refinery_rows_total", float64(delta), Labels{
		"pipeline": pipeline,
		"table":    table,
		"kind":     kind,
	})
}

// RecordTable increments the per-run table outcome counter.
func RecordTable(pipeline, table string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	backend.IncCounter("refinery_tables_total", 1, Labels{
		"pipeline": pipeline,
		"table":    table,
		"status":   status,
	})
}
