// Package metrics registers Prometheus counters and histograms for
// the rowsort façade and exposes them over an optional /metrics HTTP
// handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the rowsort façade and CLI instrument.
type Registry struct {
	RowsAdmitted     prometheus.Counter
	RowsRejected     *prometheus.CounterVec
	RunsSpilled      prometheus.Counter
	MergeDuration    prometheus.Histogram
	CopyBytesWritten prometheus.Counter
}

// New creates and registers a Registry against the default Prometheus
// registerer. Call once per process.
func New() *Registry {
	r := &Registry{
		RowsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsort_rows_admitted_total",
			Help: "Total rows accepted into a Sorter's buffer.",
		}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowsort_rows_rejected_total",
			Help: "Total rows rejected by validation, labeled by rule.",
		}, []string{"reason"}),
		RunsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsort_runs_spilled_total",
			Help: "Total run files spilled to disk.",
		}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rowsort_merge_duration_seconds",
			Help:    "Wall-clock duration of the k-way merge phase.",
			Buckets: prometheus.DefBuckets,
		}),
		CopyBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsort_copy_bytes_written_total",
			Help: "Total bytes written to COPY BINARY output streams.",
		}),
	}

	prometheus.MustRegister(r.RowsAdmitted)
	prometheus.MustRegister(r.RowsRejected)
	prometheus.MustRegister(r.RunsSpilled)
	prometheus.MustRegister(r.MergeDuration)
	prometheus.MustRegister(r.CopyBytesWritten)
	return r
}

// Serve starts the /metrics HTTP handler on addr in its own
// goroutine. A no-op if addr is empty.
func Serve(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(addr, mux)
	}()
}
