// Package metrics exposes build and query counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the collectors of one process on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	NodesCreated  *prometheus.CounterVec
	EdgesCreated  *prometheus.CounterVec
	Skips         *prometheus.CounterVec
	RowsRejected  *prometheus.CounterVec
	RowsLoaded    prometheus.Counter
	EventsTagged  prometheus.Counter
	StageDuration *prometheus.HistogramVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   prometheus.Counter
}

// New creates a recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		NodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "nodes_created_total",
			Help:      "Nodes created, by construction stage.",
		}, []string{"stage"}),
		EdgesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "edges_created_total",
			Help:      "Edges created, by construction stage.",
		}, []string{"stage"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "skips_total",
			Help:      "Skipped facts and unmatched entities, by stage and reason.",
		}, []string{"stage", "reason"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "rows_rejected_total",
			Help:      "Event rows rejected by the loader, by reason.",
		}, []string{"reason"}),
		RowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "rows_loaded_total",
			Help:      "Event rows accepted by the loader.",
		}),
		EventsTagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "events_tagged_total",
			Help:      "Events that matched at least one tagging rule.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventkg",
			Name:      "stage_duration_seconds",
			Help:      "Construction stage duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventkg",
			Name:      "query_duration_seconds",
			Help:      "Pattern query duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		QueryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventkg",
			Name:      "query_errors_total",
			Help:      "Pattern queries that failed.",
		}),
	}
	r.registry.MustRegister(
		r.NodesCreated,
		r.EdgesCreated,
		r.Skips,
		r.RowsRejected,
		r.RowsLoaded,
		r.EventsTagged,
		r.StageDuration,
		r.QueryDuration,
		r.QueryErrors,
	)
	return r
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveStage records the outcome of one construction stage.
func (r *Recorder) ObserveStage(stage string, nodes, edges int, skips map[string]int, d time.Duration) {
	if r == nil {
		return
	}
	r.NodesCreated.WithLabelValues(stage).Add(float64(nodes))
	r.EdgesCreated.WithLabelValues(stage).Add(float64(edges))
	for reason, n := range skips {
		r.Skips.WithLabelValues(stage, reason).Add(float64(n))
	}
	r.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveLoad records loader outcomes; rejected maps reason to count.
func (r *Recorder) ObserveLoad(loaded int, rejected map[string]int) {
	if r == nil {
		return
	}
	r.RowsLoaded.Add(float64(loaded))
	for reason, n := range rejected {
		r.RowsRejected.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveTagged records how many events were tagged.
func (r *Recorder) ObserveTagged(n int) {
	if r == nil {
		return
	}
	r.EventsTagged.Add(float64(n))
}

// ObserveQuery records one query run.
func (r *Recorder) ObserveQuery(name string, d time.Duration, err error) {
	if r == nil {
		return
	}
	if name == "" {
		name = "adhoc"
	}
	r.QueryDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		r.QueryErrors.Inc()
	}
}
