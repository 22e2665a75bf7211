package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resolve metrics
	ResolveRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuid_resolve_requests_total",
			Help: "Total number of resolve calls by completion status",
		},
		[]string{"completed"},
	)

	FilesRequestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_files_requested_total",
			Help: "Total number of files requested across all resolve calls",
		},
	)

	FilesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuid_files_resolved_total",
			Help: "Total number of files resolved by source",
		},
		[]string{"source"}, // cache, annotate, frontier, try
	)

	TuidsMappedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_tuids_mapped_total",
			Help: "Total number of tuids handed out",
		},
	)

	ResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuid_resolve_duration_seconds",
			Help:    "Resolve call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Annotate fetch metrics
	AnnotateFetchesWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuid_annotate_fetches_waiting",
			Help: "Number of raw-file fetches waiting for a request slot",
		},
	)

	AnnotateFetchesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuid_annotate_fetches_active",
			Help: "Number of raw-file fetches in flight",
		},
	)

	// Frontier metrics
	FrontierMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuid_frontier_moves_total",
			Help: "Total number of frontier moves by direction",
		},
		[]string{"direction"}, // forward, backward
	)

	FrontierMoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuid_frontier_move_duration_seconds",
			Help:    "Time taken to move one batch of frontiers in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FrontierFilesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_frontier_files_failed_total",
			Help: "Total number of files that failed a frontier transition",
		},
	)

	// Worker metrics
	ResolveWorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuid_resolve_workers_active",
			Help: "Number of overflow resolve workers running",
		},
	)

	OverflowBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_overflow_batches_total",
			Help: "Total number of resolve batches deferred to workers",
		},
	)

	// Upstream metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuid_upstream_requests_total",
			Help: "Total number of upstream hg requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuid_upstream_request_duration_seconds",
			Help:    "Upstream hg request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Event metrics
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_events_dropped_total",
			Help: "Total number of service events dropped by slow subscribers",
		},
	)

	// Daemon metrics
	DaemonPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_daemon_passes_total",
			Help: "Total number of prefetch daemon passes",
		},
	)

	DaemonRevisionsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuid_daemon_revisions_processed_total",
			Help: "Total number of revisions the prefetch daemon advanced to",
		},
	)
)

func init() {
	prometheus.MustRegister(ResolveRequestsTotal)
	prometheus.MustRegister(FilesRequestedTotal)
	prometheus.MustRegister(FilesResolvedTotal)
	prometheus.MustRegister(TuidsMappedTotal)
	prometheus.MustRegister(ResolveDuration)
	prometheus.MustRegister(AnnotateFetchesWaiting)
	prometheus.MustRegister(AnnotateFetchesActive)
	prometheus.MustRegister(FrontierMovesTotal)
	prometheus.MustRegister(FrontierMoveDuration)
	prometheus.MustRegister(FrontierFilesFailedTotal)
	prometheus.MustRegister(ResolveWorkersActive)
	prometheus.MustRegister(OverflowBatchesTotal)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(DaemonPassesTotal)
	prometheus.MustRegister(DaemonRevisionsProcessed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
