package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the download subsystem.
// All metric names carry the harmony_sync prefix.
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	deadLetters     prometheus.Counter
	cancellations   prometheus.Counter
	queueDepth      prometheus.Gauge
	activeDownloads prometheus.Gauge
	jobDuration     prometheus.Histogram
	schedulerClaims prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmony_sync_jobs_processed_total",
			Help: "Total jobs processed by the sync worker, by outcome",
		},
		[]string{"status"},
	)
	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmony_sync_retries_total",
			Help: "Total retry submissions, by originating path (worker or scheduler)",
		},
		[]string{"path"},
	)
	m.deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harmony_sync_dead_letters_total",
		Help: "Downloads moved to the dead letter state",
	})
	m.cancellations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harmony_sync_cancellations_total",
		Help: "Downloads cancelled through the pending-cancellation set",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_sync_queue_depth",
		Help: "Jobs currently waiting in the in-memory priority queue",
	})
	m.activeDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_sync_active_downloads",
		Help: "Downloads reported active by the remote client at the last poll",
	})
	m.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harmony_sync_job_duration_seconds",
		Help:    "Wall time spent executing one job against the remote client",
		Buckets: prometheus.DefBuckets,
	})
	m.schedulerClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harmony_sync_scheduler_claims_total",
		Help: "Due retries claimed by the retry scheduler",
	})

	m.registry.MustRegister(
		m.jobsProcessed,
		m.retriesTotal,
		m.deadLetters,
		m.cancellations,
		m.queueDepth,
		m.activeDownloads,
		m.jobDuration,
		m.schedulerClaims,
	)
	return m
}

func (m *Metrics) JobProcessed(status string)       { m.jobsProcessed.WithLabelValues(status).Inc() }
func (m *Metrics) RetryScheduled(path string)       { m.retriesTotal.WithLabelValues(path).Inc() }
func (m *Metrics) DeadLettered()                    { m.deadLetters.Inc() }
func (m *Metrics) Cancelled()                       { m.cancellations.Inc() }
func (m *Metrics) SetQueueDepth(n int)              { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetActiveDownloads(n int)         { m.activeDownloads.Set(float64(n)) }
func (m *Metrics) ObserveJobDuration(d time.Duration) {
	m.jobDuration.Observe(d.Seconds())
}
func (m *Metrics) SchedulerClaimed() { m.schedulerClaims.Inc() }

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
