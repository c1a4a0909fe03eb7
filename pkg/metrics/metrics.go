package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event store metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_events_appended_total",
			Help: "Total number of events committed to the log by type and durability class",
		},
		[]string{"type", "class"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_events_dropped_total",
			Help: "Total number of best-effort events dropped because the append queue was full",
		},
	)

	EventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_event_queue_depth",
			Help: "Current depth of the event append queue",
		},
	)

	// Service lifecycle metrics
	ServicesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_services_running",
			Help: "Number of live service workers by tenant",
		},
		[]string{"tenant"},
	)

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_deploys_total",
			Help: "Total number of deploy attempts by result",
		},
		[]string{"result"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_restarts_total",
			Help: "Total number of worker restarts by tenant",
		},
		[]string{"tenant"},
	)

	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_swaps_total",
			Help: "Total number of hot swap attempts by result",
		},
		[]string{"result"},
	)

	// Capability metrics
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_capability_verifications_total",
			Help: "Total number of capability verifications by result",
		},
		[]string{"result"},
	)

	// Protection metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_breaker_state",
			Help: "Circuit breaker state per service (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"tenant", "service"},
	)

	AdmissionInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_admission_in_flight",
			Help: "In-flight admitted requests by tenant",
		},
		[]string{"tenant"},
	)

	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_admission_rejected_total",
			Help: "Total number of requests shed at admission by tenant",
		},
		[]string{"tenant"},
	)

	ResourceViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_resource_violations_total",
			Help: "Total number of resource violations by tenant and action",
		},
		[]string{"tenant", "action"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Operation latency
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_op_duration_seconds",
			Help:    "Kernel operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Event log watermark, sampled by the collector
	EventLogLastID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_event_log_last_id",
			Help: "Highest event id committed to the durable log",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(EventQueueDepth)
	prometheus.MustRegister(ServicesRunning)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(SwapsTotal)
	prometheus.MustRegister(VerificationsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(AdmissionInFlight)
	prometheus.MustRegister(AdmissionRejectedTotal)
	prometheus.MustRegister(ResourceViolationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(OpDuration)
	prometheus.MustRegister(EventLogLastID)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
