package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evidence-on-demand/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidence_query_duration_seconds",
			Help:    "Query handling duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_query_total",
			Help: "Total number of queries handled",
		},
		[]string{"status"},
	)

	ConnectorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_connector_requests_total",
			Help: "Connector fetches by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ConnectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidence_connector_duration_seconds",
			Help:    "Connector fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	ResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evidence_results_count",
			Help:    "Number of evidence items per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	FieldCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evidence_field_collisions_total",
			Help: "Evidence items dropped because an earlier source supplied the same field",
		},
	)

	NarrativeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evidence_narrative_fallback_total",
			Help: "Narratives replaced by the fallback text after a summarizer error",
		},
	)

	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_exports_total",
			Help: "Export attempts by format and outcome",
		},
		[]string{"format", "outcome"},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evidence_audit_write_failures_total",
			Help: "Audit entries that could not be persisted",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_cache_hits_total",
			Help: "Evidence set lookups that found the set",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_cache_misses_total",
			Help: "Evidence set lookups that missed",
		},
		[]string{"cache_type"},
	)

	IntegrationsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evidence_integrations_connected",
			Help: "Number of integrations currently connected",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evidence_circuit_breaker_state",
			Help: "Circuit breaker state by upstream (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordBreakerState is a circuitbreaker.Config OnStateChange hook.
func RecordBreakerState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(ConnectorRequests)
		prometheus.MustRegister(ConnectorDuration)
		prometheus.MustRegister(ResultsCount)
		prometheus.MustRegister(FieldCollisions)
		prometheus.MustRegister(NarrativeFallbacks)
		prometheus.MustRegister(ExportsTotal)
		prometheus.MustRegister(AuditWriteFailures)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(IntegrationsConnected)
		prometheus.MustRegister(BreakerState)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
