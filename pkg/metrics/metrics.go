package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	EventsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_events_routed_total",
			Help: "Total number of object-store events routed by tier",
		},
		[]string{"tier"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_events_dropped_total",
			Help: "Total number of events dropped by reason (non_tenant, malformed, delete)",
		},
		[]string{"reason"},
	)

	// Bus metrics
	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_dead_letters_total",
			Help: "Total number of messages routed to the dead-letter subject",
		},
		[]string{"subject"},
	)

	Redeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_redeliveries_total",
			Help: "Total number of negative acknowledgments requesting redelivery",
		},
		[]string{"subject"},
	)

	// Worker metrics
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_worker_messages_total",
			Help: "Total number of worker messages by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remd_worker_processing_duration_seconds",
			Help:    "Storage worker per-message processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tier"},
	)

	ResourcesUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remd_resources_upserted_total",
			Help: "Total number of resource rows upserted",
		},
	)

	// Embedding egress metrics
	EmbeddingCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_embedding_calls_total",
			Help: "Total number of embedding service calls by outcome",
		},
		[]string{"outcome"},
	)

	// Query executor metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remd_query_duration_seconds",
			Help:    "Query execution duration in seconds by plan type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plan"},
	)

	QueryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_query_errors_total",
			Help: "Total number of query errors by plan type and kind",
		},
		[]string{"plan", "kind"},
	)

	// Dreaming metrics
	DreamRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remd_dream_runs_total",
			Help: "Total number of dream runs by job and final state",
		},
		[]string{"job", "state"},
	)

	MomentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remd_moments_created_total",
			Help: "Total number of moments written by dreaming",
		},
	)

	AffinityEdges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remd_affinity_edges_total",
			Help: "Total number of affinity edges written by dreaming",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsRouted)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(Redeliveries)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(ResourcesUpserted)
	prometheus.MustRegister(EmbeddingCalls)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryErrors)
	prometheus.MustRegister(DreamRuns)
	prometheus.MustRegister(MomentsCreated)
	prometheus.MustRegister(AffinityEdges)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
