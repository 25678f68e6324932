package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab_broker (application-level grouping)
// - subsystem: rpc, room, project, db, livekit, circuit_breaker, rate_limit
//   (feature-level grouping)
// - name: specific metric (connections_active, messages_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, projects)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of live client connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "rpc",
		Name:      "connections_active",
		Help:      "Current number of active RPC connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one
	// participant.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// ActiveProjects tracks the current number of shared projects.
	ActiveProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "project",
		Name:      "projects_active",
		Help:      "Current number of shared projects",
	})

	// ProjectCollaborators tracks the number of collaborators on each
	// project.
	ProjectCollaborators = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "project",
		Name:      "collaborators_count",
		Help:      "Number of collaborators on each shared project",
	}, []string{"project_id"})

	// RPCMessages tracks the total number of messages processed per type.
	RPCMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "rpc",
		Name:      "messages_total",
		Help:      "Total RPC messages processed",
	}, []string{"message_type", "status"})

	// MessageProcessingDuration tracks the time spent handling a message, by
	// type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_broker",
		Subsystem: "rpc",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing RPC messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// LiveKitCalls tracks the total number of LiveKit API calls.
	LiveKitCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "livekit",
		Name:      "calls_total",
		Help:      "Total LiveKit API calls",
	}, []string{"operation", "status"})

	// CircuitBreakerState tracks the current state of a named circuit
	// breaker. 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open
	// (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of operations that failed
	// when run through a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total operations that failed through the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of messages that exceeded
	// the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of messages that exceeded the rate limit",
	}, []string{"limiter", "reason"})

	// RateLimitRequests tracks the total number of messages checked against
	// a rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of messages checked against the rate limiter",
	}, []string{"limiter"})

	// DbOperationsTotal tracks the total number of durable-store operations.
	DbOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "db",
		Name:      "operations_total",
		Help:      "Total number of durable-store operations",
	}, []string{"operation", "status"})

	// DbOperationDuration tracks the duration of durable-store operations.
	DbOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_broker",
		Subsystem: "db",
		Name:      "operation_duration_seconds",
		Help:      "Duration of durable-store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
