package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusPublished tracks events published per topic.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_bus_published_total",
		Help: "Total events published to the in-process bus",
	}, []string{"topic"})

	// BusDropped tracks events dropped due to full subscriber queues.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_bus_dropped_total",
		Help: "Events dropped because a subscriber queue was full (oldest-first)",
	}, []string{"topic"})

	// BusQueueDepth tracks the current depth of each subscriber queue.
	BusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_bus_queue_depth",
		Help: "Current number of events queued for a subscriber",
	}, []string{"topic", "subscriber"})

	// ThrottleDecisions tracks store/skip decisions per metric.
	ThrottleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_throttle_decisions_total",
		Help: "Persistence throttle decisions by metric and outcome",
	}, []string{"metric", "decision"})

	// PIDOutput tracks the last computed PID output per unit and metric.
	PIDOutput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_pid_output",
		Help: "Most recent PID controller output",
	}, []string{"unit", "metric"})

	// ActuatorCommands tracks commands issued per actuator kind and result.
	ActuatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_actuator_commands_total",
		Help: "Actuator commands issued by kind and result",
	}, []string{"kind", "result"})

	// ActuatorSuppressed tracks commands suppressed by cycle-time enforcement.
	ActuatorSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_actuator_suppressed_total",
		Help: "Actuator commands suppressed by minimum cycle time",
	}, []string{"kind"})

	// StrategyDisabled tracks control strategies disabled after consecutive errors.
	StrategyDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_strategy_disabled_total",
		Help: "Control strategies disabled after reaching the consecutive error limit",
	}, []string{"unit", "strategy"})

	// RequestTransitions tracks irrigation request state transitions.
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_irrigation_transitions_total",
		Help: "Irrigation request state transitions",
	}, []string{"from", "to"})

	// DetectionSkips tracks detection gate skips by reason.
	DetectionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_detection_skips_total",
		Help: "Irrigation detection passes that ended in a skip",
	}, []string{"reason"})

	// UnitLockContention tracks failed unit lock acquisitions.
	UnitLockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_unit_lock_contention_total",
		Help: "Unit lock acquisitions that found the lock busy",
	}, []string{"unit"})

	// ExecutionDuration tracks actual irrigation run times.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysgrow_irrigation_duration_seconds",
		Help:    "Actual irrigation execution duration",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8), // 15s to ~32min
	})

	// BeliefSampleCount tracks Bayesian belief sample counts.
	BeliefSampleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_belief_samples",
		Help: "Feedback samples absorbed into a threshold belief",
	}, []string{"unit", "plant_type"})

	// NotificationsThrottled tracks notifications suppressed by the rate limiter.
	NotificationsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_notifications_throttled_total",
		Help: "Notifications suppressed by the per-kind rate limiter",
	}, []string{"kind"})

	// StoreErrors tracks persistence failures (logged and dropped, never retried inline).
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_store_errors_total",
		Help: "Persistence write failures by operation",
	}, []string{"op"})

	// BridgeClients tracks connected websocket event-stream clients.
	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysgrow_bridge_clients",
		Help: "Currently connected event-stream clients",
	})

	// RedisLatency tracks unit-lock backend roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysgrow_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for unit lock coordination",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})
)
