package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "computeruse"

// Session Metrics
var (
	SessionStateCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state_count",
		Help:      "Number of sessions currently in each lifecycle state",
	}, []string{"state"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Total number of session state transitions",
	}, []string{"from", "to"})

	SessionProvisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "provision_latency_seconds",
		Help:      "Latency from STARTING to RUNNING",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	SessionProvisionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "provision_failures_total",
		Help:      "Total number of sessions that failed to provision",
	})

	SessionReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reclaimed_total",
		Help:      "Total number of sessions reclaimed by the sweeper",
	}, []string{"reason"})

	ComputeStopRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "compute_stop_retries_total",
		Help:      "Total number of compute stops handed to the out-of-band retry queue",
	})
)

// Resilience Metrics
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "breaker_rejections_total",
		Help:      "Calls rejected without invoking the dependency because the breaker was open",
	}, []string{"dependency"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "retry_attempts_total",
		Help:      "Retries performed after a retryable failure",
	}, []string{"dependency"})
)

// Cache Metrics
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Inference cache hits per tier",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Inference cache misses across both tiers",
	})

	CacheDurableErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "durable_errors_total",
		Help:      "Durable tier errors degraded to misses",
	})
)

// Bridge Metrics
var (
	BridgeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "connections",
		Help:      "Number of attached stream connections",
	})

	BridgeFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "frames_sent_total",
		Help:      "Frames written to stream connections",
	})

	BridgeFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "frames_dropped_total",
		Help:      "Frames superseded before a slow connection could send them",
	})

	BridgeIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "intents_total",
		Help:      "Intents processed by type and outcome",
	}, []string{"type", "outcome"})

	BridgeCaptureErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "capture_errors_total",
		Help:      "Failed desktop captures",
	})
)

// Auth Metrics
var (
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "rejections_total",
		Help:      "Admission rejections by reason",
	}, []string{"reason"})
)
