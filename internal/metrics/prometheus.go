package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts admitted/rejected requests by outcome.
	RequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total chat requests by outcome.",
		},
		[]string{"outcome"}, // ok, rate_limited, breaker_open, decrypt_failed
	)

	// ActiveStreams reports the number of in-flight SSE streams.
	ActiveStreams = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "active",
			Help:      "Number of currently active inference streams.",
		},
	)

	// StreamLatencySeconds records end-to-end stream duration.
	StreamLatencySeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "latency_seconds",
			Help:      "End-to-end stream_inference latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// HealthyEndpoints reports the current healthy-upstream count.
	HealthyEndpoints = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "healthy_endpoints",
			Help:      "Number of upstream endpoints currently marked healthy.",
		},
	)

	// BreakerState reports the circuit breaker's current state as a gauge (0=closed,1=half_open,2=open).
	BreakerState = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
		},
	)

	// RateLimitRejections counts rejections by the identifier kind that tripped.
	RateLimitRejections = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Rate limiter rejections by window kind.",
		},
		[]string{"window"}, // address, device_key
	)

	// KeyRotations counts router key rotations.
	KeyRotations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "key_rotations_total",
			Help:      "Total router HPKE key rotations performed.",
		},
	)
)
