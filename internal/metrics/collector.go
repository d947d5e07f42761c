package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector accumulates the counters and latency samples backing the
// JSON /metrics snapshot. It runs alongside the Prometheus collectors in
// prometheus.go: RecordRequest, StreamStarted and StreamEnded update the
// matching Prometheus collector as well, while RecordDecryptFailure and
// RecordUpstreamError update only this JSON view.
type Collector struct {
	mu sync.RWMutex

	requestsTotal      int64
	requestsAdmitted   int64
	requestsRejected   int64
	upstreamErrors     int64
	decryptFailures    int64
	replayRejections   int64
	activeStreams      int64
	tokensStreamed     int64

	latencyMs []int64 // capped ring, newest appended, oldest trimmed from front

	startTime time.Time

	maxSamples int
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		maxSamples: 1000,
	}
}

// RecordRequest records the outcome of one /api/chat admission attempt.
func (c *Collector) RecordRequest(outcome string) {
	RequestsTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsTotal++
	if outcome == "ok" || outcome == "admitted" {
		c.requestsAdmitted++
	} else {
		c.requestsRejected++
	}
}

// RecordDecryptFailure records an envelope decrypt/replay failure.
func (c *Collector) RecordDecryptFailure(replay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if replay {
		c.replayRejections++
	} else {
		c.decryptFailures++
	}
}

// RecordUpstreamError records an inference streamer failure.
func (c *Collector) RecordUpstreamError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamErrors++
}

// StreamStarted marks the beginning of an SSE stream.
func (c *Collector) StreamStarted() {
	ActiveStreams.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStreams++
}

// StreamEnded marks the completion of an SSE stream and records its latency and token count.
func (c *Collector) StreamEnded(d time.Duration, tokens int) {
	ActiveStreams.Dec()
	StreamLatencySeconds.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStreams--
	c.tokensStreamed += int64(tokens)
	c.latencyMs = append(c.latencyMs, d.Milliseconds())
	if len(c.latencyMs) > c.maxSamples {
		c.latencyMs = c.latencyMs[len(c.latencyMs)-c.maxSamples:]
	}
}

// Snapshot is the JSON-serializable telemetry view served on /metrics.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime_seconds"`

	RequestsTotal    int64 `json:"requests_total"`
	RequestsAdmitted int64 `json:"requests_admitted"`
	RequestsRejected int64 `json:"requests_rejected"`
	DecryptFailures  int64 `json:"decrypt_failures"`
	ReplayRejections int64 `json:"replay_rejections"`
	UpstreamErrors   int64 `json:"upstream_errors"`
	ActiveStreams    int64 `json:"active_streams"`
	TokensStreamed   int64 `json:"tokens_streamed"`

	LatencyP50Ms        float64 `json:"latency_p50_ms"`
	LatencyP95Ms        float64 `json:"latency_p95_ms"`
	TokensPerSecondMean float64 `json:"tokens_per_second_mean"`
}

// Snapshot returns a point-in-time copy of the collected metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p50 := percentile(c.latencyMs, 50)
	p95 := percentile(c.latencyMs, 95)

	var tps float64
	if p50 > 0 && c.tokensStreamed > 0 && len(c.latencyMs) > 0 {
		meanMs := mean(c.latencyMs)
		if meanMs > 0 {
			tps = float64(c.tokensStreamed) / float64(len(c.latencyMs)) / (meanMs / 1000)
		}
	}

	return Snapshot{
		Timestamp:           time.Now(),
		UptimeSec:           time.Since(c.startTime).Seconds(),
		RequestsTotal:       c.requestsTotal,
		RequestsAdmitted:    c.requestsAdmitted,
		RequestsRejected:    c.requestsRejected,
		DecryptFailures:     c.decryptFailures,
		ReplayRejections:    c.replayRejections,
		UpstreamErrors:      c.upstreamErrors,
		ActiveStreams:       c.activeStreams,
		TokensStreamed:      c.tokensStreamed,
		LatencyP50Ms:        p50,
		LatencyP95Ms:        p95,
		TokensPerSecondMean: tps,
	}
}

func mean(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func percentile(values []int64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// global is the process-wide collector used by packages that don't carry
// their own reference (cobra subcommands, package-level helpers).
var global = NewCollector()

// Global returns the process-wide Collector instance.
func Global() *Collector { return global }
