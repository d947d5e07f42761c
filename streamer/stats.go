package streamer

import (
	"sort"
	"sync"
	"time"
)

const maxLatencySamples = 1000

// Stats accumulates the streamer's read-only-exposed telemetry: active
// stream count, total started, a capped ring of per-request elapsed-ms
// samples for p50/p95, and an error counter.
type Stats struct {
	mu sync.Mutex

	active    int
	started   int64
	errors    int64
	tokens    int64
	latencyMs []int64
}

func (s *Stats) streamStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
	s.started++
}

// streamEnded records the outcome and elapsed time of one stream.
func (s *Stats) streamEnded(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active--
	if err != nil {
		s.errors++
	}

	s.latencyMs = append(s.latencyMs, elapsed.Milliseconds())
	if len(s.latencyMs) > maxLatencySamples {
		s.latencyMs = s.latencyMs[len(s.latencyMs)-maxLatencySamples:]
	}
}

// recordToken increments the tokens-streamed counter backing the
// tokens-per-second estimate; called once per yielded token.
func (s *Stats) recordToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens++
}

// Snapshot is the JSON-serializable view of Stats.
type Snapshot struct {
	ActiveStreams       int     `json:"active_streams"`
	TotalStarted        int64   `json:"total_started"`
	ErrorCount          int64   `json:"error_count"`
	LatencyP50Ms        float64 `json:"latency_p50_ms"`
	LatencyP95Ms        float64 `json:"latency_p95_ms"`
	TokensPerSecondMean float64 `json:"tokens_per_second_mean"`
}

// Snapshot returns a point-in-time copy of the streamer's telemetry.
func (c *Client) Snapshot() Snapshot {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()

	p50 := percentile(c.stats.latencyMs, 50)
	p95 := percentile(c.stats.latencyMs, 95)

	var tps float64
	if len(c.stats.latencyMs) > 0 {
		meanMs := mean(c.stats.latencyMs)
		if meanMs > 0 {
			tps = float64(c.stats.tokens) / float64(len(c.stats.latencyMs)) / (meanMs / 1000)
		}
	}

	return Snapshot{
		ActiveStreams:       c.stats.active,
		TotalStarted:        c.stats.started,
		ErrorCount:          c.stats.errors,
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
