package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sage-x-project/llm-router/internal/logger"
	"github.com/sage-x-project/llm-router/internal/metrics"
)

// NodeStatus is a per-upstream endpoint health state.
type NodeStatus string

const (
	NodeUnknown   NodeStatus = "unknown"
	NodeHealthy   NodeStatus = "healthy"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// NodeHealth records one upstream endpoint's probe history. Transitions are
// threshold-based and one-shot: a record only flips state on the probe that
// crosses its threshold, and never oscillates while outcomes keep repeating.
type NodeHealth struct {
	Endpoint            string     `json:"endpoint"`
	Status              NodeStatus `json:"status"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastCheck            time.Time `json:"last_check"`
	LastError            string    `json:"last_error,omitempty"`
}

// Monitor periodically probes a configured set of upstream endpoints and
// serves round-robin selection over the currently healthy subset.
type Monitor struct {
	mu        sync.Mutex
	endpoints []string
	records   map[string]*NodeHealth
	rrIndex   int

	probeInterval   time.Duration
	probeTimeout    time.Duration
	healthyAfter    int
	unhealthyAfter  int

	client *http.Client
	log    logger.Logger

	stop chan struct{}
	done chan struct{}
}

// NewMonitor constructs a Monitor over the given endpoint list. healthyAfter
// and unhealthyAfter are the consecutive-success / consecutive-failure
// thresholds that trigger a state transition.
func NewMonitor(endpoints []string, probeInterval, probeTimeout time.Duration, healthyAfter, unhealthyAfter int, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	records := make(map[string]*NodeHealth, len(endpoints))
	for _, ep := range endpoints {
		records[ep] = &NodeHealth{Endpoint: ep, Status: NodeUnknown}
	}

	return &Monitor{
		endpoints:      endpoints,
		records:        records,
		probeInterval:  probeInterval,
		probeTimeout:   probeTimeout,
		healthyAfter:   healthyAfter,
		unhealthyAfter: unhealthyAfter,
		client:         &http.Client{Timeout: probeTimeout},
		log:            log,
	}
}

// Start launches the periodic probe goroutine. It is idempotent-unsafe by
// design: callers must pair exactly one Start with one Stop.
func (m *Monitor) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()

		m.probeAll(context.Background())
		for {
			select {
			case <-ticker.C:
				m.probeAll(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop cancels the probe goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop = nil
	m.done = nil
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, ep := range m.endpoints {
		m.probeOne(ctx, ep)
	}
}

func (m *Monitor) probeOne(ctx context.Context, endpoint string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/v1/models", nil)
	var probeErr error
	if err != nil {
		probeErr = err
	} else {
		resp, doErr := m.client.Do(req)
		if doErr != nil {
			probeErr = doErr
		} else {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				probeErr = fmt.Errorf("probe returned status %d", resp.StatusCode)
			}
		}
	}

	m.recordOutcome(endpoint, probeErr)
}

func (m *Monitor) recordOutcome(endpoint string, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[endpoint]
	if !ok {
		return
	}
	rec.LastCheck = time.Now().UTC()

	if probeErr == nil {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
		if rec.Status != NodeHealthy && rec.ConsecutiveSuccesses >= m.healthyAfter {
			rec.Status = NodeHealthy
			m.log.Info("endpoint became healthy", logger.String("endpoint", endpoint))
		}
		m.refreshHealthyGaugeLocked()
		return
	}

	rec.ConsecutiveFailures++
	rec.ConsecutiveSuccesses = 0
	rec.LastError = probeErr.Error()
	if rec.Status != NodeUnhealthy && rec.ConsecutiveFailures >= m.unhealthyAfter {
		rec.Status = NodeUnhealthy
		m.log.Warn("endpoint became unhealthy", logger.String("endpoint", endpoint), logger.Error(probeErr))
	}

	m.refreshHealthyGaugeLocked()
}

// refreshHealthyGaugeLocked must be called with m.mu held.
func (m *Monitor) refreshHealthyGaugeLocked() {
	count := 0
	for _, ep := range m.endpoints {
		if m.records[ep].Status == NodeHealthy {
			count++
		}
	}
	metrics.HealthyEndpoints.Set(float64(count))
}

// GetHealthyEndpoint returns the next endpoint in round-robin order over
// the currently healthy set, falling back to the first configured endpoint
// when no endpoint is healthy (or none are configured, in which case it
// returns "").
func (m *Monitor) GetHealthyEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var healthy []string
	for _, ep := range m.endpoints {
		if m.records[ep].Status == NodeHealthy {
			healthy = append(healthy, ep)
		}
	}

	if len(healthy) == 0 {
		if len(m.endpoints) == 0 {
			return ""
		}
		return m.endpoints[0]
	}

	ep := healthy[m.rrIndex%len(healthy)]
	m.rrIndex++
	return ep
}

// AnyHealthy reports whether at least one endpoint is currently healthy, the
// basis for the router's /health liveness/readiness response.
func (m *Monitor) AnyHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if m.records[ep].Status == NodeHealthy {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy of every endpoint's health record.
func (m *Monitor) Snapshot() []NodeHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeHealth, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, *m.records[ep])
	}
	return out
}

// RecordOutcome lets a caller (e.g. the streamer, after an actual inference
// call) feed a non-probe observation into the same health bookkeeping. It is
// exported for callers outside this package.
func (m *Monitor) RecordOutcome(endpoint string, err error) {
	m.recordOutcome(endpoint, err)
}
