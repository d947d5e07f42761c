// Package ratelimit implements the dual-window (per-client-address and
// per-device-key) sliding-window admission check.
package ratelimit

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sage-x-project/llm-router/internal/metrics"
)

const window = time.Minute

// Config holds the two admission thresholds.
type Config struct {
	PerMinuteLimit int
	BurstLimit     int
	BurstWindow    time.Duration // defaults to 10s if zero
}

// Limiter guards admission by two independent sliding windows per request:
// one keyed by the client's transport address, one keyed by its device
// public key (base64 or hex encoded by the caller — Limiter treats keys
// opaquely).
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	byAddr   map[string]*list.List
	byDevice map[string]*list.List

	admitsSinceCleanup int

	admitted int64
	rejected int64
}

// New constructs a Limiter from Config, defaulting BurstWindow to 10s.
func New(cfg Config) *Limiter {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	return &Limiter{
		cfg:      cfg,
		byAddr:   make(map[string]*list.List),
		byDevice: make(map[string]*list.List),
	}
}

// Allow evicts stale entries from both windows, rejects if either window is
// at or above its per-minute or burst threshold, and otherwise admits by
// pushing the current timestamp into both.
func (l *Limiter) Allow(addr, deviceKey string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	addrDeque := l.dequeFor(l.byAddr, addr)
	deviceDeque := l.dequeFor(l.byDevice, deviceKey)

	evict(addrDeque, now)
	evict(deviceDeque, now)

	if l.exceeds(addrDeque, now) {
		atomic.AddInt64(&l.rejected, 1)
		metrics.RateLimitRejections.WithLabelValues("address").Inc()
		return false
	}
	if l.exceeds(deviceDeque, now) {
		atomic.AddInt64(&l.rejected, 1)
		metrics.RateLimitRejections.WithLabelValues("device_key").Inc()
		return false
	}

	addrDeque.PushBack(now)
	deviceDeque.PushBack(now)
	atomic.AddInt64(&l.admitted, 1)

	l.admitsSinceCleanup++
	if l.admitsSinceCleanup >= 100 {
		l.cleanupLocked()
		l.admitsSinceCleanup = 0
	}

	return true
}

func (l *Limiter) dequeFor(windows map[string]*list.List, key string) *list.List {
	d, ok := windows[key]
	if !ok {
		d = list.New()
		windows[key] = d
	}
	return d
}

func (l *Limiter) exceeds(deque *list.List, now time.Time) bool {
	if deque.Len() >= l.cfg.PerMinuteLimit {
		return true
	}
	burstCount := 0
	for e := deque.Back(); e != nil; e = e.Prev() {
		ts := e.Value.(time.Time)
		if now.Sub(ts) > l.cfg.BurstWindow {
			break
		}
		burstCount++
	}
	return burstCount >= l.cfg.BurstLimit
}

func evict(deque *list.List, now time.Time) {
	for {
		front := deque.Front()
		if front == nil {
			return
		}
		ts := front.Value.(time.Time)
		if now.Sub(ts) <= window {
			return
		}
		deque.Remove(front)
	}
}

// cleanupLocked drops empty deques to bound memory growth from one-shot
// identifiers (e.g. a rotating device key). Must be called with l.mu held.
func (l *Limiter) cleanupLocked() {
	for k, d := range l.byAddr {
		if d.Len() == 0 {
			delete(l.byAddr, k)
		}
	}
	for k, d := range l.byDevice {
		if d.Len() == 0 {
			delete(l.byDevice, k)
		}
	}
}

// Stats is the aggregate admission telemetry.
type Stats struct {
	Admitted  int64   `json:"admitted"`
	Rejected  int64   `json:"rejected"`
	BlockRate float64 `json:"block_rate"`
}

// Stats returns the current aggregate admit/reject counters.
func (l *Limiter) Stats() Stats {
	admitted := atomic.LoadInt64(&l.admitted)
	rejected := atomic.LoadInt64(&l.rejected)
	total := admitted + rejected

	var blockRate float64
	if total > 0 {
		blockRate = float64(rejected) / float64(total)
	}

	return Stats{Admitted: admitted, Rejected: rejected, BlockRate: blockRate}
}
