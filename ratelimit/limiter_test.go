package ratelimit

import (
	"container/list"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAdmitsUpToPerMinuteLimit(t *testing.T) {
	l := New(Config{PerMinuteLimit: 3, BurstLimit: 100})

	assert.True(t, l.Allow("addr-1", "device-1"))
	assert.True(t, l.Allow("addr-1", "device-1"))
	assert.True(t, l.Allow("addr-1", "device-1"))
	assert.False(t, l.Allow("addr-1", "device-1"))
}

func TestLimiterRejectsOnBurstThreshold(t *testing.T) {
	l := New(Config{PerMinuteLimit: 100, BurstLimit: 2, BurstWindow: 10 * time.Second})

	assert.True(t, l.Allow("addr-2", "device-2"))
	assert.True(t, l.Allow("addr-2", "device-2"))
	assert.False(t, l.Allow("addr-2", "device-2"))
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	l := New(Config{PerMinuteLimit: 1, BurstLimit: 100})

	assert.True(t, l.Allow("addr-a", "device-a"))
	assert.False(t, l.Allow("addr-a", "device-a"))
	// A different address but the same device key shares the device window.
	assert.False(t, l.Allow("addr-b", "device-a"))
	// A different device key but the same address shares the address window.
	assert.False(t, l.Allow("addr-a", "device-b"))
}

func TestLimiterStats(t *testing.T) {
	l := New(Config{PerMinuteLimit: 1, BurstLimit: 100})

	l.Allow("addr-c", "device-c")
	l.Allow("addr-c", "device-c")

	stats := l.Stats()
	assert.EqualValues(t, 1, stats.Admitted)
	assert.EqualValues(t, 1, stats.Rejected)
	assert.InDelta(t, 0.5, stats.BlockRate, 1e-9)
}

func TestLimiterCleanupDropsEmptyDeques(t *testing.T) {
	l := New(Config{PerMinuteLimit: 1, BurstLimit: 100})
	for i := 0; i < 150; i++ {
		l.Allow("addr-cleanup", "device-cleanup")
	}
	// Only the first call for this identifier was admitted; the other 149
	// were rejected, and rejections do not count towards the 100-admit
	// cleanup cadence.
	assert.GreaterOrEqual(t, l.Stats().Rejected, int64(100))

	// Plant two empty windows, then reach the 100th admit with fresh
	// identifiers so the cleanup pass runs.
	l.byAddr["addr-stale"] = list.New()
	l.byDevice["device-stale"] = list.New()
	for i := 0; i < 99; i++ {
		assert.True(t, l.Allow(fmt.Sprintf("addr-%d", i), fmt.Sprintf("device-%d", i)))
	}
	assert.NotContains(t, l.byAddr, "addr-stale")
	assert.NotContains(t, l.byDevice, "device-stale")
	assert.Contains(t, l.byAddr, "addr-cleanup")
}
