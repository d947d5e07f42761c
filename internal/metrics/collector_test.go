package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("ok")
	c.RecordRequest("rate_limited")

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.RequestsTotal)
	assert.EqualValues(t, 1, snap.RequestsAdmitted)
	assert.EqualValues(t, 1, snap.RequestsRejected)
}

func TestCollectorStreamLifecycle(t *testing.T) {
	c := NewCollector()
	c.StreamStarted()
	assert.EqualValues(t, 1, c.Snapshot().ActiveStreams)

	c.StreamEnded(50*time.Millisecond, 5)
	snap := c.Snapshot()
	assert.EqualValues(t, 0, snap.ActiveStreams)
	assert.EqualValues(t, 5, snap.TokensStreamed)
}

func TestCollectorLatencyPercentiles(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.StreamEnded(time.Duration(i)*time.Millisecond, 1)
	}
	snap := c.Snapshot()
	assert.InDelta(t, 51, snap.LatencyP50Ms, 2)
	assert.InDelta(t, 96, snap.LatencyP95Ms, 2)
}

func TestCollectorDecryptAndUpstreamFailures(t *testing.T) {
	c := NewCollector()
	c.RecordDecryptFailure(true)
	c.RecordDecryptFailure(false)
	c.RecordUpstreamError()

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.ReplayRejections)
	assert.EqualValues(t, 1, snap.DecryptFailures)
	assert.EqualValues(t, 1, snap.UpstreamErrors)
}
