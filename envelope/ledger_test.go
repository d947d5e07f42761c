package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReplayLedgerRecordRejectsDuplicate(t *testing.T) {
	l := newReplayLedger(time.Minute)
	now := time.Now()

	assert.True(t, l.record("req-1", now))
	assert.False(t, l.record("req-1", now.Add(time.Second)))
	assert.True(t, l.seen("req-1"))
}

func TestReplayLedgerEvictsOlderThanRetention(t *testing.T) {
	l := newReplayLedger(10 * time.Millisecond)
	base := time.Now()

	l.record("old", base)
	l.record("new", base.Add(50*time.Millisecond))

	assert.Equal(t, 1, l.size())
	assert.False(t, l.seen("old"))
	assert.True(t, l.seen("new"))
}

func TestReplayLedgerSeenWithoutRecording(t *testing.T) {
	l := newReplayLedger(time.Minute)
	assert.False(t, l.seen("unknown"))
	assert.Equal(t, 0, l.size())
}
