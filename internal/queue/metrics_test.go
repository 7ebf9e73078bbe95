package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	m := newMetrics()
	m.recordCompletion(100 * time.Millisecond)
	m.recordCompletion(300 * time.Millisecond)
	m.recordFailure()
	m.recordRetry()

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Completed)
	assert.EqualValues(t, 1, snap.Failed)
	assert.EqualValues(t, 1, snap.Retries)
	assert.EqualValues(t, 200, snap.AvgProcessingMs)
	assert.Equal(t, 2, snap.SampleCount)

	// current hour window carries the counts
	var throughput int64
	for _, v := range snap.HourlyThroughput {
		throughput += v
	}
	assert.EqualValues(t, 3, throughput)
}

func TestMetricsRingBufferBounded(t *testing.T) {
	m := newMetrics()
	for i := 0; i < ringSize+50; i++ {
		m.recordCompletion(time.Millisecond)
	}
	snap := m.Snapshot()
	assert.Equal(t, ringSize, snap.SampleCount)
	assert.EqualValues(t, ringSize+50, snap.Completed)
}

func TestMetricsLoopAlive(t *testing.T) {
	m := newMetrics()
	m.MarkLoopAlive()
	assert.True(t, m.LoopAlive(time.Minute))

	m.lastLoopTick = time.Now().Add(-2 * time.Minute)
	assert.False(t, m.LoopAlive(time.Minute))
}
