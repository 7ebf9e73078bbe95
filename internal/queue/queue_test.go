package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/logger"
)

type testPayload struct {
	ScanID string `json:"scanId"`
	URL    string `json:"url"`
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := New(ScanQueue, cache.NewRedisClientFromExisting(rdb), logger.New("queue-test"))

	// deterministic FIFO ordering independent of the wall clock
	var seq int64
	q.seq = func() int64 { return atomic.AddInt64(&seq, 1) }
	return q, mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, testPayload{ScanID: id}, DefaultJobOptions())
		require.NoError(t, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, StateActive, job.State)
	}

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueHigherPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	_, err := q.Enqueue(ctx, "low", testPayload{}, opts)
	require.NoError(t, err)

	opts.Priority = 5
	_, err = q.Enqueue(ctx, "high", testPayload{}, opts)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "high", job.ID)
}

func TestEnqueueDedupesOnJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{URL: "https://example.com"}, DefaultJobOptions())
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "scan-1", testPayload{URL: "https://example.com"}, DefaultJobOptions())
	assert.ErrorIs(t, err, ErrJobExists)

	// still deduped while active
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	assert.ErrorIs(t, err, ErrJobExists)

	// a finished id may be resubmitted
	require.NoError(t, q.Complete(ctx, "scan-1", map[string]bool{"success": true}, time.Second))
	_, err = q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	assert.NoError(t, err)
}

func TestLeasePreventsDoubleClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// simulate a duplicate waiting entry for the same id
	require.NoError(t, q.rdb.ZAdd(ctx, q.key("waiting"), redis.Z{Score: 0, Member: "scan-1"}).Err())

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := testPayload{ScanID: "scan-1", URL: "https://example.com"}
	_, err := q.Enqueue(ctx, "scan-1", payload, JobOptions{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Timeout:     time.Minute,
	})
	require.NoError(t, err)

	// first attempt fails, job goes delayed
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, "scan-1", "render crashed"))

	job, err = q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, "render crashed", job.Error)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(10 * time.Millisecond)
	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	// second and final attempt fails, job dead-letters exactly once
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, q.Fail(ctx, "scan-1", "render crashed again"))

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.True(t, strings.HasPrefix(entry.ID, "dl-scan-1-"))
	assert.Equal(t, "render crashed again", entry.LastFail)
	assert.Equal(t, StateDead, entry.Job.State)
	assert.Equal(t, entry.Job.MaxAttempts, entry.Job.Attempts)

	var got testPayload
	require.NoError(t, json.Unmarshal(entry.Job.Payload, &got))
	assert.Equal(t, payload, got)

	job, err = q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)

	waiting, delayed, active, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)
	assert.Zero(t, delayed)
	assert.Zero(t, active)
}

func TestNextBackoffDoubles(t *testing.T) {
	j := &Job{BackoffMs: 2000, Attempts: 1}
	assert.Equal(t, 2*time.Second, j.NextBackoff())
	j.Attempts = 2
	assert.Equal(t, 4*time.Second, j.NextBackoff())
	j.Attempts = 3
	assert.Equal(t, 8*time.Second, j.NextBackoff())
}

func TestDelayedEnqueueNotVisibleUntilPromoted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Delay = time.Millisecond
	job, err := q.Enqueue(ctx, "later", testPayload{}, opts)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(10 * time.Millisecond)
	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestSetProgressClampsAndPersists(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	require.NoError(t, err)

	require.NoError(t, q.SetProgress(ctx, "scan-1", 40))
	job, err := q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)

	require.NoError(t, q.SetProgress(ctx, "scan-1", 250))
	job, err = q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestCompleteStoresResult(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "scan-1", map[string]interface{}{"success": true}, 3*time.Second))

	job, err := q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)

	var result struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.True(t, result.Success)
}

func TestReapStalledRequeuesExpiredLease(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{}, DefaultJobOptions())
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// lease still alive: nothing to reap
	reaped, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	mr.FastForward(leaseTTL + time.Second)

	reaped, err = q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err = q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 1, job.Stalls)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestReapStalledExhaustsAfterMaxStalls(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scan-1", testPayload{}, JobOptions{MaxAttempts: 1, Backoff: time.Second})
	require.NoError(t, err)

	for i := 0; i < q.maxStalledCount; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		mr.FastForward(leaseTTL + time.Second)
		reaped, err := q.ReapStalled(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, reaped)
	}

	// one stall over the limit fails the job for good
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	mr.FastForward(leaseTTL + time.Second)
	_, err = q.ReapStalled(ctx)
	require.NoError(t, err)

	job, err = q.GetJob(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job stalled too many times", entries[0].LastFail)
}

func TestGetJobUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
