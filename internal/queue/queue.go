package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/logger"
)

// opTimeout bounds every single Redis operation.
const opTimeout = 5 * time.Second

// leaseTTL is how long an active job may go without a heartbeat before the
// stall reaper reclaims it.
const leaseTTL = 30 * time.Second

// ErrJobExists is returned when enqueueing a jobId that is already live.
var ErrJobExists = errors.New("job already enqueued")

// ErrJobNotFound is returned when a job id is unknown to the queue.
var ErrJobNotFound = errors.New("job not found")

// Queue is a durable Redis-backed job queue with retries, delayed jobs,
// stall detection and a dead-letter queue. At most one worker holds a given
// jobId at a time, enforced through a per-job lease key.
type Queue struct {
	name            string
	rdb             *redis.Client
	log             *logger.Logger
	maxStalledCount int
	metrics         *Metrics
	seq             func() int64
}

// New creates a queue bound to the given name.
func New(name string, client *cache.RedisClient, log *logger.Logger) *Queue {
	q := &Queue{
		name:            name,
		rdb:             client.Raw(),
		log:             log,
		maxStalledCount: 2,
		metrics:         newMetrics(),
	}
	q.seq = func() int64 { return time.Now().UnixNano() }
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Metrics returns the queue's metrics collector.
func (q *Queue) Metrics() *Metrics { return q.metrics }

func (q *Queue) key(parts ...string) string {
	k := "surfscan:queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string   { return q.key("job", id) }
func (q *Queue) leaseKey(id string) string { return q.key("lease", id) }

// waitingScore orders jobs by priority first (higher runs first), FIFO within
// equal priority.
func (q *Queue) waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e15 + float64(seq%1e15)
}

// Enqueue adds a job. A jobId that is still waiting, delayed or active is
// rejected so re-submissions dedupe on the id.
func (q *Queue) Enqueue(ctx context.Context, id string, payload interface{}, opts JobOptions) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if existing, err := q.GetJob(ctx, id); err == nil {
		switch existing.State {
		case StateWaiting, StateDelayed, StateActive:
			return nil, ErrJobExists
		}
	}

	job := &Job{
		ID:          id,
		Queue:       q.name,
		Payload:     data,
		MaxAttempts: opts.MaxAttempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		TimeoutMs:   opts.Timeout.Milliseconds(),
		Priority:    opts.Priority,
		State:       StateWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	if err := q.writeJob(ctx, job); err != nil {
		return nil, err
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return nil, fmt.Errorf("failed to delay job: %w", err)
		}
		q.setState(ctx, id, StateDelayed)
		return job, nil
	}

	if err := q.rdb.ZAdd(ctx, q.key("waiting"), redis.Z{
		Score:  q.waitingScore(job.Priority, q.seq()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job, nil
}

// Dequeue claims the next waiting job, or returns nil when the queue is
// empty. The claim installs a lease so no other worker can hold the same id.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	zs, err := q.rdb.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	id := zs[0].Member.(string)

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	ok, err := q.rdb.SetNX(ctx, q.leaseKey(id), "1", leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take lease for %s: %w", id, err)
	}
	if !ok {
		// Another holder is still alive; push the id back and skip.
		q.rdb.ZAdd(ctx, q.key("waiting"), redis.Z{Score: q.waitingScore(job.Priority, q.seq()), Member: id})
		return nil, nil
	}

	job.Attempts++
	job.State = StateActive
	pipe := q.rdb.Pipeline()
	pipe.SAdd(ctx, q.key("active"), id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateActive), "attempts", job.Attempts)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", id, err)
	}

	return job, nil
}

// Heartbeat extends the active job's lease.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return q.rdb.PExpire(ctx, q.leaseKey(id), leaseTTL).Err()
}

// SetProgress records worker progress [0,100]. Readers may observe stale
// values.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", progress).Err()
}

// Complete finalizes a job successfully with its result.
func (q *Queue) Complete(ctx context.Context, id string, result interface{}, took time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	resultJSON, _ := json.Marshal(result)

	pipe := q.rdb.Pipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.Del(ctx, q.leaseKey(id))
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateCompleted), "progress", 100, "result", string(resultJSON))
	pipe.Expire(ctx, q.jobKey(id), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}

	q.metrics.recordCompletion(took)
	return nil
}

// Fail records a failed attempt. The job is re-queued with exponential
// backoff until attempts reach maxAttempts, then moved to the dead-letter
// queue with its original payload intact.
func (q *Queue) Fail(ctx context.Context, id string, cause string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	pipe := q.rdb.Pipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.Del(ctx, q.leaseKey(id))
	pipe.HSet(ctx, q.jobKey(id), "error", cause)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release job %s: %w", id, err)
	}

	if job.Attempts >= job.MaxAttempts {
		return q.moveToDead(ctx, job, cause)
	}

	delay := job.NextBackoff()
	q.metrics.recordRetry()
	q.log.WithField("job_id", id).WithField("attempt", job.Attempts).
		Warnf("job failed, retrying in %s: %s", delay, cause)

	pipe = q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", string(StateDelayed))
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) moveToDead(ctx context.Context, job *Job, cause string) error {
	job.State = StateDead
	job.Error = cause

	entry := DeadLetterEntry{
		ID:       fmt.Sprintf("dl-%s-%d", job.ID, time.Now().Unix()),
		Job:      *job,
		MovedAt:  time.Now().UTC(),
		LastFail: cause,
	}
	data, _ := json.Marshal(entry)

	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, q.key("dead"), data)
	pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateDead), "error", cause)
	pipe.Expire(ctx, q.jobKey(job.ID), 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}

	q.metrics.recordFailure()
	q.log.WithField("job_id", job.ID).Errorf("job exhausted %d attempts, moved to dead-letter queue", job.Attempts)
	return nil
}

// PromoteDelayed moves due delayed jobs back to the waiting set. Returns the
// number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: q.waitingScore(job.Priority, q.seq()), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ReapStalled re-queues active jobs whose lease has expired. A job stalled
// more than maxStalledCount times is failed instead of re-queued.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := q.rdb.SMembers(ctx, q.key("active")).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		exists, err := q.rdb.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil || exists > 0 {
			continue
		}

		stalls, _ := q.rdb.HIncrBy(ctx, q.jobKey(id), "stalls", 1).Result()
		if int(stalls) > q.maxStalledCount {
			q.log.WithField("job_id", id).Error("job exceeded max stall count")
			if err := q.Fail(ctx, id, "job stalled too many times"); err != nil {
				q.log.WithError(err).Warn("failed to fail stalled job")
			}
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.SRem(ctx, q.key("active"), id)
			continue
		}

		q.log.WithField("job_id", id).Warn("reclaiming stalled job")
		pipe := q.rdb.Pipeline()
		pipe.SRem(ctx, q.key("active"), id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: q.waitingScore(job.Priority, q.seq()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// GetJob reads the stored job hash.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{ID: id, Queue: q.name}
	job.Payload = json.RawMessage(fields["payload"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	job.BackoffMs, _ = strconv.ParseInt(fields["backoffMs"], 10, 64)
	job.TimeoutMs, _ = strconv.ParseInt(fields["timeoutMs"], 10, 64)
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.Stalls, _ = strconv.Atoi(fields["stalls"])
	job.State = JobState(fields["state"])
	job.Error = fields["error"]
	if raw, ok := fields["result"]; ok && raw != "" {
		job.Result = json.RawMessage(raw)
	}
	if ts, err := strconv.ParseInt(fields["enqueuedAt"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ts).UTC()
	}
	return job, nil
}

// DeadLetters returns up to limit entries from the dead-letter queue.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, q.key("dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Counts returns the current waiting/delayed/active totals.
func (q *Queue) Counts(ctx context.Context) (waiting, delayed, active int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	waiting, err = q.rdb.ZCard(ctx, q.key("waiting")).Result()
	if err != nil {
		return
	}
	delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return
	}
	active, err = q.rdb.SCard(ctx, q.key("active")).Result()
	return
}

func (q *Queue) writeJob(ctx context.Context, job *Job) error {
	err := q.rdb.HSet(ctx, q.jobKey(job.ID),
		"payload", string(job.Payload),
		"attempts", job.Attempts,
		"maxAttempts", job.MaxAttempts,
		"backoffMs", job.BackoffMs,
		"timeoutMs", job.TimeoutMs,
		"priority", job.Priority,
		"progress", 0,
		"stalls", 0,
		"state", string(StateWaiting),
		"enqueuedAt", job.EnqueuedAt.UnixMilli(),
		"error", "",
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) setState(ctx context.Context, id string, state JobState) {
	if err := q.rdb.HSet(ctx, q.jobKey(id), "state", string(state)).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", id).Warn("failed to set job state")
	}
}
