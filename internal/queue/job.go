package queue

import (
	"encoding/json"
	"time"
)

// JobState is the queue-side lifecycle of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDead      JobState = "dead-letter"
)

// Queue names used by the scan pipeline.
const (
	ScanQueue     = "scan-queue"
	AnalysisQueue = "analysis-queue"
)

// JobOptions controls retry, timeout and scheduling behavior of one job.
type JobOptions struct {
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     time.Duration `json:"backoffMs"`
	Timeout     time.Duration `json:"timeoutMs"`
	Priority    int           `json:"priority"`
	Delay       time.Duration `json:"delayMs,omitempty"`
}

// DefaultJobOptions returns the pipeline defaults: 5 attempts, 2 s base
// backoff, 600 s timeout.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxAttempts: 5,
		Backoff:     2 * time.Second,
		Timeout:     600 * time.Second,
	}
}

// Job is one unit of work in a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMs   int64           `json:"backoffMs"`
	TimeoutMs   int64           `json:"timeoutMs"`
	Priority    int             `json:"priority"`
	Progress    int             `json:"progress"`
	State       JobState        `json:"state"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Stalls      int             `json:"stalls"`
}

// Timeout returns the job's wall-clock budget.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutMs <= 0 {
		return 600 * time.Second
	}
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// NextBackoff computes the delay before retry n (1-based): base * 2^(n-1).
func (j *Job) NextBackoff() time.Duration {
	base := time.Duration(j.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	for i := 1; i < j.Attempts; i++ {
		d *= 2
	}
	return d
}

// DeadLetterEntry wraps an exhausted job for the DLQ with its original
// payload intact.
type DeadLetterEntry struct {
	ID       string    `json:"id"` // dl-{jobId}-{unix ts}
	Job      Job       `json:"job"`
	MovedAt  time.Time `json:"movedAt"`
	LastFail string    `json:"lastFail"`
}
