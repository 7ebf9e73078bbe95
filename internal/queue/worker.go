package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/surfscan/surfscan/internal/logger"
)

// Handler processes one job. Returning an error triggers the retry path; the
// returned result is stored on the job for status overlay reads.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Worker runs a fixed pool of concurrent handlers against one queue and owns
// the queue's maintenance loop (delayed promotion + stall reaping).
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	log         *logger.Logger

	pollInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a worker pool for the queue.
func NewWorker(q *Queue, handler Handler, concurrency int, log *logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		log:          log,
		pollInterval: 500 * time.Millisecond,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the handler slots and the maintenance loop. It returns
// immediately; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.runSlot(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintenanceLoop(ctx)
	}()

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()
}

// Stop signals shutdown and waits up to the grace period for active jobs.
func (w *Worker) Stop(grace time.Duration) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-time.After(grace):
		w.log.Warn("worker shutdown grace period elapsed, abandoning active jobs")
	}
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.log.WithError(err).Warn("dequeue failed")
			w.sleep(ctx, w.pollInterval*4)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.pollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one job with its wall-clock timeout and a heartbeat ticker
// keeping the lease alive.
func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go func() {
		ticker := time.NewTicker(leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(hbCtx, job.ID); err != nil {
					w.log.WithError(err).WithField("job_id", job.ID).Warn("heartbeat failed")
				}
			}
		}
	}()

	result, err := func() (res interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return w.handler(jobCtx, job)
	}()

	stopHB()

	if err != nil {
		cause := err.Error()
		if jobCtx.Err() == context.DeadlineExceeded {
			cause = "Processing timeout"
		}
		if failErr := w.queue.Fail(ctx, job.ID, cause); failErr != nil {
			w.log.WithError(failErr).WithField("job_id", job.ID).Error("failed to record job failure")
		}
		return
	}

	if err := w.queue.Complete(ctx, job.ID, result, time.Since(start)); err != nil {
		w.log.WithError(err).WithField("job_id", job.ID).Error("failed to record job completion")
	}
}

// maintenanceLoop promotes due delayed jobs and reclaims stalled ones.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	reapTicker := time.NewTicker(leaseTTL / 2)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDelayed(ctx); err != nil {
				w.log.WithError(err).Warn("delayed promotion failed")
			}
			w.queue.Metrics().MarkLoopAlive()
		case <-reapTicker.C:
			if _, err := w.queue.ReapStalled(ctx); err != nil {
				w.log.WithError(err).Warn("stall reaping failed")
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// WaitForCompletion polls until the job reaches a terminal queue state or the
// deadline passes. Used by the render worker to await its analysis job.
func WaitForCompletion(ctx context.Context, q *Queue, id string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, err := q.GetJob(ctx, id)
		if err == nil {
			switch job.State {
			case StateCompleted, StateFailed, StateDead:
				return job, nil
			}
		} else if err != ErrJobNotFound {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for job %s", id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
