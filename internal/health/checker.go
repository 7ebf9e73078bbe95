package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/queue"
)

const checkTimeout = 5 * time.Second

// ObjectStorePinger is the slice of the artifact store the checker needs.
type ObjectStorePinger interface {
	Ping(ctx context.Context) error
}

// Status is the aggregate /health payload.
type Status struct {
	Timestamp    time.Time              `json:"timestamp"`
	Overall      string                 `json:"overall"` // "healthy", "degraded", "unhealthy"
	Database     ComponentHealth        `json:"database"`
	Cache        ComponentHealth        `json:"cache"`
	ObjectStore  ComponentHealth        `json:"objectStore"`
	Queues       map[string]QueueHealth `json:"queues"`
	ResponseTime string                 `json:"response_time"`
}

// ComponentHealth is one dependency's view.
type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// QueueHealth reports queue depth and liveness of its maintenance loop.
type QueueHealth struct {
	Status    string `json:"status"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	LoopAlive bool   `json:"loopAlive"`
}

// Checker probes the scanner's dependencies, each bounded by a 5 s timeout.
type Checker struct {
	db     *sql.DB
	redis  *cache.RedisClient
	store  ObjectStorePinger
	queues []*queue.Queue
	log    *logger.Logger
}

func NewChecker(db *sql.DB, redis *cache.RedisClient, store ObjectStorePinger, queues []*queue.Queue, log *logger.Logger) *Checker {
	return &Checker{db: db, redis: redis, store: store, queues: queues, log: log}
}

// Check runs all probes in parallel and folds them into an overall verdict.
func (c *Checker) Check(ctx context.Context) *Status {
	start := time.Now()
	status := &Status{
		Timestamp: start,
		Queues:    make(map[string]QueueHealth, len(c.queues)),
	}

	var wg sync.WaitGroup
	var queueMu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		status.Database = c.checkDatabase(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		status.Cache = c.checkRedis(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		status.ObjectStore = c.checkObjectStore(ctx)
	}()

	for _, q := range c.queues {
		wg.Add(1)
		go func(q *queue.Queue) {
			defer wg.Done()
			qh := c.checkQueue(ctx, q)
			queueMu.Lock()
			status.Queues[q.Name()] = qh
			queueMu.Unlock()
		}(q)
	}

	wg.Wait()

	status.Overall = overall(status)
	status.ResponseTime = time.Since(start).String()
	return status
}

// Ready reports whether the service can take traffic.
func (c *Checker) Ready(ctx context.Context) bool {
	s := c.Check(ctx)
	return s.Overall != "unhealthy"
}

func (c *Checker) checkDatabase(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return unhealthy(fmt.Sprintf("database unreachable: %v", err))
	}
	return healthy("database reachable")
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.redis.Ping(ctx); err != nil {
		return unhealthy(fmt.Sprintf("redis unreachable: %v", err))
	}
	return healthy("redis reachable")
}

func (c *Checker) checkObjectStore(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		return unhealthy(fmt.Sprintf("object store unreachable: %v", err))
	}
	return healthy("object store reachable")
}

func (c *Checker) checkQueue(ctx context.Context, q *queue.Queue) QueueHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	waiting, delayed, active, err := q.Counts(ctx)
	qh := QueueHealth{
		Waiting: waiting,
		Delayed: delayed,
		Active:  active,
		// informational: the maintenance loop runs in the worker process,
		// so an API-side check reports it without degrading on it
		LoopAlive: q.Metrics().LoopAlive(30 * time.Second),
	}
	if err != nil {
		qh.Status = "unhealthy"
	} else {
		qh.Status = "healthy"
	}
	return qh
}

func overall(s *Status) string {
	components := []string{s.Database.Status, s.Cache.Status, s.ObjectStore.Status}
	for _, q := range s.Queues {
		components = append(components, q.Status)
	}
	degraded := false
	for _, st := range components {
		switch st {
		case "unhealthy":
			return "unhealthy"
		case "degraded":
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

func healthy(msg string) ComponentHealth {
	return ComponentHealth{Status: "healthy", Message: msg, LastCheck: time.Now()}
}

func unhealthy(msg string) ComponentHealth {
	return ComponentHealth{Status: "unhealthy", Message: msg, LastCheck: time.Now()}
}
