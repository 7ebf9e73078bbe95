package queue

import (
	"sync"
	"time"
)

// ringSize bounds the processing-time sample buffer.
const ringSize = 500

// Metrics tracks per-queue throughput. A single mutex-guarded owner
// serializes updates; readers get value snapshots.
type Metrics struct {
	mu sync.Mutex

	completed int64
	failed    int64
	retries   int64

	// processing-time ring buffer
	times  [ringSize]time.Duration
	timeN  int
	timeAt int

	hourly map[int64]*hourWindow

	lastLoopTick time.Time
}

type hourWindow struct {
	Completed int64
	Failed    int64
	Retries   int64
}

// MetricsSnapshot is a read-only view of queue metrics.
type MetricsSnapshot struct {
	Completed        int64              `json:"completed"`
	Failed           int64              `json:"failed"`
	Retries          int64              `json:"retries"`
	AvgProcessingMs  int64              `json:"avgProcessingMs"`
	SampleCount      int                `json:"sampleCount"`
	HourlyThroughput map[string]int64   `json:"hourlyThroughput"`
	HourlyErrorRate  map[string]float64 `json:"hourlyErrorRate"`
	HourlyRetryRate  map[string]float64 `json:"hourlyRetryRate"`
}

func newMetrics() *Metrics {
	return &Metrics{
		hourly:       make(map[int64]*hourWindow),
		lastLoopTick: time.Now(),
	}
}

func (m *Metrics) currentWindow() *hourWindow {
	hour := time.Now().Truncate(time.Hour).Unix()
	w, ok := m.hourly[hour]
	if !ok {
		w = &hourWindow{}
		m.hourly[hour] = w
		// keep the last 24 windows
		for k := range m.hourly {
			if k < hour-24*3600 {
				delete(m.hourly, k)
			}
		}
	}
	return w
}

func (m *Metrics) recordCompletion(took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	m.times[m.timeAt] = took
	m.timeAt = (m.timeAt + 1) % ringSize
	if m.timeN < ringSize {
		m.timeN++
	}
	m.currentWindow().Completed++
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.currentWindow().Failed++
}

func (m *Metrics) recordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
	m.currentWindow().Retries++
}

// MarkLoopAlive is called by the background maintenance loop; the health
// check uses it to confirm the loop has not wedged.
func (m *Metrics) MarkLoopAlive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLoopTick = time.Now()
}

// LoopAlive reports whether the maintenance loop ticked within the window.
func (m *Metrics) LoopAlive(window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastLoopTick) < window
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	for i := 0; i < m.timeN; i++ {
		total += m.times[i]
	}
	var avg int64
	if m.timeN > 0 {
		avg = (total / time.Duration(m.timeN)).Milliseconds()
	}

	snap := MetricsSnapshot{
		Completed:        m.completed,
		Failed:           m.failed,
		Retries:          m.retries,
		AvgProcessingMs:  avg,
		SampleCount:      m.timeN,
		HourlyThroughput: make(map[string]int64, len(m.hourly)),
		HourlyErrorRate:  make(map[string]float64, len(m.hourly)),
		HourlyRetryRate:  make(map[string]float64, len(m.hourly)),
	}

	for hour, w := range m.hourly {
		key := time.Unix(hour, 0).UTC().Format("2006-01-02T15:00")
		totalJobs := w.Completed + w.Failed
		snap.HourlyThroughput[key] = totalJobs
		if totalJobs > 0 {
			snap.HourlyErrorRate[key] = float64(w.Failed) / float64(totalJobs)
			snap.HourlyRetryRate[key] = float64(w.Retries) / float64(totalJobs)
		}
	}
	return snap
}
