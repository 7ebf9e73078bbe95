package middleware

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Deduplicator collapses identical concurrent GET requests: followers wait
// for the leader's response, and for a short interval after completion the
// cached response is replayed instead of re-running the handler.
type Deduplicator struct {
	mu       sync.Mutex
	inFlight map[string]*dedupeEntry

	holdFor time.Duration
}

type dedupeEntry struct {
	done chan struct{}

	status      int
	contentType string
	body        []byte
	finishedAt  time.Time
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		inFlight: make(map[string]*dedupeEntry),
		holdFor:  time.Second,
	}
}

// bodyRecorder tees the handler's response for followers.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware applies dedup to GET requests keyed by method:url:ip.
func (d *Deduplicator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != "GET" {
			c.Next()
			return
		}
		key := fmt.Sprintf("%s:%s:%s", c.Request.Method, c.Request.URL.String(), c.ClientIP())

		d.mu.Lock()
		entry, exists := d.inFlight[key]
		if exists {
			d.mu.Unlock()
			<-entry.done
			c.Header("Content-Type", entry.contentType)
			c.Data(entry.status, entry.contentType, entry.body)
			c.Abort()
			return
		}
		entry = &dedupeEntry{done: make(chan struct{})}
		d.inFlight[key] = entry
		d.mu.Unlock()

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		entry.status = recorder.Status()
		entry.contentType = recorder.Header().Get("Content-Type")
		entry.body = recorder.buf.Bytes()
		entry.finishedAt = time.Now()
		close(entry.done)

		// keep the entry around briefly so immediate repeats reuse the result
		go func() {
			time.Sleep(d.holdFor)
			d.mu.Lock()
			if cur, ok := d.inFlight[key]; ok && cur == entry {
				delete(d.inFlight, key)
			}
			d.mu.Unlock()
		}()
	}
}
