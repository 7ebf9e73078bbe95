package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/surfscan/surfscan/internal/health"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/queue"
)

// OpsHandler serves the operational endpoints: health, readiness, liveness
// and queue metrics.
type OpsHandler struct {
	checker *health.Checker
	queues  []*queue.Queue
	log     *logger.Logger
}

func NewOpsHandler(checker *health.Checker, queues []*queue.Queue, log *logger.Logger) *OpsHandler {
	return &OpsHandler{checker: checker, queues: queues, log: log}
}

// RegisterRoutes mounts the endpoints on the engine root.
func (h *OpsHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/live", h.Live)
	r.GET("/metrics", h.Metrics)
}

func (h *OpsHandler) Health(c *gin.Context) {
	status := h.checker.Check(c.Request.Context())
	code := http.StatusOK
	if status.Overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *OpsHandler) Ready(c *gin.Context) {
	if !h.checker.Ready(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *OpsHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

// Metrics returns per-queue throughput snapshots.
func (h *OpsHandler) Metrics(c *gin.Context) {
	snapshots := make(map[string]queue.MetricsSnapshot, len(h.queues))
	for _, q := range h.queues {
		snapshots[q.Name()] = q.Metrics().Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"queues": snapshots})
}
