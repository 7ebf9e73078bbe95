package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/repository"
)

const analyticsCacheTTL = 30 * time.Second

// AnalyticsHandler serves the dashboard summary.
type AnalyticsHandler struct {
	analytics *repository.AnalyticsRepository
	respCache *cache.ResponseCache
	log       *logger.Logger
}

func NewAnalyticsHandler(analytics *repository.AnalyticsRepository, respCache *cache.ResponseCache, log *logger.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, respCache: respCache, log: log}
}

func (h *AnalyticsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/analytics/summary", h.Summary)
}

// Summary aggregates scan metrics; the result is cached briefly since the
// dashboard polls it.
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	const cacheKey = "analytics:summary"
	if cached, hit := h.respCache.Get(cacheKey); hit {
		c.JSON(http.StatusOK, cached)
		return
	}

	summary, err := h.analytics.Summary(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("analytics aggregation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute analytics", "code": "INTERNAL_ERROR"})
		return
	}

	h.respCache.Set(cacheKey, summary, analyticsCacheTTL)
	c.JSON(http.StatusOK, summary)
}
