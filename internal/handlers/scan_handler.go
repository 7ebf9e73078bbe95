package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/repository"
	"github.com/surfscan/surfscan/internal/risk"
	"github.com/surfscan/surfscan/internal/storage"
	"github.com/surfscan/surfscan/internal/targetcheck"
)

const maxURLLength = 1000

// ScanHandler serves the /api/scans surface.
type ScanHandler struct {
	scans     *repository.ScanRepository
	results   *repository.ResultRepository
	scanQueue *queue.Queue
	checker   *targetcheck.Checker
	store     storage.ArtifactStore
	respCache *cache.ResponseCache
	log       *logger.Logger

	cooldown   time.Duration
	jobOptions queue.JobOptions
	nowFn      func() time.Time
}

// ScanHandlerConfig wires the handler's collaborators.
type ScanHandlerConfig struct {
	Scans      *repository.ScanRepository
	Results    *repository.ResultRepository
	ScanQueue  *queue.Queue
	Checker    *targetcheck.Checker
	Store      storage.ArtifactStore
	RespCache  *cache.ResponseCache
	Log        *logger.Logger
	Cooldown   time.Duration
	JobOptions queue.JobOptions
}

func NewScanHandler(cfg ScanHandlerConfig) *ScanHandler {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &ScanHandler{
		scans:      cfg.Scans,
		results:    cfg.Results,
		scanQueue:  cfg.ScanQueue,
		checker:    cfg.Checker,
		store:      cfg.Store,
		respCache:  cfg.RespCache,
		log:        cfg.Log,
		cooldown:   cfg.Cooldown,
		jobOptions: cfg.JobOptions,
		nowFn:      time.Now,
	}
}

// RegisterRoutes mounts the scan endpoints on the API group.
func (h *ScanHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/scans", h.Create)
	rg.GET("/scans", h.List)
	rg.GET("/scans/by-url/last-good", h.LastGood)
	rg.GET("/scans/:id", h.Get)
	rg.GET("/scans/:id/status", h.Status)
	rg.GET("/scans/:id/results", h.Results)
	rg.GET("/scans/:id/surface", h.Surface)
	rg.DELETE("/scans/:id", h.Delete)
}

// Create validates the target, applies the per-URL cooldown and enqueues the
// render job.
func (h *ScanHandler) Create(c *gin.Context) {
	var req models.CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "VALIDATION_ERROR"})
		return
	}

	targetURL := sanitizeString(req.URL)
	if targetURL == "" || len(targetURL) > maxURLLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or disallowed target URL", "code": "VALIDATION_ERROR"})
		return
	}

	if err := h.checker.Validate(c.Request.Context(), targetURL); err != nil {
		msg := "Invalid or disallowed target URL"
		if policyErr, ok := err.(*targetcheck.PolicyError); ok {
			msg = policyErr.Reason
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "VALIDATION_ERROR"})
		return
	}

	if retryAfter, blocked := h.checkCooldown(c, targetURL); blocked {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "A scan for this URL was requested recently",
			"code":              "SCAN_COOLDOWN",
			"retryAfterSeconds": retryAfter,
		})
		return
	}

	params := models.ScanParameters{RenderJavaScript: true}
	if req.Parameters != nil {
		params = *req.Parameters
	}

	scan := &models.Scan{
		ID:         uuid.New(),
		URL:        targetURL,
		Parameters: params,
		Status:     models.ScanStatusPending,
		CreatedAt:  h.nowFn().UTC(),
	}
	if err := h.scans.Create(c.Request.Context(), scan); err != nil {
		h.log.WithError(err).Error("failed to create scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create scan", "code": "INTERNAL_ERROR"})
		return
	}

	task := models.ScanTask{ScanID: scan.ID, URL: targetURL, Parameters: params}
	if _, err := h.scanQueue.Enqueue(c.Request.Context(), scan.ID.String(), task, h.jobOptions); err != nil && err != queue.ErrJobExists {
		h.log.WithError(err).Error("failed to enqueue scan")
		reason := "Failed to queue scan"
		if markErr := h.scans.MarkFailed(c.Request.Context(), scan.ID, reason); markErr != nil {
			h.log.WithError(markErr).Error("failed to mark scan failed")
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": reason, "code": "CONNECTION_ERROR"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        scan.ID,
		"status":    scan.Status,
		"url":       scan.URL,
		"createdAt": scan.CreatedAt,
	})
}

// checkCooldown returns the remaining seconds when the URL was scanned too
// recently.
func (h *ScanHandler) checkCooldown(c *gin.Context, url string) (int, bool) {
	recent, err := h.scans.MostRecentByURL(c.Request.Context(), url)
	if err != nil {
		if err != repository.ErrNotFound {
			h.log.WithError(err).Warn("cooldown lookup failed")
		}
		return 0, false
	}
	elapsed := h.nowFn().Sub(recent.CreatedAt)
	if elapsed >= h.cooldown {
		return 0, false
	}
	remaining := int((h.cooldown - elapsed).Round(time.Second).Seconds())
	if remaining < 1 {
		remaining = 1
	}
	return remaining, true
}

// List returns a page of scans, newest first.
func (h *ScanHandler) List(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 20)
	offset := parseIntQuery(c, "offset", 0)

	scans, total, err := h.scans.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.WithError(err).Error("failed to list scans")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list scans", "code": "INTERNAL_ERROR"})
		return
	}
	if limit > 100 {
		limit = 100
	}
	c.JSON(http.StatusOK, models.ScanList{Scans: scans, Total: total, Limit: limit, Offset: offset})
}

// Get returns the scan header row.
func (h *ScanHandler) Get(c *gin.Context) {
	scan, ok := h.loadScan(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, scan)
}

// Status overlays queue state onto the DB status and reconciles divergence
// with a conditional write.
func (h *ScanHandler) Status(c *gin.Context) {
	scan, ok := h.loadScan(c)
	if !ok {
		return
	}

	status := scan.Status
	progress := 0
	if status.IsTerminal() {
		progress = 100
	}

	job, err := h.scanQueue.GetJob(c.Request.Context(), scan.ID.String())
	if err == nil {
		progress = job.Progress
		status = overlayStatus(scan.Status, job)
	} else if err != queue.ErrJobNotFound {
		h.log.WithError(err).Warn("queue lookup failed during status read")
	}

	if status != scan.Status && (status.IsTerminal() || status == models.ScanStatusRunning) {
		changed, err := h.scans.ReconcileStatus(c.Request.Context(), scan.ID, scan.Status, status)
		if err != nil {
			h.log.WithError(err).Warn("status reconciliation failed")
		} else {
			if changed {
				h.log.WithScan(scan.ID.String()).Infof("reconciled status %s -> %s", scan.Status, status)
			}
			// the response must show the reconciled row, not the stale read
			now := h.nowFn().UTC()
			scan.Status = status
			if status == models.ScanStatusRunning && scan.StartedAt == nil {
				scan.StartedAt = &now
			}
			if status.IsTerminal() && scan.CompletedAt == nil {
				scan.CompletedAt = &now
			}
			if status == models.ScanStatusFailed && scan.Error == nil {
				if reason := jobFailureReason(job); reason != "" {
					scan.Error = &reason
				}
			}
		}
	}
	if status.IsTerminal() {
		progress = 100
	}

	resp := models.ScanStatusResponse{
		ID:          scan.ID,
		Status:      status,
		Progress:    progress,
		Stage:       models.StageForProgress(progress),
		StartedAt:   scan.StartedAt,
		CompletedAt: scan.CompletedAt,
		Error:       scan.Error,
	}
	c.JSON(http.StatusOK, resp)
}

// jobFailureReason extracts the failure cause carried by the job, preferring
// the worker's task result over the queue-level error.
func jobFailureReason(job *queue.Job) string {
	var result models.TaskResult
	if len(job.Result) > 0 && json.Unmarshal(job.Result, &result) == nil && result.Error != "" {
		return result.Error
	}
	return job.Error
}

// overlayStatus folds queue job state into the scan status.
func overlayStatus(db models.ScanStatus, job *queue.Job) models.ScanStatus {
	switch job.State {
	case queue.StateWaiting, queue.StateDelayed, queue.StateActive:
		return models.ScanStatusRunning
	case queue.StateCompleted:
		var result models.TaskResult
		if len(job.Result) > 0 && json.Unmarshal(job.Result, &result) == nil && !result.Success {
			return models.ScanStatusFailed
		}
		return models.ScanStatusCompleted
	case queue.StateFailed, queue.StateDead:
		return models.ScanStatusFailed
	}
	return db
}

// Results returns the joined scan view with summary and diagnostics.
func (h *ScanHandler) Results(c *gin.Context) {
	scan, ok := h.loadScan(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	cacheKey := "results:" + scan.ID.String()
	if scan.Status.IsTerminal() {
		if cached, hit := h.respCache.Get(cacheKey); hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	libraries, err := h.results.GetLibraries(ctx, scan.ID)
	if err != nil {
		h.log.WithError(err).Error("failed to load libraries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results", "code": "INTERNAL_ERROR"})
		return
	}
	findings, err := h.results.GetFindings(ctx, scan.ID)
	if err != nil {
		h.log.WithError(err).Error("failed to load findings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results", "code": "INTERNAL_ERROR"})
		return
	}
	scriptCount, libraryCount, _, err := h.results.Counts(ctx, scan.ID)
	if err != nil {
		h.log.WithError(err).Error("failed to count results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results", "code": "INTERNAL_ERROR"})
		return
	}

	results := models.ScanResults{
		Scan:        scan,
		Libraries:   libraries,
		Findings:    findings,
		Summary:     buildSummary(scan, libraries, findings),
		Diagnostics: repository.Diagnostics(scriptCount, libraryCount),
	}
	if scan.Status.IsTerminal() {
		h.respCache.Set(cacheKey, results, 60*time.Second)
	}
	c.JSON(http.StatusOK, results)
}

func buildSummary(scan *models.Scan, libraries []*models.Library, findings []*models.Finding) models.ResultsSummary {
	bySeverity := make(map[string]int)
	for _, f := range findings {
		bySeverity[string(f.Severity)]++
	}
	totalVulns := 0
	for _, lib := range libraries {
		totalVulns += len(lib.Vulnerabilities)
	}
	return models.ResultsSummary{
		TotalLibraries:       len(libraries),
		TotalFindings:        len(findings),
		TotalVulnerabilities: totalVulns,
		FindingsBySeverity:   bySeverity,
		GlobalRiskScore:      scan.GlobalRiskScore,
		RiskLevel:            risk.Level(scan.GlobalRiskScore),
	}
}

// Surface buckets the scan's findings by attack-surface category.
func (h *ScanHandler) Surface(c *gin.Context) {
	scan, ok := h.loadScan(c)
	if !ok {
		return
	}

	findings, err := h.results.GetFindings(c.Request.Context(), scan.ID)
	if err != nil {
		h.log.WithError(err).Error("failed to load findings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load surface", "code": "INTERNAL_ERROR"})
		return
	}

	categories := map[models.SurfaceCategory][]*models.Finding{
		models.SurfaceForms:           {},
		models.SurfaceInlineHandlers:  {},
		models.SurfaceIframes:         {},
		models.SurfaceSecurityHeaders: {},
		models.SurfaceSecurityCookies: {},
		models.SurfaceOther:           {},
	}
	for _, f := range findings {
		cat := models.SurfaceCategoryFor(f.Type)
		categories[cat] = append(categories[cat], f)
	}
	stats := make(map[models.SurfaceCategory]int, len(categories))
	for cat, list := range categories {
		stats[cat] = len(list)
	}

	c.JSON(http.StatusOK, gin.H{
		"scan":       scan,
		"stats":      stats,
		"categories": categories,
	})
}

// Delete purges artifacts best-effort, then cascades the DB rows.
func (h *ScanHandler) Delete(c *gin.Context) {
	scan, ok := h.loadScan(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := h.store.DeleteScan(ctx, scan.ID.String()); err != nil {
		h.log.WithError(err).WithScan(scan.ID.String()).Warn("artifact purge failed")
	}
	if err := h.scans.Delete(ctx, scan.ID); err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
			return
		}
		h.log.WithError(err).Error("failed to delete scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete scan", "code": "INTERNAL_ERROR"})
		return
	}
	h.respCache.Invalidate("results:" + scan.ID.String())
	c.Status(http.StatusNoContent)
}

// LastGood returns the latest completed, non-partial scan for a URL.
func (h *ScanHandler) LastGood(c *gin.Context) {
	url := sanitizeString(c.Query("url"))
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter", "code": "VALIDATION_ERROR"})
		return
	}

	scan, diagnostics, err := h.scans.LastGoodByURL(c.Request.Context(), url)
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "No good scan for this URL", "code": "NOT_FOUND"})
			return
		}
		h.log.WithError(err).Error("last-good lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed", "code": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, models.LastGoodScan{Scan: scan, Diagnostics: *diagnostics})
}

func (h *ScanHandler) loadScan(c *gin.Context) (*models.Scan, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
		return nil, false
	}
	scan, err := h.scans.GetByID(c.Request.Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
			return nil, false
		}
		h.log.WithError(err).Error("failed to load scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load scan", "code": "INTERNAL_ERROR"})
		return nil, false
	}
	return scan, true
}

// sanitizeString strips control characters and trims whitespace.
func sanitizeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r != 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
