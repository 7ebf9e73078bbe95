package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/llm"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/repository"
)

// ReportHandler generates a narrative report for a completed scan through the
// external completion provider.
type ReportHandler struct {
	scans    *repository.ScanRepository
	results  *repository.ResultRepository
	provider llm.Provider
	log      *logger.Logger
}

func NewReportHandler(scans *repository.ScanRepository, results *repository.ResultRepository, provider llm.Provider, log *logger.Logger) *ReportHandler {
	return &ReportHandler{scans: scans, results: results, provider: provider, log: log}
}

func (h *ReportHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/scans/:id/report", h.Generate)
}

func (h *ReportHandler) Generate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
		return
	}
	ctx := c.Request.Context()

	scan, err := h.scans.GetByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
		return
	}
	if scan.Status != models.ScanStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Scan is not completed", "code": "VALIDATION_ERROR"})
		return
	}

	libraries, err := h.results.GetLibraries(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results", "code": "INTERNAL_ERROR"})
		return
	}
	findings, err := h.results.GetFindings(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results", "code": "INTERNAL_ERROR"})
		return
	}

	blob, err := json.Marshal(gin.H{
		"scan":      scan,
		"libraries": libraries,
		"findings":  findings,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build report context", "code": "INTERNAL_ERROR"})
		return
	}

	text, err := h.provider.Generate(ctx, blob)
	if err != nil {
		h.log.WithError(err).Warn("report generation failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Report generation unavailable", "code": "CONNECTION_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanId": id, "report": text})
}
