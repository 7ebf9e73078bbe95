package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// ScanParameters controls how the render stage visits the target.
type ScanParameters struct {
	RenderJavaScript bool              `json:"renderJavaScript"`
	Timeout          int               `json:"timeout,omitempty"` // seconds
	Depth            int               `json:"depth,omitempty"`
	UserAgent        string            `json:"userAgent,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// Scan represents a single run of the pipeline against one URL.
type Scan struct {
	ID              uuid.UUID         `json:"id"`
	URL             string            `json:"url"`
	Parameters      ScanParameters    `json:"parameters"`
	Status          ScanStatus        `json:"status"`
	GlobalRiskScore int               `json:"globalRiskScore"`
	ArtifactPaths   map[string]string `json:"artifactPaths,omitempty"`
	Error           *string           `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// CreateScanRequest is the POST /api/scans payload.
type CreateScanRequest struct {
	URL        string          `json:"url" binding:"required"`
	Parameters *ScanParameters `json:"parameters,omitempty"`
}

// ScanList is the paginated list response.
type ScanList struct {
	Scans  []*Scan `json:"scans"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// ScanStage labels a progress range for UX purposes.
type ScanStage string

const (
	StageInitializing       ScanStage = "initializing"
	StageRendering          ScanStage = "rendering"
	StageFetchingScripts    ScanStage = "fetching_scripts"
	StageDispatchingAnalyze ScanStage = "dispatching_analysis"
	StageAnalyzing          ScanStage = "analyzing"
	StageSavingResults      ScanStage = "saving_results"
)

// StageForProgress maps a progress value to its stage label.
func StageForProgress(progress int) ScanStage {
	switch {
	case progress < 10:
		return StageInitializing
	case progress < 40:
		return StageRendering
	case progress < 70:
		return StageFetchingScripts
	case progress < 85:
		return StageDispatchingAnalyze
	case progress < 95:
		return StageAnalyzing
	default:
		return StageSavingResults
	}
}

// ScanStatusResponse is the GET /api/scans/:id/status payload.
type ScanStatusResponse struct {
	ID          uuid.UUID  `json:"id"`
	Status      ScanStatus `json:"status"`
	Progress    int        `json:"progress"`
	Stage       ScanStage  `json:"stage"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// ResultsDiagnostics carries data-quality signals alongside scan results.
type ResultsDiagnostics struct {
	PartialScan  bool `json:"partialScan"`
	QualityScore int  `json:"qualityScore"`
	ScriptCount  int  `json:"scriptCount"`
	LibraryCount int  `json:"libraryCount"`
}

// ScanResults is the joined GET /api/scans/:id/results payload.
type ScanResults struct {
	Scan        *Scan              `json:"scan"`
	Libraries   []*Library         `json:"libraries"`
	Findings    []*Finding         `json:"findings"`
	Summary     ResultsSummary     `json:"summary"`
	Diagnostics ResultsDiagnostics `json:"diagnostics"`
}

// ResultsSummary aggregates counts for the results view.
type ResultsSummary struct {
	TotalLibraries       int            `json:"totalLibraries"`
	TotalFindings        int            `json:"totalFindings"`
	TotalVulnerabilities int            `json:"totalVulnerabilities"`
	FindingsBySeverity   map[string]int `json:"findingsBySeverity"`
	GlobalRiskScore      int            `json:"globalRiskScore"`
	RiskLevel            string         `json:"riskLevel"`
}
