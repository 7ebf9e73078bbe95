package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanTask is the payload of a scan-queue job.
type ScanTask struct {
	ScanID     uuid.UUID      `json:"scanId"`
	URL        string         `json:"url"`
	Parameters ScanParameters `json:"parameters"`
}

// InlineScript is an inline <script> captured from the rendered DOM.
type InlineScript struct {
	Content    string            `json:"content"`
	Attributes map[string]string `json:"attributes,omitempty"`
	PageURL    string            `json:"pageUrl"`
}

// ExternalScript is a script referenced by src from the rendered DOM.
type ExternalScript struct {
	SourceURL  string            `json:"sourceUrl"`
	Attributes map[string]string `json:"attributes,omitempty"`
	PageURL    string            `json:"pageUrl"`
}

// NetworkResource is one request observed while rendering.
type NetworkResource struct {
	URL        string            `json:"url"`
	Type       string            `json:"type"`
	Method     string            `json:"method"`
	StatusCode int               `json:"statusCode"`
	Size       int64             `json:"size"`
	Headers    map[string]string `json:"headers,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// DOMAnalysis is everything the render stage extracted from the target.
type DOMAnalysis struct {
	PageURL          string            `json:"pageUrl"`
	ResponseHeaders  map[string]string `json:"responseHeaders"`
	InlineScripts    []InlineScript    `json:"inlineScripts"`
	ExternalScripts  []ExternalScript  `json:"externalScripts"`
	SourceMaps       map[string]string `json:"sourceMaps,omitempty"` // map URL -> raw JSON
	NetworkResources []NetworkResource `json:"networkResources,omitempty"`
	PagesVisited     int               `json:"pagesVisited"`
}

// TaskArtifacts lists the object-store keys produced by rendering.
type TaskArtifacts struct {
	DOMSnapshot string   `json:"domSnapshot"`
	Scripts     []string `json:"scripts"`
}

// AnalysisTask is the payload of an analysis-queue job.
type AnalysisTask struct {
	ScanID      uuid.UUID     `json:"scanId"`
	Artifacts   TaskArtifacts `json:"artifacts"`
	DOMAnalysis DOMAnalysis   `json:"domAnalysis"`
	FetchErrors []string      `json:"fetchErrors,omitempty"`
}

// TaskResult is what a worker reports back through the queue.
type TaskResult struct {
	ScanID    uuid.UUID     `json:"scanId"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Artifacts TaskArtifacts `json:"artifacts"`
}

// AnalyticsSummary is the dashboard payload.
type AnalyticsSummary struct {
	TotalScans                 int64            `json:"totalScans"`
	ActiveThreats              int64            `json:"activeThreats"`
	TotalVulnerabilities       int64            `json:"totalVulnerabilities"`
	AverageRiskScore           float64          `json:"averageRiskScore"`
	AverageScanDurationSeconds float64          `json:"averageScanDurationSeconds"`
	RiskDistribution           RiskDistribution `json:"riskDistribution"`
	VulnerabilityTrends        []DateCount      `json:"vulnerabilityTrends"`
	RecentScans                []DateCount      `json:"recentScans"`
	LibrariesAnalyzed          int64            `json:"libraries_analyzed"`
	TopVulnerabilities         []TopLibrary     `json:"top_vulnerabilities"`
}

// RiskDistribution buckets completed scans by risk level.
type RiskDistribution struct {
	Critical int64 `json:"critical"`
	High     int64 `json:"high"`
	Medium   int64 `json:"medium"`
	Low      int64 `json:"low"`
}

// DateCount is one point of a per-day trend series.
type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// TopLibrary names a library ranked by vulnerability volume.
type TopLibrary struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Count    int64    `json:"count"`
}

// LastGoodScan is the GET /api/scans/by-url/last-good payload.
type LastGoodScan struct {
	Scan        *Scan              `json:"scan"`
	Diagnostics ResultsDiagnostics `json:"diagnostics"`
}

// ProgressUpdate is pushed over the progress websocket.
type ProgressUpdate struct {
	ScanID    uuid.UUID  `json:"scanId"`
	Status    ScanStatus `json:"status"`
	Progress  int        `json:"progress"`
	Stage     ScanStage  `json:"stage"`
	Timestamp time.Time  `json:"timestamp"`
}
