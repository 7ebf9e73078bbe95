package models

import (
	"time"

	"github.com/google/uuid"
)

// Vulnerability is an advisory record attached to a detected library.
type Vulnerability struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	CVSSScore   *float64 `json:"cvssScore,omitempty"`
	References  []string `json:"references,omitempty"`
}

// SeverityFromCVSS derives a severity bucket from a numeric CVSS score.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// Library is a detected client-side dependency with optional version.
type Library struct {
	ID              uuid.UUID       `json:"id"`
	ScanID          uuid.UUID       `json:"scanId"`
	Name            string          `json:"name"`
	DetectedVersion *string         `json:"detectedVersion,omitempty"`
	RelatedScripts  []string        `json:"relatedScripts"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	RiskScore       int             `json:"riskScore"`
	Confidence      int             `json:"confidence"`
	DetectionMethod string          `json:"detectionMethod"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Script is one inline or external script captured during rendering.
type Script struct {
	ID               uuid.UUID `json:"id"`
	ScanID           uuid.UUID `json:"scanId"`
	SourceURL        *string   `json:"sourceUrl,omitempty"`
	IsInline         bool      `json:"isInline"`
	ArtifactPath     string    `json:"artifactPath"`
	Fingerprint      string    `json:"fingerprint"`
	DetectedPatterns []string  `json:"detectedPatterns"`
	EstimatedVersion *string   `json:"estimatedVersion,omitempty"`
	Confidence       int       `json:"confidence"`
	CreatedAt        time.Time `json:"createdAt"`
}

// VulnerabilityCacheEntry memoizes advisory lookups per (package, version).
type VulnerabilityCacheEntry struct {
	PackageName     string          `json:"packageName"`
	Version         string          `json:"version"` // empty means "any version"
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	TTLSeconds      int             `json:"ttlSeconds"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *VulnerabilityCacheEntry) Expired(now time.Time) bool {
	return now.After(e.LastUpdated.Add(time.Duration(e.TTLSeconds) * time.Second))
}
