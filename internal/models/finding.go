package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for findings and vulnerabilities.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities from least to most severe.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityModerate: 1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// FindingType is the closed set of security observation categories.
type FindingType string

const (
	FindingEvalUsage          FindingType = "EVAL_USAGE"
	FindingHardcodedToken     FindingType = "HARDCODED_TOKEN"
	FindingDynamicImport      FindingType = "DYNAMIC_IMPORT"
	FindingWebAssembly        FindingType = "WEBASSEMBLY"
	FindingDOMXSSSink         FindingType = "DOM_XSS_SINK"
	FindingFormSecurity       FindingType = "FORM_SECURITY"
	FindingInlineEventHandler FindingType = "INLINE_EVENT_HANDLER"
	FindingIframeSecurity     FindingType = "IFRAME_SECURITY"
	FindingSecurityHeader     FindingType = "SECURITY_HEADER"
	FindingSecurityCookie     FindingType = "SECURITY_COOKIE"
	FindingScriptIntegrity    FindingType = "SCRIPT_INTEGRITY"
	FindingInfo               FindingType = "INFO"
	FindingError              FindingType = "ERROR"
	FindingCVE                FindingType = "CVE"
	FindingRemoteCode         FindingType = "REMOTE_CODE"
)

// Finding is a discrete security observation attached to a scan.
type Finding struct {
	ID          uuid.UUID   `json:"id"`
	ScanID      uuid.UUID   `json:"scanId"`
	Type        FindingType `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Location    string      `json:"location"`
	Evidence    *string     `json:"evidence,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// SurfaceCategory buckets findings for the surface endpoint.
type SurfaceCategory string

const (
	SurfaceForms           SurfaceCategory = "forms"
	SurfaceInlineHandlers  SurfaceCategory = "inlineEventHandlers"
	SurfaceIframes         SurfaceCategory = "iframes"
	SurfaceSecurityHeaders SurfaceCategory = "securityHeaders"
	SurfaceSecurityCookies SurfaceCategory = "securityCookies"
	SurfaceOther           SurfaceCategory = "other"
)

// SurfaceCategoryFor maps a finding type into its surface bucket.
func SurfaceCategoryFor(t FindingType) SurfaceCategory {
	switch t {
	case FindingFormSecurity:
		return SurfaceForms
	case FindingInlineEventHandler:
		return SurfaceInlineHandlers
	case FindingIframeSecurity:
		return SurfaceIframes
	case FindingSecurityHeader:
		return SurfaceSecurityHeaders
	case FindingSecurityCookie:
		return SurfaceSecurityCookies
	default:
		return SurfaceOther
	}
}
