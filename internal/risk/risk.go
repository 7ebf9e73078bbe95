package risk

import (
	"math"
	"strings"

	"github.com/surfscan/surfscan/internal/models"
)

// Level labels for a 0-100 score.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelModerate = "moderate"
	LevelLow      = "low"
)

// popular libraries get a maturity discount in advanced scoring
var popularLibraries = map[string]bool{
	"react":     true,
	"react-dom": true,
	"jquery":    true,
	"vue":       true,
	"angular":   true,
	"lodash":    true,
	"bootstrap": true,
	"d3":        true,
}

// findingPenalties applied when a finding is co-located with a library.
var findingPenalties = map[models.FindingType]float64{
	models.FindingEvalUsage:      25,
	models.FindingHardcodedToken: 30,
	models.FindingDynamicImport:  15,
	models.FindingRemoteCode:     35,
	models.FindingWebAssembly:    20,
}

// CalculateLibraryRisk maps a library's vulnerabilities and detection
// confidence to a 0-100 score.
func CalculateLibraryRisk(vulns []models.Vulnerability, confidence int, hasPublicExploit bool) int {
	if len(vulns) == 0 {
		return 0
	}

	score := maxCVSS(vulns) * 10
	score *= float64(confidence) / 100
	score += 15 * float64(countSeverity(vulns, models.SeverityCritical))
	if hasPublicExploit {
		score *= 1.5
	}
	return clampRound(score)
}

// CalculateGlobalRisk combines per-library scores and critical finding count
// into the scan-level score.
func CalculateGlobalRisk(libRisks []int, criticalFindings int) int {
	var maxRisk, sum float64
	highRisk := 0
	for _, r := range libRisks {
		f := float64(r)
		if f > maxRisk {
			maxRisk = f
		}
		sum += f
		if r >= 70 {
			highRisk++
		}
	}
	var avg float64
	if len(libRisks) > 0 {
		avg = sum / float64(len(libRisks))
	}

	score := 0.4*maxRisk + 0.3*avg + 5*float64(highRisk) + 10*float64(criticalFindings)
	return clampRound(score)
}

// Level buckets a score into its label.
func Level(score int) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelModerate
	default:
		return LevelLow
	}
}

// AdvancedLibraryRisk is the richer scoring used by the analyzer: severity
// counts, confidence discount, co-located finding penalties, popularity
// discount and version-age multipliers.
func AdvancedLibraryRisk(vulns []models.Vulnerability, confidence int, coFindings []models.FindingType, name string, versionAgeDays int) int {
	score := maxCVSS(vulns) * 10
	score += 20 * float64(countSeverity(vulns, models.SeverityCritical))
	score += 10 * float64(countSeverity(vulns, models.SeverityHigh))
	score -= 0.3 * float64(100-confidence)

	for _, t := range coFindings {
		score += findingPenalties[t]
	}

	if popularLibraries[strings.ToLower(name)] {
		score *= 0.8
	}
	if versionAgeDays > 365 {
		score *= 1.3
	} else if versionAgeDays > 180 {
		score *= 1.1
	}
	return clampRound(score)
}

func maxCVSS(vulns []models.Vulnerability) float64 {
	var max float64
	for _, v := range vulns {
		if v.CVSSScore != nil && *v.CVSSScore > max {
			max = *v.CVSSScore
		}
	}
	return max
}

func countSeverity(vulns []models.Vulnerability, sev models.Severity) int {
	n := 0
	for _, v := range vulns {
		if v.Severity == sev {
			n++
		}
	}
	return n
}

// clampRound clamps to [0,100] and rounds half-up.
func clampRound(score float64) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(math.Floor(score + 0.5))
}
