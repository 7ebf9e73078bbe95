package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/surfscan/surfscan/internal/models"
)

// riskyPattern is one line-scan rule over JavaScript source.
type riskyPattern struct {
	re       *regexp.Regexp
	typ      models.FindingType
	title    string
	desc     string
	severity models.Severity
}

var riskyPatterns = []riskyPattern{
	{
		re:       regexp.MustCompile(`\beval\s*\(`),
		typ:      models.FindingEvalUsage,
		title:    "Use of eval() detected",
		desc:     "eval() executes arbitrary strings as code and is a common injection vector.",
		severity: models.SeverityHigh,
	},
	{
		re:       regexp.MustCompile(`(?:token|key|secret|password)\s*[:=]\s*['"][A-Za-z0-9+/]{20,}['"]`),
		typ:      models.FindingHardcodedToken,
		title:    "Hardcoded credential detected",
		desc:     "A token, key, secret or password appears to be embedded directly in script source.",
		severity: models.SeverityCritical,
	},
	{
		re:       regexp.MustCompile(`import\s*\(`),
		typ:      models.FindingDynamicImport,
		title:    "Dynamic import() detected",
		desc:     "Dynamic imports load code at runtime from computed locations.",
		severity: models.SeverityModerate,
	},
	{
		re:       regexp.MustCompile(`WebAssembly\.instantiate`),
		typ:      models.FindingWebAssembly,
		title:    "WebAssembly instantiation detected",
		desc:     "The page instantiates WebAssembly modules at runtime.",
		severity: models.SeverityModerate,
	},
	{
		re:       regexp.MustCompile(`(innerHTML|outerHTML)\s*=`),
		typ:      models.FindingDOMXSSSink,
		title:    "DOM XSS sink: innerHTML assignment",
		desc:     "Assigning to innerHTML/outerHTML can execute attacker-controlled markup.",
		severity: models.SeverityHigh,
	},
	{
		re:       regexp.MustCompile(`insertAdjacentHTML\s*\(`),
		typ:      models.FindingDOMXSSSink,
		title:    "DOM XSS sink: insertAdjacentHTML",
		desc:     "insertAdjacentHTML can execute attacker-controlled markup.",
		severity: models.SeverityHigh,
	},
	{
		re:       regexp.MustCompile(`document\.write(?:ln)?\s*\(`),
		typ:      models.FindingDOMXSSSink,
		title:    "DOM XSS sink: document.write",
		desc:     "document.write can inject attacker-controlled markup into the page.",
		severity: models.SeverityHigh,
	},
}

// DetectRiskyPatterns scans script source line by line and returns a finding
// per pattern occurrence with the evidence line and its 1-based number.
// location names the script (URL or "inline script #n").
func DetectRiskyPatterns(content, location string) []models.Finding {
	var findings []models.Finding
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for _, p := range riskyPatterns {
			if !p.re.MatchString(line) {
				continue
			}
			evidence := strings.TrimSpace(line)
			if len(evidence) > 300 {
				evidence = evidence[:300]
			}
			findings = append(findings, models.Finding{
				Type:        p.typ,
				Title:       p.title,
				Description: p.desc,
				Severity:    p.severity,
				Location:    fmt.Sprintf("%s:%d", location, i+1),
				Evidence:    strPtr(evidence),
			})
		}
	}
	return findings
}

func strPtr(s string) *string { return &s }
