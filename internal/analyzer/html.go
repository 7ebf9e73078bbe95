package analyzer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/surfscan/surfscan/internal/models"
)

var csrfIndicatorRe = regexp.MustCompile(`(?i)csrf|xsrf|_token|authenticity_token`)

// htmlSurface collects what one DOM walk observes.
type htmlSurface struct {
	formCount     int
	getFormCount  int
	passwordField bool
	csrfIndicator bool

	handlerExamples  []string
	dangerousHandler bool

	thirdPartyIframes []string
	insecureIframes   []string

	httpScripts int
	httpLinks   int
	httpImages  int

	missingSRI []string
}

// AnalyzeHTML walks the rendered top-level document and emits the form,
// inline-handler, iframe, mixed-content and script-integrity findings.
// pageURL is the final URL the browser landed on.
func AnalyzeHTML(body, pageURL string) []models.Finding {
	page, err := url.Parse(pageURL)
	if err != nil {
		page = &url.URL{}
	}
	isHTTPS := strings.EqualFold(page.Scheme, "https")

	surface := &htmlSurface{}
	doc, err := html.Parse(strings.NewReader(body))
	if err == nil {
		walkHTML(doc, page, surface)
	}
	if csrfIndicatorRe.MatchString(body) {
		surface.csrfIndicator = true
	}

	var findings []models.Finding
	findings = append(findings, surface.formFindings(isHTTPS, pageURL)...)
	findings = append(findings, surface.handlerFindings(pageURL)...)
	findings = append(findings, surface.iframeFindings(pageURL)...)
	if isHTTPS {
		findings = append(findings, surface.mixedContentFindings(pageURL)...)
	}
	findings = append(findings, surface.sriFindings()...)
	return findings
}

func walkHTML(n *html.Node, page *url.URL, s *htmlSurface) {
	if n.Type == html.ElementNode {
		attrs := make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			name := strings.ToLower(a.Key)
			attrs[name] = a.Val
			if strings.HasPrefix(name, "on") && len(name) > 2 {
				s.recordHandler(name, a.Val)
			}
		}

		switch strings.ToLower(n.Data) {
		case "form":
			s.formCount++
			if strings.EqualFold(attrs["method"], "get") {
				s.getFormCount++
			}
		case "input":
			if strings.EqualFold(attrs["type"], "password") {
				s.passwordField = true
			}
		case "iframe":
			s.recordIframe(attrs["src"], page)
		case "script":
			s.recordScript(attrs, page)
		case "link":
			if isHTTPURL(attrs["href"]) {
				s.httpLinks++
			}
		case "img":
			if isHTTPURL(attrs["src"]) {
				s.httpImages++
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, page, s)
	}
}

func (s *htmlSurface) recordHandler(name, value string) {
	example := fmt.Sprintf(`%s="%s"`, name, truncateStr(value, 120))
	if len(s.handlerExamples) < 5 {
		s.handlerExamples = append(s.handlerExamples, example)
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "eval(") || strings.Contains(lower, "javascript:") {
		s.dangerousHandler = true
	}
}

func (s *htmlSurface) recordIframe(src string, page *url.URL) {
	if src == "" {
		return
	}
	u, err := url.Parse(src)
	if err != nil {
		return
	}
	if strings.EqualFold(u.Scheme, "http") {
		s.insecureIframes = append(s.insecureIframes, src)
	}
	if u.Hostname() != "" && !strings.EqualFold(u.Hostname(), page.Hostname()) {
		s.thirdPartyIframes = append(s.thirdPartyIframes, src)
	}
}

func (s *htmlSurface) recordScript(attrs map[string]string, page *url.URL) {
	src := attrs["src"]
	if src == "" {
		return
	}
	if isHTTPURL(src) {
		s.httpScripts++
	}
	u, err := url.Parse(src)
	if err != nil {
		return
	}
	thirdParty := u.Hostname() != "" && !strings.EqualFold(u.Hostname(), page.Hostname())
	if thirdParty && strings.EqualFold(u.Scheme, "https") {
		if _, ok := attrs["integrity"]; !ok {
			s.missingSRI = append(s.missingSRI, src)
		}
	}
}

func (s *htmlSurface) formFindings(isHTTPS bool, location string) []models.Finding {
	if s.formCount == 0 {
		return nil
	}
	var findings []models.Finding
	if s.getFormCount > 0 {
		findings = append(findings, models.Finding{
			Type:        models.FindingFormSecurity,
			Title:       "Forms using GET method detected",
			Description: fmt.Sprintf("%d form(s) submit via GET, exposing field values in URLs and logs.", s.getFormCount),
			Severity:    models.SeverityModerate,
			Location:    location,
		})
	}
	if s.passwordField && !isHTTPS {
		findings = append(findings, models.Finding{
			Type:        models.FindingFormSecurity,
			Title:       "Password field on a non-HTTPS page",
			Description: "A password input is served over plain HTTP; credentials can be intercepted in transit.",
			Severity:    models.SeverityHigh,
			Location:    location,
		})
	}
	if !s.csrfIndicator {
		findings = append(findings, models.Finding{
			Type:        models.FindingFormSecurity,
			Title:       "Forms without CSRF protection indicator",
			Description: fmt.Sprintf("%d form(s) present but no CSRF token field was found.", s.formCount),
			Severity:    models.SeverityModerate,
			Location:    location,
		})
	}
	return findings
}

func (s *htmlSurface) handlerFindings(location string) []models.Finding {
	if len(s.handlerExamples) == 0 {
		return nil
	}
	severity := models.SeverityModerate
	title := "Inline event handlers detected"
	if s.dangerousHandler {
		severity = models.SeverityHigh
		title = "Inline event handlers with dangerous expressions detected"
	}
	evidence := strings.Join(s.handlerExamples, "; ")
	return []models.Finding{{
		Type:        models.FindingInlineEventHandler,
		Title:       title,
		Description: "Inline event handler attributes mix markup and code and defeat strict CSP.",
		Severity:    severity,
		Location:    location,
		Evidence:    strPtr(evidence),
	}}
}

func (s *htmlSurface) iframeFindings(location string) []models.Finding {
	var findings []models.Finding
	if len(s.thirdPartyIframes) > 0 {
		evidence := strings.Join(capStrings(s.thirdPartyIframes, 5), "; ")
		findings = append(findings, models.Finding{
			Type:        models.FindingIframeSecurity,
			Title:       "Third-party iframes detected",
			Description: fmt.Sprintf("%d iframe(s) embed content from other origins.", len(s.thirdPartyIframes)),
			Severity:    models.SeverityModerate,
			Location:    location,
			Evidence:    strPtr(evidence),
		})
	}
	if len(s.insecureIframes) > 0 {
		evidence := strings.Join(capStrings(s.insecureIframes, 5), "; ")
		findings = append(findings, models.Finding{
			Type:        models.FindingIframeSecurity,
			Title:       "Insecure iframes loaded over HTTP",
			Description: fmt.Sprintf("%d iframe(s) load over plain HTTP.", len(s.insecureIframes)),
			Severity:    models.SeverityHigh,
			Location:    location,
			Evidence:    strPtr(evidence),
		})
	}
	return findings
}

func (s *htmlSurface) mixedContentFindings(location string) []models.Finding {
	total := s.httpScripts + s.httpLinks + s.httpImages + len(s.insecureIframes)
	if total == 0 {
		return nil
	}
	severity := models.SeverityModerate
	if s.httpScripts > 0 || len(s.insecureIframes) > 0 {
		severity = models.SeverityHigh
	}
	desc := fmt.Sprintf("HTTPS page loads insecure resources: %d script(s), %d link(s), %d image(s), %d iframe(s).",
		s.httpScripts, s.httpLinks, s.httpImages, len(s.insecureIframes))
	return []models.Finding{{
		Type:        models.FindingSecurityHeader,
		Title:       "Mixed content detected on HTTPS page",
		Description: desc,
		Severity:    severity,
		Location:    location,
	}}
}

func (s *htmlSurface) sriFindings() []models.Finding {
	var findings []models.Finding
	for _, src := range s.missingSRI {
		findings = append(findings, models.Finding{
			Type:        models.FindingScriptIntegrity,
			Title:       "Third-party script without Subresource Integrity",
			Description: "An external script is loaded from another origin without an integrity attribute.",
			Severity:    models.SeverityModerate,
			Location:    src,
		})
	}
	return findings
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "http://")
}

func capStrings(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
