package analyzer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/surfscan/surfscan/internal/models"
)

var (
	weakReferrerRe    = regexp.MustCompile(`(?i)unsafe-url|no-referrer-when-downgrade`)
	sensitiveCookieRe = regexp.MustCompile(`(?i)session|auth|token|jwt`)
)

// AnalyzeHeaders evaluates the response headers of the top-level document.
// Keys in headers must be lower-cased; a multi-valued Set-Cookie is joined
// with newlines.
func AnalyzeHeaders(headers map[string]string, pageURL string) []models.Finding {
	page, err := url.Parse(pageURL)
	if err != nil {
		page = &url.URL{}
	}
	isHTTPS := strings.EqualFold(page.Scheme, "https")

	var findings []models.Finding
	add := func(title, desc string, severity models.Severity) {
		findings = append(findings, models.Finding{
			Type:        models.FindingSecurityHeader,
			Title:       title,
			Description: desc,
			Severity:    severity,
			Location:    pageURL,
		})
	}

	if csp, ok := headers["content-security-policy"]; !ok {
		add("Content-Security-Policy header missing",
			"Without a CSP the browser applies no script-source restrictions.",
			models.SeverityModerate)
	} else if strings.Contains(csp, "unsafe-inline") || strings.Contains(csp, "unsafe-eval") {
		add("Content-Security-Policy allows unsafe directives",
			"The CSP permits unsafe-inline or unsafe-eval, negating most of its XSS protection.",
			models.SeverityHigh)
	}

	if isHTTPS {
		if _, ok := headers["strict-transport-security"]; !ok {
			add("Strict-Transport-Security header missing",
				"HTTPS page without HSTS allows protocol-downgrade attacks on repeat visits.",
				models.SeverityHigh)
		}
	}

	if xfo, ok := headers["x-frame-options"]; !ok {
		add("X-Frame-Options header missing",
			"The page can be framed by other sites, enabling clickjacking.",
			models.SeverityModerate)
	} else {
		v := strings.ToUpper(strings.TrimSpace(xfo))
		if v != "DENY" && v != "SAMEORIGIN" {
			add("X-Frame-Options has a weak value",
				fmt.Sprintf("Value %q is not DENY or SAMEORIGIN.", xfo),
				models.SeverityModerate)
		}
	}

	if xcto, ok := headers["x-content-type-options"]; !ok || !strings.EqualFold(strings.TrimSpace(xcto), "nosniff") {
		add("X-Content-Type-Options not set to nosniff",
			"Browsers may MIME-sniff responses into executable types.",
			models.SeverityModerate)
	}

	if rp, ok := headers["referrer-policy"]; !ok {
		add("Referrer-Policy header missing",
			"Full URLs may leak to third parties through the Referer header.",
			models.SeverityModerate)
	} else if weakReferrerRe.MatchString(rp) {
		add("Referrer-Policy has a weak value",
			fmt.Sprintf("Value %q leaks full URLs on cross-origin navigation.", rp),
			models.SeverityModerate)
	}

	if _, ok := headers["permissions-policy"]; !ok {
		add("Permissions-Policy header missing",
			"Powerful browser features are not restricted for embedded content.",
			models.SeverityLow)
	}

	if isHTTPS {
		if coop, ok := headers["cross-origin-opener-policy"]; !ok ||
			(!strings.Contains(coop, "same-origin") && !strings.Contains(coop, "same-origin-allow-popups")) {
			add("Cross-Origin-Opener-Policy missing or weak",
				"Without COOP the window can be manipulated by cross-origin openers.",
				models.SeverityLow)
		}
		if _, ok := headers["cross-origin-embedder-policy"]; !ok {
			add("Cross-Origin-Embedder-Policy header missing",
				"COEP is required for cross-origin isolation.",
				models.SeverityLow)
		}
		if _, ok := headers["cross-origin-resource-policy"]; !ok {
			add("Cross-Origin-Resource-Policy header missing",
				"Resources can be embedded by any origin.",
				models.SeverityLow)
		}
	}

	if acao, ok := headers["access-control-allow-origin"]; ok && strings.TrimSpace(acao) == "*" {
		if creds, ok := headers["access-control-allow-credentials"]; ok && strings.EqualFold(strings.TrimSpace(creds), "true") {
			add("Insecure CORS configuration: wildcard origin with credentials",
				"Access-Control-Allow-Origin: * combined with credentials exposes authenticated responses to any origin.",
				models.SeverityHigh)
		} else {
			add("Permissive CORS configuration: wildcard origin",
				"Access-Control-Allow-Origin: * allows any origin to read responses.",
				models.SeverityModerate)
		}
	}

	findings = append(findings, analyzeCookies(headers["set-cookie"], pageURL)...)
	return findings
}

// analyzeCookies inspects Set-Cookie values (newline-separated when multiple)
// and emits at most one sensitive-cookie and one generic-cookie finding.
func analyzeCookies(setCookie, pageURL string) []models.Finding {
	if setCookie == "" {
		return nil
	}

	var findings []models.Finding
	sensitiveEmitted, genericEmitted := false, false

	for _, line := range strings.Split(setCookie, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name := cookieName(line)
		hasSecure, hasHTTPOnly, hasSameSite := cookieFlags(line)
		if hasSecure && hasHTTPOnly && hasSameSite {
			continue
		}

		missing := missingFlags(hasSecure, hasHTTPOnly, hasSameSite)
		if sensitiveCookieRe.MatchString(name) {
			if !sensitiveEmitted {
				sensitiveEmitted = true
				findings = append(findings, models.Finding{
					Type:        models.FindingSecurityCookie,
					Title:       "Sensitive cookie missing security flags",
					Description: fmt.Sprintf("Cookie %q is missing %s.", name, missing),
					Severity:    models.SeverityHigh,
					Location:    pageURL,
					Evidence:    strPtr(name),
				})
			}
		} else if !genericEmitted {
			genericEmitted = true
			findings = append(findings, models.Finding{
				Type:        models.FindingSecurityCookie,
				Title:       "Cookie missing security flags",
				Description: fmt.Sprintf("Cookie %q is missing %s.", name, missing),
				Severity:    models.SeverityModerate,
				Location:    pageURL,
				Evidence:    strPtr(name),
			})
		}
		if sensitiveEmitted && genericEmitted {
			break
		}
	}
	return findings
}

// cookieFlags parses the attribute list after the name=value pair. Only
// whole attribute tokens count, so a cookie named "securetoken" does not
// pass as Secure.
func cookieFlags(line string) (secure, httpOnly, sameSite bool) {
	parts := strings.Split(line, ";")
	for _, attr := range parts[1:] {
		key := strings.ToLower(strings.TrimSpace(attr))
		switch {
		case key == "secure":
			secure = true
		case key == "httponly":
			httpOnly = true
		case strings.HasPrefix(key, "samesite"):
			sameSite = true
		}
	}
	return secure, httpOnly, sameSite
}

func cookieName(line string) string {
	pair := strings.SplitN(line, ";", 2)[0]
	name := strings.SplitN(pair, "=", 2)[0]
	return strings.TrimSpace(name)
}

func missingFlags(secure, httpOnly, sameSite bool) string {
	var parts []string
	if !secure {
		parts = append(parts, "Secure")
	}
	if !httpOnly {
		parts = append(parts, "HttpOnly")
	}
	if !sameSite {
		parts = append(parts, "SameSite")
	}
	return strings.Join(parts, ", ")
}
