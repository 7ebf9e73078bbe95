package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/models"
)

// a header set that triggers nothing, for isolating single findings
func hardenedHeaders() map[string]string {
	return map[string]string{
		"content-security-policy":      "default-src 'self'",
		"strict-transport-security":    "max-age=63072000",
		"x-frame-options":              "DENY",
		"x-content-type-options":       "nosniff",
		"referrer-policy":              "strict-origin-when-cross-origin",
		"permissions-policy":           "geolocation=()",
		"cross-origin-opener-policy":   "same-origin",
		"cross-origin-embedder-policy": "require-corp",
		"cross-origin-resource-policy": "same-origin",
	}
}

func TestAnalyzeHeadersHardenedProducesNothing(t *testing.T) {
	findings := AnalyzeHeaders(hardenedHeaders(), "https://example.com")
	assert.Empty(t, findings)
}

func TestAnalyzeHeadersWildcardCORSWithCredentials(t *testing.T) {
	headers := hardenedHeaders()
	headers["access-control-allow-origin"] = "*"
	headers["access-control-allow-credentials"] = "true"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Insecure CORS configuration: wildcard origin with credentials")
	assert.Equal(t, models.SeverityHigh, f.Severity)
}

func TestAnalyzeHeadersWildcardCORSAlone(t *testing.T) {
	headers := hardenedHeaders()
	headers["access-control-allow-origin"] = "*"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Permissive CORS configuration: wildcard origin")
	assert.Equal(t, models.SeverityModerate, f.Severity)
}

func TestAnalyzeHeadersMissingCSP(t *testing.T) {
	headers := hardenedHeaders()
	delete(headers, "content-security-policy")

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Content-Security-Policy header missing")
	assert.Equal(t, models.SeverityModerate, f.Severity)
}

func TestAnalyzeHeadersUnsafeCSP(t *testing.T) {
	headers := hardenedHeaders()
	headers["content-security-policy"] = "default-src 'self' 'unsafe-inline'"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Content-Security-Policy allows unsafe directives")
	assert.Equal(t, models.SeverityHigh, f.Severity)
}

func TestAnalyzeHeadersMissingHSTSOnHTTPS(t *testing.T) {
	headers := hardenedHeaders()
	delete(headers, "strict-transport-security")

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Strict-Transport-Security header missing")
	assert.Equal(t, models.SeverityHigh, f.Severity)
}

func TestAnalyzeHeadersHSTSNotRequiredOnHTTP(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{}, "http://example.com")
	assert.False(t, hasTitle(findings, "Strict-Transport-Security header missing"))
	// cross-origin isolation headers only apply on https
	assert.False(t, hasTitle(findings, "Cross-Origin-Embedder-Policy header missing"))
}

func TestAnalyzeHeadersWeakFrameOptions(t *testing.T) {
	headers := hardenedHeaders()
	headers["x-frame-options"] = "ALLOW-FROM https://partner.example"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "X-Frame-Options has a weak value")
	assert.Equal(t, models.SeverityModerate, f.Severity)
}

func TestAnalyzeHeadersWeakReferrerPolicy(t *testing.T) {
	headers := hardenedHeaders()
	headers["referrer-policy"] = "no-referrer-when-downgrade"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Referrer-Policy has a weak value")
	assert.Equal(t, models.SeverityModerate, f.Severity)
}

func TestAnalyzeHeadersLowSeverityIsolationSet(t *testing.T) {
	headers := hardenedHeaders()
	delete(headers, "permissions-policy")
	delete(headers, "cross-origin-opener-policy")
	delete(headers, "cross-origin-embedder-policy")
	delete(headers, "cross-origin-resource-policy")

	findings := AnalyzeHeaders(headers, "https://example.com")
	require.Len(t, findings, 4)
	for _, f := range findings {
		assert.Equal(t, models.SeverityLow, f.Severity)
	}
}

func TestAnalyzeHeadersSensitiveCookie(t *testing.T) {
	headers := hardenedHeaders()
	headers["set-cookie"] = "session_id=abc; Path=/"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Sensitive cookie missing security flags")
	assert.Equal(t, models.SeverityHigh, f.Severity)
	require.NotNil(t, f.Evidence)
	assert.Equal(t, "session_id", *f.Evidence)
}

func TestAnalyzeHeadersCookieEmissionCaps(t *testing.T) {
	headers := hardenedHeaders()
	headers["set-cookie"] = "session=a; Path=/\nauth=b; Path=/\ntheme=c; Path=/\nlang=d; Path=/"

	findings := AnalyzeHeaders(headers, "https://example.com")

	sensitive, generic := 0, 0
	for _, f := range findings {
		switch f.Title {
		case "Sensitive cookie missing flags", "Sensitive cookie missing security flags":
			sensitive++
		case "Cookie missing security flags":
			generic++
		}
	}
	assert.Equal(t, 1, sensitive)
	assert.Equal(t, 1, generic)
}

// "secure" inside the cookie name must not count as the Secure attribute
func TestAnalyzeHeadersCookieFlagsAreAttributeTokens(t *testing.T) {
	headers := hardenedHeaders()
	headers["set-cookie"] = "securetoken=samesite-httponly; Path=/"

	findings := AnalyzeHeaders(headers, "https://example.com")
	f := findByTitle(t, findings, "Sensitive cookie missing security flags")
	assert.Contains(t, f.Description, "Secure")
	assert.Contains(t, f.Description, "HttpOnly")
	assert.Contains(t, f.Description, "SameSite")
}

func TestCookieFlags(t *testing.T) {
	secure, httpOnly, sameSite := cookieFlags("sid=1; Secure; HttpOnly; SameSite=Lax")
	assert.True(t, secure)
	assert.True(t, httpOnly)
	assert.True(t, sameSite)

	secure, httpOnly, sameSite = cookieFlags("securetoken=httponly; Path=/samesite")
	assert.False(t, secure)
	assert.False(t, httpOnly)
	assert.False(t, sameSite)
}

func TestAnalyzeHeadersFullyFlaggedCookieIsFine(t *testing.T) {
	headers := hardenedHeaders()
	headers["set-cookie"] = "session=a; Secure; HttpOnly; SameSite=Strict"

	findings := AnalyzeHeaders(headers, "https://example.com")
	assert.Empty(t, findings)
}
