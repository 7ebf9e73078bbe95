package vulnfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/repository"
)

// Client queries the OSV advisory API with a read-through cache in Postgres.
// Feed failures degrade to an empty list; the pipeline never blocks on the
// advisory service.
type Client struct {
	apiURL string
	http   *http.Client
	cache  *repository.VulnCacheRepository
	log    *logger.Logger

	cacheTTL    int
	negativeTTL int
	now         func() time.Time
}

// Options configures the feed client.
type Options struct {
	APIURL      string
	Timeout     time.Duration
	CacheTTL    int // seconds, for non-empty results
	NegativeTTL int // seconds, for empty results
}

func NewClient(opts Options, cache *repository.VulnCacheRepository, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 86400
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 3600
	}
	return &Client{
		apiURL:      opts.APIURL,
		http:        &http.Client{Timeout: opts.Timeout},
		cache:       cache,
		log:         log,
		cacheTTL:    opts.CacheTTL,
		negativeTTL: opts.NegativeTTL,
		now:         time.Now,
	}
}

// osv wire types

type osvQuery struct {
	Package osvPackage `json:"package"`
	Version string     `json:"version,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID         string `json:"id"`
	Summary    string `json:"summary"`
	Details    string `json:"details"`
	Severities []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	References []struct {
		URL string `json:"url"`
	} `json:"references"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// GetVulnerabilities resolves the advisories for a package, serving from the
// cache when fresh. Network and HTTP errors return an empty list.
func (c *Client) GetVulnerabilities(ctx context.Context, name, version string) []models.Vulnerability {
	now := c.now()

	entry, err := c.cache.Get(ctx, name, version)
	if err == nil && !entry.Expired(now) {
		return entry.Vulnerabilities
	}
	if err != nil && err != repository.ErrNotFound {
		c.log.WithError(err).Warnf("vulnerability cache read failed for %s@%s", name, version)
	}

	vulns, err := c.query(ctx, name, version)
	if err != nil {
		c.log.WithError(err).Warnf("advisory lookup failed for %s@%s", name, version)
		return []models.Vulnerability{}
	}

	ttl := c.cacheTTL
	if len(vulns) == 0 {
		// short negative TTL so quiet libraries are not re-queried every scan
		ttl = c.negativeTTL
	}
	if err := c.cache.Upsert(ctx, &models.VulnerabilityCacheEntry{
		PackageName:     name,
		Version:         version,
		Vulnerabilities: vulns,
		LastUpdated:     now,
		TTLSeconds:      ttl,
	}); err != nil {
		c.log.WithError(err).Warnf("vulnerability cache write failed for %s@%s", name, version)
	}
	return vulns
}

func (c *Client) query(ctx context.Context, name, version string) ([]models.Vulnerability, error) {
	body, err := json.Marshal(osvQuery{
		Package: osvPackage{Name: name, Ecosystem: "npm"},
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode advisory query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build advisory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("advisory API returned %d", resp.StatusCode)
	}

	var parsed osvResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode advisory response: %w", err)
	}

	vulns := make([]models.Vulnerability, 0, len(parsed.Vulns))
	for _, raw := range parsed.Vulns {
		vulns = append(vulns, mapVuln(raw))
	}
	return vulns, nil
}

// mapVuln converts an OSV record to the internal shape. Severity derives from
// the numeric CVSS score when one can be extracted, otherwise from the
// database-specific label, defaulting to moderate.
func mapVuln(raw osvVuln) models.Vulnerability {
	v := models.Vulnerability{
		ID:          raw.ID,
		Title:       raw.Summary,
		Description: raw.Details,
		Severity:    models.SeverityModerate,
	}
	if v.Title == "" {
		v.Title = raw.ID
	}
	if v.Description == "" {
		v.Description = raw.Summary
	}

	for _, s := range raw.Severities {
		if score, ok := parseCVSSScore(s.Score); ok {
			v.CVSSScore = &score
			v.Severity = models.SeverityFromCVSS(score)
			break
		}
	}
	if v.CVSSScore == nil && raw.DatabaseSpecific.Severity != "" {
		switch raw.DatabaseSpecific.Severity {
		case "CRITICAL":
			v.Severity = models.SeverityCritical
		case "HIGH":
			v.Severity = models.SeverityHigh
		case "MODERATE", "MEDIUM":
			v.Severity = models.SeverityModerate
		case "LOW":
			v.Severity = models.SeverityLow
		}
	}

	for _, ref := range raw.References {
		if ref.URL != "" {
			v.References = append(v.References, ref.URL)
		}
	}
	return v
}

// parseCVSSScore accepts either a bare number or a CVSS vector string. The
// feed delivers vectors, so the base score is derived from the metrics.
func parseCVSSScore(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if score, err := strconv.ParseFloat(s, 64); err == nil {
		return score, true
	}

	switch {
	case strings.HasPrefix(s, "CVSS:3.0/"):
		if vec, err := gocvss30.ParseVector(s); err == nil {
			return vec.BaseScore(), true
		}
	case strings.HasPrefix(s, "CVSS:3.1/"):
		if vec, err := gocvss31.ParseVector(s); err == nil {
			return vec.BaseScore(), true
		}
	case strings.HasPrefix(s, "CVSS:4.0/"):
		if vec, err := gocvss40.ParseVector(s); err == nil {
			return vec.Score(), true
		}
	case strings.HasPrefix(s, "AV:"):
		if vec, err := gocvss20.ParseVector(s); err == nil {
			return vec.BaseScore(), true
		}
	}
	return 0, false
}
