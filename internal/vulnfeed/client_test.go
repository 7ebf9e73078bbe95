package vulnfeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/repository"
)

var fixedNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, apiURL string) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	c := NewClient(Options{APIURL: apiURL}, repository.NewVulnCacheRepository(db), logger.New("vulnfeed-test"))
	c.now = func() time.Time { return fixedNow }
	return c, mock
}

func expectCacheGet(mock sqlmock.Sqlmock, name, version string) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(`SELECT package_name, version, vulnerabilities, last_updated, ttl_seconds`).
		WithArgs(name, version)
}

func osvFixture(t *testing.T, vulns []map[string]interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var q osvQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "npm", q.Package.Ecosystem)
		json.NewEncoder(w).Encode(map[string]interface{}{"vulns": vulns})
	}
}

func TestGetVulnerabilitiesFreshCacheSkipsNetwork(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)

	cached := []models.Vulnerability{{ID: "GHSA-aaaa", Severity: models.SeverityHigh}}
	cachedJSON, _ := json.Marshal(cached)
	expectCacheGet(mock, "jquery", "3.4.0").WillReturnRows(
		sqlmock.NewRows([]string{"package_name", "version", "vulnerabilities", "last_updated", "ttl_seconds"}).
			AddRow("jquery", "3.4.0", cachedJSON, fixedNow.Add(-time.Hour), 86400))

	vulns := c.GetVulnerabilities(context.Background(), "jquery", "3.4.0")
	require.Len(t, vulns, 1)
	assert.Equal(t, "GHSA-aaaa", vulns[0].ID)
	assert.Zero(t, atomic.LoadInt64(&hits))
}

func TestGetVulnerabilitiesCacheMissQueriesAndStores(t *testing.T) {
	srv := httptest.NewServer(osvFixture(t, []map[string]interface{}{
		{
			"id":       "GHSA-bbbb",
			"summary":  "Prototype pollution",
			"severity": []map[string]string{{"type": "CVSS_V3", "score": "9.8"}},
		},
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)

	expectCacheGet(mock, "lodash", "4.17.11").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO vulnerability_cache`).
		WithArgs("lodash", "4.17.11", sqlmock.AnyArg(), fixedNow, 86400).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vulns := c.GetVulnerabilities(context.Background(), "lodash", "4.17.11")
	require.Len(t, vulns, 1)
	assert.Equal(t, "GHSA-bbbb", vulns[0].ID)
	assert.Equal(t, models.SeverityCritical, vulns[0].Severity)
	require.NotNil(t, vulns[0].CVSSScore)
	assert.Equal(t, 9.8, *vulns[0].CVSSScore)
}

func TestGetVulnerabilitiesEmptyResultUsesNegativeTTL(t *testing.T) {
	srv := httptest.NewServer(osvFixture(t, nil))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)

	expectCacheGet(mock, "tiny-lib", "").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO vulnerability_cache`).
		WithArgs("tiny-lib", "", sqlmock.AnyArg(), fixedNow, 3600).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vulns := c.GetVulnerabilities(context.Background(), "tiny-lib", "")
	assert.Empty(t, vulns)
}

func TestGetVulnerabilitiesStaleEntryRefetches(t *testing.T) {
	srv := httptest.NewServer(osvFixture(t, nil))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)

	// entry expired two days ago
	expectCacheGet(mock, "moment", "2.24.0").WillReturnRows(
		sqlmock.NewRows([]string{"package_name", "version", "vulnerabilities", "last_updated", "ttl_seconds"}).
			AddRow("moment", "2.24.0", []byte(`[]`), fixedNow.Add(-72*time.Hour), 86400))
	mock.ExpectExec(`INSERT INTO vulnerability_cache`).
		WithArgs("moment", "2.24.0", sqlmock.AnyArg(), fixedNow, 3600).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vulns := c.GetVulnerabilities(context.Background(), "moment", "2.24.0")
	assert.Empty(t, vulns)
}

func TestGetVulnerabilitiesFeedErrorDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)
	expectCacheGet(mock, "react", "16.8.0").WillReturnError(sql.ErrNoRows)

	vulns := c.GetVulnerabilities(context.Background(), "react", "16.8.0")
	assert.NotNil(t, vulns)
	assert.Empty(t, vulns)
}

func TestMapVulnSeverityFromDatabaseLabel(t *testing.T) {
	raw := osvVuln{ID: "GHSA-cccc"}
	raw.DatabaseSpecific.Severity = "HIGH"
	v := mapVuln(raw)
	assert.Equal(t, models.SeverityHigh, v.Severity)
	assert.Nil(t, v.CVSSScore)
	assert.Equal(t, "GHSA-cccc", v.Title)
}

// the feed carries vector strings, not numbers; the base score must come out
// of the metrics
func TestMapVulnDerivesScoreFromCVSSVector(t *testing.T) {
	raw := osvVuln{ID: "GHSA-dddd", Summary: "Prototype pollution"}
	raw.Severities = []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	}{
		{Type: "CVSS_V3", Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"},
	}

	v := mapVuln(raw)
	require.NotNil(t, v.CVSSScore)
	assert.InDelta(t, 9.8, *v.CVSSScore, 0.01)
	assert.Equal(t, models.SeverityCritical, v.Severity)
}

func TestParseCVSSScore(t *testing.T) {
	score, ok := parseCVSSScore("7.5")
	require.True(t, ok)
	assert.InDelta(t, 7.5, score, 0.001)

	score, ok = parseCVSSScore("CVSS:3.1/AV:N/AC:L/PR:N/UI:R/S:C/C:L/I:L/A:N")
	require.True(t, ok)
	assert.InDelta(t, 6.1, score, 0.01)

	_, ok = parseCVSSScore("not-a-score")
	assert.False(t, ok)
}

func TestMapVulnDefaultsToModerate(t *testing.T) {
	v := mapVuln(osvVuln{ID: "OSV-2024-1", Summary: "Something odd"})
	assert.Equal(t, models.SeverityModerate, v.Severity)
	assert.Equal(t, "Something odd", v.Title)
}
