package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/models"
)

var scanCols = []string{
	"id", "url", "parameters", "status", "global_risk_score",
	"artifact_paths", "error", "created_at", "started_at", "completed_at",
}

func newScanRepo(t *testing.T) (*ScanRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewScanRepository(db), mock
}

func TestScanRepositoryCreate(t *testing.T) {
	repo, mock := newScanRepo(t)

	id := uuid.New()
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO scans`).
		WithArgs(id, "https://example.com", sqlmock.AnyArg(), models.ScanStatusPending, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	scan := &models.Scan{
		ID:     id,
		URL:    "https://example.com",
		Status: models.ScanStatusPending,
	}
	require.NoError(t, repo.Create(context.Background(), scan))
	assert.Equal(t, created, scan.CreatedAt)
}

func TestScanRepositoryGetByID(t *testing.T) {
	repo, mock := newScanRepo(t)

	id := uuid.New()
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scanCols).AddRow(
			id, "https://example.com", []byte(`{"renderJavaScript":true,"timeout":45}`),
			"completed", 72, []byte(`{"dom":"scans/x/dom.html"}`),
			nil, created, created.Add(time.Second), created.Add(time.Minute),
		))

	scan, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", scan.URL)
	assert.Equal(t, models.ScanStatusCompleted, scan.Status)
	assert.Equal(t, 72, scan.GlobalRiskScore)
	assert.Equal(t, 45, scan.Parameters.Timeout)
	assert.Equal(t, "scans/x/dom.html", scan.ArtifactPaths["dom"])
	require.NotNil(t, scan.CompletedAt)
}

func TestScanRepositoryGetByIDRetriesTransientError(t *testing.T) {
	repo, mock := newScanRepo(t)

	id := uuid.New()
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(errors.New("read tcp 10.0.0.5:41222->10.0.0.9:5432: connection reset by peer"))
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scanCols).AddRow(
			id, "https://example.com", []byte(`{}`), "completed", 12, []byte(`{}`), nil, created, nil, created,
		))

	scan, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, scan.ID)
	assert.Equal(t, models.ScanStatusCompleted, scan.Status)
}

func TestScanRepositoryGetByIDNotFound(t *testing.T) {
	repo, mock := newScanRepo(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanRepositoryListOrdersNewestFirst(t *testing.T) {
	repo, mock := newScanRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scans`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	newer, older := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM scans ORDER BY created_at DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(scanCols).
			AddRow(newer, "https://a.example", []byte(`{}`), "pending", 0, []byte(`{}`), nil, created.Add(time.Hour), nil, nil).
			AddRow(older, "https://b.example", []byte(`{}`), "completed", 10, []byte(`{}`), nil, created, nil, nil))

	scans, total, err := repo.List(context.Background(), 0, -3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, scans, 2)
	assert.Equal(t, newer, scans[0].ID)
	assert.Equal(t, older, scans[1].ID)
}

func TestScanRepositoryMostRecentByURL(t *testing.T) {
	repo, mock := newScanRepo(t)

	id := uuid.New()
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM scans WHERE url = \$1 ORDER BY created_at DESC, id DESC LIMIT 1`).
		WithArgs("https://example.com").
		WillReturnRows(sqlmock.NewRows(scanCols).AddRow(
			id, "https://example.com", []byte(`{}`), "running", 0, []byte(`{}`), nil, created, created, nil,
		))

	scan, err := repo.MostRecentByURL(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, id, scan.ID)
	assert.Equal(t, models.ScanStatusRunning, scan.Status)
}

func TestScanRepositoryReconcileStatus(t *testing.T) {
	repo, mock := newScanRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE scans SET status = \$3, completed_at = COALESCE\(completed_at, now\(\)\) WHERE id = \$1 AND status = \$2`).
		WithArgs(id, models.ScanStatusRunning, models.ScanStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := repo.ReconcileStatus(context.Background(), id, models.ScanStatusRunning, models.ScanStatusFailed)
	require.NoError(t, err)
	assert.True(t, updated)

	// CAS loses when the stored status moved on
	mock.ExpectExec(`UPDATE scans SET status = \$3, started_at = COALESCE\(started_at, now\(\)\) WHERE id = \$1 AND status = \$2`).
		WithArgs(id, models.ScanStatusPending, models.ScanStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err = repo.ReconcileStatus(context.Background(), id, models.ScanStatusPending, models.ScanStatusRunning)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestScanRepositoryDeleteNotFound(t *testing.T) {
	repo, mock := newScanRepo(t)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM scans WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Delete(context.Background(), id), ErrNotFound)
}

func TestDiagnostics(t *testing.T) {
	cases := []struct {
		scripts, libraries int
		partial            bool
		quality            int
	}{
		{scripts: 0, libraries: 0, partial: false, quality: 40},
		{scripts: 5, libraries: 2, partial: false, quality: 80},
		{scripts: 20, libraries: 3, partial: false, quality: 100},
		{scripts: 50, libraries: 0, partial: true, quality: 20},
		{scripts: 150, libraries: 2, partial: true, quality: 60},
		{scripts: 3, libraries: 0, partial: true, quality: 0},
	}

	for _, tc := range cases {
		diag := Diagnostics(tc.scripts, tc.libraries)
		assert.Equal(t, tc.partial, diag.PartialScan, "scripts=%d libraries=%d", tc.scripts, tc.libraries)
		assert.Equal(t, tc.quality, diag.QualityScore, "scripts=%d libraries=%d", tc.scripts, tc.libraries)
		assert.Equal(t, tc.scripts, diag.ScriptCount)
		assert.Equal(t, tc.libraries, diag.LibraryCount)
	}
}
