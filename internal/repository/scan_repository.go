package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/database"
	"github.com/surfscan/surfscan/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `id, url, parameters, status, global_risk_score, artifact_paths, error, created_at, started_at, completed_at`

// Create inserts a new pending scan.
func (r *ScanRepository) Create(ctx context.Context, scan *models.Scan) error {
	paramsJSON, _ := json.Marshal(scan.Parameters)
	pathsJSON, _ := json.Marshal(scan.ArtifactPaths)

	query := `
		INSERT INTO scans (id, url, parameters, status, global_risk_score, artifact_paths, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	return r.db.QueryRowContext(ctx, query,
		scan.ID,
		scan.URL,
		paramsJSON,
		scan.Status,
		scan.GlobalRiskScore,
		pathsJSON,
		time.Now().UTC(),
	).Scan(&scan.CreatedAt)
}

func scanRow(row interface{ Scan(...interface{}) error }) (*models.Scan, error) {
	scan := &models.Scan{}
	var paramsJSON, pathsJSON []byte
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&scan.ID,
		&scan.URL,
		&paramsJSON,
		&scan.Status,
		&scan.GlobalRiskScore,
		&pathsJSON,
		&errMsg,
		&scan.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &scan.Parameters)
	}
	if len(pathsJSON) > 0 {
		json.Unmarshal(pathsJSON, &scan.ArtifactPaths)
	}
	if errMsg.Valid {
		scan.Error = &errMsg.String
	}
	if startedAt.Valid {
		scan.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		scan.CompletedAt = &completedAt.Time
	}

	return scan, nil
}

// GetByID retrieves a scan by its ID. Transient connection errors are retried.
func (r *ScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`

	var scan *models.Scan
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		s, err := scanRow(r.db.QueryRowContext(ctx, query, id))
		if err != nil {
			return err
		}
		scan = s
		return nil
	})
	return scan, err
}

// List returns scans ordered by created_at DESC with id as tiebreaker.
func (r *ScanRepository) List(ctx context.Context, limit, offset int) ([]*models.Scan, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scans: %w", err)
	}

	query := `SELECT ` + scanColumns + ` FROM scans ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var scans []*models.Scan
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		scans = append(scans, scan)
	}

	return scans, total, rows.Err()
}

// MostRecentByURL returns the latest scan for the exact URL, or ErrNotFound.
// Transient connection errors are retried.
func (r *ScanRepository) MostRecentByURL(ctx context.Context, url string) (*models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE url = $1 ORDER BY created_at DESC, id DESC LIMIT 1`

	var scan *models.Scan
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		s, err := scanRow(r.db.QueryRowContext(ctx, query, url))
		if err != nil {
			return err
		}
		scan = s
		return nil
	})
	return scan, err
}

// MarkRunning transitions pending -> running and stamps started_at once.
func (r *ScanRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scans
		SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('pending', 'running')`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// MarkCompleted finalizes a scan with its global risk score. The status guard
// keeps a slow worker from resurrecting an already-terminal scan.
func (r *ScanRepository) MarkCompleted(ctx context.Context, id uuid.UUID, globalRiskScore int) error {
	query := `
		UPDATE scans
		SET status = 'completed', global_risk_score = $2, completed_at = now(), error = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	_, err := r.db.ExecContext(ctx, query, id, globalRiskScore)
	return err
}

// MarkFailed finalizes a scan with a human-readable error.
func (r *ScanRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE scans
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	_, err := r.db.ExecContext(ctx, query, id, reason)
	return err
}

// ReconcileStatus conditionally overwrites the stored status when the queue
// view disagrees with the DB. The CAS on the prior status avoids clobbering a
// concurrent worker write. Returns true when a row was updated.
func (r *ScanRepository) ReconcileStatus(ctx context.Context, id uuid.UUID, from, to models.ScanStatus) (bool, error) {
	var query string
	if to.IsTerminal() {
		query = `UPDATE scans SET status = $3, completed_at = COALESCE(completed_at, now()) WHERE id = $1 AND status = $2`
	} else {
		query = `UPDATE scans SET status = $3, started_at = COALESCE(started_at, now()) WHERE id = $1 AND status = $2`
	}
	res, err := r.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetArtifactPaths records the object-store keys produced by rendering.
func (r *ScanRepository) SetArtifactPaths(ctx context.Context, id uuid.UUID, paths map[string]string) error {
	pathsJSON, _ := json.Marshal(paths)
	_, err := r.db.ExecContext(ctx, `UPDATE scans SET artifact_paths = $2 WHERE id = $1`, id, pathsJSON)
	return err
}

// Delete removes a scan; scripts, libraries and findings cascade.
func (r *ScanRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastGoodByURL returns the newest completed scan for the URL whose result set
// is not partial: it must have libraries whenever it has a meaningful number
// of scripts.
func (r *ScanRepository) LastGoodByURL(ctx context.Context, url string) (*models.Scan, *models.ResultsDiagnostics, error) {
	query := `
		SELECT ` + qualifyScanColumns("s") + `,
			(SELECT COUNT(*) FROM scripts sc WHERE sc.scan_id = s.id) AS script_count,
			(SELECT COUNT(*) FROM libraries l WHERE l.scan_id = s.id) AS library_count
		FROM scans s
		WHERE s.url = $1 AND s.status = 'completed'
		ORDER BY s.created_at DESC, s.id DESC`

	rows, err := r.db.QueryContext(ctx, query, url)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		scan := &models.Scan{}
		var paramsJSON, pathsJSON []byte
		var errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		var scriptCount, libraryCount int

		if err := rows.Scan(
			&scan.ID, &scan.URL, &paramsJSON, &scan.Status, &scan.GlobalRiskScore,
			&pathsJSON, &errMsg, &scan.CreatedAt, &startedAt, &completedAt,
			&scriptCount, &libraryCount,
		); err != nil {
			return nil, nil, err
		}
		if len(paramsJSON) > 0 {
			json.Unmarshal(paramsJSON, &scan.Parameters)
		}
		if len(pathsJSON) > 0 {
			json.Unmarshal(pathsJSON, &scan.ArtifactPaths)
		}
		if errMsg.Valid {
			scan.Error = &errMsg.String
		}
		if startedAt.Valid {
			scan.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			scan.CompletedAt = &completedAt.Time
		}

		diag := Diagnostics(scriptCount, libraryCount)
		if !diag.PartialScan {
			return scan, &diag, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return nil, nil, ErrNotFound
}

// Diagnostics derives the partial-scan heuristic and quality score from the
// script and library counts of a scan.
func Diagnostics(scriptCount, libraryCount int) models.ResultsDiagnostics {
	partial := (scriptCount > 0 && libraryCount == 0) ||
		(scriptCount > 100 && libraryCount <= 2)

	quality := 100
	if partial {
		quality -= 40
	}
	if scriptCount < 10 {
		quality -= 20
	}
	if libraryCount == 0 {
		quality -= 40
	}
	if quality < 0 {
		quality = 0
	}

	return models.ResultsDiagnostics{
		PartialScan:  partial,
		QualityScore: quality,
		ScriptCount:  scriptCount,
		LibraryCount: libraryCount,
	}
}

func qualifyScanColumns(alias string) string {
	return alias + `.id, ` + alias + `.url, ` + alias + `.parameters, ` + alias + `.status, ` +
		alias + `.global_risk_score, ` + alias + `.artifact_paths, ` + alias + `.error, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at`
}
