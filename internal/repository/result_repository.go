package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/database"
	"github.com/surfscan/surfscan/internal/models"
)

// ResultRepository persists the analyze stage's output. Scripts, libraries and
// findings for a scan are committed in one transaction together with the
// scan's global risk score.
type ResultRepository struct {
	db *sql.DB
}

func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// CommitResults inserts all analysis output atomically and stamps the scan
// completed. Any failure rolls the whole batch back; transient connection
// errors retry the whole transaction.
func (r *ResultRepository) CommitResults(
	ctx context.Context,
	scanID uuid.UUID,
	scripts []*models.Script,
	libraries []*models.Library,
	findings []*models.Finding,
	globalRiskScore int,
) error {
	return database.WithRetry(ctx, func(ctx context.Context) error {
		return r.commitOnce(ctx, scanID, scripts, libraries, findings, globalRiskScore)
	})
}

func (r *ResultRepository) commitOnce(
	ctx context.Context,
	scanID uuid.UUID,
	scripts []*models.Script,
	libraries []*models.Library,
	findings []*models.Finding,
	globalRiskScore int,
) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	for _, s := range scripts {
		patternsJSON, _ := json.Marshal(s.DetectedPatterns)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scripts (id, scan_id, source_url, is_inline, artifact_path, fingerprint,
				detected_patterns, estimated_version, confidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.ID, scanID, s.SourceURL, s.IsInline, s.ArtifactPath, s.Fingerprint,
			patternsJSON, s.EstimatedVersion, s.Confidence, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert script: %w", err)
		}
	}

	for _, l := range libraries {
		scriptsJSON, _ := json.Marshal(l.RelatedScripts)
		vulnsJSON, _ := json.Marshal(l.Vulnerabilities)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO libraries (id, scan_id, name, detected_version, related_scripts,
				vulnerabilities, risk_score, confidence, detection_method, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			l.ID, scanID, l.Name, l.DetectedVersion, scriptsJSON,
			vulnsJSON, l.RiskScore, l.Confidence, l.DetectionMethod, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert library: %w", err)
		}
	}

	for _, f := range findings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO findings (id, scan_id, type, title, description, severity, location, evidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			f.ID, scanID, f.Type, f.Title, f.Description, f.Severity, f.Location, f.Evidence, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scans SET status = 'completed', global_risk_score = $2, completed_at = now(), error = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		scanID, globalRiskScore,
	)
	if err != nil {
		return fmt.Errorf("failed to update scan score: %w", err)
	}

	return tx.Commit()
}

// GetScripts returns the scripts of a scan.
func (r *ResultRepository) GetScripts(ctx context.Context, scanID uuid.UUID) ([]*models.Script, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scan_id, source_url, is_inline, artifact_path, fingerprint,
			detected_patterns, estimated_version, confidence, created_at
		FROM scripts WHERE scan_id = $1 ORDER BY created_at, id`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*models.Script
	for rows.Next() {
		s := &models.Script{}
		var sourceURL, estimatedVersion sql.NullString
		var patternsJSON []byte
		if err := rows.Scan(&s.ID, &s.ScanID, &sourceURL, &s.IsInline, &s.ArtifactPath,
			&s.Fingerprint, &patternsJSON, &estimatedVersion, &s.Confidence, &s.CreatedAt); err != nil {
			return nil, err
		}
		if sourceURL.Valid {
			s.SourceURL = &sourceURL.String
		}
		if estimatedVersion.Valid {
			s.EstimatedVersion = &estimatedVersion.String
		}
		if len(patternsJSON) > 0 {
			json.Unmarshal(patternsJSON, &s.DetectedPatterns)
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

// GetLibraries returns the libraries of a scan ordered by risk.
func (r *ResultRepository) GetLibraries(ctx context.Context, scanID uuid.UUID) ([]*models.Library, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scan_id, name, detected_version, related_scripts, vulnerabilities,
			risk_score, confidence, detection_method, created_at
		FROM libraries WHERE scan_id = $1 ORDER BY risk_score DESC, name`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var libraries []*models.Library
	for rows.Next() {
		l := &models.Library{}
		var version sql.NullString
		var scriptsJSON, vulnsJSON []byte
		if err := rows.Scan(&l.ID, &l.ScanID, &l.Name, &version, &scriptsJSON, &vulnsJSON,
			&l.RiskScore, &l.Confidence, &l.DetectionMethod, &l.CreatedAt); err != nil {
			return nil, err
		}
		if version.Valid {
			l.DetectedVersion = &version.String
		}
		if len(scriptsJSON) > 0 {
			json.Unmarshal(scriptsJSON, &l.RelatedScripts)
		}
		if len(vulnsJSON) > 0 {
			json.Unmarshal(vulnsJSON, &l.Vulnerabilities)
		}
		libraries = append(libraries, l)
	}
	return libraries, rows.Err()
}

// GetFindings returns the findings of a scan, most severe first.
func (r *ResultRepository) GetFindings(ctx context.Context, scanID uuid.UUID) ([]*models.Finding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scan_id, type, title, description, severity, location, evidence, created_at
		FROM findings WHERE scan_id = $1
		ORDER BY CASE severity
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'moderate' THEN 2 ELSE 3
		END, title`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*models.Finding
	for rows.Next() {
		f := &models.Finding{}
		var evidence sql.NullString
		if err := rows.Scan(&f.ID, &f.ScanID, &f.Type, &f.Title, &f.Description,
			&f.Severity, &f.Location, &evidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		if evidence.Valid {
			f.Evidence = &evidence.String
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// Counts returns how many scripts and libraries a scan has. Used both for the
// diagnostics payload and for the analyze worker's idempotency short-circuit.
func (r *ResultRepository) Counts(ctx context.Context, scanID uuid.UUID) (scripts, libraries, findings int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM scripts WHERE scan_id = $1),
			(SELECT COUNT(*) FROM libraries WHERE scan_id = $1),
			(SELECT COUNT(*) FROM findings WHERE scan_id = $1)`,
		scanID).Scan(&scripts, &libraries, &findings)
	return
}
