package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/surfscan/surfscan/internal/models"
)

// AnalyticsRepository aggregates dashboard metrics across scans.
type AnalyticsRepository struct {
	db *sql.DB
}

func NewAnalyticsRepository(db *sql.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// Summary computes the dashboard payload. Averages over durations only count
// completed scans that have both started_at and completed_at.
func (r *AnalyticsRepository) Summary(ctx context.Context) (*models.AnalyticsSummary, error) {
	s := &models.AnalyticsSummary{}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(AVG(global_risk_score) FILTER (WHERE status = 'completed'), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL), 0)
		FROM scans`,
	).Scan(&s.TotalScans, &s.AverageRiskScore, &s.AverageScanDurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate scans: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(jsonb_array_length(vulnerabilities)), 0),
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM jsonb_array_elements(vulnerabilities) v
				WHERE v->>'severity' = 'critical')),
			COUNT(*)
		FROM libraries`,
	).Scan(&s.TotalVulnerabilities, &s.ActiveThreats, &s.LibrariesAnalyzed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate libraries: %w", err)
	}

	// Risk distribution over completed scans.
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			CASE
				WHEN global_risk_score >= 80 THEN 'critical'
				WHEN global_risk_score >= 60 THEN 'high'
				WHEN global_risk_score >= 30 THEN 'medium'
				ELSE 'low'
			END AS bucket,
			COUNT(*)
		FROM scans WHERE status = 'completed'
		GROUP BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute risk distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		switch bucket {
		case "critical":
			s.RiskDistribution.Critical = count
		case "high":
			s.RiskDistribution.High = count
		case "medium":
			s.RiskDistribution.Medium = count
		case "low":
			s.RiskDistribution.Low = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.VulnerabilityTrends, err = r.dateCounts(ctx, `
		SELECT to_char(f.created_at::date, 'YYYY-MM-DD'), COUNT(*)
		FROM findings f
		WHERE f.created_at >= now() - interval '30 days'
		GROUP BY f.created_at::date
		ORDER BY f.created_at::date`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute vulnerability trends: %w", err)
	}

	s.RecentScans, err = r.dateCounts(ctx, `
		SELECT to_char(created_at::date, 'YYYY-MM-DD'), COUNT(*)
		FROM scans
		WHERE created_at >= now() - interval '7 days'
		GROUP BY created_at::date
		ORDER BY created_at::date`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute recent scans: %w", err)
	}

	s.TopVulnerabilities, err = r.topVulnerable(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to compute top vulnerabilities: %w", err)
	}

	return s, nil
}

func (r *AnalyticsRepository) dateCounts(ctx context.Context, query string) ([]models.DateCount, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.DateCount{}
	for rows.Next() {
		var dc models.DateCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (r *AnalyticsRepository) topVulnerable(ctx context.Context, limit int) ([]models.TopLibrary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name,
			MAX(CASE v->>'severity'
				WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'moderate' THEN 1 ELSE 0
			END) AS worst,
			COUNT(*) AS vuln_count
		FROM libraries, LATERAL jsonb_array_elements(vulnerabilities) v
		GROUP BY name
		ORDER BY vuln_count DESC, worst DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranks := []models.Severity{models.SeverityLow, models.SeverityModerate, models.SeverityHigh, models.SeverityCritical}

	out := []models.TopLibrary{}
	for rows.Next() {
		var tl models.TopLibrary
		var worst int
		if err := rows.Scan(&tl.Name, &worst, &tl.Count); err != nil {
			return nil, err
		}
		if worst >= 0 && worst < len(ranks) {
			tl.Severity = ranks[worst]
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}
