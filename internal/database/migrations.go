package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// migrationLockID is an arbitrary but stable advisory lock id so only one
// process runs migrations at a time.
const migrationLockID = 937201844

// RunMigrations creates the scan pipeline schema if it does not exist.
func RunMigrations(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Printf("failed to release migration lock: %v", err)
		}
	}()

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id UUID PRIMARY KEY,
			url TEXT NOT NULL,
			parameters JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			global_risk_score INT NOT NULL DEFAULT 0,
			artifact_paths JSONB NOT NULL DEFAULT '{}',
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_url_created ON scans (url, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_created ON scans (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans (status)`,

		`CREATE TABLE IF NOT EXISTS scripts (
			id UUID PRIMARY KEY,
			scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			source_url TEXT,
			is_inline BOOLEAN NOT NULL DEFAULT false,
			artifact_path TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			detected_patterns JSONB NOT NULL DEFAULT '[]',
			estimated_version TEXT,
			confidence INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scripts_scan ON scripts (scan_id)`,

		`CREATE TABLE IF NOT EXISTS libraries (
			id UUID PRIMARY KEY,
			scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			detected_version TEXT,
			related_scripts JSONB NOT NULL DEFAULT '[]',
			vulnerabilities JSONB NOT NULL DEFAULT '[]',
			risk_score INT NOT NULL DEFAULT 0,
			confidence INT NOT NULL DEFAULT 0,
			detection_method TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_libraries_scan ON libraries (scan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_libraries_name ON libraries (name)`,

		`CREATE TABLE IF NOT EXISTS findings (
			id UUID PRIMARY KEY,
			scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			evidence TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_scan ON findings (scan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings (severity)`,

		`CREATE TABLE IF NOT EXISTS vulnerability_cache (
			package_name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			vulnerabilities JSONB NOT NULL DEFAULT '[]',
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
			ttl_seconds INT NOT NULL DEFAULT 86400,
			PRIMARY KEY (package_name, version)
		)`,
	}

	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
