package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/surfscan/surfscan/internal/models"
)

// VulnCacheRepository is the read-through store for advisory lookups, keyed by
// (package_name, version). Version is stored as '' for version-less queries.
type VulnCacheRepository struct {
	db *sql.DB
}

func NewVulnCacheRepository(db *sql.DB) *VulnCacheRepository {
	return &VulnCacheRepository{db: db}
}

// Get returns the cache entry for the pair, expired or not. Callers decide
// what to do with stale entries.
func (r *VulnCacheRepository) Get(ctx context.Context, packageName, version string) (*models.VulnerabilityCacheEntry, error) {
	entry := &models.VulnerabilityCacheEntry{}
	var vulnsJSON []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT package_name, version, vulnerabilities, last_updated, ttl_seconds
		FROM vulnerability_cache
		WHERE package_name = $1 AND version = $2`,
		packageName, version,
	).Scan(&entry.PackageName, &entry.Version, &vulnsJSON, &entry.LastUpdated, &entry.TTLSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read vulnerability cache: %w", err)
	}

	if len(vulnsJSON) > 0 {
		json.Unmarshal(vulnsJSON, &entry.Vulnerabilities)
	}
	return entry, nil
}

// Upsert writes the entry; concurrent writers for the same key resolve
// last-writer-wins.
func (r *VulnCacheRepository) Upsert(ctx context.Context, entry *models.VulnerabilityCacheEntry) error {
	vulnsJSON, _ := json.Marshal(entry.Vulnerabilities)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vulnerability_cache (package_name, version, vulnerabilities, last_updated, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (package_name, version)
		DO UPDATE SET vulnerabilities = EXCLUDED.vulnerabilities,
			last_updated = EXCLUDED.last_updated,
			ttl_seconds = EXCLUDED.ttl_seconds`,
		entry.PackageName, entry.Version, vulnsJSON, entry.LastUpdated, entry.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vulnerability cache: %w", err)
	}
	return nil
}

// PurgeExpired removes entries whose TTL lapsed before the cutoff.
func (r *VulnCacheRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM vulnerability_cache
		WHERE last_updated + (ttl_seconds || ' seconds')::interval < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
