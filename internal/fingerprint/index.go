// Package fingerprint is the content-addressed dedup layer over source URLs.
// Claims are conditional inserts keyed by the URL hash. Deduplication is
// best-effort by contract: when the underlying table is missing, operations
// warn and let ingestion proceed rather than block the pipeline.
package fingerprint

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// Index provides claim and lifecycle transitions for source fingerprints.
type Index struct {
	db *sql.DB
}

// ClaimResult reports the outcome of a try-claim.
type ClaimResult struct {
	Claimed        bool
	URLHash        string
	ExistingStatus types.FingerprintStatus // set when Claimed is false
	Warning        string                  // set when dedup was unavailable
}

// New builds an Index on the shared store connection and creates the table
// best-effort. A failed create is logged, not returned: absence of the dedup
// table must never block ingestion.
func New(db *sql.DB) *Index {
	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		logging.StoreWarn("Fingerprint table creation failed: %v (dedup degraded)", err)
	}
	return idx
}

func (idx *Index) ensureSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS source_fingerprints (
			url_hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			source_type TEXT,
			vendor_hint TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			discovered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			queued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ingestion_started_at DATETIME,
			ingestion_completed_at DATETIME
		)`)
	if err != nil {
		return fmt.Errorf("failed to create source_fingerprints: %w", err)
	}
	_, _ = idx.db.Exec(`CREATE INDEX IF NOT EXISTS idx_fingerprints_status ON source_fingerprints(status)`)
	return nil
}

// TryClaim records the source if its URL has never been seen. The first
// caller gets Claimed=true; every later caller gets Claimed=false plus the
// current status. With the table missing, returns Claimed=true and a warning.
func (idx *Index) TryClaim(source types.Source) ClaimResult {
	url := source.URL
	urlHash := types.URLHash(url)

	res, err := idx.db.Exec(`
		INSERT INTO source_fingerprints (url_hash, url, source_type, vendor_hint, status)
		SELECT ?, ?, ?, ?, 'queued'
		WHERE NOT EXISTS (SELECT 1 FROM source_fingerprints WHERE url_hash = ?)`,
		urlHash, url, string(source.SourceType), source.VendorHint, urlHash)
	if err != nil {
		if isMissingTable(err) {
			warning := "fingerprint table missing; dedup skipped"
			logging.StoreWarn("%s (url=%s)", warning, url)
			return ClaimResult{Claimed: true, URLHash: urlHash, Warning: warning}
		}
		warning := fmt.Sprintf("fingerprint claim failed: %v", err)
		logging.StoreWarn("%s (url=%s)", warning, url)
		return ClaimResult{Claimed: true, URLHash: urlHash, Warning: warning}
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		logging.StoreDebug("Claimed fingerprint %s for %s", urlHash, url)
		return ClaimResult{Claimed: true, URLHash: urlHash}
	}

	var status string
	if err := idx.db.QueryRow(
		`SELECT status FROM source_fingerprints WHERE url_hash = ?`, urlHash,
	).Scan(&status); err != nil {
		status = string(types.FingerprintQueued)
	}
	return ClaimResult{
		Claimed:        false,
		URLHash:        urlHash,
		ExistingStatus: types.FingerprintStatus(status),
	}
}

// MarkRunning transitions the fingerprint to running and stamps the
// ingestion start time. Idempotent: re-marking keeps the first start stamp.
func (idx *Index) MarkRunning(urlHash string) error {
	_, err := idx.db.Exec(`
		UPDATE source_fingerprints
		SET status = 'running',
		    ingestion_started_at = COALESCE(ingestion_started_at, ?)
		WHERE url_hash = ?`,
		time.Now().UTC().Format(time.RFC3339), urlHash)
	if err != nil {
		if isMissingTable(err) {
			logging.StoreWarn("mark_running skipped: fingerprint table missing")
			return nil
		}
		return fmt.Errorf("failed to mark running: %w", err)
	}
	return nil
}

// MarkCompleted transitions the fingerprint to its terminal status.
// Idempotent: the completion stamp is only set once.
func (idx *Index) MarkCompleted(urlHash string, outcome types.SessionStatus) error {
	status := types.FingerprintCompleted
	if outcome == types.StatusFailed {
		status = types.FingerprintFailed
	}

	_, err := idx.db.Exec(`
		UPDATE source_fingerprints
		SET status = ?,
		    ingestion_completed_at = COALESCE(ingestion_completed_at, ?)
		WHERE url_hash = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), urlHash)
	if err != nil {
		if isMissingTable(err) {
			logging.StoreWarn("mark_completed skipped: fingerprint table missing")
			return nil
		}
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return nil
}

// Get loads one fingerprint record, or nil when absent.
func (idx *Index) Get(urlHash string) (*types.FingerprintRecord, error) {
	row := idx.db.QueryRow(`
		SELECT url_hash, url, source_type, vendor_hint, status,
		       discovered_at, queued_at, ingestion_started_at, ingestion_completed_at
		FROM source_fingerprints WHERE url_hash = ?`, urlHash)

	var rec types.FingerprintRecord
	var sourceType, status, discoveredAt, queuedAt string
	var vendorHint sql.NullString
	var startedAt, completedAt sql.NullString
	err := row.Scan(&rec.URLHash, &rec.URL, &sourceType, &vendorHint, &status,
		&discoveredAt, &queuedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load fingerprint: %w", err)
	}

	rec.SourceType = types.SourceType(sourceType)
	rec.VendorHint = vendorHint.String
	rec.Status = types.FingerprintStatus(status)
	rec.DiscoveredAt = parseStamp(discoveredAt)
	rec.QueuedAt = parseStamp(queuedAt)
	if startedAt.Valid {
		ts := parseStamp(startedAt.String)
		rec.IngestionStartedAt = &ts
	}
	if completedAt.Valid {
		ts := parseStamp(completedAt.String)
		rec.IngestionCompletedAt = &ts
	}
	return &rec, nil
}

// CountByStatus returns fingerprint counts grouped by status.
func (idx *Index) CountByStatus() (map[string]int64, error) {
	rows, err := idx.db.Query(`SELECT status, COUNT(*) FROM source_fingerprints GROUP BY status`)
	if err != nil {
		if isMissingTable(err) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func parseStamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts
	}
	return time.Time{}
}
