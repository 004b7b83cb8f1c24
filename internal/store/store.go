// Package store persists knowledge atoms and session metrics in SQLite.
// The atom embedding column doubles as a vector index when the sqlite-vec
// extension is available; without it, semantic search falls back to a
// full-scan cosine ranking.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"kbingest/internal/logging"
)

// LocalStore owns the SQLite database holding atoms, fingerprints, and the
// session metrics tables.
type LocalStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	embedDim  int
	vectorExt bool // sqlite-vec available
}

// NewLocalStore initializes the SQLite database at the given path.
// embedDim is the deployment-wide embedding dimension.
func NewLocalStore(path string, embedDim int) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path, embedDim: embedDim}
	if err := store.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	store.detectVecExtension()
	if store.vectorExt {
		if err := store.createVecIndex(); err != nil {
			logging.StoreWarn("Vector index creation failed: %v (continuing with scan fallback)", err)
			store.vectorExt = false
		} else {
			logging.Store("sqlite-vec extension detected, vector index ready (dim=%d)", embedDim)
		}
	} else {
		logging.StoreWarn("sqlite-vec extension not available; semantic search uses scan fallback")
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables and indexes.
func (s *LocalStore) initialize() error {
	atomsTable := `
	CREATE TABLE IF NOT EXISTS atoms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		atom_id TEXT NOT NULL UNIQUE,
		version INTEGER DEFAULT 1,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT,
		keywords TEXT,
		citations TEXT NOT NULL,
		atom_type TEXT NOT NULL,
		vendor TEXT,
		equipment_type TEXT,
		fault_codes TEXT,
		manual_quality_score INTEGER DEFAULT 0,
		page_count INTEGER DEFAULT 0,
		is_direct_pdf BOOLEAN DEFAULT FALSE,
		manual_type TEXT DEFAULT 'unknown',
		embedding TEXT,
		content_hash TEXT,
		source_url TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_atoms_vendor_equipment ON atoms(vendor, equipment_type);
	CREATE INDEX IF NOT EXISTS idx_atoms_quality ON atoms(manual_quality_score DESC, page_count DESC);
	CREATE INDEX IF NOT EXISTS idx_atoms_source ON atoms(source_url);
	`

	metricsRealtimeTable := `
	CREATE TABLE IF NOT EXISTS session_metrics_realtime (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_url TEXT NOT NULL,
		source_hash TEXT,
		source_type TEXT,
		status TEXT NOT NULL,
		atoms_created INTEGER DEFAULT 0,
		atoms_failed INTEGER DEFAULT 0,
		chunks_processed INTEGER DEFAULT 0,
		avg_quality_score REAL DEFAULT 0,
		quality_pass_rate REAL DEFAULT 0,
		stage_1_ms INTEGER DEFAULT 0,
		stage_2_ms INTEGER DEFAULT 0,
		stage_3_ms INTEGER DEFAULT 0,
		stage_4_ms INTEGER DEFAULT 0,
		stage_5_ms INTEGER DEFAULT 0,
		stage_6_ms INTEGER DEFAULT 0,
		stage_7_ms INTEGER DEFAULT 0,
		total_duration_ms INTEGER DEFAULT 0,
		error_stage TEXT,
		error_message TEXT,
		vendor TEXT,
		equipment_type TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_rt_created ON session_metrics_realtime(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_metrics_rt_status ON session_metrics_realtime(status);
	`

	// Hourly and daily rollups exist for downstream aggregation jobs; only
	// the realtime table is written synchronously by the monitor.
	metricsHourlyTable := `
	CREATE TABLE IF NOT EXISTS session_metrics_hourly (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hour_bucket DATETIME NOT NULL,
		sources_processed INTEGER DEFAULT 0,
		sources_success INTEGER DEFAULT 0,
		sources_partial INTEGER DEFAULT 0,
		sources_failed INTEGER DEFAULT 0,
		atoms_created INTEGER DEFAULT 0,
		atoms_failed INTEGER DEFAULT 0,
		avg_quality_score REAL DEFAULT 0,
		avg_duration_ms REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(hour_bucket)
	);
	`

	metricsDailyTable := `
	CREATE TABLE IF NOT EXISTS session_metrics_daily (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		day_bucket DATE NOT NULL,
		sources_processed INTEGER DEFAULT 0,
		sources_success INTEGER DEFAULT 0,
		sources_partial INTEGER DEFAULT 0,
		sources_failed INTEGER DEFAULT 0,
		atoms_created INTEGER DEFAULT 0,
		atoms_failed INTEGER DEFAULT 0,
		avg_quality_score REAL DEFAULT 0,
		avg_duration_ms REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(day_bucket)
	);
	`

	for _, table := range []string{
		atomsTable,
		metricsRealtimeTable,
		metricsHourlyTable,
		metricsDailyTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *LocalStore) GetDB() *sql.DB {
	return s.db
}

// HasVectorIndex reports whether sqlite-vec ANN search is active.
func (s *LocalStore) HasVectorIndex() bool {
	return s.vectorExt
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *LocalStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// createVecIndex creates the ANN index table keyed by the atoms rowid.
func (s *LocalStore) createVecIndex() error {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_atoms USING vec0(embedding float[%d])", s.embedDim)
	_, err := s.db.Exec(stmt)
	return err
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// GetStats returns row counts for the main tables.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"atoms", "source_fingerprints", "session_metrics_realtime"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed (may not exist): %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
