package store

import (
	"fmt"
	"time"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// =============================================================================
// SESSION METRICS
// =============================================================================

// InsertSessionMetrics writes a batch of finalized session metrics into
// session_metrics_realtime in one transaction with a prepared statement.
// Positional placeholders only; rows are never interpolated into SQL text.
func (s *LocalStore) InsertSessionMetrics(metrics []types.SessionMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryStore, "InsertSessionMetrics")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO session_metrics_realtime (
			source_url, source_hash, source_type, status,
			atoms_created, atoms_failed, chunks_processed,
			avg_quality_score, quality_pass_rate,
			stage_1_ms, stage_2_ms, stage_3_ms, stage_4_ms,
			stage_5_ms, stage_6_ms, stage_7_ms,
			total_duration_ms, error_stage, error_message,
			vendor, equipment_type, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare metrics insert: %w", err)
	}

	for i := range metrics {
		m := &metrics[i]
		_, err := stmt.Exec(
			m.SourceURL, m.SourceHash, string(m.SourceType), string(m.Status),
			m.AtomsCreated, m.AtomsFailed, m.ChunksProcessed,
			m.AvgQualityScore, m.QualityPassRate,
			m.StageMs[0], m.StageMs[1], m.StageMs[2], m.StageMs[3],
			m.StageMs[4], m.StageMs[5], m.StageMs[6],
			m.TotalDurationMs, m.ErrorStage, m.ErrorMessage,
			m.Vendor, m.EquipmentType,
			m.StartedAt.UTC().Format(time.RFC3339),
			m.CompletedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to insert metric for %s: %w", m.SourceURL, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics batch: %w", err)
	}

	logging.StoreDebug("Inserted %d session metrics", len(metrics))
	return nil
}

// CountSessionMetrics returns the realtime metric row count by status.
func (s *LocalStore) CountSessionMetrics() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM session_metrics_realtime GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count session metrics: %w", err)
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

// RecentSessionMetrics returns the most recent realtime metric rows, newest
// first. Used by the status command.
func (s *LocalStore) RecentSessionMetrics(limit int) ([]types.SessionMetric, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT source_url, source_hash, source_type, status,
		       atoms_created, atoms_failed, chunks_processed,
		       avg_quality_score, quality_pass_rate,
		       stage_1_ms, stage_2_ms, stage_3_ms, stage_4_ms,
		       stage_5_ms, stage_6_ms, stage_7_ms,
		       total_duration_ms, error_stage, error_message,
		       vendor, equipment_type, started_at, completed_at
		FROM session_metrics_realtime
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent metrics: %w", err)
	}
	defer rows.Close()

	var out []types.SessionMetric
	for rows.Next() {
		var m types.SessionMetric
		var sourceType, status string
		var errorStage, errorMessage, vendor, equipmentType *string
		var startedAt, completedAt string
		err := rows.Scan(
			&m.SourceURL, &m.SourceHash, &sourceType, &status,
			&m.AtomsCreated, &m.AtomsFailed, &m.ChunksProcessed,
			&m.AvgQualityScore, &m.QualityPassRate,
			&m.StageMs[0], &m.StageMs[1], &m.StageMs[2], &m.StageMs[3],
			&m.StageMs[4], &m.StageMs[5], &m.StageMs[6],
			&m.TotalDurationMs, &errorStage, &errorMessage,
			&vendor, &equipmentType, &startedAt, &completedAt,
		)
		if err != nil {
			continue
		}
		m.SourceType = types.SourceType(sourceType)
		m.Status = types.SessionStatus(status)
		if errorStage != nil {
			m.ErrorStage = *errorStage
		}
		if errorMessage != nil {
			m.ErrorMessage = *errorMessage
		}
		if vendor != nil {
			m.Vendor = *vendor
		}
		if equipmentType != nil {
			m.EquipmentType = *equipmentType
		}
		if ts, err := time.Parse(time.RFC3339, startedAt); err == nil {
			m.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339, completedAt); err == nil {
			m.CompletedAt = ts
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
