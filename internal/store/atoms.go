package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// =============================================================================
// ATOM PERSISTENCE
// =============================================================================

// UpsertAtom inserts or replaces an atom keyed by atom_id. On conflict the
// content is replaced and the version counter bumped. Idempotent: storing the
// same atom twice leaves one row.
func (s *LocalStore) UpsertAtom(atom *types.Atom) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertAtom")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Upserting atom: atom_id=%s content_len=%d", atom.AtomID, len(atom.Content))

	keywordsJSON, err := json.Marshal(atom.Keywords)
	if err != nil {
		keywordsJSON = []byte("[]")
	}
	citationsJSON, err := json.Marshal(atom.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	faultCodesJSON, err := json.Marshal(atom.FaultCodes)
	if err != nil {
		faultCodesJSON = []byte("[]")
	}
	embeddingJSON, err := json.Marshal(atom.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	contentHash := types.ContentHash(atom.Content)

	// Carry the previous version forward so the replace bumps it.
	var prevVersion int
	err = s.db.QueryRow(`SELECT version FROM atoms WHERE atom_id = ?`, atom.AtomID).Scan(&prevVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read existing version: %w", err)
	}

	createdAt := atom.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// ON CONFLICT keeps the autoincrement id stable across re-upserts, so
	// the vec_atoms mirror (keyed by that id) never accumulates orphans.
	_, err = s.db.Exec(`
		INSERT INTO atoms (
			atom_id, version, title, content, summary, keywords, citations,
			atom_type, vendor, equipment_type, fault_codes,
			manual_quality_score, page_count, is_direct_pdf, manual_type,
			embedding, content_hash, source_url, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(atom_id) DO UPDATE SET
			version              = excluded.version,
			title                = excluded.title,
			content              = excluded.content,
			summary              = excluded.summary,
			keywords             = excluded.keywords,
			citations            = excluded.citations,
			atom_type            = excluded.atom_type,
			vendor               = excluded.vendor,
			equipment_type       = excluded.equipment_type,
			fault_codes          = excluded.fault_codes,
			manual_quality_score = excluded.manual_quality_score,
			page_count           = excluded.page_count,
			is_direct_pdf        = excluded.is_direct_pdf,
			manual_type          = excluded.manual_type,
			embedding            = excluded.embedding,
			content_hash         = excluded.content_hash,
			source_url           = excluded.source_url,
			updated_at           = CURRENT_TIMESTAMP`,
		atom.AtomID, prevVersion+1, atom.Title, atom.Content, atom.Summary,
		string(keywordsJSON), string(citationsJSON),
		string(atom.Type), atom.Vendor, atom.EquipmentType, string(faultCodesJSON),
		atom.ManualQualityScore, atom.PageCount, atom.IsDirectPDF, string(atom.ManualType),
		string(embeddingJSON), contentHash, atom.SourceURL, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		logging.StoreError("Failed to upsert atom %s: %v", atom.AtomID, err)
		return fmt.Errorf("failed to upsert atom: %w", err)
	}

	// Mirror the embedding into the ANN index when available. LastInsertId
	// is meaningless on the DO UPDATE path, so look the row id up.
	if s.vectorExt && len(atom.Embedding) > 0 {
		var rowID int64
		if idErr := s.db.QueryRow(`SELECT id FROM atoms WHERE atom_id = ?`, atom.AtomID).Scan(&rowID); idErr == nil {
			blob := EncodeVector(atom.Embedding)
			if _, vecErr := s.db.Exec(
				`INSERT OR REPLACE INTO vec_atoms (rowid, embedding) VALUES (?, ?)`,
				rowID, blob,
			); vecErr != nil {
				logging.StoreWarn("Vector index update failed for %s: %v (atom still stored)", atom.AtomID, vecErr)
			}
		}
	}

	logging.StoreDebug("Atom upserted: atom_id=%s version=%d", atom.AtomID, prevVersion+1)
	return nil
}

// ExistsAtom reports whether an atom with the given id is stored.
func (s *LocalStore) ExistsAtom(atomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM atoms WHERE atom_id = ?`, atomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check atom existence: %w", err)
	}
	return n > 0, nil
}

// AtomContentHash returns the stored content hash for an atom, or "" when
// the atom does not exist.
func (s *LocalStore) AtomContentHash(atomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash sql.NullString
	err := s.db.QueryRow(`SELECT content_hash FROM atoms WHERE atom_id = ?`, atomID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read content hash: %w", err)
	}
	return hash.String, nil
}

// GetAtom retrieves one atom by id.
func (s *LocalStore) GetAtom(atomID string) (*types.Atom, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetAtom")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT atom_id, title, content, summary, keywords, citations,
		       atom_type, vendor, equipment_type, fault_codes,
		       manual_quality_score, page_count, is_direct_pdf, manual_type,
		       embedding, source_url, created_at
		FROM atoms WHERE atom_id = ?`, atomID)

	atom, err := scanAtom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load atom %s: %w", atomID, err)
	}
	return atom, nil
}

// GetAtomsBySource retrieves all atoms ingested from one source URL.
func (s *LocalStore) GetAtomsBySource(sourceURL string) ([]*types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT atom_id, title, content, summary, keywords, citations,
		       atom_type, vendor, equipment_type, fault_codes,
		       manual_quality_score, page_count, is_direct_pdf, manual_type,
		       embedding, source_url, created_at
		FROM atoms WHERE source_url = ? ORDER BY atom_id`, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to query atoms by source: %w", err)
	}
	defer rows.Close()

	var atoms []*types.Atom
	for rows.Next() {
		atom, err := scanAtom(rows)
		if err != nil {
			continue
		}
		atoms = append(atoms, atom)
	}
	return atoms, rows.Err()
}

// CountAtoms returns the number of stored atoms.
func (s *LocalStore) CountAtoms() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM atoms`).Scan(&n)
	return n, err
}

// SearchResult pairs an atom id with its similarity to the query vector.
type SearchResult struct {
	AtomID     string
	Similarity float64
}

// SearchAtoms finds the topK atoms nearest to the query vector. Uses the
// sqlite-vec index when present, otherwise a full-scan cosine ranking.
func (s *LocalStore) SearchAtoms(queryVec []float32, topK int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchAtoms")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.searchAtomsVec(queryVec, topK)
	}
	return s.searchAtomsScan(queryVec, topK)
}

func (s *LocalStore) searchAtomsVec(queryVec []float32, topK int) ([]SearchResult, error) {
	rows, err := s.db.Query(`
		SELECT a.atom_id, v.distance
		FROM vec_atoms v
		JOIN atoms a ON a.id = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		EncodeVector(queryVec), topK)
	if err != nil {
		logging.StoreWarn("ANN query failed, falling back to scan: %v", err)
		return s.searchAtomsScan(queryVec, topK)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			continue
		}
		results = append(results, SearchResult{AtomID: id, Similarity: 1 - distance})
	}
	return results, rows.Err()
}

func (s *LocalStore) searchAtomsScan(queryVec []float32, topK int) ([]SearchResult, error) {
	rows, err := s.db.Query(`SELECT atom_id, embedding FROM atoms WHERE embedding IS NOT NULL AND embedding != '' AND embedding != 'null'`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		results = append(results, SearchResult{
			AtomID:     id,
			Similarity: CosineSimilarity(queryVec, emb),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// scanner abstracts sql.Row and sql.Rows for scanAtom.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAtom(row scanner) (*types.Atom, error) {
	var atom types.Atom
	var keywordsJSON, citationsJSON, faultCodesJSON, embeddingJSON sql.NullString
	var atomType, manualType string
	var summary, vendor, equipmentType sql.NullString
	var createdAt string

	err := row.Scan(
		&atom.AtomID, &atom.Title, &atom.Content, &summary,
		&keywordsJSON, &citationsJSON,
		&atomType, &vendor, &equipmentType, &faultCodesJSON,
		&atom.ManualQualityScore, &atom.PageCount, &atom.IsDirectPDF, &manualType,
		&embeddingJSON, &atom.SourceURL, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	atom.Summary = summary.String
	atom.Vendor = vendor.String
	atom.EquipmentType = equipmentType.String
	atom.Type = types.AtomType(atomType)
	atom.ManualType = types.ManualType(manualType)

	if keywordsJSON.Valid && keywordsJSON.String != "" {
		_ = json.Unmarshal([]byte(keywordsJSON.String), &atom.Keywords)
	}
	if citationsJSON.Valid && citationsJSON.String != "" {
		_ = json.Unmarshal([]byte(citationsJSON.String), &atom.Citations)
	}
	if faultCodesJSON.Valid && faultCodesJSON.String != "" {
		_ = json.Unmarshal([]byte(faultCodesJSON.String), &atom.FaultCodes)
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" && embeddingJSON.String != "null" {
		_ = json.Unmarshal([]byte(embeddingJSON.String), &atom.Embedding)
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		atom.CreatedAt = ts
	} else if ts, err := time.Parse("2006-01-02 15:04:05", strings.TrimSuffix(createdAt, "Z")); err == nil {
		atom.CreatedAt = ts
	}

	return &atom, nil
}
