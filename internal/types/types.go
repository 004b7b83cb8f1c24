// Package types holds the shared data model of the ingestion core: sources,
// chunks, knowledge atoms, and per-session metrics.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// SOURCES
// =============================================================================

// SourceType classifies what kind of document a URL points at.
type SourceType string

const (
	SourcePDF   SourceType = "pdf"
	SourceHTML  SourceType = "html"
	SourceForum SourceType = "forum"
	SourceText  SourceType = "text"
)

// Source is a canonical URL plus its classification.
type Source struct {
	URL        string
	SourceType SourceType
	VendorHint string // advisory, from the seed list; never stored on atoms
}

// URLHash computes the fingerprint key for a canonical URL: the first 16
// bytes of its SHA-256, hex-encoded.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

// ContentHash computes a full SHA-256 over text content, hex-encoded.
// Used for intra-session atom dedup.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// FINGERPRINTS
// =============================================================================

// FingerprintStatus is the lifecycle state of a claimed URL.
type FingerprintStatus string

const (
	FingerprintQueued    FingerprintStatus = "queued"
	FingerprintRunning   FingerprintStatus = "running"
	FingerprintCompleted FingerprintStatus = "completed"
	FingerprintFailed    FingerprintStatus = "failed"
)

// FingerprintRecord is the content-addressed record of a URL ever queued.
type FingerprintRecord struct {
	URLHash              string
	URL                  string
	SourceType           SourceType
	VendorHint           string
	Status               FingerprintStatus
	DiscoveredAt         time.Time
	QueuedAt             time.Time
	IngestionStartedAt   *time.Time
	IngestionCompletedAt *time.Time
}

// =============================================================================
// TEXT BLOCKS AND CHUNKS
// =============================================================================

// TextBlock is one ordered unit of extracted text. Page is 1-based for PDF
// sources and 0 when the source has no page structure.
type TextBlock struct {
	Text     string
	Page     int
	Position int
}

// Chunk is a bounded span of source text ready for atom generation.
type Chunk struct {
	ChunkID    string
	SourceURL  string
	OrderIndex int
	Text       string
	PageNumber int
	ByteOffset int
}

// =============================================================================
// ATOMS
// =============================================================================

// AtomType classifies the knowledge an atom carries.
type AtomType string

const (
	AtomConcept         AtomType = "concept"
	AtomProcedure       AtomType = "procedure"
	AtomSpecification   AtomType = "specification"
	AtomPattern         AtomType = "pattern"
	AtomTroubleshooting AtomType = "troubleshooting"
)

// ManualType is the quality classification of the source document.
type ManualType string

const (
	ManualComprehensive ManualType = "comprehensive_manual"
	ManualTechnicalDoc  ManualType = "technical_doc"
	ManualPartialDoc    ManualType = "partial_doc"
	ManualMarketing     ManualType = "marketing"
	ManualUnknown       ManualType = "unknown"
)

// Citation ties an atom back to a source document.
type Citation struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	AccessedAt string `json:"accessed_at"`
}

// Atom is the durable output unit of ingestion.
type Atom struct {
	AtomID    string     `json:"atom_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Summary   string     `json:"summary,omitempty"`
	Keywords  []string   `json:"keywords,omitempty"`
	Type      AtomType   `json:"type"`
	Vendor    string     `json:"vendor"`
	Citations []Citation `json:"citations"`

	EquipmentType string   `json:"equipment_type,omitempty"`
	FaultCodes    []string `json:"fault_codes,omitempty"`

	ManualQualityScore int        `json:"manual_quality_score"`
	PageCount          int        `json:"page_count,omitempty"`
	IsDirectPDF        bool       `json:"is_direct_pdf"`
	ManualType         ManualType `json:"manual_type"`

	Embedding []float32 `json:"-"`

	SourceURL string    `json:"source_url"`
	CreatedAt time.Time `json:"created_at"`
}

// CitesSource reports whether any citation URL equals the atom's source URL.
func (a *Atom) CitesSource() bool {
	for _, c := range a.Citations {
		if c.URL == a.SourceURL {
			return true
		}
	}
	return false
}

// =============================================================================
// SESSION METRICS
// =============================================================================

// SessionStatus is the terminal outcome of one ingestion attempt.
type SessionStatus string

const (
	StatusSuccess SessionStatus = "success"
	StatusPartial SessionStatus = "partial"
	StatusFailed  SessionStatus = "failed"
)

// Stage names, in pipeline order. StageNames[i] corresponds to StageMs[i].
var StageNames = [7]string{
	"fetch",
	"extract",
	"chunk",
	"generate",
	"validate",
	"embed",
	"store",
}

// SessionMetric is the observability record for one source ingestion attempt.
type SessionMetric struct {
	SourceURL       string        `json:"source_url"`
	SourceHash      string        `json:"source_hash"`
	SourceType      SourceType    `json:"source_type"`
	Status          SessionStatus `json:"status"`
	AtomsCreated    int           `json:"atoms_created"`
	AtomsFailed     int           `json:"atoms_failed"`
	ChunksProcessed int           `json:"chunks_processed"`
	AvgQualityScore float64       `json:"avg_quality_score"`
	QualityPassRate float64       `json:"quality_pass_rate"`
	StageMs         [7]int64      `json:"stage_ms"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	ErrorStage      string        `json:"error_stage,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Vendor          string        `json:"vendor,omitempty"`
	EquipmentType   string        `json:"equipment_type,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// SumStageMs returns the sum of the per-stage durations.
func (m *SessionMetric) SumStageMs() int64 {
	var total int64
	for _, ms := range m.StageMs {
		total += ms
	}
	return total
}
