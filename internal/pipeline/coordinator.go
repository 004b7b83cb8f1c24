// Package pipeline drives one source URL through the seven ingestion stages:
// fetch, extract, chunk, generate, validate, embed, store. The coordinator
// owns the session state machine; stage packages stay pure and unaware of
// each other.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"kbingest/internal/chunk"
	"kbingest/internal/embedding"
	"kbingest/internal/extract"
	"kbingest/internal/fetch"
	"kbingest/internal/fingerprint"
	"kbingest/internal/generate"
	"kbingest/internal/logging"
	"kbingest/internal/monitor"
	"kbingest/internal/quality"
	"kbingest/internal/types"
	"kbingest/internal/validate"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Fetcher acquires raw bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// Generator turns chunks into candidate atoms.
type Generator interface {
	Generate(ctx context.Context, source types.Source, chunks []types.Chunk) ([]types.Atom, generate.Stats)
}

// AtomStore is the persistence surface the coordinator writes atoms through.
type AtomStore interface {
	UpsertAtom(atom *types.Atom) error
}

// Claims is the fingerprint lifecycle surface.
type Claims interface {
	MarkRunning(urlHash string) error
	MarkCompleted(urlHash string, outcome types.SessionStatus) error
}

// Coordinator wires the stages together for one worker process.
type Coordinator struct {
	fetcher      Fetcher
	generator    Generator
	embedder     embedding.Engine
	store        AtomStore
	claims       Claims
	monitor      *monitor.Monitor
	embedRetries embedding.RetryConfig
}

// New builds a Coordinator.
func New(fetcher Fetcher, generator Generator, embedder embedding.Engine, store AtomStore, claims Claims, mon *monitor.Monitor) *Coordinator {
	return &Coordinator{
		fetcher:      fetcher,
		generator:    generator,
		embedder:     embedder,
		store:        store,
		claims:       claims,
		monitor:      mon,
		embedRetries: embedding.DefaultRetryConfig(),
	}
}

// Ensure the real implementations satisfy the stage interfaces.
var (
	_ Fetcher   = (*fetch.Fetcher)(nil)
	_ Generator = (*generate.Generator)(nil)
	_ Claims    = (*fingerprint.Index)(nil)
)

// =============================================================================
// SESSION RUN
// =============================================================================

// Outcome summarizes one finished session for the worker log.
type Outcome struct {
	Status       types.SessionStatus
	AtomsCreated int
	AtomsFailed  int
}

// Run ingests one source end to end. It never returns an error: every
// failure mode ends in a terminal session status with a complete metric.
func (c *Coordinator) Run(ctx context.Context, source types.Source) Outcome {
	urlHash := types.URLHash(source.URL)
	handle := c.monitor.OpenSession(source)
	log := logging.WithSessionID(logging.CategoryPipeline, handle.SessionID())
	if err := c.claims.MarkRunning(urlHash); err != nil {
		logging.PipelineWarn("mark_running failed for %s: %v", source.URL, err)
	}

	log.Info("Session start: %s", source.URL)

	// Stage 1: fetch
	start := time.Now()
	fetched, err := c.fetcher.Fetch(ctx, source.URL)
	if err != nil {
		handle.RecordStage("fetch", time.Since(start), false, map[string]string{"error": err.Error()})
		return c.finish(handle, urlHash, log, Outcome{Status: types.StatusFailed}, err.Error())
	}
	handle.RecordStage("fetch", time.Since(start), true, nil)
	log.Debug("Fetched %d bytes (redirected=%v, content-type=%s)", fetched.SizeBytes, fetched.Redirected, fetched.ContentType)

	// Stage 2: extract
	start = time.Now()
	extracted, err := extract.Extract(fetched.FinalURL, fetched.ContentType, fetched.Body, source.SourceType)
	if err != nil {
		handle.RecordStage("extract", time.Since(start), false, map[string]string{"error": err.Error()})
		return c.finish(handle, urlHash, log, Outcome{Status: types.StatusFailed}, err.Error())
	}
	fullText := extract.FullText(extracted.Blocks)
	handle.RecordStage("extract", time.Since(start), true, nil)

	// Quality features are computed once per document and stamped onto
	// every atom the session produces.
	sniffed := extract.Sniff(fetched.FinalURL, fetched.ContentType, fetched.Body, source.SourceType)
	features := quality.ExtractFeatures(fullText, extracted.PageCount, !fetched.Redirected)
	score, manualType := quality.Score(features)
	isDirectPDF := sniffed == types.SourcePDF && !fetched.Redirected
	log.Debug("Quality score %d (%s), pages=%d", score, manualType, extracted.PageCount)

	// Stage 3: chunk
	start = time.Now()
	chunks := chunk.Split(extracted.Blocks, source.URL)
	if len(chunks) == 0 {
		handle.RecordStage("chunk", time.Since(start), false, map[string]string{"error": "source_too_small"})
		return c.finish(handle, urlHash, log, Outcome{Status: types.StatusPartial}, "source_too_small")
	}
	handle.RecordStage("chunk", time.Since(start), true, map[string]string{
		"chunks_processed": strconv.Itoa(len(chunks)),
	})

	// Stage 4: generate
	start = time.Now()
	atoms, stats := c.generator.Generate(ctx, source, chunks)
	if len(atoms) == 0 {
		handle.RecordStage("generate", time.Since(start), false, map[string]string{"error": "no_atoms_generated"})
		return c.finish(handle, urlHash, log, Outcome{Status: types.StatusPartial}, "no_atoms_generated")
	}
	handle.RecordStage("generate", time.Since(start), true, nil)
	log.Debug("Generated %d atoms (%d parse failures)", len(atoms), stats.ParseFailures)

	for i := range atoms {
		atoms[i].ManualQualityScore = score
		atoms[i].ManualType = manualType
		atoms[i].PageCount = extracted.PageCount
		atoms[i].IsDirectPDF = isDirectPDF
	}

	// Stage 5: validate
	start = time.Now()
	var valid []types.Atom
	atomsFailed := 0
	for i := range atoms {
		if res := validate.Atom(&atoms[i]); !res.Passed {
			log.Debug("Atom %s rejected: %s", atoms[i].AtomID, res.Reason)
			atomsFailed++
			continue
		}
		valid = append(valid, atoms[i])
	}
	passRate := float64(len(valid)) / float64(len(atoms))
	validateMeta := map[string]string{
		"avg_quality_score": strconv.FormatFloat(float64(score), 'f', 1, 64),
		"quality_pass_rate": strconv.FormatFloat(passRate, 'f', 3, 64),
		"vendor":            dominantVendor(valid, source.VendorHint),
		"equipment_type":    dominantEquipment(valid),
	}
	if len(valid) == 0 {
		validateMeta["error"] = "no_valid_atoms"
	}
	handle.RecordStage("validate", time.Since(start), len(valid) > 0, validateMeta)
	if len(valid) == 0 {
		return c.finish(handle, urlHash, log,
			Outcome{Status: types.StatusPartial, AtomsFailed: atomsFailed}, "no_valid_atoms")
	}

	// Stage 6: embed
	start = time.Now()
	var embedded []types.Atom
	for i := range valid {
		atom := &valid[i]
		vec, err := embedding.WithRetry(ctx, c.embedRetries, atom.AtomID, func(ctx context.Context) ([]float32, error) {
			return c.embedder.Embed(ctx, atom.Content)
		})
		if err != nil {
			log.Warn("Embedding failed permanently for %s: %v", atom.AtomID, err)
			atomsFailed++
			continue
		}
		atom.Embedding = vec
		embedded = append(embedded, *atom)
	}
	handle.RecordStage("embed", time.Since(start), len(embedded) == len(valid), nil)
	if len(embedded) == 0 {
		return c.finish(handle, urlHash, log,
			Outcome{Status: types.StatusPartial, AtomsFailed: atomsFailed}, "all_embeddings_failed")
	}

	// Stage 7: store
	start = time.Now()
	atomsCreated := 0
	var storeErr error
	for i := range embedded {
		if err := c.store.UpsertAtom(&embedded[i]); err != nil {
			log.Warn("Store failed for %s: %v", embedded[i].AtomID, err)
			storeErr = err
			atomsFailed++
			continue
		}
		atomsCreated++
	}
	storeOK := atomsCreated > 0
	handle.RecordStage("store", time.Since(start), storeOK, storeMeta(storeErr))

	outcome := Outcome{AtomsCreated: atomsCreated, AtomsFailed: atomsFailed}
	errMsg := ""
	switch {
	case atomsCreated == 0:
		// Every atom failed the final write; the session produced nothing.
		outcome.Status = types.StatusFailed
		errMsg = fmt.Sprintf("all atoms failed to store: %v", storeErr)
	case atomsFailed > 0:
		outcome.Status = types.StatusPartial
	case stats.ParseFailures > 0:
		// Chunks lost to malformed model output are not atom failures, but
		// the session did not cover the whole document.
		outcome.Status = types.StatusPartial
		errMsg = fmt.Sprintf("%d chunks returned unparseable output", stats.ParseFailures)
	default:
		outcome.Status = types.StatusSuccess
	}
	return c.finish(handle, urlHash, log, outcome, errMsg)
}

// finish closes out the session: terminal fingerprint state plus exactly one
// metric emission.
func (c *Coordinator) finish(handle *monitor.SessionHandle, urlHash string, log *logging.SessionLogger, outcome Outcome, errMsg string) Outcome {
	handle.Finish(outcome.AtomsCreated, outcome.AtomsFailed, outcome.Status, errMsg)
	if err := c.claims.MarkCompleted(urlHash, outcome.Status); err != nil {
		logging.PipelineWarn("mark_completed failed: %v", err)
	}
	log.Info("Session end: status=%s atoms=%d failed=%d", outcome.Status, outcome.AtomsCreated, outcome.AtomsFailed)
	return outcome
}

func storeMeta(err error) map[string]string {
	if err == nil {
		return nil
	}
	return map[string]string{"error": err.Error()}
}

// dominantVendor picks the most frequent vendor among atoms, falling back to
// the seed hint.
func dominantVendor(atoms []types.Atom, hint string) string {
	counts := make(map[string]int)
	for i := range atoms {
		if atoms[i].Vendor != "" {
			counts[atoms[i].Vendor]++
		}
	}
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	if best == "" {
		return hint
	}
	return best
}

func dominantEquipment(atoms []types.Atom) string {
	counts := make(map[string]int)
	for i := range atoms {
		if atoms[i].EquipmentType != "" {
			counts[atoms[i].EquipmentType]++
		}
	}
	best, bestN := "", 0
	for e, n := range counts {
		if n > bestN || (n == bestN && e < best) {
			best, bestN = e, n
		}
	}
	return best
}
