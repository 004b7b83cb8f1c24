// Package generate turns text chunks into structured knowledge atoms via an
// LLM. Malformed model output is never fatal: a chunk whose response cannot
// be parsed simply contributes zero atoms.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kbingest/internal/config"
	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// =============================================================================
// GENERATOR
// =============================================================================

// Generator produces knowledge atoms from chunks.
type Generator struct {
	llm         LLMClient
	concurrency int
}

// Stats summarizes one generation pass over a chunk set.
type Stats struct {
	ChunksProcessed int
	ParseFailures   int
	Duplicates      int
}

// New builds a Generator. Concurrency below one is clamped to sequential.
func New(llm LLMClient, cfg *config.Config) *Generator {
	concurrency := cfg.ChunkConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Generator{llm: llm, concurrency: concurrency}
}

// atomDraft is the shape the model is asked to emit per atom.
type atomDraft struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary"`
	AtomType   string   `json:"atom_type"`
	Vendor     string   `json:"vendor"`
	Equipment  string   `json:"equipment"`
	Topic      string   `json:"topic"`
	Keywords   []string `json:"keywords"`
	FaultCodes []string `json:"fault_codes"`
}

type atomEnvelope struct {
	Atoms []atomDraft `json:"atoms"`
}

// Generate runs the LLM over every chunk and assembles deduplicated atoms.
// Chunks are processed with bounded concurrency, but slug collisions and
// duplicate collapse are resolved in chunk order so output is deterministic.
func (g *Generator) Generate(ctx context.Context, source types.Source, chunks []types.Chunk) ([]types.Atom, Stats) {
	timer := logging.StartTimer(logging.CategoryGenerate, "Generate")
	defer timer.Stop()

	stats := Stats{ChunksProcessed: len(chunks)}
	if len(chunks) == 0 {
		return nil, stats
	}

	logging.Generate("Generating atoms for %s: %d chunks, concurrency=%d", source.URL, len(chunks), g.concurrency)

	perChunk := make([][]atomDraft, len(chunks))
	failures := make([]bool, len(chunks))

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.concurrency)
	for i := range chunks {
		grp.Go(func() error {
			drafts, ok := g.generateChunk(gctx, source, &chunks[i])
			perChunk[i] = drafts
			failures[i] = !ok
			return nil
		})
	}
	grp.Wait()

	for _, failed := range failures {
		if failed {
			stats.ParseFailures++
		}
	}

	atoms := g.assemble(source, chunks, perChunk, &stats)
	logging.Generate("Generated %d atoms from %d chunks (%d parse failures, %d duplicates collapsed)",
		len(atoms), len(chunks), stats.ParseFailures, stats.Duplicates)
	return atoms, stats
}

// generateChunk calls the LLM for one chunk. The bool result is false when
// the response could not be obtained or parsed.
func (g *Generator) generateChunk(ctx context.Context, source types.Source, chunk *types.Chunk) ([]atomDraft, bool) {
	prompt := buildPrompt(source, chunk)

	response, err := g.llm.Complete(ctx, prompt)
	if err != nil {
		logging.GenerateWarn("LLM call failed for chunk %s: %v", chunk.ChunkID, err)
		return nil, false
	}

	drafts, err := parseAtomResponse(response)
	if err != nil {
		logging.GenerateWarn("Unparseable LLM response for chunk %s: %v; first bytes: %s",
			chunk.ChunkID, err, truncate(response, 200))
		return nil, false
	}
	return drafts, true
}

func buildPrompt(source types.Source, chunk *types.Chunk) string {
	hint := source.VendorHint
	if hint == "" {
		hint = "unknown"
	}

	return fmt.Sprintf(`You are an industrial equipment documentation specialist. Extract knowledge atoms from the excerpt below.

Each atom is one self-contained fact, procedure, or specification a maintenance engineer could act on.

Respond with JSON only:
{
  "atoms": [
    {
      "title": "short descriptive title",
      "content": "the full knowledge content, self-contained",
      "summary": "one sentence summary",
      "atom_type": "concept|procedure|specification|pattern|troubleshooting",
      "vendor": "equipment vendor, lowercase",
      "equipment": "equipment family or model",
      "topic": "short topic slug",
      "keywords": ["keyword1", "keyword2"],
      "fault_codes": ["F0001"]
    }
  ]
}

Return {"atoms": []} if the excerpt contains no actionable knowledge.
Likely vendor (may be wrong, verify against the text): %s
Source URL: %s

Excerpt:
%s`, hint, source.URL, chunk.Text)
}

// =============================================================================
// RESPONSE PARSING
// =============================================================================

// parseAtomResponse strips markdown fences and decodes the atom envelope.
// Accepts either the envelope object or a bare JSON array.
func parseAtomResponse(response string) ([]atomDraft, error) {
	cleaned := stripFences(response)
	if cleaned == "" {
		return nil, fmt.Errorf("empty response")
	}

	var envelope atomEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err == nil && envelope.Atoms != nil {
		return envelope.Atoms, nil
	}

	var bare []atomDraft
	if err := json.Unmarshal([]byte(cleaned), &bare); err == nil {
		return bare, nil
	}

	// The model sometimes surrounds the JSON with prose; take the outermost object.
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &envelope); err == nil && envelope.Atoms != nil {
			return envelope.Atoms, nil
		}
	}

	return nil, fmt.Errorf("response is not valid atom JSON")
}

// stripFences removes markdown code fences around a JSON payload.
func stripFences(response string) string {
	resp := strings.TrimSpace(response)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

// =============================================================================
// ASSEMBLY
// =============================================================================

var slugStrip = regexp.MustCompile(`[^a-z0-9_-]+`)

// slugPart normalizes one slug component to the atom_id alphabet.
func slugPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = slugStrip.ReplaceAllString(s, "")
	s = strings.Trim(s, "_-")
	if s == "" {
		return "unknown"
	}
	return s
}

// Slug builds the deterministic atom identifier {vendor}:{equipment}:{topic}.
func Slug(vendor, equipment, topic string) string {
	return slugPart(vendor) + ":" + slugPart(equipment) + ":" + slugPart(topic)
}

// assemble walks per-chunk drafts in chunk order, resolving slug collisions
// with an order-based suffix and collapsing exact duplicates.
func (g *Generator) assemble(source types.Source, chunks []types.Chunk, perChunk [][]atomDraft, stats *Stats) []types.Atom {
	now := time.Now().UTC()
	accessedAt := now.Format(time.RFC3339)

	seen := make(map[string]bool)    // atom_id + content hash, for duplicate collapse
	idCounts := make(map[string]int) // base slug occurrences, for collision suffixes

	var atoms []types.Atom
	for i := range chunks {
		for _, draft := range perChunk[i] {
			if strings.TrimSpace(draft.Content) == "" {
				continue
			}

			vendor := slugPart(firstNonEmpty(draft.Vendor, source.VendorHint))
			base := Slug(firstNonEmpty(draft.Vendor, source.VendorHint), draft.Equipment, draft.Topic)

			dedupKey := base + "|" + types.ContentHash(draft.Content)
			if seen[dedupKey] {
				stats.Duplicates++
				continue
			}
			seen[dedupKey] = true

			idCounts[base]++
			atomID := base
			if n := idCounts[base]; n > 1 {
				atomID = fmt.Sprintf("%s-%d", base, n)
			}

			atoms = append(atoms, types.Atom{
				AtomID:        atomID,
				Title:         strings.TrimSpace(draft.Title),
				Content:       strings.TrimSpace(draft.Content),
				Summary:       strings.TrimSpace(draft.Summary),
				Keywords:      draft.Keywords,
				Type:          types.AtomType(draft.AtomType),
				Vendor:        vendor,
				EquipmentType: slugPart(draft.Equipment),
				FaultCodes:    draft.FaultCodes,
				Citations: []types.Citation{
					{ID: 1, URL: source.URL, Title: strings.TrimSpace(draft.Title), AccessedAt: accessedAt},
				},
				SourceURL: source.URL,
				CreatedAt: now,
			})
		}
	}
	return atoms
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
