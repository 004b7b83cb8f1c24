package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbingest/internal/config"
	"kbingest/internal/types"
)

// fakeLLM returns canned responses keyed by chunk order.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return `{"atoms": []}`, nil
}

func testSource() types.Source {
	return types.Source{URL: "https://example.com/acs880.pdf", SourceType: types.SourcePDF, VendorHint: "abb"}
}

func testChunks(n int) []types.Chunk {
	chunks := make([]types.Chunk, n)
	for i := range chunks {
		chunks[i] = types.Chunk{
			ChunkID:    "abc123:" + string(rune('0'+i)),
			SourceURL:  "https://example.com/acs880.pdf",
			OrderIndex: i,
			Text:       "Parameter 20.01 selects the start mode of the drive.",
		}
	}
	return chunks
}

func draftJSON(t *testing.T, drafts ...atomDraft) string {
	t.Helper()
	b, err := json.Marshal(atomEnvelope{Atoms: drafts})
	require.NoError(t, err)
	return string(b)
}

func sampleDraft(topic, content string) atomDraft {
	return atomDraft{
		Title:    "ACS880 " + topic,
		Content:  content,
		AtomType: "procedure",
		Vendor:   "ABB",
		Equipment: "ACS880",
		Topic:     topic,
	}
}

func TestGenerateBuildsAtoms(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		draftJSON(t, sampleDraft("start mode", "Parameter 20.01 selects the start mode.")),
	}}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(1))
	require.Len(t, atoms, 1)
	assert.Equal(t, "abb:acs880:start_mode", atoms[0].AtomID)
	assert.Equal(t, "abb", atoms[0].Vendor)
	assert.Equal(t, types.AtomProcedure, atoms[0].Type)
	assert.Equal(t, "https://example.com/acs880.pdf", atoms[0].SourceURL)
	require.Len(t, atoms[0].Citations, 1)
	assert.True(t, atoms[0].CitesSource())
	assert.Equal(t, 1, stats.ChunksProcessed)
	assert.Zero(t, stats.ParseFailures)
}

func TestGenerateStripsMarkdownFences(t *testing.T) {
	fenced := "```json\n" + draftJSON(t, sampleDraft("faults", "F0001 indicates overcurrent on the output stage.")) + "\n```"
	llm := &fakeLLM{responses: []string{fenced}}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(1))
	require.Len(t, atoms, 1)
	assert.Zero(t, stats.ParseFailures)
}

func TestGenerateMalformedResponseYieldsZeroAtoms(t *testing.T) {
	llm := &fakeLLM{responses: []string{"I could not find any structured knowledge here, sorry!"}}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(1))
	assert.Empty(t, atoms)
	assert.Equal(t, 1, stats.ParseFailures)
}

func TestGenerateOneGoodResponseAmongMalformed(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"not json at all",
		"```json\n" + draftJSON(t, sampleDraft("setup", "Set parameter 99.04 to select the motor control mode.")) + "\n```",
		"{truncated",
	}}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(3))
	require.Len(t, atoms, 1)
	assert.Equal(t, "abb:acs880:setup", atoms[0].AtomID)
	assert.Equal(t, 2, stats.ParseFailures)
}

func TestGenerateLLMErrorIsNonFatal(t *testing.T) {
	llm := &fakeLLM{
		responses: []string{"", draftJSON(t, sampleDraft("setup", "Content for the second chunk."))},
		errs:      []error{errors.New("deadline exceeded"), nil},
	}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(2))
	assert.Len(t, atoms, 1)
	assert.Equal(t, 1, stats.ParseFailures)
}

func TestSlugCollisionGetsOrderSuffix(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		draftJSON(t,
			sampleDraft("setup", "First distinct setup content."),
			sampleDraft("setup", "Second distinct setup content."),
		),
	}}
	g := New(llm, config.Default())

	atoms, _ := g.Generate(context.Background(), testSource(), testChunks(1))
	require.Len(t, atoms, 2)
	assert.Equal(t, "abb:acs880:setup", atoms[0].AtomID)
	assert.Equal(t, "abb:acs880:setup-2", atoms[1].AtomID)
}

func TestDuplicateAtomsCollapsed(t *testing.T) {
	same := sampleDraft("setup", "Identical content seen twice in one session.")
	llm := &fakeLLM{responses: []string{
		draftJSON(t, same),
		draftJSON(t, same),
	}}
	g := New(llm, config.Default())

	atoms, stats := g.Generate(context.Background(), testSource(), testChunks(2))
	assert.Len(t, atoms, 1)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestVendorHintUsedWhenModelOmitsVendor(t *testing.T) {
	draft := sampleDraft("setup", "Content without a vendor from the model.")
	draft.Vendor = ""
	llm := &fakeLLM{responses: []string{draftJSON(t, draft)}}
	g := New(llm, config.Default())

	atoms, _ := g.Generate(context.Background(), testSource(), testChunks(1))
	require.Len(t, atoms, 1)
	assert.Equal(t, "abb", atoms[0].Vendor)
}

func TestSlugNormalization(t *testing.T) {
	assert.Equal(t, "abb:acs880:start_mode", Slug("ABB", "ACS880", "Start Mode"))
	assert.Equal(t, "unknown:unknown:unknown", Slug("", "???", "  "))
	assert.Equal(t, "siemens:g120:f0001_overcurrent", Slug("Siemens", "G120", "F0001 Overcurrent!"))
}

func TestParseAtomResponseBareArray(t *testing.T) {
	drafts, err := parseAtomResponse(`[{"title":"t","content":"c","atom_type":"concept","vendor":"abb","equipment":"acs880","topic":"x"}]`)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func TestParseAtomResponseSurroundingProse(t *testing.T) {
	drafts, err := parseAtomResponse(`Here is the extraction: {"atoms":[{"title":"t","content":"c","topic":"x"}]} Hope that helps.`)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func TestGeminiClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": `{"atoms": []}`}}}},
			},
		})
	}))
	defer srv.Close()

	c := NewGeminiClient("test-key", "gemini-2.0-flash")
	c.SetBaseURL(srv.URL)

	out, err := c.Complete(context.Background(), "extract")
	require.NoError(t, err)
	assert.Equal(t, `{"atoms": []}`, out)
}

func TestGeminiClientRequiresAPIKey(t *testing.T) {
	c := NewGeminiClient("", "gemini-2.0-flash")
	_, err := c.Complete(context.Background(), "extract")
	assert.Error(t, err)
}
