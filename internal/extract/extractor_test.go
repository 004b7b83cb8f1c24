package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbingest/internal/types"
)

func TestSniffByContentType(t *testing.T) {
	assert.Equal(t, types.SourcePDF, Sniff("u", "application/pdf", nil, ""))
	assert.Equal(t, types.SourceHTML, Sniff("u", "text/html; charset=utf-8", nil, ""))
	assert.Equal(t, types.SourceForum, Sniff("u", "text/html", nil, types.SourceForum))
}

func TestSniffByMagic(t *testing.T) {
	assert.Equal(t, types.SourcePDF, Sniff("u", "", []byte("%PDF-1.7 rest"), ""))
	assert.Equal(t, types.SourceHTML, Sniff("u", "", []byte("  <!DOCTYPE html><html>"), ""))
	assert.Equal(t, types.SourceHTML, Sniff("u", "", []byte("<HTML><body>"), ""))
}

func TestSniffByURLAndFallback(t *testing.T) {
	assert.Equal(t, types.SourcePDF, Sniff("https://x.com/a.PDF", "application/octet-stream", []byte("junk"), ""))
	assert.Equal(t, types.SourceText, Sniff("https://x.com/a", "", []byte("plain words"), ""))
	assert.Equal(t, types.SourceForum, Sniff("https://x.com/t/1", "", []byte("plain"), types.SourceForum))
}

func TestExtractHTMLStripsBoilerplate(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><title>Drive Manual</title><style>body{color:red}</style></head>
<body>
<nav><a href="/">Home</a> | <a href="/docs">Docs</a></nav>
<script>analytics();</script>
<h1>ACS880 Firmware Manual</h1>
<p>Parameter 20.01 selects the start mode of the drive.</p>
<h2>Fault tracing</h2>
<p>Fault 2310 indicates overcurrent in the output phases.</p>
<footer>Copyright 2024</footer>
</body></html>`

	res, err := Extract("https://x.com/manual", "text/html", []byte(page), "")
	require.NoError(t, err)

	full := FullText(res.Blocks)
	assert.Contains(t, full, "ACS880 Firmware Manual")
	assert.Contains(t, full, "Parameter 20.01")
	assert.Contains(t, full, "Fault 2310")
	assert.NotContains(t, full, "analytics")
	assert.NotContains(t, full, "color:red")
	assert.NotContains(t, full, "Home")
	assert.NotContains(t, full, "Copyright")
}

func TestExtractHTMLHeadingsAreOwnBlocks(t *testing.T) {
	page := `<html><body><h1>Title Here</h1><p>Body paragraph one.</p><h2>Section Two</h2><p>Body two.</p></body></html>`

	res, err := Extract("u", "text/html", []byte(page), "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Blocks), 4)

	assert.Equal(t, "Title Here", res.Blocks[0].Text)
	assert.Equal(t, "Body paragraph one.", res.Blocks[1].Text)
	assert.Equal(t, "Section Two", res.Blocks[2].Text)
}

func TestExtractHTMLOrderPreserved(t *testing.T) {
	page := `<html><body><p>first</p><p>second</p><p>third</p></body></html>`
	res, err := Extract("u", "text/html", []byte(page), "")
	require.NoError(t, err)

	var texts []string
	for i, b := range res.Blocks {
		assert.Equal(t, i, b.Position)
		texts = append(texts, b.Text)
	}
	assert.Equal(t, []string{"first", "second", "third"}, texts)
}

func TestExtractPlainTextParagraphs(t *testing.T) {
	body := "Para one line.\n\nPara two line.\n\n\n\nPara three."
	res, err := Extract("u", "text/plain", []byte(body), types.SourceText)
	require.NoError(t, err)

	require.Len(t, res.Blocks, 3)
	assert.Equal(t, 0, res.PageCount)
}

func TestExtractEmptyDocumentEmitsOneBlock(t *testing.T) {
	res, err := Extract("u", "text/plain", nil, types.SourceText)
	require.NoError(t, err)

	require.Len(t, res.Blocks, 1)
	assert.Equal(t, "", res.Blocks[0].Text)
}

func TestExtractMalformedPDFFails(t *testing.T) {
	_, err := Extract("u", "application/pdf", []byte("%PDF-1.4 but truncated garbage"), "")
	require.Error(t, err)
}

func TestFullTextJoinsBlocks(t *testing.T) {
	blocks := []types.TextBlock{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	assert.Equal(t, "a\n\nb\n\nc", FullText(blocks))
	assert.Equal(t, "", FullText(nil))
	assert.True(t, strings.Count(FullText(blocks), "\n\n") == 2)
}
