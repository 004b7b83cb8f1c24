// Package extract turns raw fetched bytes into an ordered sequence of text
// blocks. Dispatch is by sniffed content type, with the declared source type
// as the fallback. PDF extraction is per-page; HTML extraction strips
// boilerplate but preserves heading structure as paragraph boundaries.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// Result is the extractor output for one source.
type Result struct {
	Blocks    []types.TextBlock
	PageCount int // 0 for non-paginated sources
}

// Sniff determines the effective source type from the response content type,
// the body magic, and the URL, falling back to the declared type.
func Sniff(url, contentType string, body []byte, declared types.SourceType) types.SourceType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return types.SourcePDF
	case strings.Contains(ct, "html"):
		if declared == types.SourceForum {
			return types.SourceForum
		}
		return types.SourceHTML
	}

	if bytes.HasPrefix(body, []byte("%PDF-")) {
		return types.SourcePDF
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype")) ||
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
		return types.SourceHTML
	}

	if strings.HasSuffix(strings.ToLower(url), ".pdf") {
		return types.SourcePDF
	}

	if declared != "" {
		return declared
	}
	return types.SourceText
}

// Extract produces ordered text blocks for the sniffed source type.
// Invariant: at least one block is emitted even for an empty document.
// Fails only on unparseable bytes.
func Extract(url, contentType string, body []byte, declared types.SourceType) (*Result, error) {
	st := Sniff(url, contentType, body, declared)
	logging.ExtractDebug("extracting %s as %s (%d bytes)", url, st, len(body))

	var res *Result
	var err error
	switch st {
	case types.SourcePDF:
		res, err = extractPDF(body)
	case types.SourceHTML, types.SourceForum:
		res, err = extractHTML(body)
	default:
		res = extractPlainText(body)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", st, err)
	}

	if len(res.Blocks) == 0 {
		res.Blocks = []types.TextBlock{{Text: "", Page: 0, Position: 0}}
	}
	logging.Extract("extracted %s: %d blocks, %d pages", url, len(res.Blocks), res.PageCount)
	return res, nil
}

// FullText concatenates all block text, preserving block order.
func FullText(blocks []types.TextBlock) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// extractPlainText treats the body as UTF-8 text, one paragraph per block.
func extractPlainText(body []byte) *Result {
	text := string(body)
	var blocks []types.TextBlock
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		blocks = append(blocks, types.TextBlock{
			Text:     para,
			Page:     0,
			Position: len(blocks),
		})
	}
	return &Result{Blocks: blocks}
}
