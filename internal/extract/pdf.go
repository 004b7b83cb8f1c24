package extract

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// extractPDF extracts text per page. Scanned or image-only pages yield a
// block with empty text so page ordering is preserved.
func extractPDF(body []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}

	numPages := reader.NumPage()
	blocks := make([]types.TextBlock, 0, numPages)

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			blocks = append(blocks, types.TextBlock{Text: "", Page: i, Position: i - 1})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Per-page extraction failure keeps ordering: empty block.
			logging.ExtractWarn("pdf page %d unextractable: %v", i, err)
			text = ""
		}
		blocks = append(blocks, types.TextBlock{
			Text:     text,
			Page:     i,
			Position: i - 1,
		})
	}

	return &Result{Blocks: blocks, PageCount: numPages}, nil
}
