// Package chunk splits extracted text blocks into bounded semantic chunks.
// Split points prefer paragraph boundaries, then sentence boundaries, then
// plain whitespace. Concatenating the output with single spaces reproduces
// the extractor text up to whitespace collapsing.
package chunk

import (
	"fmt"
	"regexp"
	"strings"

	"kbingest/internal/types"
)

// Size bounds in characters.
const (
	TargetMin = 800  // preferred lower bound
	TargetMax = 1500 // preferred upper bound; greedy fill stops here
	HardMax   = 2000 // never exceeded
	MinTotal  = 200  // sources with less total text yield zero chunks
)

var (
	paragraphSplit = regexp.MustCompile(`\n{2,}`)
	sentenceEnd    = regexp.MustCompile(`([.!?])\s+`)
)

// piece is a split unit carrying the page of the block it came from.
type piece struct {
	text string
	page int
}

// Split chunks the ordered text blocks of one source. Returns zero chunks
// when the total text is below MinTotal; the caller treats that as a
// source_too_small partial outcome.
func Split(blocks []types.TextBlock, sourceURL string) []types.Chunk {
	paras := paragraphs(blocks)

	total := 0
	for _, p := range paras {
		total += len(p.text)
	}
	if total < MinTotal {
		return nil
	}

	// Expand paragraphs that cannot fit a single chunk.
	var pieces []piece
	for _, p := range paras {
		if len(p.text) <= HardMax {
			pieces = append(pieces, p)
			continue
		}
		pieces = append(pieces, splitLongParagraph(p)...)
	}

	urlHash := types.URLHash(sourceURL)

	var chunks []types.Chunk
	var buf strings.Builder
	page := 0
	offset := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		chunks = append(chunks, types.Chunk{
			ChunkID:    fmt.Sprintf("%s:%d", urlHash[:12], len(chunks)),
			SourceURL:  sourceURL,
			OrderIndex: len(chunks),
			Text:       buf.String(),
			PageNumber: page,
			ByteOffset: offset,
		})
		offset += buf.Len() + 1 // single-space join in the round-trip view
		buf.Reset()
	}

	for _, p := range pieces {
		text := p.text
		for text != "" {
			if buf.Len() >= MinTotal && buf.Len()+1+len(text) > TargetMax {
				flush()
			}
			if buf.Len() == 0 {
				page = p.page
				buf.WriteString(text)
				break
			}
			// An under-minimum buffer must not flush mid-sequence; it
			// absorbs the next piece instead, up to the hard cap.
			if buf.Len()+1+len(text) > HardMax {
				room := HardMax - buf.Len() - 1
				head, rest := headTail(text, room)
				if buf.Len()+1+len(head) < MinTotal {
					// A huge unbroken word right after a short lead-in:
					// hard-cut rather than emit an undersized chunk.
					head, rest = text[:room], strings.TrimSpace(text[room:])
				}
				buf.WriteByte(' ')
				buf.WriteString(head)
				flush()
				text = rest
				continue
			}
			buf.WriteByte(' ')
			buf.WriteString(text)
			break
		}
	}
	flush()

	return chunks
}

// headTail splits text at a whitespace boundary so the head holds at most
// max characters. An unbroken leading run longer than max is hard-cut.
func headTail(text string, max int) (head, tail string) {
	if len(text) <= max {
		return text, ""
	}
	cut := strings.LastIndexByte(text[:max+1], ' ')
	if cut <= 0 {
		return text[:max], strings.TrimSpace(text[max:])
	}
	return text[:cut], strings.TrimSpace(text[cut+1:])
}

// paragraphs normalizes blocks into whitespace-collapsed paragraphs, each
// tagged with the page of its originating block.
func paragraphs(blocks []types.TextBlock) []piece {
	var out []piece
	for _, b := range blocks {
		for _, para := range paragraphSplit.Split(b.Text, -1) {
			collapsed := strings.Join(strings.Fields(para), " ")
			if collapsed == "" {
				continue
			}
			out = append(out, piece{text: collapsed, page: b.Page})
		}
	}
	return out
}

// splitLongParagraph breaks an oversized paragraph at sentence boundaries,
// falling back to plain whitespace for any sentence that is itself too long.
func splitLongParagraph(p piece) []piece {
	var out []piece
	for _, s := range sentences(p.text) {
		if len(s) <= HardMax {
			out = append(out, piece{text: s, page: p.page})
			continue
		}
		for _, w := range splitByWhitespace(s, TargetMax) {
			// Pathological unbroken runs (no whitespace at all) get hard-cut.
			for len(w) > HardMax {
				out = append(out, piece{text: w[:HardMax], page: p.page})
				w = w[HardMax:]
			}
			out = append(out, piece{text: w, page: p.page})
		}
	}
	return out
}

// sentences splits text after terminal punctuation, keeping the punctuation.
func sentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitByWhitespace greedily packs words into runs of at most max chars.
// A single word longer than max becomes its own run; words are never cut.
func splitByWhitespace(text string, max int) []string {
	words := strings.Fields(text)
	var out []string
	var buf strings.Builder
	for _, w := range words {
		if buf.Len() > 0 && buf.Len()+1+len(w) > max {
			out = append(out, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(w)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

// JoinedText is the round-trip view of a chunk sequence: all chunk texts
// joined with single spaces.
func JoinedText(chunks []types.Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}
