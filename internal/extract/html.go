package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"kbingest/internal/types"
)

// Elements whose entire subtree is boilerplate.
var skipElements = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
	"svg":      true,
	"button":   true,
}

// Elements that terminate the current paragraph.
var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "td": true,
	"table": true, "ul": true, "ol": true, "pre": true, "blockquote": true,
	"section": true, "article": true, "br": true,
}

func isHeading(tag string) bool {
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

// extractHTML strips boilerplate and emits one text block per heading or
// paragraph-level run, in document order.
func extractHTML(body []byte) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var blocks []types.TextBlock
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		blocks = append(blocks, types.TextBlock{
			Text:     text,
			Page:     0,
			Position: len(blocks),
		})
	}

	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			// Headings become their own block so downstream chunking
			// treats them as paragraph boundaries.
			if isHeading(n.Data) {
				flush()
				buf.WriteString(textContent(n))
				flush()
				return
			}
			if blockElements[n.Data] {
				flush()
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if buf.Len() > 0 {
					buf.WriteByte(' ')
				}
				buf.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			flush()
		}
	}
	traverse(doc)
	flush()

	return &Result{Blocks: blocks}, nil
}

// textContent collects the text of a subtree, space-joined.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			if s := strings.TrimSpace(node.Data); s != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(s)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return sb.String()
}
