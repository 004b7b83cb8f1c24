// Package quality scores a source document 0-100 and classifies it into a
// manual type band. Scoring is a pure function of document features; features
// that cannot be computed count as zero.
package quality

import (
	"strings"

	"kbingest/internal/types"
)

// DocFeatures holds the signals extracted from one source document.
type DocFeatures struct {
	PageCount         int
	HasParameters     bool
	HasFaultCodes     bool
	HasSpecifications bool
	HasDiagrams       bool
	HasTOC            bool // table of contents within the first 5000 chars
	IsDirectPDF       bool // fetched without any redirect
}

// tocWindow is how far into the document a table of contents still counts.
const tocWindow = 5000

// Keyword groups for feature detection. Matching is case-insensitive
// substring search over the document text.
var (
	parameterKeywords     = []string{"parameter", "param no", "setting value"}
	faultCodeKeywords     = []string{"fault code", "error code", "alarm code", "trouble code"}
	specificationKeywords = []string{"specification", "technical data", "ratings"}
	diagramKeywords       = []string{"diagram", "wiring", "schematic"}
	tocKeywords           = []string{"table of contents", "contents\n"}
)

// ExtractFeatures derives DocFeatures from the full document text.
// pageCount and isDirectPDF come from the fetch/extract stages.
func ExtractFeatures(text string, pageCount int, isDirectPDF bool) DocFeatures {
	lower := strings.ToLower(text)

	head := lower
	if len(head) > tocWindow {
		head = head[:tocWindow]
	}

	return DocFeatures{
		PageCount:         pageCount,
		HasParameters:     containsAny(lower, parameterKeywords),
		HasFaultCodes:     containsAny(lower, faultCodeKeywords),
		HasSpecifications: containsAny(lower, specificationKeywords),
		HasDiagrams:       containsAny(lower, diagramKeywords),
		HasTOC:            containsAny(head, tocKeywords),
		IsDirectPDF:       isDirectPDF,
	}
}

// Score computes the 0-100 quality score and its classification band.
// Weights:
// - Page count: up to 30 points (>=200: 30, 100-199: 25, 50-99: 15)
// - Parameter tables: 20 points
// - Fault codes: 15 points
// - Specifications: 15 points
// - Diagrams/wiring: 10 points
// - Table of contents in first 5000 chars: 10 points
// - Redirected fetch: -30 points
func Score(f DocFeatures) (int, types.ManualType) {
	score := 0

	switch {
	case f.PageCount >= 200:
		score += 30
	case f.PageCount >= 100:
		score += 25
	case f.PageCount >= 50:
		score += 15
	}

	if f.HasParameters {
		score += 20
	}
	if f.HasFaultCodes {
		score += 15
	}
	if f.HasSpecifications {
		score += 15
	}
	if f.HasDiagrams {
		score += 10
	}
	if f.HasTOC {
		score += 10
	}
	if !f.IsDirectPDF {
		score -= 30
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return score, classify(score)
}

// classify maps a final score to its manual type band.
func classify(score int) types.ManualType {
	switch {
	case score >= 90:
		return types.ManualComprehensive
	case score >= 70:
		return types.ManualTechnicalDoc
	case score >= 50:
		return types.ManualPartialDoc
	default:
		return types.ManualMarketing
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
