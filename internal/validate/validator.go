// Package validate enforces the atom schema before atoms reach the embedding
// and storage stages. Validation is a pure function: no I/O, no clock.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"kbingest/internal/types"
)

// Limits on atom fields.
const (
	MinContentChars = 50
	MaxTitleChars   = 300
)

// atomIDPattern constrains atom IDs to the slug alphabet.
var atomIDPattern = regexp.MustCompile(`^[a-z0-9_:-]+$`)

// Result reports whether an atom passed validation and why it failed.
type Result struct {
	Passed bool
	Reason string
}

// Atom validates a single atom against the schema rules. Rules:
//   - atom_id, title, content, type, vendor, source_url are required
//   - content must be at least 50 characters after trimming
//   - title must not exceed 300 characters
//   - atom_id must match [a-z0-9_:-]+
//   - type must be a known atom type
//   - at least one citation must point at the source URL
func Atom(a *types.Atom) Result {
	if a == nil {
		return fail("atom is nil")
	}
	if a.AtomID == "" {
		return fail("missing atom_id")
	}
	if !atomIDPattern.MatchString(a.AtomID) {
		return fail(fmt.Sprintf("atom_id %q contains invalid characters", a.AtomID))
	}
	if strings.TrimSpace(a.Title) == "" {
		return fail("missing title")
	}
	if len(a.Title) > MaxTitleChars {
		return fail(fmt.Sprintf("title exceeds %d characters (%d)", MaxTitleChars, len(a.Title)))
	}
	if len(strings.TrimSpace(a.Content)) < MinContentChars {
		return fail(fmt.Sprintf("content shorter than %d characters after trim", MinContentChars))
	}
	if a.Vendor == "" {
		return fail("missing vendor")
	}
	if a.SourceURL == "" {
		return fail("missing source_url")
	}
	if !knownAtomType(a.Type) {
		return fail(fmt.Sprintf("unknown atom type %q", a.Type))
	}
	if len(a.Citations) == 0 {
		return fail("no citations")
	}
	if !a.CitesSource() {
		return fail("no citation matches source_url")
	}
	return Result{Passed: true}
}

func knownAtomType(t types.AtomType) bool {
	switch t {
	case types.AtomConcept, types.AtomProcedure, types.AtomSpecification,
		types.AtomPattern, types.AtomTroubleshooting:
		return true
	}
	return false
}

func fail(reason string) Result {
	return Result{Passed: false, Reason: reason}
}
