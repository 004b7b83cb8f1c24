package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"kbingest/internal/types"
)

func validAtom() *types.Atom {
	return &types.Atom{
		AtomID:    "siemens:s7-1200:fault_codes",
		Title:     "S7-1200 Fault Codes",
		Content:   strings.Repeat("The CPU reports fault F0002 on overvoltage. ", 3),
		Type:      types.AtomTroubleshooting,
		Vendor:    "siemens",
		SourceURL: "https://example.com/s7-1200.pdf",
		Citations: []types.Citation{
			{ID: 1, URL: "https://example.com/s7-1200.pdf", Title: "s7-1200.pdf"},
		},
	}
}

func TestValidAtomPasses(t *testing.T) {
	res := Atom(validAtom())
	assert.True(t, res.Passed)
	assert.Empty(t, res.Reason)
}

func TestNilAtomFails(t *testing.T) {
	res := Atom(nil)
	assert.False(t, res.Passed)
}

func TestShortContentFails(t *testing.T) {
	a := validAtom()
	a.Content = "too short"
	res := Atom(a)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "content")
}

func TestPaddedShortContentFails(t *testing.T) {
	// Whitespace padding must not rescue short content.
	a := validAtom()
	a.Content = "short " + strings.Repeat(" ", 100)
	res := Atom(a)
	assert.False(t, res.Passed)
}

func TestLongTitleFails(t *testing.T) {
	a := validAtom()
	a.Title = strings.Repeat("t", 301)
	res := Atom(a)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "title")
}

func TestBadAtomIDFails(t *testing.T) {
	for _, id := range []string{"Has Upper", "spaces here", "emoji🙂", "dot.dot", ""} {
		a := validAtom()
		a.AtomID = id
		res := Atom(a)
		assert.False(t, res.Passed, "atom_id=%q", id)
	}
}

func TestAtomIDAlphabetAccepted(t *testing.T) {
	a := validAtom()
	a.AtomID = "abb:acs880:drive_setup-2"
	res := Atom(a)
	assert.True(t, res.Passed)
}

func TestMissingCitationFails(t *testing.T) {
	a := validAtom()
	a.Citations = nil
	res := Atom(a)
	assert.False(t, res.Passed)
}

func TestCitationMustMatchSource(t *testing.T) {
	a := validAtom()
	a.Citations = []types.Citation{{ID: 1, URL: "https://other.example.com/x.pdf"}}
	res := Atom(a)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "source_url")
}

func TestUnknownTypeFails(t *testing.T) {
	a := validAtom()
	a.Type = "opinion"
	res := Atom(a)
	assert.False(t, res.Passed)
}
