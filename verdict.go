package atelier

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// VerdictKind is what a response's leading tokens declare.
type VerdictKind int

const (
	VerdictNone VerdictKind = iota
	VerdictApprove
	VerdictVeto
)

// Lexicon is the data-driven set of verdict tokens, matched
// case-insensitively at start-of-line. Kept configurable for domain tuning.
type Lexicon struct {
	Veto    []string
	Approve []string
}

// DefaultLexicon is the stock verdict vocabulary.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Veto:    []string{"[veto]", "nogo", "no-go"},
		Approve: []string{"[approve]", "statut: go"},
	}
}

var foldCaser = cases.Fold()

// canonVerdict normalises text for lexicon matching: NFKC so width and
// compatibility variants collapse, then case-folded.
func canonVerdict(s string) string {
	return foldCaser.String(norm.NFKC.String(s))
}

// DetectVerdict scans text for a verdict token at the start of any line.
// Veto tokens win over approval tokens. A detected verdict overrides
// tool-call interpretation upstream, so a human-readable verdict survives
// even when the model also asked for tools.
func DetectVerdict(text string, lex Lexicon) VerdictKind {
	for _, line := range strings.Split(canonVerdict(text), "\n") {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)
		if line == "" {
			continue
		}
		if matchesAny(line, lex.Veto) {
			return VerdictVeto
		}
		if matchesAny(line, lex.Approve) {
			return VerdictApprove
		}
	}
	return VerdictNone
}

// matchesAny reports whether line starts with one of the folded tokens,
// followed by a word boundary so "nogo" does not match "nogoal".
func matchesAny(line string, tokens []string) bool {
	for _, tok := range tokens {
		t := canonVerdict(tok)
		if !strings.HasPrefix(line, t) {
			continue
		}
		rest := line[len(t):]
		if rest == "" {
			return true
		}
		r := []rune(rest)[0]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
