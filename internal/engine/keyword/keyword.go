// Package keyword implements drug-name tokenization and the keyword rule
// evaluation used by trigger matching and coverage scans.
//
// Matching is case-insensitive substring matching. Search terms are token
// sets: a name matches a term when every token of the term appears in the
// name (AND within a term), and matches a term list when any term matches
// (OR across terms).
package keyword

import (
	"strings"
	"unicode"
)

// MatchMode selects how a keyword list is combined.
type MatchMode string

const (
	// MatchAny succeeds when at least one keyword matches.
	MatchAny MatchMode = "ANY"
	// MatchAll succeeds only when every keyword matches.
	MatchAll MatchMode = "ALL"
)

// noiseTokens are dosage units and connector words that carry no signal for
// identifying a product. Formulation tokens (TAB, CREAM, ER, ...) are kept
// on purpose: dropping them causes cross-formulation false matches.
var noiseTokens = map[string]struct{}{
	"MG":   {},
	"MCG":  {},
	"ML":   {},
	"GM":   {},
	"MEQ":  {},
	"IU":   {},
	"UNIT": {},
	"EA":   {},
	"AND":  {},
	"WITH": {},
	"OF":   {},
	"PER":  {},
	"FOR":  {},
	"THE":  {},
	"W":    {},
}

// Normalize upper-cases and trims a drug name for comparison.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Tokenize splits a drug name or search phrase into signal tokens: upper
// case, non-alphanumeric separators, noise and pure-numeric tokens dropped.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, noise := noiseTokens[f]; noise {
			continue
		}
		if isNumeric(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return len(s) > 0
}

// Term is one search term: a conjunction of tokens.
type Term []string

// Matches reports whether every token of the term appears in the name.
// Empty terms never match.
func (t Term) Matches(name string) bool {
	if len(t) == 0 {
		return false
	}
	upper := Normalize(name)
	for _, tok := range t {
		if !strings.Contains(upper, tok) {
			return false
		}
	}
	return true
}

// AnyTermMatches reports whether the name matches at least one term.
func AnyTermMatches(name string, terms []Term) bool {
	for _, t := range terms {
		if t.Matches(name) {
			return true
		}
	}
	return false
}

// BuildTerms converts raw search phrases into terms, skipping phrases that
// tokenize to nothing.
func BuildTerms(phrases []string) []Term {
	terms := make([]Term, 0, len(phrases))
	for _, p := range phrases {
		if t := Term(Tokenize(p)); len(t) > 0 {
			terms = append(terms, t)
		}
	}
	return terms
}

// ContainsKeyword reports a case-insensitive substring match.
func ContainsKeyword(name, kw string) bool {
	kw = Normalize(kw)
	if kw == "" {
		return false
	}
	return strings.Contains(Normalize(name), kw)
}

// MatchesAny reports whether the name contains any of the keywords.
func MatchesAny(name string, keywords []string) bool {
	for _, kw := range keywords {
		if ContainsKeyword(name, kw) {
			return true
		}
	}
	return false
}

// MatchesKeywords evaluates a keyword list against a name under a match
// mode. Empty lists never match: a trigger with no detection keywords
// detects nothing.
func MatchesKeywords(name string, keywords []string, mode MatchMode) bool {
	if len(keywords) == 0 {
		return false
	}
	if mode == MatchAll {
		for _, kw := range keywords {
			if !ContainsKeyword(name, kw) {
				return false
			}
		}
		return true
	}
	return MatchesAny(name, keywords)
}
