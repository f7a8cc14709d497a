// Package patterns implements the in-memory match paths over the pattern
// store: account lookups, description rules and entity-signature scoring.
// Matching is tenant-scoped end to end; an index built for one tenant is
// never consulted for another.
package patterns

import (
	"strings"
	"unicode"
)

// Normalize lowercases the text and collapses whitespace runs. Description
// matching, memo keys and learned-pattern bodies all go through this so the
// same string never matches in one place and misses in another.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Tokenize splits text into lowercase alphanumeric tokens. Punctuation and
// symbols separate tokens and are dropped.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	toks := Tokenize(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// containsSubsequence reports whether want appears within have in order,
// not necessarily contiguously.
func containsSubsequence(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	i := 0
	for _, tok := range have {
		if tok == want[i] {
			i++
			if i == len(want) {
				return true
			}
		}
	}
	return false
}
