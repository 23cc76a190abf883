// Package tokenizer turns full-text property values into the keywords stored
// in a property's keyword projection, and normalises the terms of contains
// predicates the same way so both sides meet in the index.
package tokenizer

import (
	"slices"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

type suffixRule struct {
	suffix      string
	replacement string
	minLen      int
}

// Longer suffixes come first; the first rule whose result is long enough wins.
var suffixRules = []suffixRule{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Keywords returns the distinct stemmed terms of text in sorted order. Words
// shorter than two characters and stop-words are dropped.
func Keywords(text string) []string {
	words := split(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		term, ok := Term(w)
		if !ok {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	slices.Sort(out)
	return out
}

// Term normalises one word the way Keywords does. It reports false for words
// that are never indexed.
func Term(word string) (string, bool) {
	word = strings.ToLower(strings.TrimSpace(word))
	if len(word) < 2 {
		return "", false
	}
	if _, isStop := stopWords[word]; isStop {
		return "", false
	}
	term := stem(word)
	return term, term != ""
}

// Pattern is a normalised contains operand. A trailing '*' in the query asks
// for every keyword starting with Prefix.
type Pattern struct {
	Term   string
	Prefix bool
}

// ParsePattern normalises the operand of a contains predicate. Prefix
// patterns are lower-cased but not stemmed, so "runn*" still finds "running".
func ParsePattern(s string) (Pattern, bool) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "*") {
		p := strings.ToLower(strings.TrimRight(s, "*"))
		if p == "" || len(split(p)) != 1 {
			return Pattern{}, false
		}
		return Pattern{Term: p, Prefix: true}, true
	}
	words := split(s)
	if len(words) != 1 {
		return Pattern{}, false
	}
	term, ok := Term(words[0])
	return Pattern{Term: term}, ok
}

// Matches reports whether any keyword of text satisfies p.
func (p Pattern) Matches(text string) bool {
	if p.Prefix {
		for _, w := range split(text) {
			if strings.HasPrefix(strings.ToLower(w), p.Term) {
				return true
			}
		}
		return false
	}
	_, found := slices.BinarySearch(Keywords(text), p.Term)
	return found
}

func split(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func stem(word string) string {
	for _, rule := range suffixRules {
		if !strings.HasSuffix(word, rule.suffix) {
			continue
		}
		if stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement; len(stemmed) >= rule.minLen {
			return stemmed
		}
	}
	return word
}
