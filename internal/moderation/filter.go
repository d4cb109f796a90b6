// Package moderation provides content filtering for room chat. It screens
// message text for blocked terms and spam patterns before a message is
// appended to a room, and usernames for blocked terms before a join.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// DefaultTerms is the built-in blocklist. Multi-word entries match as
// consecutive words.
var DefaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"send nudes",
	"child porn",
	"heil hitler",
	"bomb threat",
	"free bitcoin",
	"crypto giveaway",
	"double your money",
}

// leet maps look-alike characters to the letter they usually stand in for.
var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'$': 's',
	'5': 's',
	'7': 't',
}

// FilterResult is the outcome of a Check. The zero value means clean.
type FilterResult struct {
	Blocked bool
	Reason  string // ReasonBlockedKeyword or ReasonSpamPattern
	Term    string // matched term, or spam check name
}

// Filter matches text against a term blocklist and the spam checks. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter returns a Filter using DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms returns a Filter blocking exactly terms. Terms are
// matched case-insensitively on word boundaries.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		fields := strings.Fields(strings.ToLower(term))
		switch len(fields) {
		case 0:
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, fields)
		}
	}
	return f
}

// Check screens a chat message. Blocked terms win over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if res := f.checkTerms(text); res.Blocked {
		return res
	}
	return f.checkSpamPatterns(text)
}

// CheckUsername screens a username against the blocklist only.
func (f *Filter) CheckUsername(name string) FilterResult {
	return f.checkTerms(name)
}

func (f *Filter) checkTerms(text string) FilterResult {
	if len(f.words) == 0 && len(f.phrases) == 0 {
		return FilterResult{}
	}
	for _, tokens := range [][]string{plainTokens(text), leetTokens(text)} {
		if term, ok := f.match(tokens); ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
		}
	}
	return FilterResult{}
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			if equalWords(tokens[i:i+len(phrase)], phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func equalWords(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// plainTokens splits on anything that is not a letter or digit.
func plainTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// leetTokens splits on whitespace, undoes look-alike substitutions inside each
// word and then drops the remaining punctuation.
func leetTokens(text string) []string {
	var out []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range word {
			if m, ok := leet[r]; ok {
				r = m
			}
			if unicode.IsLetter(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return out
}
