package moderation

import (
	"regexp"
	"strings"
)

// Spam check names reported in FilterResult.Term.
const (
	SpamURL       = "url"
	SpamPhone     = "phone"
	SpamCharFlood = "char_flood"
	SpamWordFlood = "word_flood"
)

// Flood thresholds: a run this long of the same character or word is spam.
const (
	charFloodRun = 5
	wordFloodRun = 3
)

var (
	// Bare domains need a trailing path so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored on whitespace so short numbers inside words pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamChecks run in order; the first hit is reported.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{SpamURL, urlPattern.MatchString},
	{SpamPhone, phonePattern.MatchString},
	{SpamCharFlood, hasCharFlood},
	{SpamWordFlood, hasWordFlood},
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return FilterResult{}
}

// hasCharFlood reports a run of charFloodRun identical characters. RE2 has
// no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	chars := make([]string, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	return hasRun(chars, charFloodRun)
}

// hasWordFlood reports wordFloodRun consecutive equal words, ignoring case.
func hasWordFlood(text string) bool {
	return hasRun(strings.Fields(strings.ToLower(text)), wordFloodRun)
}

func hasRun(items []string, n int) bool {
	if len(items) < n {
		return false
	}
	run := 1
	for i := 1; i < len(items); i++ {
		if items[i] != items[i-1] {
			run = 1
			continue
		}
		run++
		if run >= n {
			return true
		}
	}
	return false
}
