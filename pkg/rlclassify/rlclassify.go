// Package rlclassify implements the cross-provider rate-limit error
// classifier: case-insensitive substring and status-code matching plus a
// "retry after N seconds" regex extractor, shared by every engine adapter
// so each one does not reimplement its own heuristics.
package rlclassify

import (
	"regexp"
	"strings"
)

var substrings = []string{
	"rate_limit", "rate limit", "429", "too many requests", "quota",
	"resource_exhausted", "retry_after", "retry-after", "overloaded", "503",
}

var retryAfterPattern = regexp.MustCompile(`retry[\s_-]?after\D{0,10}(\d+)\s*(?:s|sec|second|seconds)?`)

// IsRateLimit reports whether err's message matches a known rate-limit
// signal, case-insensitively.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	return MatchesText(err.Error())
}

// MatchesText reports whether the given text (an error message or raw
// provider response body) matches a known rate-limit signal.
func MatchesText(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RetryAfterSeconds extracts a "retry after N seconds" hint from text, if
// present.
func RetryAfterSeconds(text string) (int, bool) {
	m := retryAfterPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, false
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n, true
}
