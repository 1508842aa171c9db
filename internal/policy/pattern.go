package policy

import (
	"regexp"
	"strings"
)

// matchGlob performs glob-style pattern matching where "*" matches any run
// of characters, grounded on the teacher's sandbox glob matcher.
func matchGlob(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == value
	}

	regexPattern := "^" + regexp.QuoteMeta(pattern) + "$"
	regexPattern = strings.ReplaceAll(regexPattern, `\*`, ".*")
	regexPattern = strings.ReplaceAll(regexPattern, `\?`, ".")

	matched, err := regexp.MatchString(regexPattern, value)
	if err != nil {
		return pattern == value
	}
	return matched
}

// literalPrefixLen returns the length of the run of literal (non-wildcard)
// characters at the start of pattern, used to rank policies by specificity
// (spec.md §4.4 — "longest literal prefix first").
func literalPrefixLen(pattern string) int {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return i
	}
	return len(pattern)
}
