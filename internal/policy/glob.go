package policy

import (
	"regexp"
	"strings"
)

// MatchGlob performs glob-style pattern matching: "*" matches any run of
// characters, "?" matches exactly one. A bare "*" short-circuits to true.
func MatchGlob(pattern, value string) bool {
	if pattern == "*" {
		return true
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
