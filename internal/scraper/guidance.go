package scraper

import (
	"regexp"
	"strings"
)

// GuidanceKeywords mark a page as guidance when at least
// MinKeywordMatches of them appear.
var GuidanceKeywords = []string{
	"guidance",
	"instruction",
	"application",
	"service",
	"how to",
	"eligibility",
	"apply",
	"rules",
	"regulations",
}

// MinKeywordMatches is the keyword threshold for IsGuidance.
const MinKeywordMatches = 3

var guidancePath = regexp.MustCompile(`(?i)/guidance/|/how-to|/apply-`)

// IsGuidance reports whether a page looks like guidance, either from its
// URL or from the keywords in its HTML.
func IsGuidance(pageURL, page string) bool {
	if guidancePath.MatchString(pageURL) {
		return true
	}
	lower := strings.ToLower(page)
	n := 0
	for _, kw := range GuidanceKeywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n >= MinKeywordMatches
}
