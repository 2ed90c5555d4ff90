package scraper

import (
	"bytes"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// StripperVersion is recorded with every removal.
const StripperVersion = "1.0.0"

// ChromeSelectors are the GOV.UK page furniture removed before text
// extraction, grouped by the fifteen patterns they implement: cookie
// banner, skip link, header, breadcrumbs, footer, feedback, print link,
// phase banner, related navigation, step nav, contextual sidebar, report
// a problem, improvement banner, emergency banner and non-content tags.
var ChromeSelectors = []string{
	".gem-c-cookie-banner",
	"#global-cookie-message",
	".gem-c-skip-link",
	".govuk-skip-link",
	`a[href="#main-content"]`,
	".govuk-header",
	".gem-c-layout-super-navigation-header",
	".gem-c-breadcrumbs",
	".govuk-footer",
	".gem-c-intervention",
	".gem-c-feedback",
	".gem-c-print-link",
	".gem-c-phase-banner",
	".gem-c-related-navigation",
	"aside.govuk-related-items",
	"aside",
	".gem-c-step-nav",
	".app-step-nav",
	".gem-c-contextual-sidebar",
	".gem-c-report-a-problem-link",
	".gem-c-improvement-banner",
	".gem-c-emergency-banner",
	"script",
	"style",
	"noscript",
	`link[rel="stylesheet"]`,
}

// selector is a compiled simple CSS selector: an optional tag with an
// optional class, id or attribute equality test.
type selector struct {
	name  string
	tag   string
	class string
	id    string
	attr  string
	value string
}

var attrSelector = regexp.MustCompile(`^([a-z]*)\[([a-z-]+)="([^"]*)"\]$`)

func compileSelector(s string) selector {
	sel := selector{name: patternName(s)}
	switch {
	case strings.HasPrefix(s, "#"):
		sel.id = s[1:]
	case attrSelector.MatchString(s):
		m := attrSelector.FindStringSubmatch(s)
		sel.tag, sel.attr, sel.value = m[1], m[2], m[3]
	default:
		tag, class, _ := strings.Cut(s, ".")
		sel.tag, sel.class = tag, class
	}
	return sel
}

func (s selector) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	switch {
	case s.id != "":
		return attr(n, "id") == s.id
	case s.class != "":
		return hasClass(n, s.class)
	case s.attr != "":
		return attr(n, s.attr) == s.value
	}
	return true
}

var bracketed = regexp.MustCompile(`\[.*?\]`)

// patternName turns a selector into a short stats label:
// ".gem-c-cookie-banner" becomes "cookie-banner".
func patternName(s string) string {
	s = strings.TrimLeft(s, ".#")
	s = bracketed.ReplaceAllString(s, "")
	if f := strings.Fields(s); len(f) > 1 {
		s = f[len(f)-1]
	}
	s = strings.ReplaceAll(s, "gem-c-", "")
	return strings.ReplaceAll(s, "govuk-", "")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), class)
}

// Stats describes one chrome removal. Character counts are in runes.
type Stats struct {
	OriginalChars    int      `json:"original_chars"`
	ChromeChars      int      `json:"chrome_chars"`
	GuidanceChars    int      `json:"guidance_chars"`
	ChromePercentage float64  `json:"chrome_percentage"`
	PatternsMatched  []string `json:"patterns_matched"`
}

// Stripper removes page chrome from GOV.UK HTML.
type Stripper struct {
	selectors []selector
	logger    *slog.Logger
}

// NewStripper compiles ChromeSelectors. A nil logger uses slog.Default().
func NewStripper(logger *slog.Logger) *Stripper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stripper{logger: logger}
	for _, sel := range ChromeSelectors {
		s.selectors = append(s.selectors, compileSelector(sel))
	}
	return s
}

// Strip parses page, removes chrome and returns the main content node
// rendered as HTML with removal stats. If the page cannot be processed it
// is returned unchanged with zero chrome.
func (s *Stripper) Strip(page, documentID string) (string, Stats) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		s.logger.Warn("chrome detection failed", "document_id", documentID, "error", err)
		n := utf8.RuneCountInString(page)
		return page, Stats{OriginalChars: n, GuidanceChars: n, PatternsMatched: []string{}}
	}
	main, matched := s.StripNode(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, main); err != nil {
		s.logger.Warn("chrome detection failed", "document_id", documentID, "error", err)
		n := utf8.RuneCountInString(page)
		return page, Stats{OriginalChars: n, GuidanceChars: n, PatternsMatched: []string{}}
	}
	cleaned := buf.String()

	st := Stats{
		OriginalChars:   utf8.RuneCountInString(page),
		GuidanceChars:   utf8.RuneCountInString(cleaned),
		PatternsMatched: matched,
	}
	st.ChromeChars = st.OriginalChars - st.GuidanceChars
	if st.OriginalChars > 0 {
		st.ChromePercentage = round2(float64(st.ChromeChars) / float64(st.OriginalChars) * 100)
	}
	s.logger.Info("chrome removed from document",
		"document_id", documentID,
		"chrome_percentage", st.ChromePercentage,
		"original_chars", st.OriginalChars,
		"chrome_chars", st.ChromeChars,
		"guidance_chars", st.GuidanceChars,
		"patterns_matched", st.PatternsMatched,
		"chrome_stripper_version", StripperVersion)
	return cleaned, st
}

// StripNode removes chrome from the parsed document in place and returns
// the main content node with the names of the patterns that matched.
func (s *Stripper) StripNode(doc *html.Node) (*html.Node, []string) {
	matched := []string{}
	for _, sel := range s.selectors {
		var hits []*html.Node
		collect(doc, sel.match, &hits)
		if len(hits) == 0 {
			continue
		}
		if !slices.Contains(matched, sel.name) {
			matched = append(matched, sel.name)
		}
		for _, n := range hits {
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
			}
		}
	}
	return mainContent(doc), matched
}

// collect appends the outermost nodes matching fn.
func collect(n *html.Node, fn func(*html.Node) bool, out *[]*html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if fn(c) {
			*out = append(*out, c)
			continue
		}
		collect(c, fn, out)
	}
}

func find(n *html.Node, fn func(*html.Node) bool) *html.Node {
	var hits []*html.Node
	collect(n, fn, &hits)
	if len(hits) == 0 {
		return nil
	}
	return hits[0]
}

// mainContent picks the content root: the GOV.UK main wrapper, any main
// element, div#content, then body.
func mainContent(doc *html.Node) *html.Node {
	candidates := []func(*html.Node) bool{
		func(n *html.Node) bool { return n.DataAtom == atom.Main && hasClass(n, "govuk-main-wrapper") },
		func(n *html.Node) bool { return n.DataAtom == atom.Main },
		func(n *html.Node) bool { return n.DataAtom == atom.Div && attr(n, "id") == "content" },
		func(n *html.Node) bool { return n.DataAtom == atom.Body },
	}
	for _, fn := range candidates {
		if n := find(doc, func(n *html.Node) bool { return n.Type == html.ElementNode && fn(n) }); n != nil {
			return n
		}
	}
	return doc
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
