package search

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/queryir"
	"github.com/roach88/caseguide/internal/store"
)

// Facet types, read from document metadata.
const (
	FacetDocumentType = "document_type"
	FacetDateRange    = "date_range"
	FacetSource       = "source"

	// MaxFacetDocuments caps the matches a facet or preview call reads.
	MaxFacetDocuments = 1000

	metaPublished = "publication_date"
)

// datePreset is a named publication window. A zero window means all time.
type datePreset struct {
	value, label string
	window       time.Duration
}

var datePresets = []datePreset{
	{"last_30_days", "Last 30 days", 30 * 24 * time.Hour},
	{"last_6_months", "Last 6 months", 180 * 24 * time.Hour},
	{"last_year", "Last year", 365 * 24 * time.Hour},
	{"all_time", "All time", 0},
}

var documentTypeLabels = map[string]string{
	"guidance":               "Guidance",
	"form":                   "Form",
	"appendix":               "Appendix",
	"caseworker_instruction": "Caseworker Instruction",
	"policy":                 "Policy",
	"other":                  "Other",
}

var sourceLabels = map[string]string{
	"home_office":     "Home Office",
	"passport_office": "Passport Office",
	"ukvi":            "UK Visas and Immigration",
	"border_force":    "Border Force",
	"unknown":         "Unknown",
}

// FacetValue is one selectable filter value.
type FacetValue struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facet lists the values of one facet type.
type Facet struct {
	Type   string       `json:"facet_type"`
	Values []FacetValue `json:"values"`
}

// FacetResult describes the documents matching a query.
type FacetResult struct {
	Query  string  `json:"query"`
	Total  int     `json:"total"`
	Facets []Facet `json:"facets"`

	// Truncated is set when more than MaxFacetDocuments matched and the
	// counts cover only the first of them.
	Truncated bool `json:"truncated"`
}

// DateRange selects documents by publication date, either by preset or
// by an inclusive start and end.
type DateRange struct {
	Preset string `json:"preset,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
}

// FilterSet is a combination of facet filters. Empty lists match
// everything.
type FilterSet struct {
	DocumentTypes []string   `json:"document_type,omitempty"`
	Sources       []string   `json:"source,omitempty"`
	DateRange     *DateRange `json:"date_range,omitempty"`
}

// Merge adds other to f: list filters are unioned and a date range in
// other replaces f's.
func (f FilterSet) Merge(other FilterSet) FilterSet {
	out := FilterSet{
		DocumentTypes: union(f.DocumentTypes, other.DocumentTypes),
		Sources:       union(f.Sources, other.Sources),
		DateRange:     f.DateRange,
	}
	if other.DateRange != nil {
		out.DateRange = other.DateRange
	}
	return out
}

func union(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

// PreviewRequest asks how many documents a query would return with
// Preview applied on top of Current.
type PreviewRequest struct {
	Query   string    `json:"query"`
	Current FilterSet `json:"current_filters"`
	Preview FilterSet `json:"preview_filter"`
}

// PreviewResult is the count for a filter combination.
type PreviewResult struct {
	Filters     FilterSet `json:"filters"`
	ResultCount int       `json:"result_count"`
}

// Facets counts document types, sources and date presets over the
// documents matching q. An empty q covers every document.
func (s *Service) Facets(ctx context.Context, actor admin.Actor, q string) (FacetResult, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return FacetResult{}, err
	}
	docs, total, err := s.facetDocuments(ctx, q)
	if err != nil {
		return FacetResult{}, err
	}
	now := s.clock.Now()
	res := FacetResult{
		Query: q,
		Total: total,
		Facets: []Facet{
			{Type: FacetDocumentType, Values: countValues(docs, FacetDocumentType, "other", documentTypeLabels)},
			{Type: FacetDateRange, Values: countDateRanges(docs, now)},
			{Type: FacetSource, Values: countValues(docs, FacetSource, "unknown", sourceLabels)},
		},
		Truncated: total > len(docs),
	}
	s.logger.Debug("facets calculated", "documents", len(docs), "total", total)
	return res, nil
}

// PreviewCount returns how many documents matching req.Query pass the
// merged filters, without recording a search.
func (s *Service) PreviewCount(ctx context.Context, actor admin.Actor, req PreviewRequest) (PreviewResult, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return PreviewResult{}, err
	}
	filters := req.Current.Merge(req.Preview)
	match, err := filters.matcher(s.clock.Now())
	if err != nil {
		return PreviewResult{}, err
	}
	docs, _, err := s.facetDocuments(ctx, req.Query)
	if err != nil {
		return PreviewResult{}, err
	}
	n := 0
	for _, d := range docs {
		if match(d) {
			n++
		}
	}
	return PreviewResult{Filters: filters, ResultCount: n}, nil
}

func (s *Service) facetDocuments(ctx context.Context, q string) ([]store.Document, int, error) {
	var pred queryir.Predicate
	if strings.TrimSpace(q) != "" {
		p, err := parseQuery(q)
		if err != nil {
			return nil, 0, err
		}
		pred = p
	}
	return s.store.SearchDocuments(ctx, queryir.Select{Filter: pred, Limit: MaxFacetDocuments})
}

// matcher validates f and returns a predicate over documents.
func (f FilterSet) matcher(now time.Time) (func(store.Document) bool, error) {
	from, to, err := f.DateRange.bounds(now)
	if err != nil {
		return nil, err
	}
	return func(d store.Document) bool {
		if len(f.DocumentTypes) > 0 && !slices.Contains(f.DocumentTypes, metaString(d, FacetDocumentType, "other")) {
			return false
		}
		if len(f.Sources) > 0 && !slices.Contains(f.Sources, metaString(d, FacetSource, "unknown")) {
			return false
		}
		if from.IsZero() && to.IsZero() {
			return true
		}
		p := published(d)
		return !p.Before(from) && (to.IsZero() || p.Before(to))
	}, nil
}

// bounds returns the half-open interval [from, to) selected by r. Zero
// bounds are open. A date-only end covers that whole day.
func (r *DateRange) bounds(now time.Time) (from, to time.Time, err error) {
	if r == nil {
		return time.Time{}, time.Time{}, nil
	}
	if r.Preset != "" {
		i := slices.IndexFunc(datePresets, func(p datePreset) bool { return p.value == r.Preset })
		if i < 0 {
			return from, to, apperr.Invalid("date_range.preset", "must be one of last_30_days, last_6_months, last_year, all_time")
		}
		if w := datePresets[i].window; w > 0 {
			from = now.Add(-w)
		}
		return from, to, nil
	}

	var c apperr.Collector
	c.Check(r.Start != "" && r.End != "", "date_range", "needs a preset or both start and end")
	if err := c.Err(); err != nil {
		return from, to, err
	}
	from, startOK := parseDate(r.Start)
	end, endOK := parseDate(r.End)
	c.Check(startOK, "date_range.start", "must be an ISO-8601 date")
	c.Check(endOK, "date_range.end", "must be an ISO-8601 date")
	if err := c.Err(); err != nil {
		return from, to, err
	}
	if _, err := time.Parse(time.DateOnly, r.End); err == nil {
		end = end.AddDate(0, 0, 1)
	} else {
		end = end.Add(time.Nanosecond)
	}
	if !end.After(from) {
		return from, to, apperr.Invalid("date_range", "end must not be before start")
	}
	return from, end, nil
}

func countValues(docs []store.Document, key, fallback string, labels map[string]string) []FacetValue {
	counts := map[string]int{}
	for _, d := range docs {
		counts[metaString(d, key, fallback)]++
	}
	out := make([]FacetValue, 0, len(counts))
	for v, n := range counts {
		out = append(out, FacetValue{Label: label(v, labels), Value: v, Count: n})
	}
	slices.SortFunc(out, func(a, b FacetValue) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Value, b.Value))
	})
	return out
}

func countDateRanges(docs []store.Document, now time.Time) []FacetValue {
	out := make([]FacetValue, 0, len(datePresets))
	for _, p := range datePresets {
		n := len(docs)
		if p.window > 0 {
			cutoff := now.Add(-p.window)
			n = 0
			for _, d := range docs {
				if !published(d).Before(cutoff) {
					n++
				}
			}
		}
		out = append(out, FacetValue{Label: p.label, Value: p.value, Count: n})
	}
	return out
}

func label(v string, labels map[string]string) string {
	if l, ok := labels[v]; ok {
		return l
	}
	return cases.Title(language.BritishEnglish).String(strings.ReplaceAll(v, "_", " "))
}

func metaString(d store.Document, key, fallback string) string {
	if v, ok := d.Metadata[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// published returns the document's publication date, or the Unix epoch
// when it is missing or unparseable.
func published(d store.Document) time.Time {
	raw, _ := d.Metadata[metaPublished].(string)
	t, ok := parseDate(raw)
	if !ok {
		return time.Unix(0, 0).UTC()
	}
	return t
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
