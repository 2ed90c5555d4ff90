// Package scraper crawls GOV.UK guidance pages breadth-first, strips the
// site chrome and stores the remaining text as searchable documents.
package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/htmltext"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Defaults.
const (
	DefaultMaxDepth    = 20
	DefaultRate        = 1.0
	DefaultUserAgent   = "caseguide-scraper/1.0"
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second

	maxPageSize  = 10 * 1024 * 1024
	maxRedirects = 10
)

// Scraper fetches and stores guidance pages.
type Scraper struct {
	store       *store.Store
	validator   *Validator
	stripper    *Stripper
	http        *http.Client
	limiter     *rate.Limiter
	userAgent   string
	concurrency int
	maxDepth    int
	ids         ids.Generator
	clock       clock.Clock
	logger      *slog.Logger
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithResolver sets the DNS resolver used for URL validation.
func WithResolver(r Resolver) Option {
	return func(s *Scraper) { s.validator = NewValidator(r) }
}

// WithHTTPClient sets the HTTP client. The scraper uses a copy whose
// redirects are validated like any other URL.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scraper) { s.http = c }
}

// WithRate sets the request pace in requests per second. rate.Inf
// disables pacing.
func WithRate(r rate.Limit) Option {
	return func(s *Scraper) { s.limiter = rate.NewLimiter(r, 1) }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Scraper) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithConcurrency bounds the fetches in flight.
func WithConcurrency(n int) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxDepth sets the crawl depth used when a request leaves it unset.
func WithMaxDepth(n int) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithIDs sets the document ID generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Scraper) { s.ids = g }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scraper) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scraper) { s.logger = l }
}

// New creates a scraper that stores documents in st.
func New(st *store.Store, opts ...Option) *Scraper {
	s := &Scraper{
		store:       st,
		http:        &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Limit(DefaultRate), 1),
		userAgent:   DefaultUserAgent,
		concurrency: DefaultConcurrency,
		maxDepth:    DefaultMaxDepth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = NewValidator(nil)
	}
	s.http = s.guardRedirects(s.http)
	s.stripper = NewStripper(s.logger)
	s.ids = ids.OrDefault(s.ids)
	s.clock = clock.OrSystem(s.clock)
	return s
}

// guardRedirects returns a copy of c that refuses any redirect target the
// validator rejects, so a gov.uk page cannot bounce a fetch to an internal
// address. The client's own CheckRedirect still runs afterwards.
func (s *Scraper) guardRedirects(c *http.Client) *http.Client {
	guarded := *c
	next := c.CheckRedirect
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if _, err := s.validator.Validate(req.Context(), req.URL.String()); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	return &guarded
}

// Validator returns the URL validator.
func (s *Scraper) Validator() *Validator { return s.validator }

// Request configures a crawl.
type Request struct {
	URLs            []string `json:"urls"`
	MaxDepth        int      `json:"max_depth"`
	ValidateContent bool     `json:"validate_content"`
}

// Page is a fetched and extracted page.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Depth       int    `json:"depth"`
	Stats       Stats  `json:"chrome_stats"`

	links []string
	raw   string
}

// Result summarises a crawl.
type Result struct {
	DiscoveredURLs  []string         `json:"discovered_urls"`
	Documents       []store.Document `json:"scraped_documents"`
	RejectedURLs    []string         `json:"rejected_urls"`
	FilteredURLs    int              `json:"filtered_urls"`
	DuplicateURLs   int              `json:"duplicate_urls"`
	FailedURLs      int              `json:"failed_urls"`
	MaxDepthReached int              `json:"max_depth_reached"`
	StoppedAtDepth  bool             `json:"stopped_at_depth"`
}

type target struct {
	url   string
	depth int
}

// Crawl visits req.URLs and the gov.uk pages they link to, breadth-first
// up to MaxDepth links away. Pages whose text hash was already seen, in
// this crawl or in the store, are not stored again. Fetch failures are
// counted and logged; the crawl only fails if ctx ends or the store does.
func (s *Scraper) Crawl(ctx context.Context, req Request) (Result, error) {
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = s.maxDepth
	}
	res := Result{DiscoveredURLs: []string{}, Documents: []store.Document{}, RejectedURLs: []string{}}
	visited := make(map[string]bool)
	hashes := make(map[string]bool)

	var level []target
	for _, raw := range req.URLs {
		if _, err := s.validator.Validate(ctx, raw); err != nil {
			s.logger.Warn("URL validation failed", "url", raw, "error", err)
			res.RejectedURLs = append(res.RejectedURLs, raw)
			continue
		}
		level = append(level, target{url: raw})
	}

	for depth := 0; len(level) > 0 && depth <= maxDepth; depth++ {
		var batch []target
		for _, t := range level {
			if !visited[t.url] {
				visited[t.url] = true
				batch = append(batch, t)
			}
		}
		if len(batch) == 0 {
			break
		}
		res.MaxDepthReached = depth

		pages, err := s.fetchAll(ctx, batch)
		if err != nil {
			return res, err
		}

		var next []target
		for i, p := range pages {
			if p == nil {
				res.FailedURLs++
				continue
			}
			if req.ValidateContent && !IsGuidance(p.URL, p.raw) {
				res.FilteredURLs++
				continue
			}
			stored, err := s.keep(ctx, p, hashes)
			if err != nil {
				return res, err
			}
			if stored != nil {
				res.Documents = append(res.Documents, *stored)
				res.DiscoveredURLs = append(res.DiscoveredURLs, p.URL)
			} else {
				res.DuplicateURLs++
			}
			if depth < maxDepth {
				for _, link := range p.links {
					if visited[link] {
						continue
					}
					if _, err := s.validator.Validate(ctx, link); err != nil {
						continue
					}
					next = append(next, target{url: link, depth: batch[i].depth + 1})
				}
			}
		}
		level = next
	}

	res.StoppedAtDepth = res.MaxDepthReached >= maxDepth
	s.logger.Info("crawl finished",
		"stored", len(res.Documents), "filtered", res.FilteredURLs, "duplicates", res.DuplicateURLs,
		"failed", res.FailedURLs, "max_depth_reached", res.MaxDepthReached)
	return res, nil
}

// fetchAll fetches targets concurrently, paced by the rate limiter. The
// result has one entry per target, nil where the fetch failed.
func (s *Scraper) fetchAll(ctx context.Context, targets []target) ([]*Page, error) {
	pages := make([]*Page, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			p, err := s.fetch(gctx, t.url)
			if err != nil {
				s.logger.Warn("scrape failed", "url", t.url, "error", err)
				return nil
			}
			p.Depth = t.depth
			pages[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, ctx.Err()
}

// keep stores p unless its content hash is already known. It returns nil
// for a duplicate.
func (s *Scraper) keep(ctx context.Context, p *Page, seen map[string]bool) (*store.Document, error) {
	if seen[p.ContentHash] {
		return nil, nil
	}
	seen[p.ContentHash] = true
	exists, err := s.store.DocumentHashExists(ctx, p.ContentHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	doc := store.Document{
		ID:      s.ids.New(),
		URL:     p.URL,
		Title:   p.Title,
		Content: p.Content,
		Metadata: map[string]any{
			"source":            "scraper",
			"depth":             p.Depth,
			"chrome_percentage": p.Stats.ChromePercentage,
			"patterns_matched":  p.Stats.PatternsMatched,
		},
		ContentHash: p.ContentHash,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Scrape validates and fetches a single page without following links or
// storing it.
func (s *Scraper) Scrape(ctx context.Context, raw string) (*Page, error) {
	if _, err := s.validator.Validate(ctx, raw); err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.fetch(ctx, raw)
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return s.extract(pageURL, string(body))
}

// extract parses a page: links come from the whole document, text only
// from the main content left after chrome removal.
func (s *Scraper) extract(pageURL, raw string) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	p := &Page{URL: pageURL, Title: pageURL, raw: raw, links: Links(doc, base)}
	if t := title(doc); t != "" {
		p.Title = t
	}

	cleaned, stats := s.stripper.Strip(raw, pageURL)
	p.Stats = stats
	if p.Content, err = htmltext.Extract(strings.NewReader(cleaned)); err != nil {
		return nil, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	p.ContentHash = HashContent(p.Content)
	return p, nil
}

// HashContent is the hex SHA-256 of extracted page text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func title(doc *html.Node) string {
	n := find(doc, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == atom.Title })
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmltext.Text(n))
}

// Links returns the distinct absolute links in doc, reduced to
// scheme://host/path so query strings and fragments do not create
// duplicates.
func Links(doc *html.Node, base *url.URL) []string {
	var anchors []*html.Node
	collectAll(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.A && attr(n, "href") != ""
	}, &anchors)

	seen := make(map[string]bool)
	var out []string
	for _, a := range anchors {
		ref, err := url.Parse(strings.TrimSpace(attr(a, "href")))
		if err != nil {
			continue
		}
		u := base.ResolveReference(ref)
		if u.Host == "" {
			continue
		}
		clean := u.Scheme + "://" + u.Host + u.EscapedPath()
		if !seen[clean] {
			seen[clean] = true
			out = append(out, clean)
		}
	}
	return out
}

func collectAll(n *html.Node, fn func(*html.Node) bool, out *[]*html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if fn(c) {
			*out = append(*out, c)
		}
		collectAll(c, fn, out)
	}
}
