package api

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/openrouter"
	"github.com/roach88/caseguide/internal/rerank"
	"github.com/roach88/caseguide/internal/scraper"
)

const maxRerankDocuments = 1000

func unavailable(feature string) error {
	return apperr.New(apperr.CodeUnavailable, "%s is not configured", feature)
}

func (s *Server) artifactRoutes(r chi.Router) {
	r.Post("/", s.uploadArtifact)
	r.Get("/{id}", s.getArtifact)
}

// uploadArtifact reads the "file" part of a multipart form. The part is
// streamed to the artifact service, which enforces the size limit.
func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	if s.svc.Artifacts == nil {
		s.writeError(w, r, unavailable("artifact storage"))
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, apperr.Invalid("file", "expected a multipart/form-data upload"))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, r, apperr.Invalid("file", "no file uploaded"))
			return
		}
		if err != nil {
			s.writeError(w, r, apperr.Invalid("file", "malformed multipart body: %v", err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		a, err := s.svc.Artifacts.Upload(r.Context(), actor(r), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		a.ExtractedText = ""
		writeData(w, http.StatusCreated, a)
		return
	}
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	if s.svc.Artifacts == nil {
		s.writeError(w, r, unavailable("artifact storage"))
		return
	}
	a, err := s.svc.Artifacts.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (s *Server) rerankRoutes(r chi.Router) {
	r.Use(s.requirePermission(admin.Perm(admin.CategorySearch, admin.ActionRead)))
	r.Post("/", s.rerank)
	r.Get("/health", s.rerankHealth)
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
	Provider  string   `json:"provider"`
}

// RankedDocument is one reranked input, best first.
type RankedDocument struct {
	Index    int     `json:"index"`
	Score    float64 `json:"score"`
	Document string  `json:"document"`
}

type rerankResponse struct {
	Provider string           `json:"provider"`
	Ranked   []RankedDocument `json:"results"`
	Uniform  bool             `json:"uniform_scores"`
	rerank.Result
}

func (req rerankRequest) validate() error {
	var c apperr.Collector
	c.Check(strings.TrimSpace(req.Query) != "", "query", "is required")
	c.Check(len(req.Documents) > 0 && len(req.Documents) <= maxRerankDocuments, "documents", "must contain 1-%d documents", maxRerankDocuments)
	c.Check(req.TopK >= 0, "top_k", "must be >= 0")
	return c.Err()
}

func (s *Server) rerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = s.svc.DefaultReranker
	}
	rr, ok := s.svc.Rerankers[provider]
	if !ok {
		s.writeError(w, r, unavailable("reranker "+strings.TrimSpace(provider)))
		return
	}

	res, err := rr.Rerank(r.Context(), req.Query, req.Documents, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Uniform() {
		s.logger.Warn("reranker returned uniform scores", "provider", provider, "model", res.Model, "variance", res.Variance)
	}
	writeData(w, http.StatusOK, rerankResponse{
		Provider: provider,
		Ranked:   rank(req.Documents, res.Scores, req.TopK),
		Uniform:  res.Uniform(),
		Result:   res,
	})
}

// rank orders documents by score, keeping input order on ties, and keeps
// the first topK when topK > 0.
func rank(docs []string, scores []float64, topK int) []RankedDocument {
	out := make([]RankedDocument, 0, len(scores))
	for i, sc := range scores {
		if i < len(docs) {
			out = append(out, RankedDocument{Index: i, Score: sc, Document: docs[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}

func (s *Server) rerankHealth(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(s.svc.Rerankers))
	for p := range s.svc.Rerankers {
		providers = append(providers, p)
	}
	slices.Sort(providers)
	rs := make([]rerank.Reranker, len(providers))
	for i, p := range providers {
		rs[i] = s.svc.Rerankers[p]
	}
	writeData(w, http.StatusOK, rerank.CheckAll(r.Context(), rs))
}

func (s *Server) translateRoutes(r chi.Router) {
	r.Use(s.requirePermission(admin.Perm(admin.CategorySearch, admin.ActionRead)))
	r.Use(s.rateLimit("translate"))
	r.Post("/", s.translate)
	r.Post("/summarize", s.summarize)
}

func (s *Server) translate(w http.ResponseWriter, r *http.Request) {
	if s.svc.Translator == nil {
		s.writeError(w, r, unavailable("translation"))
		return
	}
	var req openrouter.TranslateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Translator.Translate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	if s.svc.Translator == nil {
		s.writeError(w, r, unavailable("translation"))
		return
	}
	var req struct {
		DocumentID string `json:"document_id"`
		Text       string `json:"document_text"`
		MaxWords   int    `json:"max_words"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Translator.Summarize(r.Context(), req.DocumentID, req.Text, req.MaxWords)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) modelRoutes(r chi.Router) {
	r.Use(s.requirePermission(admin.Perm(admin.CategorySearch, admin.ActionRead)))
	r.Get("/openrouter", s.listModels)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	if s.svc.Models == nil {
		s.writeError(w, r, unavailable("model catalog"))
		return
	}
	res, err := s.svc.Models.Models(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) scrapeRoutes(r chi.Router) {
	r.Use(s.requirePermission(admin.Perm(admin.CategorySearch, admin.ActionWrite)))
	r.Use(s.limitConnections)
	r.Post("/", s.scrape)
	r.Post("/validate", s.validateScrapeURL)
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scraper == nil {
		s.writeError(w, r, unavailable("scraping"))
		return
	}
	var req scraper.Request
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, r, apperr.Invalid("urls", "at least one URL is required"))
		return
	}
	res, err := s.svc.Scraper.Crawl(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) validateScrapeURL(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scraper == nil {
		s.writeError(w, r, unavailable("scraping"))
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Scraper.Validator().Validate(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"url": u.String(), "valid": true})
}
