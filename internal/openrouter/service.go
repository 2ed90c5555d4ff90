package openrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Summary bounds.
const (
	DefaultSummaryWords = 200
	MinSummaryWords     = 150
	MaxSummaryWords     = 250

	// summaryLevel is the reading_level cache column for summaries.
	summaryLevel = "summary"

	// maxSummaryInput is how much of a document the summary prompt sees.
	maxSummaryInput = 8000

	DefaultConcurrency = 4
)

// Completer is the subset of Client the service needs.
type Completer interface {
	Model() string
	Complete(ctx context.Context, model string, messages []Message, maxTokens int) (string, string, error)
}

// Service translates and summarises documents with a permanent cache.
type Service struct {
	client      Completer
	store       *store.Store
	ids         ids.Generator
	clock       clock.Clock
	logger      *slog.Logger
	concurrency int64
}

// NewService creates a service. concurrency bounds the chunk translations
// in flight for one document; zero means DefaultConcurrency.
func NewService(c Completer, st *store.Store, gen ids.Generator, clk clock.Clock, logger *slog.Logger, concurrency int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{
		client:      c,
		store:       st,
		ids:         ids.OrDefault(gen),
		clock:       clock.OrSystem(clk),
		logger:      logger,
		concurrency: int64(concurrency),
	}
}

// TranslateRequest asks for a plain English version of a document.
type TranslateRequest struct {
	DocumentID   string   `json:"document_id"`
	Text         string   `json:"document_text"`
	ReadingLevel string   `json:"reading_level"`
	Model        string   `json:"model,omitempty"`
	Metadata     Metadata `json:"metadata"`
}

// Translation is the result of Translate.
type Translation struct {
	DocumentID      string `json:"document_id"`
	TranslatedText  string `json:"translated_text"`
	ReadingLevel    string `json:"reading_level"`
	ModelUsed       string `json:"model_used"`
	Cached          bool   `json:"cached"`
	ChunksProcessed int    `json:"chunks_processed"`
}

// Summary is the result of Summarize.
type Summary struct {
	DocumentID  string `json:"document_id"`
	SummaryText string `json:"summary_text"`
	WordCount   int    `json:"word_count"`
	ModelUsed   string `json:"model_used"`
	Cached      bool   `json:"cached"`
}

func (r *TranslateRequest) validate() error {
	var c apperr.Collector
	c.Check(r.DocumentID != "", "document_id", "is required")
	c.Check(strings.TrimSpace(r.Text) != "", "document_text", "must be non-empty")
	if r.ReadingLevel == "" {
		r.ReadingLevel = Grade8
	}
	c.Check(slices.Contains(ReadingLevels, r.ReadingLevel), "reading_level",
		"must be one of %v, got %q", ReadingLevels, r.ReadingLevel)
	return c.Err()
}

// Translate returns a plain English translation, from cache when the
// document, prompt, level and model all match a previous call. Long
// documents are split into chunks translated concurrently, each cached on
// its own.
func (s *Service) Translate(ctx context.Context, req TranslateRequest) (Translation, error) {
	if err := req.validate(); err != nil {
		return Translation{}, err
	}
	model := req.Model
	if model == "" {
		model = s.client.Model()
	}
	out := Translation{DocumentID: req.DocumentID, ReadingLevel: req.ReadingLevel, ModelUsed: model}

	if !NeedsChunking(req.Text, model) {
		text, used, cached, err := s.translateOne(ctx, req.DocumentID, req.Text, req, model)
		if err != nil {
			return Translation{}, err
		}
		out.TranslatedText, out.ModelUsed, out.Cached, out.ChunksProcessed = text, used, cached, 1
		return out, nil
	}

	chunks := SplitChunks(req.Text, model)
	s.logger.Info("translating in chunks", "document_id", req.DocumentID, "chunks", len(chunks),
		"model", model, "output_limit", OutputLimit(model), "max_input_chars", MaxInputChars(model))

	results := make([]string, len(chunks))
	cachedFlags := make([]bool, len(chunks))
	sem := semaphore.NewWeighted(s.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chunks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			id := req.DocumentID + "_chunk_" + strconv.Itoa(i)
			text, _, cached, err := s.translateOne(gctx, id, ch.Text, req, model)
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			results[i], cachedFlags[i] = text, cached
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Translation{}, err
	}
	out.TranslatedText = CombineChunks(results)
	out.Cached = !slices.Contains(cachedFlags, false)
	out.ChunksProcessed = len(chunks)
	return out, nil
}

// translateOne translates text under the cache key for id.
func (s *Service) translateOne(ctx context.Context, id, text string, req TranslateRequest, model string) (string, string, bool, error) {
	key := store.CacheKey{
		DocumentID:   id,
		SourceHash:   Hash(text),
		ReadingLevel: req.ReadingLevel,
		PromptHash:   Hash(TranslationTemplate),
		Model:        model,
	}
	prompt := BuildPrompt(TranslationTemplate, text, req.ReadingLevel, req.Metadata)
	return s.cached(ctx, key, prompt, OutputLimit(model))
}

// Summarize returns a plain English summary of about maxWords words.
// Zero means DefaultSummaryWords.
func (s *Service) Summarize(ctx context.Context, documentID, text string, maxWords int) (Summary, error) {
	if maxWords == 0 {
		maxWords = DefaultSummaryWords
	}
	var c apperr.Collector
	c.Check(documentID != "", "document_id", "is required")
	c.Check(strings.TrimSpace(text) != "", "document_text", "must be non-empty")
	c.Check(maxWords >= MinSummaryWords && maxWords <= MaxSummaryWords, "max_words",
		"must be %d-%d, got %d", MinSummaryWords, MaxSummaryWords, maxWords)
	if err := c.Err(); err != nil {
		return Summary{}, err
	}

	if utf8.RuneCountInString(text) > maxSummaryInput {
		text = string([]rune(text)[:maxSummaryInput])
	}
	model := s.client.Model()
	key := store.CacheKey{
		DocumentID:   documentID,
		SourceHash:   Hash(text),
		ReadingLevel: summaryLevel,
		PromptHash:   Hash(SummaryTemplate + strconv.Itoa(maxWords)),
		Model:        model,
	}
	out, used, cached, err := s.cached(ctx, key, BuildSummaryPrompt(text, maxWords), 0)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		DocumentID:  documentID,
		SummaryText: out,
		WordCount:   len(strings.Fields(out)),
		ModelUsed:   used,
		Cached:      cached,
	}, nil
}

// cached returns the stored output for key, or calls the model with
// prompt and stores the reply. Entries never expire; a change to the
// source, prompt or model makes a new key.
func (s *Service) cached(ctx context.Context, key store.CacheKey, prompt string, maxTokens int) (string, string, bool, error) {
	hit, err := s.store.GetTranslation(ctx, key)
	if err == nil {
		s.logger.Info("cache hit", "document_id", key.DocumentID,
			"source_hash", key.SourceHash[:8], "prompt_hash", key.PromptHash[:8], "level", key.ReadingLevel)
		return hit.Content, key.Model, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", false, err
	}

	s.logger.Info("cache miss", "document_id", key.DocumentID,
		"source_hash", key.SourceHash[:8], "prompt_hash", key.PromptHash[:8], "level", key.ReadingLevel)
	text, used, err := s.client.Complete(ctx, key.Model, []Message{{Role: "user", Content: prompt}}, maxTokens)
	if err != nil {
		return "", "", false, err
	}

	entry := store.CachedTranslation{ID: s.ids.New(), Key: key, Content: text, CreatedAt: s.clock.Now()}
	if err := s.store.PutTranslation(ctx, entry); err != nil {
		s.logger.Warn("failed to cache output", "document_id", key.DocumentID, "error", err)
	}
	return text, used, false, nil
}
