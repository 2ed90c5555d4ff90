package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/testutil"
)

func TestOutputLimits(t *testing.T) {
	assert.Equal(t, 4096, OutputLimit(DefaultModel))
	assert.Equal(t, 32768, OutputLimit("qwen/qwen-2.5-72b-instruct"))
	assert.Equal(t, DefaultOutputLimit, OutputLimit("someone/new-model"))
	assert.Equal(t, 17064, MaxInputChars(DefaultModel))

	assert.Equal(t, 300, EstimateOutputTokens(strings.Repeat("x", 1000)))
	assert.False(t, NeedsChunking(strings.Repeat("x", 10000), DefaultModel))
	assert.True(t, NeedsChunking(strings.Repeat("x", 11000), DefaultModel))
}

func joinChunks(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestSplitChunksSections(t *testing.T) {
	doc := "Intro\n" +
		"## A\n" + strings.Repeat("a", 9000) + "\n" +
		"## B\n" + strings.Repeat("b", 9000) + "\n" +
		"### C\n" + strings.Repeat("c", 100)

	chunks := SplitChunks(doc, DefaultModel)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Intro\n## A\n"))
	assert.True(t, strings.HasPrefix(chunks[1].Text, "## B\n"))
	assert.Contains(t, chunks[1].Text, "### C\n")
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, chunks[0].End, chunks[1].Start)
	assert.Equal(t, len(doc), chunks[1].End)
	assert.Equal(t, doc, joinChunks(chunks))
}

func TestSplitChunksOversizeSection(t *testing.T) {
	doc := "## Small\nok\n## Huge\n" + strings.Repeat("d", 40000)
	chunks := SplitChunks(doc, DefaultModel)
	require.Len(t, chunks, 4)
	assert.Equal(t, "## Small\nok\n", chunks[0].Text)
	assert.Equal(t, 17064, len(chunks[1].Text))
	assert.Equal(t, 17064, len(chunks[2].Text))
	assert.Equal(t, doc, joinChunks(chunks))
}

func TestSplitChunksNoHeadings(t *testing.T) {
	doc := strings.Repeat("é", 20000)
	chunks := SplitChunks(doc, DefaultModel)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("é", 17064), chunks[0].Text)
	assert.Equal(t, strings.Repeat("é", 2936), chunks[1].Text)
	assert.Equal(t, doc, joinChunks(chunks))
}

func TestCombineChunks(t *testing.T) {
	assert.Equal(t, "only", CombineChunks([]string{"only"}))
	got := CombineChunks([]string{
		"# Title\n\n## One\nfirst",
		"# Title again\nnoise\n## Two\nsecond",
		"no headings at all",
	})
	assert.Equal(t, "# Title\n\n## One\nfirst\n\n## Two\nsecond\n\nno headings at all", got)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(TranslationTemplate, "BODY", Grade6, Metadata{})
	assert.Contains(t, p, "- Title: Unknown Document")
	assert.Contains(t, p, "- Type: guidance")
	assert.Contains(t, p, "reader aged 9")
	assert.True(t, strings.HasSuffix(p, "DOCUMENT TO TRANSLATE:\nBODY"))
	assert.NotContains(t, p, "{doc_url}")

	p = BuildPrompt(TranslationTemplate, "BODY", "grade99", Metadata{Title: "Visas", URL: "https://www.gov.uk/visas"})
	assert.Contains(t, p, "reader aged 11")
	assert.Contains(t, p, "**Source**: https://www.gov.uk/visas")
}

func TestHash(t *testing.T) {
	assert.Equal(t, Hash("caf\u00e9"), Hash("cafe\u0301"))
	assert.NotEqual(t, Hash("a"), Hash("b"))
	assert.Len(t, Hash("a"), 64)
}

func TestClientComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultReferer, r.Header.Get("HTTP-Referer"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"anthropic/claude-3-haiku-20240307","choices":[{"message":{"role":"assistant","content":"  hello  "}}]}`))
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL+"/"))
	text, model, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "anthropic/claude-3-haiku-20240307", model)
	assert.Equal(t, chatRequest{Model: DefaultModel, Messages: []Message{{Role: "user", Content: "hi"}}, MaxTokens: 100}, got)
}

func TestClientErrors(t *testing.T) {
	_, _, err := NewClient("").Complete(context.Background(), "", nil, 0)
	assert.ErrorIs(t, err, ErrNoAPIKey)

	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer status.Close()
	_, _, err = NewClient("k", WithBaseURL(status.URL)).Complete(context.Background(), "", nil, 0)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)

	body := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model not found"}}`))
	}))
	defer body.Close()
	_, _, err = NewClient("k", WithBaseURL(body.URL)).Complete(context.Background(), "", nil, 0)
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "openrouter API error: model not found", ae.Error())
}

// echoCompleter replies with a fixed header and the first line of the
// document in the prompt.
type echoCompleter struct {
	calls atomic.Int32
}

func (e *echoCompleter) Model() string { return DefaultModel }

func (e *echoCompleter) Complete(_ context.Context, model string, messages []Message, _ int) (string, string, error) {
	e.calls.Add(1)
	prompt := messages[len(messages)-1].Content
	doc := prompt
	if _, after, ok := strings.Cut(prompt, "DOCUMENT TO TRANSLATE:\n"); ok {
		doc = after
	}
	first, _, _ := strings.Cut(doc, "\n")
	return "# Header\nnoise\n## T:" + first, model, nil
}

func newService(t *testing.T, c Completer) *Service {
	t.Helper()
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	return NewService(c, testutil.NewStore(t), nil, clk, nil, 2)
}

func TestTranslateCaches(t *testing.T) {
	fake := &echoCompleter{}
	svc := newService(t, fake)
	ctx := context.Background()
	req := TranslateRequest{DocumentID: "doc-1", Text: "Visa rules\nmore"}

	got, err := svc.Translate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Translation{
		DocumentID:      "doc-1",
		TranslatedText:  "# Header\nnoise\n## T:Visa rules",
		ReadingLevel:    Grade8,
		ModelUsed:       DefaultModel,
		ChunksProcessed: 1,
	}, got)

	got, err = svc.Translate(ctx, req)
	require.NoError(t, err)
	assert.True(t, got.Cached)
	assert.Equal(t, int32(1), fake.calls.Load())

	req.ReadingLevel = Grade10
	got, err = svc.Translate(ctx, req)
	require.NoError(t, err)
	assert.False(t, got.Cached)
	assert.Equal(t, int32(2), fake.calls.Load())

	req.Text = "Visa rules\nchanged"
	_, err = svc.Translate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestTranslateChunked(t *testing.T) {
	fake := &echoCompleter{}
	svc := newService(t, fake)
	ctx := context.Background()
	doc := "Intro\n" +
		"## A\n" + strings.Repeat("a", 9000) + "\n" +
		"## B\n" + strings.Repeat("b", 9000) + "\n"

	got, err := svc.Translate(ctx, TranslateRequest{DocumentID: "big", Text: doc})
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunksProcessed)
	assert.False(t, got.Cached)
	assert.Equal(t, "# Header\nnoise\n## T:Intro\n\n## T:## B", got.TranslatedText)
	assert.Equal(t, int32(2), fake.calls.Load())

	got, err = svc.Translate(ctx, TranslateRequest{DocumentID: "big", Text: doc})
	require.NoError(t, err)
	assert.True(t, got.Cached)
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestTranslateValidation(t *testing.T) {
	svc := newService(t, &echoCompleter{})
	_, err := svc.Translate(context.Background(), TranslateRequest{DocumentID: "d", Text: "  ", ReadingLevel: "grade12"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Len(t, apperr.FieldsOf(err), 2)
}

func TestSummarize(t *testing.T) {
	fake := &echoCompleter{}
	svc := newService(t, fake)
	ctx := context.Background()

	_, err := svc.Summarize(ctx, "d", "text", 100)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	got, err := svc.Summarize(ctx, "d", "Some guidance", 0)
	require.NoError(t, err)
	assert.Equal(t, 13, got.WordCount)
	assert.False(t, got.Cached)

	got, err = svc.Summarize(ctx, "d", "Some guidance", 0)
	require.NoError(t, err)
	assert.True(t, got.Cached)
	assert.Equal(t, int32(1), fake.calls.Load())

	_, err = svc.Summarize(ctx, "d", "Some guidance", 250)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.calls.Load())
}
