package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/artifact"
	"github.com/roach88/caseguide/internal/openrouter"
	"github.com/roach88/caseguide/internal/ratelimit"
	"github.com/roach88/caseguide/internal/rerank"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/scraper"
	"github.com/roach88/caseguide/internal/search"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/templates"
	"github.com/roach88/caseguide/internal/testutil"
	"github.com/roach88/caseguide/internal/workflow"
)

type fakeReranker struct {
	scores []float64
	err    error
}

func (f *fakeReranker) Provider() string { return "fake" }
func (f *fakeReranker) Model() string    { return "fake-model" }

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string, _ int) (rerank.Result, error) {
	if f.err != nil {
		return rerank.Result{}, f.err
	}
	variance, rng := rerank.Distribution(f.scores)
	return rerank.Result{Scores: f.scores[:len(docs)], Model: "fake-model", Variance: variance, Range: rng}, nil
}

type cannedCompleter struct {
	calls atomic.Int32
}

func (c *cannedCompleter) Model() string { return "test/model" }

func (c *cannedCompleter) Complete(context.Context, string, []openrouter.Message, int) (string, string, error) {
	c.calls.Add(1)
	return "You can apply online.", "test/model", nil
}

type fixture struct {
	store      *store.Store
	clock      *testutil.FakeClock
	handler    http.Handler
	analytics  *analytics.Service
	hub        *analytics.Hub
	completer  *cannedCompleter
	adminToken string
	viewer     string
}

type fixtureOption func(*Services, *Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	st := testutil.NewStore(t)
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	require.NoError(t, admin.SeedRoles(ctx, st, nil, clk))

	adminSvc := admin.NewService(st, admin.WithClock(clk), admin.WithBcryptCost(bcrypt.MinCost))
	root, err := adminSvc.Bootstrap(ctx, admin.CreateUserRequest{
		Username: "root", Email: "root@example.gov.uk", Password: "correct-horse", Role: admin.RoleAdmin,
	})
	require.NoError(t, err)
	rootActor := admin.Actor{UserID: root.ID, Username: root.Username, Role: admin.RoleAdmin, IPAddress: "10.0.0.1"}
	_, err = adminSvc.CreateUser(ctx, rootActor, admin.CreateUserRequest{
		Username: "vera", Email: "vera@example.gov.uk", Password: "battery-staple", Role: admin.RoleViewer,
	})
	require.NoError(t, err)

	auditor := adminSvc.Auditor()
	runner := workflow.NewRunner(st, workflow.WithRunnerClock(clk))
	arts, err := artifact.NewService(st, t.TempDir(), artifact.WithClock(clk))
	require.NoError(t, err)
	an := analytics.NewService(st, nil, clk, nil)
	hub := analytics.NewHub(an, 1)
	completer := &cannedCompleter{}

	svc := Services{
		Admin:           adminSvc,
		Templates:       templates.NewService(st, auditor, nil, clk, nil),
		Workflows:       workflow.NewService(st, runner, auditor, nil, clk, nil),
		Search:          search.NewService(st, nil, clk, nil),
		Analytics:       an,
		Artifacts:       arts,
		Rerankers:       map[string]rerank.Reranker{"fake": &fakeReranker{scores: []float64{0.1, 0.9, 0.5}}},
		Translator:      openrouter.NewService(completer, st, nil, clk, nil, 2),
		Models:          openrouter.NewCatalog(nil, time.Minute, clk, nil),
		Metrics:         hub,
		DefaultReranker: "fake",
	}
	o := Options{RateLimit: 100, RateWindow: time.Minute, Clock: clk, Ping: st.Ping}
	for _, fn := range opts {
		fn(&svc, &o)
	}

	f := &fixture{
		store:     st,
		clock:     clk,
		handler:   New(svc, o).Handler(),
		analytics: an,
		hub:       hub,
		completer: completer,
	}
	f.adminToken = f.login(t, "root", "correct-horse")
	f.viewer = f.login(t, "vera", "battery-staple")
	return f
}

type response struct {
	Code   int
	Header http.Header
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *errorBody      `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.send(t, req, token)
}

func (f *fixture) send(t *testing.T, req *http.Request, token string) response {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	res := response{Code: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	}
	return res
}

func (f *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	res := f.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, res.Code)
	var lr admin.LoginResult
	require.NoError(t, json.Unmarshal(res.Data, &lr))
	require.NotEmpty(t, lr.Token)
	return lr.Token
}

func decodeData[T any](t *testing.T, res response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(res.Data, &v), string(res.Data))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, statusSuccess, res.Status)
	body := decodeData[map[string]any](t, res)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestHealthz_DatabaseDown(t *testing.T) {
	f := newFixture(t, func(_ *Services, o *Options) {
		o.Ping = func(context.Context) error { return errors.New("disk I/O error") }
	})
	res := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, "degraded", decodeData[map[string]any](t, res)["status"])
}

func TestAuth_Sessions(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	require.NotNil(t, res.Error)
	assert.Equal(t, string(apperr.CodeUnauthorized), res.Error.Code)
	assert.Equal(t, "missing bearer token", res.Error.Message)

	res = f.do(t, http.MethodGet, "/api/auth/me", "not-a-session", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = f.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "root", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = f.do(t, http.MethodGet, "/api/auth/me", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	me := decodeData[map[string]any](t, res)
	assert.Equal(t, "vera", me["username"])
	assert.Equal(t, admin.RoleViewer, me["role"])
	assert.Contains(t, me["permissions"], "search:read")

	res = f.do(t, http.MethodPost, "/api/auth/logout", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = f.do(t, http.MethodGet, "/api/auth/me", f.viewer, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAuth_SessionExpires(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(9 * time.Hour)
	res := f.do(t, http.MethodGet, "/api/auth/me", f.adminToken, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"viewer lists users", http.MethodGet, "/api/admin/users", f.viewer, nil, http.StatusForbidden},
		{"viewer reads audit", http.MethodGet, "/api/admin/audit", f.viewer, nil, http.StatusForbidden},
		{"viewer exports metrics", http.MethodGet, "/api/analytics/export", f.viewer, nil, http.StatusForbidden},
		{"viewer scrapes", http.MethodPost, "/api/scrape", f.viewer, scraper.Request{URLs: []string{"https://www.gov.uk/x"}}, http.StatusForbidden},
		{"viewer creates template", http.MethodPost, "/api/templates", f.viewer, templates.CreateRequest{Name: "x"}, http.StatusForbidden},
		{"viewer reads dashboard", http.MethodGet, "/api/analytics/aggregate?period=24h", f.viewer, nil, http.StatusOK},
		{"admin lists users", http.MethodGet, "/api/admin/users", f.adminToken, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, res.Code)
			if tt.want == http.StatusForbidden {
				require.NotNil(t, res.Error)
				assert.Equal(t, string(apperr.CodeForbidden), res.Error.Code)
			}
		})
	}
}

func TestAdminUsers(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/admin/users", f.adminToken, admin.CreateUserRequest{
		Username: "casey", Email: "casey@example.gov.uk", Password: "long-enough-pw", Role: admin.RoleCaseworker,
	})
	require.Equal(t, http.StatusCreated, res.Code)
	u := decodeData[store.User](t, res)
	assert.Equal(t, "casey", u.Username)

	res = f.do(t, http.MethodPost, "/api/admin/users", f.adminToken, admin.CreateUserRequest{
		Username: "casey", Email: "casey2@example.gov.uk", Password: "long-enough-pw", Role: admin.RoleViewer,
	})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = f.do(t, http.MethodPost, "/api/admin/users", f.adminToken, admin.CreateUserRequest{Username: "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, string(apperr.CodeValidation), res.Error.Code)
	assert.NotEmpty(t, res.Error.Details)

	res = f.do(t, http.MethodPut, "/api/admin/users/"+u.ID+"/role", f.adminToken, map[string]string{"role": admin.RoleOperator})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, admin.RoleOperator, decodeData[store.User](t, res).RoleName)

	res = f.do(t, http.MethodGet, "/api/admin/users/missing", f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(t, http.MethodGet, "/api/admin/audit?resource_type=user", f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	audit := decodeData[map[string]any](t, res)
	assert.NotEmpty(t, audit["items"])

	res = f.do(t, http.MethodGet, "/api/admin/audit?since=yesterday", f.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodDelete, "/api/admin/users/"+u.ID, f.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/templates", f.adminToken, templates.CreateRequest{
		Name: "Decision letter",
		ContentStructure: map[string]any{
			"header": "Dear {{name}}",
			"body":   "Your reference is {{ref}}.",
			"footer": "UKVI",
		},
		Placeholders:    []string{"name", "ref"},
		PermissionLevel: "public",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Error)
	tpl := decodeData[store.Template](t, res)

	res = f.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/generate", f.viewer,
		placeholderValues{Values: map[string]string{"name": "Ada"}})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/generate", f.adminToken,
		placeholderValues{Values: map[string]string{"name": "Ada"}})
	require.Equal(t, http.StatusOK, res.Code)
	gen := decodeData[templates.Generated](t, res)
	assert.Equal(t, "Dear Ada", gen.Content["header"])
	assert.Equal(t, []string{"ref"}, gen.MissingPlaceholders)

	res = f.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/preview", f.adminToken,
		placeholderValues{Values: map[string]string{"name": "Ada", "ref": "R1"}})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, decodeData[templates.Preview](t, res).HTML, "Your reference is R1.")

	desc := "Updated"
	res = f.do(t, http.MethodPatch, "/api/templates/"+tpl.ID, f.adminToken, templates.UpdateRequest{Description: &desc})
	require.Equal(t, http.StatusOK, res.Code)

	res = f.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/versions", f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, decodeData[[]store.TemplateVersion](t, res))

	res = f.do(t, http.MethodDelete, "/api/templates/"+tpl.ID, f.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
	res = f.do(t, http.MethodGet, "/api/templates/"+tpl.ID, f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestWorkflowExecution(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/workflows", f.adminToken, workflow.Definition{
		Name:  "Notify caseworker",
		Steps: []store.WorkflowStep{{StepNumber: 1, Type: workflow.StepNotify, Config: map[string]any{"message": "new case"}}},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Error)
	wf := decodeData[store.Workflow](t, res)

	res = f.do(t, http.MethodPost, "/api/workflows/"+wf.ID+"/execute", f.adminToken, nil)
	require.Equal(t, http.StatusAccepted, res.Code, res.Error)
	exec := decodeData[store.WorkflowExecution](t, res)
	assert.Equal(t, workflow.StatusRunning, exec.Status)

	res = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/pause", f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, workflow.StatusPaused, decodeData[store.WorkflowExecution](t, res).Status)

	res = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/pause", f.adminToken, nil)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, string(apperr.CodeInvalidTransition), res.Error.Code)

	res = f.do(t, http.MethodGet, "/api/executions/"+exec.ID, f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = f.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/executions?limit=5", f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decodeData[[]store.WorkflowExecution](t, res), 1)

	res = f.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/executions?limit=many", f.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func seedDocuments(t *testing.T, st *store.Store) {
	t.Helper()
	docs := []store.Document{
		{ID: "d1", URL: "https://www.gov.uk/skilled-worker-visa", Title: "Skilled Worker visa", Content: "Apply for a work visa"},
		{ID: "d2", URL: "https://www.gov.uk/student-visa", Title: "Student visa", Content: "Study in the UK"},
	}
	for i, d := range docs {
		d.ContentHash = fmt.Sprintf("h%d", i)
		d.CreatedAt = testutil.DefaultStart
		require.NoError(t, st.SaveDocument(context.Background(), d))
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	seedDocuments(t, f.store)

	res := f.do(t, http.MethodPost, "/api/search", f.viewer, search.Request{Query: "visa NOT student"})
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	got := decodeData[search.Result](t, res)
	require.Len(t, got.Results.Items, 1)
	assert.Equal(t, "d1", got.Results.Items[0].ID)

	res = f.do(t, http.MethodPost, "/api/search/validate", f.viewer, map[string]string{"query": "visa AND ("})
	require.Equal(t, http.StatusOK, res.Code)
	assert.False(t, decodeData[search.Validation](t, res).IsValid)

	res = f.do(t, http.MethodGet, "/api/search/history", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decodeData[[]store.SearchHistoryEntry](t, res), 1)

	res = f.do(t, http.MethodPost, "/api/search", f.viewer, "not an object")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSearchFacets(t *testing.T) {
	f := newFixture(t)
	seedDocuments(t, f.store)

	res := f.do(t, http.MethodGet, "/api/search/facets?q=visa", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	got := decodeData[search.FacetResult](t, res)
	assert.Equal(t, 2, got.Total)
	require.Len(t, got.Facets, 3)
	assert.Equal(t, search.FacetDocumentType, got.Facets[0].Type)
	assert.Equal(t, []search.FacetValue{{Label: "Other", Value: "other", Count: 2}}, got.Facets[0].Values)

	res = f.do(t, http.MethodPost, "/api/search/facets/preview", f.viewer, search.PreviewRequest{
		Query:   "visa",
		Preview: search.FilterSet{Sources: []string{"home_office"}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	assert.Equal(t, 0, decodeData[search.PreviewResult](t, res).ResultCount)

	res = f.do(t, http.MethodPost, "/api/search/facets/preview", f.viewer, search.PreviewRequest{
		Preview: search.FilterSet{DateRange: &search.DateRange{Preset: "someday"}},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSearch_RateLimited(t *testing.T) {
	f := newFixture(t, func(_ *Services, o *Options) { o.RateLimit = 2 })
	seedDocuments(t, f.store)

	for i := 0; i < 2; i++ {
		res := f.do(t, http.MethodPost, "/api/search", f.viewer, search.Request{Query: "visa"})
		require.Equal(t, http.StatusOK, res.Code)
	}
	res := f.do(t, http.MethodPost, "/api/search", f.viewer, search.Request{Query: "visa"})
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, string(apperr.CodeRateLimited), res.Error.Code)
	assert.Equal(t, "60", res.Header.Get("Retry-After"))

	// Limits are per user and per route group.
	res = f.do(t, http.MethodPost, "/api/search", f.adminToken, search.Request{Query: "visa"})
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(t, http.MethodPost, "/api/search/validate", f.viewer, map[string]string{"query": "visa"})
	assert.Equal(t, http.StatusOK, res.Code)

	f.clock.Advance(time.Minute)
	res = f.do(t, http.MethodPost, "/api/search", f.viewer, search.Request{Query: "visa"})
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestSavedSearchLifecycle(t *testing.T) {
	f := newFixture(t)
	seedDocuments(t, f.store)

	res := f.do(t, http.MethodPost, "/api/search/saved", f.adminToken, search.SavedSearchRequest{Name: "Visas", Query: "visa"})
	require.Equal(t, http.StatusCreated, res.Code, res.Error)
	saved := decodeData[store.SavedSearch](t, res)

	res = f.do(t, http.MethodPost, "/api/search/saved/"+saved.ID+"/execute", f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 2, decodeData[search.Executed](t, res).Results.Total)

	res = f.do(t, http.MethodGet, "/api/search/saved/"+saved.ID, f.viewer, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(t, http.MethodDelete, "/api/search/saved/"+saved.ID, f.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestA11y(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/a11y/contrast", f.viewer, map[string]string{"foreground": "#000000", "background": "#ffffff"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.InDelta(t, 21.0, decodeData[map[string]any](t, res)["contrast_ratio"], 0.001)

	res = f.do(t, http.MethodPost, "/api/a11y/contrast", f.viewer, map[string]string{"foreground": "blue", "background": "#ffffff"})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodGet, "/api/a11y/suggest?background=%23ffffff&target=7", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, decodeData[map[string]any](t, res)["matches"])

	res = f.do(t, http.MethodGet, "/api/a11y/suggest?background=%23ffffff&target=40", f.viewer, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/api/a11y/palette", f.viewer, map[string]any{"palette": []map[string]string{{"name": "only", "hex": "#000000"}}})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodGet, "/api/a11y/palette", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func multipartUpload(t *testing.T, field, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/artifacts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestArtifacts(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, multipartUpload(t, "file", "notes.md", "# Visa notes\nBring your passport."), f.adminToken)
	require.Equal(t, http.StatusCreated, res.Code, res.Error)
	a := decodeData[store.Artifact](t, res)
	assert.Equal(t, "notes.md", a.Filename)
	assert.Empty(t, a.ExtractedText)
	assert.Contains(t, a.Preview, "Bring your passport.")

	res = f.do(t, http.MethodGet, "/api/artifacts/"+a.ID, f.adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, decodeData[store.Artifact](t, res).ExtractedText, "Visa notes")

	res = f.send(t, multipartUpload(t, "file", "payload.exe", "MZ"), f.adminToken)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.send(t, multipartUpload(t, "attachment", "notes.txt", "x"), f.adminToken)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/api/artifacts", f.adminToken, map[string]string{"file": "x"})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	f.clock.Advance(2 * time.Hour)
	res = f.do(t, http.MethodGet, "/api/artifacts/"+a.ID, f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestRerank(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/api/rerank", f.viewer, rerankRequest{
		Query: "visa", Documents: []string{"a", "b", "c"}, TopK: 2,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	var got rerankResponse
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Equal(t, "fake", got.Provider)
	require.Len(t, got.Ranked, 2)
	assert.Equal(t, RankedDocument{Index: 1, Score: 0.9, Document: "b"}, got.Ranked[0])
	assert.Equal(t, RankedDocument{Index: 2, Score: 0.5, Document: "c"}, got.Ranked[1])
	assert.False(t, got.Uniform)

	res = f.do(t, http.MethodPost, "/api/rerank", f.viewer, rerankRequest{Query: "visa", Documents: []string{"a"}, Provider: "nope"})
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = f.do(t, http.MethodPost, "/api/rerank", f.viewer, rerankRequest{})
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Len(t, res.Error.Details, 2)
}

func TestRerank_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"api error", &rerank.APIError{Provider: "cohere", StatusCode: 500, Body: "boom"}, http.StatusBadGateway},
		{"circuit open", &retry.CircuitOpenError{Name: "rerank", Failures: 5}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(s *Services, _ *Options) {
				s.Rerankers = map[string]rerank.Reranker{"fake": &fakeReranker{err: tt.err}}
			})
			res := f.do(t, http.MethodPost, "/api/rerank", f.viewer, rerankRequest{Query: "q", Documents: []string{"a"}})
			assert.Equal(t, tt.want, res.Code)
			assert.Equal(t, string(apperr.CodeUnavailable), res.Error.Code)
		})
	}
}

func TestRerankHealth(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/api/rerank/health", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	hs := decodeData[[]rerank.Health](t, res)
	require.Len(t, hs, 1)
	assert.Equal(t, "fake", hs[0].Provider)
}

func TestTranslate(t *testing.T) {
	f := newFixture(t)
	req := openrouter.TranslateRequest{DocumentID: "doc-1", Text: "Applicants must submit form VAF1.", ReadingLevel: openrouter.Grade8}

	res := f.do(t, http.MethodPost, "/api/translate", f.viewer, req)
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	tr := decodeData[openrouter.Translation](t, res)
	assert.Equal(t, "You can apply online.", tr.TranslatedText)
	assert.False(t, tr.Cached)

	res = f.do(t, http.MethodPost, "/api/translate", f.viewer, req)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, decodeData[openrouter.Translation](t, res).Cached)
	assert.Equal(t, int32(1), f.completer.calls.Load())

	res = f.do(t, http.MethodPost, "/api/translate", f.viewer, openrouter.TranslateRequest{})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/api/translate/summarize", f.viewer, map[string]any{
		"document_id": "doc-1", "document_text": "Long guidance text.", "max_words": 200,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	assert.Equal(t, "You can apply online.", decodeData[openrouter.Summary](t, res).SummaryText)
}

func TestUnconfiguredIntegrations(t *testing.T) {
	f := newFixture(t, func(s *Services, _ *Options) {
		s.Translator = nil
		s.Scraper = nil
		s.Models = nil
		s.Metrics = nil
	})
	res := f.do(t, http.MethodPost, "/api/translate", f.viewer, openrouter.TranslateRequest{DocumentID: "d", Text: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = f.do(t, http.MethodPost, "/api/scrape", f.adminToken, scraper.Request{URLs: []string{"https://www.gov.uk/x"}})
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, "scraping is not configured", res.Error.Message)

	res = f.do(t, http.MethodGet, "/api/models/openrouter", f.viewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	res = f.do(t, http.MethodGet, "/api/analytics/stream", f.viewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestModelCatalog(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/models/openrouter", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Error)
	list := decodeData[openrouter.ModelList](t, res)
	assert.False(t, list.Cached)
	assert.Len(t, list.Models, len(openrouter.DefaultModels))

	res = f.do(t, http.MethodGet, "/api/models/openrouter", f.viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, decodeData[openrouter.ModelList](t, res).Cached)

	res = f.do(t, http.MethodGet, "/api/models/openrouter", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestMetricsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/analytics/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+f.viewer, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first analytics.Update
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, analytics.UpdateType, first.Type)
	assert.Equal(t, analytics.LevelOK, first.Data.Status)
	assert.Equal(t, testutil.DefaultStart, first.Timestamp)

	// The fixture allows one stream per user.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token="+f.viewer, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	other, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + f.adminToken}})
	require.NoError(t, err)
	other.Close()

	_, err = f.analytics.Record(context.Background(), analytics.RecordRequest{
		Name: analytics.MetricCPU, Value: 95, Unit: "percentage", Category: analytics.CategoryResource,
	})
	require.NoError(t, err)
	require.NoError(t, f.hub.Broadcast(context.Background()))

	var next analytics.Update
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, analytics.LevelCritical, next.Data.Status)

	res := f.do(t, http.MethodGet, "/api/analytics/stream", f.viewer, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.do(t, http.MethodGet, "/api/auth/me", f.viewer, nil)
	f.do(t, http.MethodGet, "/healthz", "", nil)

	ms, err := f.analytics.Metrics(ctx, "24h", analytics.CategoryPerformance)
	require.NoError(t, err)
	routes := map[string]bool{}
	for _, m := range ms {
		assert.Equal(t, analytics.MetricResponseTime, m.Name)
		routes[fmt.Sprint(m.Metadata["route"])] = true
	}
	assert.True(t, routes["/api/auth/me"])
	assert.True(t, routes["/api/auth/login"])
	assert.False(t, routes["/healthz"])

	errs, err := f.analytics.Metrics(ctx, "24h", analytics.CategoryError)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestNotFoundEnvelope(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/api/nothing-here", f.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, statusError, res.Status)

	res = f.do(t, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "route not found", res.Error.Message)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err      error
		status   int
		wantCode apperr.Code
	}{
		{apperr.Invalid("name", "is required"), http.StatusBadRequest, apperr.CodeValidation},
		{apperr.New(apperr.CodeUnauthorized, "x"), http.StatusUnauthorized, apperr.CodeUnauthorized},
		{apperr.New(apperr.CodeForbidden, "x"), http.StatusForbidden, apperr.CodeForbidden},
		{apperr.NotFound("template", "t1"), http.StatusNotFound, apperr.CodeNotFound},
		{apperr.New(apperr.CodeConflict, "x"), http.StatusConflict, apperr.CodeConflict},
		{apperr.New(apperr.CodeInvalidTransition, "x"), http.StatusConflict, apperr.CodeInvalidTransition},
		{apperr.New(apperr.CodeRateLimited, "x"), http.StatusTooManyRequests, apperr.CodeRateLimited},
		{apperr.New(apperr.CodeUnavailable, "x"), http.StatusServiceUnavailable, apperr.CodeUnavailable},
		{fmt.Errorf("call: %w", &retry.CircuitOpenError{Name: "api"}), http.StatusServiceUnavailable, apperr.CodeUnavailable},
		{&scraper.URLError{URL: "http://x", Reason: "only HTTPS URLs allowed"}, http.StatusBadRequest, apperr.CodeValidation},
		{&ratelimit.LimitError{Key: "u", Limit: 5}, http.StatusTooManyRequests, apperr.CodeRateLimited},
		{&openrouter.APIError{StatusCode: 502, Message: "bad"}, http.StatusBadGateway, apperr.CodeUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError, apperr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := httpStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	s := New(Services{}, Options{})
	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("sqlite: database is locked"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "internal server error", env.Error.Message)
	assert.NotContains(t, rec.Body.String(), "sqlite")
}

func TestRank(t *testing.T) {
	got := rank([]string{"a", "b", "c", "d"}, []float64{0.5, 0.9, 0.5, 0.1}, 0)
	want := []int{1, 0, 2, 3}
	require.Len(t, got, len(want))
	for i, idx := range want {
		assert.Equal(t, idx, got[i].Index)
	}
}
