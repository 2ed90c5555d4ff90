package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/testutil"
)

var (
	alice  = admin.Actor{UserID: "u-alice", Role: admin.RoleOperator}
	bob    = admin.Actor{UserID: "u-bob", Role: admin.RoleOperator}
	viewer = admin.Actor{UserID: "u-viewer", Role: admin.RoleViewer}
)

type fixture struct {
	svc   *Service
	store *store.Store
	clock *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	f := &fixture{svc: NewService(st, nil, clk, nil), store: st, clock: clk}

	docs := []store.Document{
		{ID: "d1", URL: "https://www.gov.uk/skilled-worker-visa", Title: "Skilled Worker visa", Content: "Apply for a work visa", Metadata: map[string]any{"author": "Home Office"}},
		{ID: "d2", URL: "https://www.gov.uk/student-visa", Title: "Student visa", Content: "Study in the UK", Metadata: map[string]any{"author": "UKVI"}},
		{ID: "d3", URL: "https://www.gov.uk/standard-visitor", Title: "Visit the UK", Content: "Tourist visits and business visa rules"},
		{ID: "d4", URL: "https://www.gov.uk/claim-asylum", Title: "Claim asylum in the UK", Content: "How to claim"},
	}
	for i, d := range docs {
		d.ContentHash = fmt.Sprintf("h%d", i)
		d.CreatedAt = testutil.DefaultStart
		must.NoError(t, st.SaveDocument(context.Background(), d))
	}
	return f
}

func docIDs(docs []store.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestSearch_BooleanQueryAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Search(ctx, alice, Request{Query: "visa NOT student"})
	must.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3"}, docIDs(res.Results.Items))
	assert.Equal(t, 2, res.Results.Total)
	assert.Equal(t, "NOT", res.Parsed["type"])

	f.clock.Advance(time.Second)
	res, err = f.svc.Search(ctx, alice, Request{Query: "visa OR asylum", Params: paging.Params{Page: 2, Limit: 2}})
	must.NoError(t, err)
	assert.Equal(t, []string{"d3", "d4"}, docIDs(res.Results.Items))
	assert.Equal(t, 4, res.Results.Total)
	assert.Equal(t, 2, res.Results.Pages)

	hist, err := f.svc.History(ctx, alice, 0)
	must.NoError(t, err)
	must.Len(t, hist, 2)
	assert.Equal(t, "visa OR asylum", hist[0].Query)
	assert.Equal(t, 4, hist[0].ResultCount)
	assert.Equal(t, "visa NOT student", hist[1].Query)

	others, err := f.svc.History(ctx, bob, 10)
	must.NoError(t, err)
	assert.Empty(t, others)
}

func TestSearch_InvalidQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Search(context.Background(), alice, Request{Query: "visa AND"})
	must.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = f.svc.Search(context.Background(), alice, Request{Query: "visa", Params: paging.Params{Limit: 101}})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Validate(viewer, "(visa OR permit) AND work")
	must.NoError(t, err)
	assert.True(t, v.IsValid)
	assert.Empty(t, v.SyntaxErrors)
	assert.Equal(t, "AND", v.Parsed["type"])

	v, err = f.svc.Validate(viewer, "")
	must.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, []string{"Query cannot be empty at position 0"}, v.SyntaxErrors)
	assert.Nil(t, v.Parsed)
}

func TestFieldSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.FieldSearch(ctx, viewer, FieldRequest{Field: "title", Operator: "starts_with", Value: "s"})
	must.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, docIDs(res.Results))
	assert.Equal(t, 2, res.TotalCount)

	res, err = f.svc.FieldSearch(ctx, viewer, FieldRequest{Field: "content", Operator: "regex", Value: "^(Study|How)"})
	must.NoError(t, err)
	assert.Equal(t, []string{"d2", "d4"}, docIDs(res.Results))

	_, err = f.svc.FieldSearch(ctx, viewer, FieldRequest{Field: "author", Operator: "like", Value: "", Limit: 500})
	must.Error(t, err)
	var fields []string
	for _, fe := range apperr.FieldsOf(err) {
		fields = append(fields, fe.Field)
	}
	assert.Equal(t, []string{"field", "operator", "value", "limit"}, fields)

	_, err = f.svc.FieldSearch(ctx, viewer, FieldRequest{Field: "title", Operator: "regex", Value: "("})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestSavedSearch_DuplicateNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SavedSearchRequest{Name: "Visas", Query: "visa"}

	var names []string
	for range 5 {
		ss, err := f.svc.CreateSavedSearch(ctx, alice, req)
		must.NoError(t, err)
		names = append(names, ss.Name)
	}
	assert.Equal(t, []string{
		"Visas",
		"Visas_20250115_093000",
		"Visas_20250115_093000_2",
		"Visas_20250115_093000_3",
		"Visas_20250115_093000_4",
	}, names)

	_, err := f.svc.CreateSavedSearch(ctx, alice, req)
	must.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	// names are per user
	ss, err := f.svc.CreateSavedSearch(ctx, bob, req)
	must.NoError(t, err)
	assert.Equal(t, "Visas", ss.Name)
}

func TestSavedSearch_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: "", Query: ""})
	must.Error(t, err)
	assert.Len(t, apperr.FieldsOf(err), 2)

	_, err = f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: "bad", Query: "visa AND AND"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = f.svc.CreateSavedSearch(ctx, viewer, SavedSearchRequest{Name: "x", Query: "visa"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestSavedSearch_Limit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range MaxSavedSearches {
		_, err := f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: fmt.Sprintf("s%02d", i), Query: "visa"})
		must.NoError(t, err)
	}
	_, err := f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: "one more", Query: "visa"})
	must.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Contains(t, err.Error(), "limit of 50")
}

func TestSavedSearch_OwnershipUpdateExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ss, err := f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: "Work", Query: "work"})
	must.NoError(t, err)
	_, err = f.svc.CreateSavedSearch(ctx, alice, SavedSearchRequest{Name: "Study", Query: "study"})
	must.NoError(t, err)

	_, err = f.svc.SavedSearch(ctx, bob, ss.ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	assert.True(t, apperr.Is(f.svc.DeleteSavedSearch(ctx, bob, ss.ID), apperr.CodeForbidden))
	_, err = f.svc.ExecuteSavedSearch(ctx, bob, ss.ID, paging.Params{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	study := "Study"
	_, err = f.svc.UpdateSavedSearch(ctx, alice, ss.ID, SavedSearchUpdate{Name: &study})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	q := "visa AND work"
	updated, err := f.svc.UpdateSavedSearch(ctx, alice, ss.ID, SavedSearchUpdate{Query: &q})
	must.NoError(t, err)
	assert.Equal(t, "Work", updated.Name)
	assert.Equal(t, q, updated.Query)

	f.clock.Advance(time.Minute)
	exec, err := f.svc.ExecuteSavedSearch(ctx, alice, ss.ID, paging.Params{})
	must.NoError(t, err)
	assert.Equal(t, 1, exec.Search.UsageCount)
	assert.Equal(t, []string{"d1"}, docIDs(exec.Results.Items))

	got, err := f.svc.SavedSearch(ctx, alice, ss.ID)
	must.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	must.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(testutil.DefaultStart.Add(time.Minute)))

	must.NoError(t, f.svc.DeleteSavedSearch(ctx, alice, ss.ID))
	_, err = f.svc.SavedSearch(ctx, alice, ss.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestHistory_LimitAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, q := range []string{"visa", "asylum", "student"} {
		f.clock.Advance(time.Second)
		_, err := f.svc.Search(ctx, alice, Request{Query: q})
		must.NoError(t, err)
	}

	_, err := f.svc.History(ctx, alice, 101)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	_, err = f.svc.History(ctx, alice, -1)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	hist, err := f.svc.History(ctx, alice, 2)
	must.NoError(t, err)
	must.Len(t, hist, 2)
	assert.Equal(t, "student", hist[0].Query)

	assert.True(t, apperr.Is(f.svc.DeleteHistoryEntry(ctx, bob, hist[0].ID), apperr.CodeNotFound))
	must.NoError(t, f.svc.DeleteHistoryEntry(ctx, alice, hist[0].ID))

	n, err := f.svc.ClearHistory(ctx, alice)
	must.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSavedQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSavedQuery(ctx, alice, QueryRequest{
		Name: "Bad", Query: "visa", FieldFilters: map[string]string{"colour": "red"},
	})
	must.Error(t, err)
	assert.Equal(t, []apperr.FieldError{{Field: "field_filters", Message: `unknown key "colour", must be one of title, content, metadata, author, date`}}, apperr.FieldsOf(err))

	q, err := f.svc.CreateSavedQuery(ctx, alice, QueryRequest{
		Name: "Home Office visas", Query: "visa", FieldFilters: map[string]string{"author": "Home Office"},
	})
	must.NoError(t, err)

	res, err := f.svc.ExecuteSavedQuery(ctx, alice, q.ID, paging.Params{})
	must.NoError(t, err)
	assert.Equal(t, []string{"d1"}, docIDs(res.Items))

	_, err = f.svc.ExecuteSavedQuery(ctx, alice, q.ID, paging.Params{})
	must.NoError(t, err)

	got, err := f.svc.SavedQuery(ctx, alice, q.ID)
	must.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	must.NotNil(t, got.LastExecutedAt)

	_, err = f.svc.SavedQuery(ctx, bob, q.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	updated, err := f.svc.UpdateSavedQuery(ctx, alice, q.ID, QueryRequest{Name: "All visas", Query: "visa"})
	must.NoError(t, err)
	assert.Equal(t, 2, updated.ExecutionCount)
	assert.Empty(t, updated.FieldFilters)

	page, err := f.svc.SavedQueries(ctx, alice, paging.Params{})
	must.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "All visas", page.Items[0].Name)

	must.NoError(t, f.svc.DeleteSavedQuery(ctx, alice, q.ID))
	assert.True(t, apperr.Is(f.svc.DeleteSavedQuery(ctx, alice, q.ID), apperr.CodeNotFound))
}

func TestSuggestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, q := range []string{"Visa AND work", "visa AND work", "asylum", "VISA OR student"} {
		f.clock.Advance(time.Second)
		_, err := f.svc.Search(ctx, alice, Request{Query: q})
		must.NoError(t, err)
	}
	sq, err := f.svc.CreateSavedQuery(ctx, alice, QueryRequest{Name: "Students", Query: "visa OR student"})
	must.NoError(t, err)
	for range 3 {
		_, err := f.svc.ExecuteSavedQuery(ctx, alice, sq.ID, paging.Params{})
		must.NoError(t, err)
	}

	got, err := f.svc.Suggestions(ctx, alice, "vIsA", 0)
	must.NoError(t, err)
	want := []Suggestion{
		{QueryText: "visa OR student", ExecutionCount: 4, AvgResultCount: 3, Source: SourceSavedQuery},
		{QueryText: "visa AND work", ExecutionCount: 2, AvgResultCount: 1, Source: SourceHistory},
	}
	assert.Equal(t, want, got)

	got, err = f.svc.Suggestions(ctx, alice, "", 1)
	must.NoError(t, err)
	must.Len(t, got, 1)

	_, err = f.svc.Suggestions(ctx, alice, "", 21)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}
