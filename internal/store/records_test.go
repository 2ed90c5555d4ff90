package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/queryir"
)

func TestAuditLogs_FilterAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, action := range []string{"create", "update", "delete"} {
		require.NoError(t, s.WriteAuditLog(ctx, AuditLog{
			ID:           fmt.Sprintf("a%d", i),
			UserID:       "u1",
			Action:       action,
			ResourceType: "template",
			ResourceID:   "t1",
			NewValue:     json.RawMessage(`{"name":"x"}`),
			CreatedAt:    testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, total, err := s.ListAuditLogs(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "delete", logs[0].Action)
	assert.JSONEq(t, `{"name":"x"}`, string(logs[0].NewValue))
	assert.Nil(t, logs[0].OldValue)

	logs, total, err = s.ListAuditLogs(ctx, AuditFilter{Action: "update"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a1", logs[0].ID)

	_, total, err = s.ListAuditLogs(ctx, AuditFilter{Since: testNow.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTemplates_VersionHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tpl := Template{
		ID:               "t1",
		Name:             "Visa letter",
		ContentStructure: map[string]any{"header": "Dear {{name}}", "body": "b", "footer": "f"},
		Placeholders:     []string{"name"},
		PermissionLevel:  "private",
		CreatedBy:        "u1",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	require.NoError(t, s.CreateTemplate(ctx, tpl, TemplateVersion{
		ID: "v1", TemplateID: "t1", Version: 1, ContentStructure: tpl.ContentStructure,
		Placeholders: tpl.Placeholders, ChangeDescription: "Initial version", CreatedBy: "u1", CreatedAt: testNow,
	}))

	tpl.Name = "Visa decision letter"
	tpl.UpdatedAt = testNow.Add(time.Hour)
	require.NoError(t, s.UpdateTemplate(ctx, tpl, &TemplateVersion{
		ID: "v2", TemplateID: "t1", Version: 2, ContentStructure: tpl.ContentStructure,
		ChangeDescription: "Template updated", CreatedBy: "u1", CreatedAt: tpl.UpdatedAt,
	}))

	got, err := s.GetTemplate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Visa decision letter", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "Dear {{name}}", got.ContentStructure["header"])

	versions, err := s.ListTemplateVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, "Initial version", versions[1].ChangeDescription)

	// duplicate version numbers are rejected and roll back the row update
	tpl.Name = "should not persist"
	err = s.UpdateTemplate(ctx, tpl, &TemplateVersion{ID: "v3", TemplateID: "t1", Version: 2, CreatedBy: "u1", CreatedAt: testNow})
	assert.ErrorIs(t, err, ErrConflict)
	got, err = s.GetTemplate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Visa decision letter", got.Name)

	list, total, err := s.ListTemplates(ctx, TemplateFilter{CreatedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteTemplate(ctx, "t1"))
	versions, err = s.ListTemplateVersions(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestWorkflows_AndExecutions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wf := Workflow{
		ID:                "w1",
		Name:              "Notify caseworker",
		Status:            "active",
		TriggerConditions: map[string]any{"event_type": "document.updated"},
		Steps:             []WorkflowStep{{StepNumber: 1, Type: "notify", Config: map[string]any{"message": "hi"}}},
		RetryConfig:       RetryConfig{Strategy: "immediate"},
		CreatedBy:         "u1",
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, wf.Steps, got.Steps)
	assert.Equal(t, "immediate", got.RetryConfig.Strategy)

	list, total, err := s.ListWorkflows(ctx, WorkflowFilter{Search: "caseworker"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	_, total, err = s.ListWorkflows(ctx, WorkflowFilter{Status: "inactive"})
	require.NoError(t, err)
	assert.Zero(t, total)

	exec := WorkflowExecution{ID: "e1", WorkflowID: "w1", Status: "running", Trigger: "manual", StartedAt: testNow}
	require.NoError(t, s.SaveExecution(ctx, exec))

	done := testNow.Add(time.Second)
	exec.Status = "completed"
	exec.Progress = 100
	exec.Log = []ExecutionLogEntry{{StepNumber: 1, Status: "completed", DurationMS: 3, Attempts: 1, Timestamp: done}}
	exec.CompletedAt = &done
	require.NoError(t, s.SaveExecution(ctx, exec))

	gotExec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "completed", gotExec.Status)
	assert.Equal(t, 100, gotExec.Progress)
	require.Len(t, gotExec.Log, 1)
	assert.Equal(t, done, *gotExec.CompletedAt)

	running, err := s.ListExecutionsByStatus(ctx, "running")
	require.NoError(t, err)
	assert.Empty(t, running)

	require.NoError(t, s.DeleteWorkflow(ctx, "w1"))
	_, err = s.GetExecution(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavedSearches(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ss := SavedSearch{ID: "s1", UserID: "u1", Name: "visas", Query: "visa OR permit", CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, s.CreateSavedSearch(ctx, ss))

	dup := ss
	dup.ID = "s2"
	assert.ErrorIs(t, s.CreateSavedSearch(ctx, dup), ErrConflict)

	exists, err := s.SavedSearchNameExists(ctx, "u1", "visas")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.MarkSavedSearchUsed(ctx, "s1", testNow.Add(time.Minute)))
	got, err := s.GetSavedSearch(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	require.NotNil(t, got.LastUsedAt)

	// another user's delete matches nothing
	assert.ErrorIs(t, s.DeleteSavedSearch(ctx, "s1", "u2"), ErrNotFound)
	require.NoError(t, s.DeleteSavedSearch(ctx, "s1", "u1"))

	n, err := s.CountSavedSearches(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchHistory_EvictsOldest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddSearchHistory(ctx, SearchHistoryEntry{
			ID:        fmt.Sprintf("h%d", i),
			UserID:    "u1",
			Query:     fmt.Sprintf("q%d", i),
			CreatedAt: testNow.Add(time.Duration(i) * time.Second),
		}, 3))
	}

	entries, err := s.ListSearchHistory(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "q4", entries[0].Query)
	assert.Equal(t, "q2", entries[2].Query)

	n, err := s.ClearSearchHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSavedQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	q := SavedQuery{
		ID: "q1", UserID: "u1", Name: "student", Query: "student AND visa",
		FieldFilters: map[string]string{"title": "Student"}, CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, s.SaveSavedQuery(ctx, q))

	q.ExecutionCount = 2
	require.NoError(t, s.SaveSavedQuery(ctx, q))

	got, err := s.GetSavedQuery(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, "Student", got.FieldFilters["title"])

	list, err := s.ListSavedQueries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSavedQuery(ctx, "q1", "u1"))
}

func TestSearchDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "d1", URL: "https://www.gov.uk/skilled-worker-visa", Title: "Skilled Worker visa", Content: "Apply for a work visa", ContentHash: "h1"},
		{ID: "d2", URL: "https://www.gov.uk/student-visa", Title: "Student visa", Content: "Study in the UK", ContentHash: "h2"},
		{ID: "d3", URL: "https://www.gov.uk/standard-visitor", Title: "Visit the UK", Content: "Tourist visits", ContentHash: "h3"},
	}
	for _, d := range docs {
		d.CreatedAt = testNow
		require.NoError(t, s.SaveDocument(ctx, d))
	}

	got, total, err := s.SearchDocuments(ctx, queryir.Select{
		Filter: queryir.Exclude{Left: queryir.Term{Value: "visa"}, Right: queryir.Term{Value: "student"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)

	got, _, err = s.SearchDocuments(ctx, queryir.Select{
		Filter: queryir.FieldMatch{Field: "title", Op: queryir.OpRegex, Value: "^(Student|Visit)"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ID)

	got, total, err = s.SearchDocuments(ctx, queryir.Select{Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 1)
	assert.Equal(t, "d3", got[0].ID)

	exists, err := s.DocumentHashExists(ctx, "h2")
	require.NoError(t, err)
	assert.True(t, exists)

	d, err := s.GetDocument(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, "Student visa", d.Title)
}

func TestMetrics_Aggregate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	values := []float64{100, 300, 200}
	for i, v := range values {
		require.NoError(t, s.RecordMetric(ctx, Metric{
			ID: fmt.Sprintf("m%d", i), Name: "response_time", Category: "performance",
			Value: v, Unit: "ms", RecordedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.RecordMetric(ctx, Metric{
		ID: "m9", Name: "search_count", Category: "search", Value: 1, Unit: "count", RecordedAt: testNow,
	}))

	aggs, err := s.AggregateMetrics(ctx, testNow, "")
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, MetricAggregate{
		Name: "response_time", Category: "performance", Unit: "ms",
		Count: 3, Min: 100, Max: 300, Avg: 200, Sum: 600,
	}, aggs[0])

	avg, n, err := s.AverageMetric(ctx, "response_time", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 250.0, avg)

	_, n, err = s.AverageMetric(ctx, "missing", testNow)
	require.NoError(t, err)
	assert.Zero(t, n)

	sum, err := s.SumMetric(ctx, "search_count", testNow)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sum)

	list, err := s.ListMetrics(ctx, testNow, "search")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMetrics_RejectsNegativeValue(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordMetric(context.Background(), Metric{
		ID: "m1", Name: "x", Category: "search", Value: -1, Unit: "count", RecordedAt: testNow,
	})
	assert.Error(t, err)
}

func TestTranslationCache(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := CacheKey{DocumentID: "d1", SourceHash: "s", ReadingLevel: "grade8", PromptHash: "p", Model: "m"}

	_, err := s.GetTranslation(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutTranslation(ctx, CachedTranslation{ID: "c1", Key: key, Content: "first", CreatedAt: testNow}))
	require.NoError(t, s.PutTranslation(ctx, CachedTranslation{ID: "c2", Key: key, Content: "second", CreatedAt: testNow}))

	got, err := s.GetTranslation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, "c1", got.ID)

	other := key
	other.Model = "other"
	_, err = s.GetTranslation(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifacts_Expiry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArtifact(ctx, Artifact{
		ID: "a1", Filename: "notes.txt", StoredPath: "/tmp/a1_notes.txt", Extension: ".txt",
		SizeBytes: 5, ExtractedText: "hello", Preview: "hello", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour),
	}))

	got, err := s.GetArtifact(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.Filename)

	expired, err := s.ListExpiredArtifacts(ctx, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpiredArtifacts(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, s.DeleteArtifact(ctx, "a1"))
	_, err = s.GetArtifact(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}
