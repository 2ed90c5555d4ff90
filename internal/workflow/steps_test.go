package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/testutil"
)

func step(n int, typ string, cfg map[string]any) store.WorkflowStep {
	return store.WorkflowStep{StepNumber: n, Type: typ, Config: cfg}
}

func TestTransform(t *testing.T) {
	state := map[string]any{"a": "x", "old": 2.0}
	_, err := TransformHandler{}.Run(context.Background(), step(1, StepTransform, map[string]any{
		"copy":   map[string]any{"b": "a"},
		"rename": map[string]any{"old": "new"},
		"set":    map[string]any{"flag": true},
	}), state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "x", "b": "x", "new": 2.0, "flag": true}, state)

	// a repeated attempt finds the rename already applied
	_, err = TransformHandler{}.Run(context.Background(), step(1, StepTransform, map[string]any{
		"rename": map[string]any{"old": "new"},
	}), state)
	assert.NoError(t, err)

	_, err = TransformHandler{}.Run(context.Background(), step(1, StepTransform, map[string]any{
		"copy": "not a map",
	}), state)
	assert.True(t, IsConfigError(err))
}

func TestCondition(t *testing.T) {
	state := map[string]any{"count": 3.0, "name": "ana"}
	tests := []struct {
		name     string
		cfg      map[string]any
		wantStop bool
		wantErr  bool
	}{
		{"equals number", map[string]any{"key": "count", "value": 3}, false, false},
		{"equals mismatch stops", map[string]any{"key": "name", "value": "bo"}, true, false},
		{"not equals", map[string]any{"key": "name", "operator": OpNotEquals, "value": "bo"}, false, false},
		{"not equals missing key", map[string]any{"key": "nope", "operator": OpNotEquals, "value": "bo"}, false, false},
		{"exists", map[string]any{"key": "name", "operator": OpExists}, false, false},
		{"exists missing fails", map[string]any{"key": "nope", "operator": OpExists, "on_false": "fail"}, false, true},
		{"unknown operator", map[string]any{"key": "name", "operator": "gt"}, false, true},
		{"missing key", map[string]any{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ConditionHandler{}.Run(context.Background(), step(2, StepCondition, tt.cfg), state)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStop, out.Stop)
		})
	}
}

func TestNotify_RequiresMessage(t *testing.T) {
	_, err := NotifyHandler{}.Run(context.Background(), step(1, StepNotify, nil), map[string]any{})
	assert.True(t, IsConfigError(err))
}

func TestAPI_StoresResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "AB-1", body["ref"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":"granted"}`))
	}))
	defer srv.Close()

	state := map[string]any{}
	out, err := APIHandler{Client: srv.Client()}.Run(context.Background(), step(1, StepAPI, map[string]any{
		"url":      srv.URL + "/decide",
		"method":   "post",
		"body":     map[string]any{"ref": "AB-1"},
		"store_as": "decision",
	}), state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": 200}, out.Output)
	assert.Equal(t, map[string]any{"decision": "granted"}, state["decision"])
}

func TestAPI_ServerErrorTripsBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := retry.NewRegistry(2, time.Minute, testutil.NewFakeClock(testutil.DefaultStart))
	h := APIHandler{Client: srv.Client(), Breakers: reg}
	s := step(1, StepAPI, map[string]any{"url": srv.URL})

	for i := 0; i < 2; i++ {
		_, err := h.Run(context.Background(), s, map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	}
	_, err := h.Run(context.Background(), s, map[string]any{})
	assert.True(t, retry.IsCircuitOpen(err))
	assert.Equal(t, 2, calls)

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, retry.StateOpen, reg.Get("api:"+host).State())
}

func TestAPI_ConfigErrors(t *testing.T) {
	for _, cfg := range []map[string]any{
		{},
		{"url": "ftp://example.com"},
		{"url": "https://example.com", "method": "PATCH"},
	} {
		_, err := APIHandler{}.Run(context.Background(), step(1, StepAPI, cfg), map[string]any{})
		assert.True(t, IsConfigError(err), "%v", cfg)
	}
}
