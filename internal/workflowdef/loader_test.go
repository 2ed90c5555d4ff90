package workflowdef

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/workflow"
)

const intakeWorkflow = `
package workflows

workflow: intake: {
	description: "Triage new cases"
	status:      "active"
	trigger: event_type: "case.created"
	steps: [
		{type: "transform", config: rename: {ref: "case_ref"}},
		{type: "condition", name: "has ref", config: {key: "case_ref", operator: "exists"}},
		{type: "notify", config: message: "case {case_ref} received"},
	]
	retry: {strategy: "exponential", max_attempts: 3, backoff_multiplier: 2}
}
`

const digestWorkflow = `
package workflows

workflow: digest: {
	steps: [
		{number: 10, type: "notify", config: {message: "daily digest", channel: "log"}},
	]
}
`

func writeCUEFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadValidDirectory(t *testing.T) {
	dir := t.TempDir()
	writeCUEFile(t, dir, "intake.cue", intakeWorkflow)
	writeCUEFile(t, dir, "digest.cue", digestWorkflow)

	result, errs := Load(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.FileCount)

	want := []workflow.Definition{
		{
			Name:              "digest",
			Status:            workflow.WorkflowInactive,
			TriggerConditions: map[string]any{"event_type": nil, "filters": nil, "schedule": nil},
			Steps: []store.WorkflowStep{
				{StepNumber: 10, Type: "notify", Config: map[string]any{"message": "daily digest", "channel": "log"}},
			},
			RetryConfig: store.RetryConfig{Strategy: "immediate"},
		},
		{
			Name:              "intake",
			Description:       "Triage new cases",
			Status:            workflow.WorkflowActive,
			TriggerConditions: map[string]any{"event_type": "case.created", "filters": nil, "schedule": nil},
			Steps: []store.WorkflowStep{
				{StepNumber: 1, Type: "transform", Config: map[string]any{"rename": map[string]any{"ref": "case_ref"}}},
				{StepNumber: 2, Name: "has ref", Type: "condition", Config: map[string]any{"key": "case_ref", "operator": "exists"}},
				{StepNumber: 3, Type: "notify", Config: map[string]any{"message": "case {case_ref} received"}},
			},
			RetryConfig: store.RetryConfig{Strategy: "exponential", MaxAttempts: 3, BackoffMultiplier: 2},
		},
	}
	if diff := cmp.Diff(want, result.Definitions); diff != "" {
		t.Errorf("definitions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)

	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoadNoFiles(t *testing.T) {
	_, errs := Load(t.TempDir(), LoadModeFailFast)
	require.Len(t, errs, 1)

	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestLoadCollectsAllErrors(t *testing.T) {
	dir := t.TempDir()
	writeCUEFile(t, dir, "bad.cue", `
package workflows

workflow: broken: {
	steps: [{type: "teleport"}]
}

workflow: empty: {
	steps: []
}

workflow: ok: {
	steps: [{type: "notify", config: message: "hi"}]
}
`)

	result, errs := Load(dir, LoadModeCollectAll)
	require.Len(t, errs, 2)
	for _, err := range errs {
		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, ErrCodeInvalid, le.Code)
	}
	assert.Contains(t, errs[0].Error(), "workflow.broken")
	assert.Contains(t, errs[1].Error(), "workflow.empty")
	require.Len(t, result.Definitions, 1)
	assert.Equal(t, "ok", result.Definitions[0].Name)

	_, errs = Load(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadWithoutWorkflowField(t *testing.T) {
	dir := t.TempDir()
	writeCUEFile(t, dir, "other.cue", "package workflows\n\nsettings: debug: true\n")

	_, errs := Load(dir, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no workflow declarations found")
}

func TestCompileShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"missing steps", `workflow: w: {description: "x"}`, "steps"},
		{"steps not list", `workflow: w: {steps: {a: 1}}`, "steps"},
		{"missing type", `workflow: w: {steps: [{config: {}}]}`, "steps[0].type"},
		{"type not string", `workflow: w: {steps: [{type: 3}]}`, "steps[0].type"},
		{"config not struct", `workflow: w: {steps: [{type: "notify", config: "x"}]}`, "steps[0].config"},
		{"number not int", `workflow: w: {steps: [{type: "notify", number: "one"}]}`, "steps[0].number"},
		{"status not string", `workflow: w: {status: true, steps: [{type: "notify"}]}`, "status"},
		{"bad multiplier", `workflow: w: {steps: [{type: "notify"}], retry: backoff_multiplier: "fast"}`, "retry.backoff_multiplier"},
		{"incomplete config", `workflow: w: {steps: [{type: "notify", config: message: string}]}`, "steps[0].config"},
	}

	ctx := cuecontext.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ctx.CompileString(tt.src)
			require.NoError(t, v.Err())

			_, err := Compile(v.LookupPath(cue.ParsePath("workflow.w")))
			require.Error(t, err)

			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "steps", Message: "steps field is required"}
	assert.Equal(t, "steps: steps field is required", err.Error())

	le := &LoadError{Code: ErrCodeNoFiles, Message: "no CUE files found in x"}
	assert.Equal(t, "E003: no CUE files found in x", le.Error())
}
