package workflowdef

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/workflow"
)

// CompileError is a problem with one field of a workflow declaration.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Compile turns one `workflow: <name>: {...}` value into a definition.
// Only the shape is checked here; workflow.Definition.Validate owns the
// business rules.
func Compile(v cue.Value) (*workflow.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	name, ok := v.Label()
	if !ok || name == "" {
		return nil, &CompileError{Field: "name", Message: "workflow must be declared under a label", Pos: v.Pos()}
	}
	def := &workflow.Definition{Name: name}

	if err := optionalString(v, "description", &def.Description); err != nil {
		return nil, err
	}
	if err := optionalString(v, "status", &def.Status); err != nil {
		return nil, err
	}

	triggerVal := v.LookupPath(cue.ParsePath("trigger"))
	if triggerVal.Exists() {
		m, err := decodeMap(triggerVal, "trigger")
		if err != nil {
			return nil, err
		}
		def.TriggerConditions = m
	}

	steps, err := compileSteps(v.LookupPath(cue.ParsePath("steps")))
	if err != nil {
		return nil, err
	}
	def.Steps = steps

	retryVal := v.LookupPath(cue.ParsePath("retry"))
	if retryVal.Exists() {
		rc, err := compileRetry(retryVal)
		if err != nil {
			return nil, err
		}
		def.RetryConfig = rc
	}

	return def, nil
}

func compileSteps(v cue.Value) ([]store.WorkflowStep, error) {
	if !v.Exists() {
		return nil, &CompileError{Field: "steps", Message: "steps field is required"}
	}
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: "steps", Message: "steps must be a list", Pos: v.Pos()}
	}

	var steps []store.WorkflowStep
	for i := 0; iter.Next(); i++ {
		sv := iter.Value()
		step := store.WorkflowStep{StepNumber: i + 1}

		numVal := sv.LookupPath(cue.ParsePath("number"))
		if numVal.Exists() {
			n, err := numVal.Int64()
			if err != nil {
				return nil, &CompileError{Field: fmt.Sprintf("steps[%d].number", i), Message: "must be an integer", Pos: numVal.Pos()}
			}
			step.StepNumber = int(n)
		}

		typeVal := sv.LookupPath(cue.ParsePath("type"))
		if !typeVal.Exists() {
			return nil, &CompileError{Field: fmt.Sprintf("steps[%d].type", i), Message: "type field is required", Pos: sv.Pos()}
		}
		t, err := typeVal.String()
		if err != nil {
			return nil, &CompileError{Field: fmt.Sprintf("steps[%d].type", i), Message: "must be a string", Pos: typeVal.Pos()}
		}
		step.Type = t

		if err := optionalString(sv, "name", &step.Name); err != nil {
			return nil, err
		}

		cfgVal := sv.LookupPath(cue.ParsePath("config"))
		if cfgVal.Exists() {
			m, err := decodeMap(cfgVal, fmt.Sprintf("steps[%d].config", i))
			if err != nil {
				return nil, err
			}
			step.Config = m
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func compileRetry(v cue.Value) (store.RetryConfig, error) {
	var rc store.RetryConfig
	if err := optionalString(v, "strategy", &rc.Strategy); err != nil {
		return rc, err
	}
	if mv := v.LookupPath(cue.ParsePath("max_attempts")); mv.Exists() {
		n, err := mv.Int64()
		if err != nil {
			return rc, &CompileError{Field: "retry.max_attempts", Message: "must be an integer", Pos: mv.Pos()}
		}
		rc.MaxAttempts = int(n)
	}
	if bv := v.LookupPath(cue.ParsePath("backoff_multiplier")); bv.Exists() {
		f, err := bv.Float64()
		if err != nil {
			return rc, &CompileError{Field: "retry.backoff_multiplier", Message: "must be a number", Pos: bv.Pos()}
		}
		rc.BackoffMultiplier = f
	}
	return rc, nil
}

func optionalString(v cue.Value, field string, dst *string) error {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil
	}
	s, err := fv.String()
	if err != nil {
		return &CompileError{Field: field, Message: "must be a string", Pos: fv.Pos()}
	}
	*dst = s
	return nil
}

// decodeMap round-trips through JSON so numbers arrive as float64, the
// same shape step configs have after a trip through the store.
func decodeMap(v cue.Value, field string) (map[string]any, error) {
	if v.IncompleteKind() != cue.StructKind {
		return nil, &CompileError{Field: field, Message: "must be a struct", Pos: v.Pos()}
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, &CompileError{Field: field, Message: fmt.Sprintf("must be concrete: %v", err), Pos: v.Pos()}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return m, nil
}

func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
