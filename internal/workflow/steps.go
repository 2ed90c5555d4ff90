package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/templates"
)

// Step types.
const (
	StepTransform = "transform"
	StepAPI       = "api"
	StepNotify    = "notify"
	StepCondition = "condition"
)

// StepTypes lists the built-in step types.
var StepTypes = []string{StepTransform, StepAPI, StepNotify, StepCondition}

// Outcome is what a step handler reports on success.
type Outcome struct {
	// Output is recorded in the execution log.
	Output any

	// Stop ends the execution successfully without running later steps.
	Stop bool
}

// StepHandler runs one step type. Handlers read and write the shared
// execution context in state; they may be called again for the same step
// when a retry strategy repeats the attempt.
type StepHandler interface {
	Run(ctx context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error)

// Run calls f.
func (f StepHandlerFunc) Run(ctx context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error) {
	return f(ctx, step, state)
}

// ConfigError reports a step whose config is malformed. It is not worth
// retrying.
type ConfigError struct {
	StepNumber int
	Message    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("step %d: invalid config: %s", e.StepNumber, e.Message)
}

// IsConfigError returns true if err is a step configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configString(step store.WorkflowStep, key string, required bool) (string, error) {
	v, ok := step.Config[key]
	if !ok || v == nil {
		if required {
			return "", &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("missing %q", key)}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("%q must be a string", key)}
	}
	return s, nil
}

func configMap(step store.WorkflowStep, key string) (map[string]any, error) {
	v, ok := step.Config[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("%q must be an object", key)}
	}
	return m, nil
}

// TransformHandler edits the execution context. Config keys, applied in
// this order:
//
//	copy:   {"dest": "source", ...}
//	rename: {"old": "new", ...}
//	set:    {"key": value, ...}
type TransformHandler struct{}

// Run applies the transform.
func (TransformHandler) Run(_ context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error) {
	copies, err := configMap(step, "copy")
	if err != nil {
		return Outcome{}, err
	}
	renames, err := configMap(step, "rename")
	if err != nil {
		return Outcome{}, err
	}
	sets, err := configMap(step, "set")
	if err != nil {
		return Outcome{}, err
	}

	var written []string
	for dest, src := range copies {
		name, ok := src.(string)
		if !ok {
			return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("copy source for %q must be a string", dest)}
		}
		v, ok := state[name]
		if !ok {
			return Outcome{}, fmt.Errorf("step %d: copy: context key %q not set", step.StepNumber, name)
		}
		state[dest] = v
		written = append(written, dest)
	}
	for old, dst := range renames {
		name, ok := dst.(string)
		if !ok {
			return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("rename target for %q must be a string", old)}
		}
		v, ok := state[old]
		if !ok {
			// already renamed by an earlier attempt
			if _, done := state[name]; done {
				continue
			}
			return Outcome{}, fmt.Errorf("step %d: rename: context key %q not set", step.StepNumber, old)
		}
		delete(state, old)
		state[name] = v
		written = append(written, name)
	}
	for k, v := range sets {
		state[k] = v
		written = append(written, k)
	}
	return Outcome{Output: map[string]any{"written": len(written)}}, nil
}

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpExists    = "exists"
)

// ConditionHandler compares a context key against a value. Config:
//
//	key:      context key (required)
//	operator: equals | not_equals | exists (default equals)
//	value:    comparison value
//	on_false: stop | fail (default stop)
type ConditionHandler struct{}

// Run evaluates the condition.
func (ConditionHandler) Run(_ context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error) {
	key, err := configString(step, "key", true)
	if err != nil {
		return Outcome{}, err
	}
	op, err := configString(step, "operator", false)
	if err != nil {
		return Outcome{}, err
	}
	if op == "" {
		op = OpEquals
	}
	onFalse, err := configString(step, "on_false", false)
	if err != nil {
		return Outcome{}, err
	}

	actual, present := state[key]
	want := step.Config["value"]
	var ok bool
	switch op {
	case OpEquals:
		ok = present && looselyEqual(actual, want)
	case OpNotEquals:
		ok = !present || !looselyEqual(actual, want)
	case OpExists:
		ok = present
	default:
		return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("unknown operator %q", op)}
	}

	out := map[string]any{"key": key, "operator": op, "result": ok}
	if ok {
		return Outcome{Output: out}, nil
	}
	if onFalse == "fail" {
		return Outcome{Output: out}, fmt.Errorf("step %d: condition %s %s not met", step.StepNumber, key, op)
	}
	return Outcome{Output: out, Stop: true}, nil
}

// looselyEqual compares JSON-ish values, treating all numbers as float64.
func looselyEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// NotifyHandler records a message, with {{key}} markers filled from the
// execution context. Config: message (required), channel (default "log").
type NotifyHandler struct {
	Logger *slog.Logger
}

// Run renders and logs the message.
func (h NotifyHandler) Run(_ context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error) {
	msg, err := configString(step, "message", true)
	if err != nil {
		return Outcome{}, err
	}
	channel, err := configString(step, "channel", false)
	if err != nil {
		return Outcome{}, err
	}
	if channel == "" {
		channel = "log"
	}

	values := make(map[string]string, len(state))
	for k, v := range state {
		values[k] = fmt.Sprint(v)
	}
	rendered, _ := templates.Fill(msg, values).(string)

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("workflow notification", "channel", channel, "step", step.StepNumber, "message", rendered)
	return Outcome{Output: map[string]any{"channel": channel, "message": rendered}}, nil
}

// APIHandler makes an HTTP call. Each host gets a circuit breaker from the
// registry. Config:
//
//	url:      absolute http(s) URL (required)
//	method:   GET | POST | PUT | DELETE (default GET)
//	body:     JSON-encoded for non-GET requests
//	store_as: context key for the decoded JSON response
type APIHandler struct {
	Client   *http.Client
	Breakers *retry.Registry
}

// Run performs the request.
func (h APIHandler) Run(ctx context.Context, step store.WorkflowStep, state map[string]any) (Outcome, error) {
	rawURL, err := configString(step, "url", true)
	if err != nil {
		return Outcome{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("invalid url %q", rawURL)}
	}
	method, err := configString(step, "method", false)
	if err != nil {
		return Outcome{}, err
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("unsupported method %q", method)}
	}
	storeAs, err := configString(step, "store_as", false)
	if err != nil {
		return Outcome{}, err
	}

	var body io.Reader
	if b, ok := step.Config["body"]; ok && method != http.MethodGet {
		data, err := json.Marshal(b)
		if err != nil {
			return Outcome{}, &ConfigError{StepNumber: step.StepNumber, Message: "body is not JSON-encodable"}
		}
		body = bytes.NewReader(data)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var status int
	var decoded any
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("step %d: %s %s: status %d", step.StepNumber, method, u.Host, resp.StatusCode)
		}
		if len(data) > 0 && json.Valid(data) {
			if err := json.Unmarshal(data, &decoded); err != nil {
				return err
			}
		}
		return nil
	}

	if h.Breakers != nil {
		err = h.Breakers.Get("api:" + u.Host).Do(call)
	} else {
		err = call()
	}
	if err != nil {
		return Outcome{}, err
	}
	if storeAs != "" {
		state[storeAs] = decoded
	}
	return Outcome{Output: map[string]any{"status": status}}, nil
}

// DefaultHandlers returns the built-in handlers keyed by step type.
func DefaultHandlers(client *http.Client, breakers *retry.Registry, logger *slog.Logger) map[string]StepHandler {
	return map[string]StepHandler{
		StepTransform: TransformHandler{},
		StepCondition: ConditionHandler{},
		StepNotify:    NotifyHandler{Logger: logger},
		StepAPI:       APIHandler{Client: client, Breakers: breakers},
	}
}
