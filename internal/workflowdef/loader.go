// Package workflowdef loads workflow definitions declared in CUE.
//
// A directory of .cue files declares workflows under a top-level
// `workflow` struct:
//
//	workflow: intake: {
//		description: "Triage new cases"
//		status:      "active"
//		trigger: event_type: "case.created"
//		steps: [
//			{type: "transform", config: rename: ref: "case_ref"},
//			{type: "notify", config: message: "case {case_ref} received"},
//		]
//		retry: {strategy: "exponential", max_attempts: 3}
//	}
package workflowdef

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/caseguide/internal/workflow"
)

// Error codes shared with the CLI.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeInvalid     = "E008"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Result holds the definitions found in a directory, sorted by name.
type Result struct {
	Definitions []workflow.Definition
	FileCount   int
}

// LoadError represents an error that occurred during loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load compiles every workflow declared in dir. Each definition is also
// run through workflow.Definition.Validate so the caller gets the same
// errors the API would return.
func Load(dir string, mode LoadMode) (*Result, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("workflow directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing workflow directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &Result{FileCount: len(files)}
	var errs []error

	wfVal := value.LookupPath(cue.ParsePath("workflow"))
	if !wfVal.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: "no workflow declarations found"}}
	}
	iter, err := wfVal.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating workflows: %v", err)}}
	}
	for iter.Next() {
		label := iter.Label()
		def, err := Compile(iter.Value())
		if err == nil {
			err = def.Validate()
		}
		if err != nil {
			errs = append(errs, convertError(err, "workflow."+label))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Definitions = append(result.Definitions, *def)
	}

	sort.Slice(result.Definitions, func(i, j int) bool {
		return result.Definitions[i].Name < result.Definitions[j].Name
	})
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func convertError(err error, context string) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return &LoadError{
			Code:    ErrCodeInvalid,
			Message: fmt.Sprintf("%s: %s: %s", context, ce.Field, ce.Message),
			Pos:     ce.Pos,
		}
	}
	return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("%s: %v", context, err)}
}
