package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/workflow"
	"github.com/roach88/caseguide/internal/workflowdef"
)

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(newWorkflowValidateCommand(rootOpts))
	cmd.AddCommand(newWorkflowImportCommand(rootOpts))
	cmd.AddCommand(newWorkflowListCommand(rootOpts))
	return cmd
}

// LoadIssue is one problem found in a workflow directory.
type LoadIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

func loadIssues(errs []error) []LoadIssue {
	out := make([]LoadIssue, 0, len(errs))
	for _, err := range errs {
		var le *workflowdef.LoadError
		if !errors.As(err, &le) {
			out = append(out, LoadIssue{Code: ErrCodeGeneric, Message: err.Error()})
			continue
		}
		issue := LoadIssue{Code: le.Code, Message: le.Message}
		if le.Pos.IsValid() {
			issue.File = le.Pos.Filename()
			issue.Line = le.Pos.Line()
		}
		out = append(out, issue)
	}
	return out
}

// loadDefinitions loads every workflow in dir, reporting all problems.
func loadDefinitions(f *OutputFormatter, dir string) ([]workflow.Definition, error) {
	res, errs := workflowdef.Load(dir, workflowdef.LoadModeCollectAll)
	if len(errs) == 0 {
		f.VerboseLog("Loaded %d workflow(s) from %d file(s) in %s", len(res.Definitions), res.FileCount, dir)
		return res.Definitions, nil
	}
	issues := loadIssues(errs)
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.Message
	}
	_ = f.Error(ErrCodeWorkflow, strings.Join(msgs, "; "), issues)
	return nil, NewExitError(ExitFailure, fmt.Sprintf("%s: %d workflow error(s) in %s", ErrCodeWorkflow, len(issues), dir))
}

// WorkflowSummary is one line of workflow output.
type WorkflowSummary struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Steps  int    `json:"steps"`
	Action string `json:"action,omitempty"` // created | updated | unchanged (dry run)
}

type workflowSummaries []WorkflowSummary

func (ws workflowSummaries) String() string {
	if len(ws) == 0 {
		return "No workflows"
	}
	var b strings.Builder
	for i, w := range ws {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-30s %-9s %2d step(s)", w.Name, w.Status, w.Steps)
		if w.Action != "" {
			fmt.Fprintf(&b, "  %s", w.Action)
		}
		if w.ID != "" {
			fmt.Fprintf(&b, "  %s", w.ID)
		}
	}
	return b.String()
}

func newWorkflowValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate CUE workflow definitions",
		Long: `Load every .cue file in a directory and check the workflow
declarations without touching the database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			defs, err := loadDefinitions(f, args[0])
			if err != nil {
				return err
			}
			if f.Format == "json" {
				return f.Success(summarize(defs, ""))
			}
			return f.Success(fmt.Sprintf("✓ %d workflow(s) valid", len(defs)))
		},
	}
}

func summarize(defs []workflow.Definition, action string) workflowSummaries {
	out := make(workflowSummaries, len(defs))
	for i, d := range defs {
		out[i] = WorkflowSummary{Name: d.Name, Status: d.Status, Steps: len(d.Steps), Action: action}
	}
	return out
}

func newWorkflowImportCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Create or update workflows from CUE definitions",
		Long: `Load workflow definitions from a directory and store them. A
workflow whose name already exists is updated in place; nothing is stored
unless every definition is valid.

Example:
  caseguide workflow import ./workflows
  caseguide workflow import --dry-run ./workflows`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			defs, err := loadDefinitions(f, args[0])
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd, f, func(a *app) error {
				out := make(workflowSummaries, 0, len(defs))
				for _, d := range defs {
					s, err := importWorkflow(cmd, a, d, dryRun)
					if err != nil {
						return f.ServiceError("import "+d.Name, err)
					}
					out = append(out, s)
				}
				return f.Success(out)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}

func importWorkflow(cmd *cobra.Command, a *app, d workflow.Definition, dryRun bool) (WorkflowSummary, error) {
	existing, err := findWorkflow(cmd, a, d.Name)
	if err != nil {
		return WorkflowSummary{}, err
	}
	s := WorkflowSummary{Name: d.Name, Status: d.Status, Steps: len(d.Steps)}
	switch {
	case dryRun && existing != nil:
		s.ID, s.Action = existing.ID, "update"
		return s, nil
	case dryRun:
		s.Action = "create"
		return s, nil
	case existing != nil:
		w, err := a.workflows.Update(cmd.Context(), systemActor, existing.ID, d)
		if err != nil {
			return WorkflowSummary{}, err
		}
		s.ID, s.Status, s.Action = w.ID, w.Status, "updated"
	default:
		w, err := a.workflows.Create(cmd.Context(), systemActor, d)
		if err != nil {
			return WorkflowSummary{}, err
		}
		s.ID, s.Status, s.Action = w.ID, w.Status, "created"
	}
	return s, nil
}

// findWorkflow returns the workflow named name, or nil.
func findWorkflow(cmd *cobra.Command, a *app, name string) (*store.Workflow, error) {
	q := workflow.Query{Search: name}
	for page := 1; ; page++ {
		q.Params.Page, q.Params.Limit = page, 100
		res, err := a.workflows.List(cmd.Context(), systemActor, q)
		if err != nil {
			return nil, err
		}
		for _, w := range res.Items {
			if w.Name == name {
				return &w, nil
			}
		}
		if page >= res.Pages {
			return nil, nil
		}
	}
}

func newWorkflowListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored workflows",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, f, func(a *app) error {
				var out workflowSummaries
				q := workflow.Query{Status: status}
				for page := 1; ; page++ {
					q.Params.Page, q.Params.Limit = page, 100
					res, err := a.workflows.List(cmd.Context(), systemActor, q)
					if err != nil {
						return f.ServiceError("list workflows", err)
					}
					for _, w := range res.Items {
						out = append(out, WorkflowSummary{ID: w.ID, Name: w.Name, Status: w.Status, Steps: len(w.Steps)})
					}
					if page >= res.Pages {
						break
					}
				}
				if out == nil {
					out = workflowSummaries{}
				}
				return f.Success(out)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|inactive)")
	return cmd
}
