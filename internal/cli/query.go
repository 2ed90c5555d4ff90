package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/caseguide/internal/query"
	"github.com/roach88/caseguide/internal/queryir"
)

// NewQueryCommand creates the query command group.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Parse and validate boolean search queries",
	}
	cmd.AddCommand(newQueryParseCommand(rootOpts))
	cmd.AddCommand(newQueryValidateCommand(rootOpts))
	return cmd
}

func newQueryParseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <query>",
		Short: "Print the predicate tree of a query",
		Long: `Parse a boolean query and print its predicate tree.

Example:
  caseguide query parse 'housing AND (benefit OR "council tax") NOT appeal'
  caseguide query parse --format json 'visa NOT tourist'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			p, err := query.Parse(args[0])
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeQuery, "invalid query", err)
			}
			if f.Format == "json" {
				return f.Success(queryir.ToMap(p))
			}
			return f.Success(strings.TrimRight(renderTree(p), "\n"))
		},
	}
}

// QueryValidation is the result of query validate.
type QueryValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func newQueryValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <query>",
		Short:         "Check a query for syntax errors",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			valid, errs := query.Validate(args[0])
			if !valid {
				_ = f.Error(ErrCodeQuery, strings.Join(errs, "; "), QueryValidation{Valid: false, Errors: errs})
				return NewExitError(ExitFailure, ErrCodeQuery+": invalid query")
			}
			if f.Format == "json" {
				return f.Success(QueryValidation{Valid: true, Errors: errs})
			}
			return f.Success("✓ Query valid")
		},
	}
}

// renderTree prints one node per line, children indented two spaces.
func renderTree(p queryir.Predicate) string {
	var b strings.Builder
	writeNode(&b, p, 0)
	return b.String()
}

func writeNode(b *strings.Builder, p queryir.Predicate, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n := p.(type) {
	case queryir.Term:
		fmt.Fprintf(b, "%s%s %q\n", indent, queryir.TypeTerm, n.Value)
	case queryir.FieldMatch:
		fmt.Fprintf(b, "%s%s %s %s %q\n", indent, queryir.TypeField, n.Field, n.Op, n.Value)
	case queryir.And:
		fmt.Fprintf(b, "%s%s\n", indent, queryir.TypeAnd)
		writeNode(b, n.Left, depth+1)
		writeNode(b, n.Right, depth+1)
	case queryir.Or:
		fmt.Fprintf(b, "%s%s\n", indent, queryir.TypeOr)
		writeNode(b, n.Left, depth+1)
		writeNode(b, n.Right, depth+1)
	case queryir.Not:
		fmt.Fprintf(b, "%s%s\n", indent, queryir.TypeNot)
		writeNode(b, n.Operand, depth+1)
	case queryir.Exclude:
		fmt.Fprintf(b, "%s%s\n", indent, queryir.TypeNot)
		writeNode(b, n.Left, depth+1)
		writeNode(b, n.Right, depth+1)
	}
}
