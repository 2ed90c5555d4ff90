package querysql

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/caseguide/internal/queryir"
)

// DefaultLimit caps a Select with no explicit Limit.
const DefaultLimit = 20

// SQLCompiler compiles queryir queries to parameterized SQL for SQLite.
//
// Every compiled query ends in ORDER BY id ASC COLLATE BINARY so paging is
// stable. Values are always bound as parameters, never interpolated.
type SQLCompiler struct {
	// Columns is the SELECT list. Empty means "*".
	Columns []string

	// TextColumns are searched by a bare Term.
	TextColumns []string
}

// NewSQLCompiler returns a compiler for the documents table.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{
		Columns:     []string{"id", "url", "title", "content", "metadata", "created_at"},
		TextColumns: []string{"title", "content"},
	}
}

// Compile converts a query to a SELECT statement and its parameters.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	sel, err := asSelect(q)
	if err != nil {
		return "", nil, err
	}

	where, params, err := c.whereClause(sel)
	if err != nil {
		return "", nil, err
	}

	limit := sel.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	columns := "*"
	if len(c.Columns) > 0 {
		columns = strings.Join(c.Columns, ", ")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ? OFFSET ?",
		columns, sel.From, where, c.stableOrderKey())
	params = append(params, limit, sel.Offset)

	return sql, params, nil
}

// CompileCount converts a query to a COUNT(*) over the same filter,
// ignoring pagination.
func (c *SQLCompiler) CompileCount(q queryir.Query) (string, []any, error) {
	sel, err := asSelect(q)
	if err != nil {
		return "", nil, err
	}

	where, params, err := c.whereClause(sel)
	if err != nil {
		return "", nil, err
	}

	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", sel.From, where), params, nil
}

// CompilePredicate compiles a predicate to a WHERE fragment.
func (c *SQLCompiler) CompilePredicate(p queryir.Predicate) (string, []any, error) {
	return c.compilePredicate(p)
}

func asSelect(q queryir.Query) (queryir.Select, error) {
	switch query := q.(type) {
	case nil:
		return queryir.Select{}, fmt.Errorf("cannot compile nil query")
	case queryir.Select:
		return query, nil
	case *queryir.Select:
		if query == nil {
			return queryir.Select{}, fmt.Errorf("cannot compile nil query")
		}
		return *query, nil
	default:
		return queryir.Select{}, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) whereClause(sel queryir.Select) (string, []any, error) {
	if errs := queryir.Validate(sel); len(errs) > 0 {
		return "", nil, fmt.Errorf("invalid query: %w", errs[0])
	}
	if sel.Filter == nil {
		return "", nil, nil
	}
	sql, params, err := c.compilePredicate(sel.Filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	return " WHERE " + sql, params, nil
}

// stableOrderKey uses COLLATE BINARY for deterministic text ordering.
func (c *SQLCompiler) stableOrderKey() string {
	return "id ASC COLLATE BINARY"
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case queryir.Term:
		return c.compileTerm(pred)
	case queryir.And:
		return c.compileBinary("AND", pred.Left, pred.Right)
	case queryir.Or:
		return c.compileBinary("OR", pred.Left, pred.Right)
	case queryir.Not:
		sql, params, err := c.compilePredicate(pred.Operand)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", params, nil
	case queryir.Exclude:
		return c.compileBinary("AND", pred.Left, queryir.Not{Operand: pred.Right})
	case queryir.FieldMatch:
		return c.compileFieldMatch(pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileTerm matches the term as a substring of any text column.
func (c *SQLCompiler) compileTerm(t queryir.Term) (string, []any, error) {
	if len(c.TextColumns) == 0 {
		return "", nil, fmt.Errorf("no text columns configured for term search")
	}
	pattern := "%" + escapeLike(t.Value) + "%"

	parts := make([]string, 0, len(c.TextColumns))
	params := make([]any, 0, len(c.TextColumns))
	for _, col := range c.TextColumns {
		parts = append(parts, col+` LIKE ? ESCAPE '\'`)
		params = append(params, pattern)
	}
	return "(" + strings.Join(parts, " OR ") + ")", params, nil
}

func (c *SQLCompiler) compileBinary(op string, left, right queryir.Predicate) (string, []any, error) {
	lsql, lparams, err := c.compilePredicate(left)
	if err != nil {
		return "", nil, err
	}
	rsql, rparams, err := c.compilePredicate(right)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("(%s %s %s)", lsql, op, rsql), append(lparams, rparams...), nil
}

// compileFieldMatch relies on the REGEXP function registered by the store
// driver for OpRegex.
func (c *SQLCompiler) compileFieldMatch(f queryir.FieldMatch) (string, []any, error) {
	if !slices.Contains(queryir.SearchableFields, f.Field) {
		return "", nil, fmt.Errorf("unknown field %q", f.Field)
	}
	switch f.Op {
	case queryir.OpEquals:
		return f.Field + " = ?", []any{f.Value}, nil
	case queryir.OpContains:
		return f.Field + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(f.Value) + "%"}, nil
	case queryir.OpStartsWith:
		return f.Field + ` LIKE ? ESCAPE '\'`, []any{escapeLike(f.Value) + "%"}, nil
	case queryir.OpRegex:
		return f.Field + " REGEXP ?", []any{f.Value}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
