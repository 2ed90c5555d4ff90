package queryir

import (
	"fmt"
	"regexp"
	"slices"
)

// ValidationError describes a structural problem in a query tree.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Validate checks a query for constructs the backends cannot execute.
// It returns every problem found rather than stopping at the first.
func Validate(q Query) []ValidationError {
	sel, ok := q.(Select)
	if !ok {
		if p, isPtr := q.(*Select); isPtr && p != nil {
			sel = *p
		} else {
			return []ValidationError{{Message: fmt.Sprintf("unsupported query type %T", q)}}
		}
	}

	var errs []ValidationError
	if sel.From == "" {
		errs = append(errs, ValidationError{Field: "from", Message: "source is required"})
	}
	if sel.Limit < 0 {
		errs = append(errs, ValidationError{Field: "limit", Message: "must not be negative"})
	}
	if sel.Offset < 0 {
		errs = append(errs, ValidationError{Field: "offset", Message: "must not be negative"})
	}
	if sel.Filter != nil {
		errs = append(errs, ValidatePredicate(sel.Filter)...)
	}
	return errs
}

// ValidatePredicate checks a predicate tree.
func ValidatePredicate(p Predicate) []ValidationError {
	var errs []ValidationError
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch n := p.(type) {
		case nil:
			errs = append(errs, ValidationError{Message: "missing operand"})
		case Term:
			if n.Value == "" {
				errs = append(errs, ValidationError{Field: "term", Message: "term must not be empty"})
			}
		case And:
			walk(n.Left)
			walk(n.Right)
		case Or:
			walk(n.Left)
			walk(n.Right)
		case Not:
			walk(n.Operand)
		case Exclude:
			walk(n.Left)
			walk(n.Right)
		case FieldMatch:
			if !slices.Contains(SearchableFields, n.Field) {
				errs = append(errs, ValidationError{
					Field:   "field",
					Message: fmt.Sprintf("unknown field %q, must be one of %v", n.Field, SearchableFields),
				})
			}
			if !slices.Contains(FieldOps, n.Op) {
				errs = append(errs, ValidationError{
					Field:   "operator",
					Message: fmt.Sprintf("unknown operator %q, must be one of %v", n.Op, FieldOps),
				})
			}
			if n.Op == OpRegex {
				if _, err := regexp.Compile(n.Value); err != nil {
					errs = append(errs, ValidationError{Field: "value", Message: fmt.Sprintf("invalid regex: %v", err)})
				}
			}
		default:
			errs = append(errs, ValidationError{Message: fmt.Sprintf("unsupported predicate type %T", p)})
		}
	}
	walk(p)
	return errs
}
