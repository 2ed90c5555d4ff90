package queryir

// Query represents an abstract search query.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode()
}

// Predicate represents a filter condition over documents.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Node type names used by the map form of a predicate tree.
const (
	TypeTerm  = "TERM"
	TypeAnd   = "AND"
	TypeOr    = "OR"
	TypeNot   = "NOT"
	TypeField = "FIELD"
)

// Select is a filtered, paginated read of a document source.
//
//	SELECT * FROM <From> WHERE <Filter> LIMIT <Limit> OFFSET <Offset>
//
// A zero Limit means the backend default.
type Select struct {
	From   string
	Filter Predicate
	Limit  int
	Offset int
}

func (Select) queryNode() {}

// Term matches documents whose searchable text contains Value.
type Term struct {
	Value string
}

func (Term) predicateNode() {}

// And is true when both sides are true.
type And struct {
	Left  Predicate
	Right Predicate
}

func (And) predicateNode() {}

// Or is true when either side is true.
type Or struct {
	Left  Predicate
	Right Predicate
}

func (Or) predicateNode() {}

// Not negates its operand (prefix NOT).
type Not struct {
	Operand Predicate
}

func (Not) predicateNode() {}

// Exclude is the infix form "left NOT right": Left holds and Right does not.
type Exclude struct {
	Left  Predicate
	Right Predicate
}

func (Exclude) predicateNode() {}

// FieldOp is a comparison used by FieldMatch.
type FieldOp string

const (
	OpEquals     FieldOp = "equals"
	OpContains   FieldOp = "contains"
	OpStartsWith FieldOp = "starts_with"
	OpRegex      FieldOp = "regex"
)

// FieldMatch compares one document field to a literal.
type FieldMatch struct {
	Field string
	Op    FieldOp
	Value string
}

func (FieldMatch) predicateNode() {}

// SearchableFields lists the document fields a FieldMatch may reference.
var SearchableFields = []string{"title", "content", "metadata"}

// FieldOps lists every supported FieldOp.
var FieldOps = []FieldOp{OpEquals, OpContains, OpStartsWith, OpRegex}

// ToMap converts a predicate into its map form:
// {"type": ..., "value": ..., "left": ..., "right": ...}.
//
// Operator nodes carry a nil value. Prefix NOT stores its operand under
// "left"; infix NOT stores both sides.
func ToMap(p Predicate) map[string]any {
	switch n := p.(type) {
	case Term:
		return map[string]any{"type": TypeTerm, "value": n.Value}
	case And:
		return binaryMap(TypeAnd, n.Left, n.Right)
	case Or:
		return binaryMap(TypeOr, n.Left, n.Right)
	case Not:
		return map[string]any{"type": TypeNot, "value": nil, "left": ToMap(n.Operand)}
	case Exclude:
		return binaryMap(TypeNot, n.Left, n.Right)
	case FieldMatch:
		return map[string]any{
			"type":  TypeField,
			"value": n.Value,
			"field": n.Field,
			"op":    string(n.Op),
		}
	default:
		return nil
	}
}

func binaryMap(typ string, left, right Predicate) map[string]any {
	return map[string]any{
		"type":  typ,
		"value": nil,
		"left":  ToMap(left),
		"right": ToMap(right),
	}
}

// Terms walks the tree and returns the terms that contribute positively
// to a match and the terms that are excluded, in left-to-right order.
func Terms(p Predicate) (include, exclude []string) {
	var walk func(Predicate, bool)
	walk = func(p Predicate, negated bool) {
		switch n := p.(type) {
		case Term:
			if negated {
				exclude = append(exclude, n.Value)
			} else {
				include = append(include, n.Value)
			}
		case And:
			walk(n.Left, negated)
			walk(n.Right, negated)
		case Or:
			walk(n.Left, negated)
			walk(n.Right, negated)
		case Not:
			walk(n.Operand, !negated)
		case Exclude:
			walk(n.Left, negated)
			walk(n.Right, !negated)
		}
	}
	walk(p, false)
	return include, exclude
}

// AllOf folds predicates into a left-deep And chain. Nil entries are
// skipped; an empty input yields nil (no filter).
func AllOf(preds ...Predicate) Predicate {
	var out Predicate
	for _, p := range preds {
		if p == nil {
			continue
		}
		if out == nil {
			out = p
			continue
		}
		out = And{Left: out, Right: p}
	}
	return out
}
