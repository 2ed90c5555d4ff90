package query

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/caseguide/internal/queryir"
)

// SyntaxError reports an invalid query. Position is a token index.
type SyntaxError struct {
	Message  string
	Position int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Message, e.Position)
}

// IsSyntaxError reports whether err is (or wraps) a SyntaxError.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}

// Parse parses a boolean query into a predicate tree.
func Parse(q string) (queryir.Predicate, error) {
	if strings.TrimSpace(q) == "" {
		return nil, &SyntaxError{Message: "Query cannot be empty", Position: 0}
	}

	tokens := tokenize(q)
	if len(tokens) == 0 {
		return nil, &SyntaxError{Message: "Query cannot be empty", Position: 0}
	}

	p := &parser{tokens: tokens}
	node, err := p.parseExpression(0)
	if err != nil {
		slog.Debug("query parse failed", "query", q, "error", err)
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, p.unexpected()
	}
	return node, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static queries.
func MustParse(q string) queryir.Predicate {
	node, err := Parse(q)
	if err != nil {
		panic(err)
	}
	return node
}

// Validate parses q and reports whether it is valid, with any error
// messages formatted as "<message> at position <n>".
func Validate(q string) (bool, []string) {
	if _, err := Parse(q); err != nil {
		return false, []string{err.Error()}
	}
	return true, []string{}
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) unexpected() *SyntaxError {
	return &SyntaxError{
		Message:  fmt.Sprintf("Unexpected token: %s", p.tokens[p.pos].text),
		Position: p.pos,
	}
}

// parseExpression implements precedence climbing. The loop stops at the
// first non-operator token or at an operator binding looser than minPrec.
func (p *parser) parseExpression(minPrec int) (queryir.Predicate, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok, ok := p.peek()
		if !ok {
			break
		}
		prec := tok.precedence()
		if prec == 0 || prec < minPrec {
			break
		}
		p.pos++

		switch tok.kind {
		case tokNot:
			// infix NOT: "a NOT b" keeps a and drops b
			right, err := p.parseExpression(prec)
			if err != nil {
				return nil, err
			}
			left = queryir.Exclude{Left: left, Right: right}
		case tokAnd:
			right, err := p.parseExpression(prec + 1)
			if err != nil {
				return nil, err
			}
			left = queryir.And{Left: left, Right: right}
		case tokOr:
			right, err := p.parseExpression(prec + 1)
			if err != nil {
				return nil, err
			}
			left = queryir.Or{Left: left, Right: right}
		}
	}

	return left, nil
}

func (p *parser) parsePrimary() (queryir.Predicate, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, &SyntaxError{Message: "Unexpected end of query", Position: p.pos}
	}

	switch tok.kind {
	case tokLParen:
		p.pos++
		node, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if next, ok := p.peek(); !ok || next.kind != tokRParen {
			return nil, &SyntaxError{Message: "Missing closing parenthesis", Position: p.pos}
		}
		p.pos++
		return node, nil

	case tokNot:
		p.pos++
		operand, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return queryir.Not{Operand: operand}, nil

	case tokTerm:
		p.pos++
		return queryir.Term{Value: tok.text}, nil
	}

	return nil, p.unexpected()
}
