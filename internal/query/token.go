package query

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

type tokenKind int

const (
	tokTerm tokenKind = iota
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
}

// operator precedence; zero means the token is not an operator.
func (t token) precedence() int {
	switch t.kind {
	case tokNot:
		return 3
	case tokAnd:
		return 2
	case tokOr:
		return 1
	}
	return 0
}

// tokenize splits a query into terms, operators and parentheses.
// Input is NFC normalised first so composed and decomposed forms of the
// same term compare equal downstream.
//
// A parenthesis is a token unless it belongs to a word: "visa(UK)" is one
// term, while "(visa OR permit)" and "NOT(visa)" open groups. A double
// quote at the start of a word opens a phrase that runs to the next quote;
// an unmatched quote is an ordinary character.
func tokenize(q string) []token {
	q = norm.NFC.String(q)

	var tokens []token
	var word strings.Builder
	depth := 0 // parentheses opened inside the current word

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, classify(word.String()))
			word.Reset()
		}
		depth = 0
	}

	runes := []rune(q)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '(':
			if word.Len() > 0 && classify(word.String()).kind == tokTerm {
				word.WriteRune(r)
				depth++
				continue
			}
			flush()
			tokens = append(tokens, token{kind: tokLParen, text: "("})
		case r == ')':
			if depth > 0 {
				word.WriteRune(r)
				depth--
				continue
			}
			flush()
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
		case r == '"' && word.Len() == 0:
			end := slices.Index(runes[i+1:], '"')
			if end < 0 {
				word.WriteRune(r)
				continue
			}
			end += i + 1
			if phrase := strings.TrimSpace(string(runes[i+1 : end])); phrase != "" {
				tokens = append(tokens, token{kind: tokTerm, text: phrase})
			}
			i = end
		default:
			word.WriteRune(r)
		}
	}
	flush()

	return tokens
}

func classify(w string) token {
	switch w {
	case "AND":
		return token{kind: tokAnd, text: w}
	case "OR":
		return token{kind: tokOr, text: w}
	case "NOT":
		return token{kind: tokNot, text: w}
	}
	return token{kind: tokTerm, text: w}
}
