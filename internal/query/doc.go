// Package query parses boolean search queries into queryir predicate trees.
//
// Grammar (precedence NOT > AND > OR, binary operators left-associative):
//
//	expr    := primary { op expr }
//	primary := "(" expr ")" | "NOT" primary | term
//	op      := "AND" | "OR" | "NOT"
//
// Operators are recognised only as whole, upper-case words. Parentheses
// stand alone unless they sit inside a word, so "(visa OR permit)" is five
// tokens and "visa(UK)" is one term. Double-quoted text is a single term:
// "skilled worker" matches the phrase. A quote with no partner is kept as
// part of the term it starts.
//
// Errors report the index of the offending token, not a byte offset.
package query
