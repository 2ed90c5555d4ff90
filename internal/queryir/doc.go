// Package queryir defines the intermediate representation for document
// search queries.
//
// Parsed boolean queries and structured field filters both lower into the
// same Predicate tree, which backends compile into their own query language.
// The only backend today is internal/querysql (SQLite).
//
// Query and Predicate are sealed interfaces using the marker method pattern.
// Only types in this package implement them, so backends can type switch
// exhaustively:
//
//	switch p := pred.(type) {
//	case Term:
//	case And:
//	case Or:
//	case Not:
//	case Exclude:
//	case FieldMatch:
//	}
//
// Node shape mirrors the boolean grammar:
//
//	visa AND permit      And{Term{visa}, Term{permit}}
//	visa NOT tourist     Exclude{Term{visa}, Term{tourist}}
//	NOT tourist          Not{Term{tourist}}
package queryir
