// Package expr implements the template expression language used by
// integration definitions.
//
// A template is any JSON value. Strings containing {{expr}} markers are
// interpolated against a Scope; all other values pass through unchanged
// (objects and arrays are walked recursively). A string that consists of a
// single {{expr}} marker evaluates to the raw expression value, so templates
// can produce numbers, lists and maps, not just strings.
//
// Expressions support property and index access on scope variables, the
// usual arithmetic/comparison/boolean operators with documented coercions,
// a fixed built-in function library (string/date/collection/crypto) and
// calls into the user function registry by name. User functions are
// expressions themselves, so they are side-effect free by construction;
// a call depth limit and a wall-clock budget bound their execution.
//
// Structure:
//
//	value.go    - tagged union Value and coercion rules
//	scope.go    - layered variable bindings
//	lexer.go    - expression tokenizer
//	parser.go   - template splitter and Pratt expression parser
//	eval.go     - evaluator (templates, splice directive, operators)
//	builtins.go - built-in function library
//	registry.go - user function registry
package expr
