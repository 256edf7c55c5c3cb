// Package cypher parses and executes the Cypher subset served by the graph
// store.
//
// A query is parsed once into a Query, which can then be executed any number
// of times against a graph.Tx with a set of 1-based ordinal parameters. Read
// queries stream their rows lazily from the store; queries containing any
// updating clause are run to completion before the cursor is returned.
package cypher

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// SyntaxError is returned for query text that cannot be parsed or that
// references undefined variables.
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

// Error returns the error message for SyntaxError.
func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("cypher: syntax error at %d:%d: %s", e.Line, e.Column, e.Message)
	}
	return "cypher: syntax error: " + e.Message
}

// Query is a parsed, validated statement. It is immutable and safe to share.
type Query struct {
	text     string
	stages   []stage
	columns  []string
	ordinals []int
	updating bool
}

// Parse parses query text.
func Parse(text string) (*Query, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SyntaxError{Message: "empty query"}
	}
	ast, err := cypherParser.ParseString("", text)
	if err != nil {
		var perr participle.Error
		if errors.As(err, &perr) {
			pos := perr.Position()
			return nil, &SyntaxError{Message: perr.Message(), Line: pos.Line, Column: pos.Column}
		}
		return nil, &SyntaxError{Message: err.Error()}
	}

	c := newCompiler(text)
	q, err := c.compileQuery(ast)
	if err != nil {
		return nil, err
	}
	q.text = text
	return q, nil
}

// MustParse is like Parse but panics on error.
func MustParse(text string) *Query {
	q, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return q
}

// Text returns the original query text.
func (q *Query) Text() string { return q.text }

// Columns returns the names of the projected columns; empty for queries
// without RETURN.
func (q *Query) Columns() []string { return slices.Clone(q.columns) }

// Ordinals returns the distinct parameter ordinals referenced by the query in
// ascending order.
func (q *Query) Ordinals() []int { return slices.Clone(q.ordinals) }

// MaxOrdinal returns the highest referenced ordinal, or 0.
func (q *Query) MaxOrdinal() int {
	if len(q.ordinals) == 0 {
		return 0
	}
	return q.ordinals[len(q.ordinals)-1]
}

// Updating reports whether any clause of the query writes to the graph.
func (q *Query) Updating() bool { return q.updating }

// MissingParameterError is returned by Execute when a referenced ordinal has
// no bound value.
type MissingParameterError struct {
	Ordinal int
}

// Error returns the error message for MissingParameterError.
func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("cypher: parameter {%d} is not bound", e.Ordinal)
}
