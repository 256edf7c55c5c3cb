package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/wire"
)

// QueryExecutionError is returned when a statement cannot be parsed or
// executed: malformed text, an unbound parameter, an engine failure during
// execution or fetch, or a transport failure.
type QueryExecutionError struct {
	Query string
	Cause error
}

// Error returns the error message for QueryExecutionError.
func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("driver: executing %q: %v", abbreviate(e.Query), e.Cause)
}

// Unwrap returns the underlying cause of the QueryExecutionError.
func (e *QueryExecutionError) Unwrap() error {
	return e.Cause
}

// PermissionError is returned when a mutating operation is attempted on a
// read-only connection.
type PermissionError struct {
	Op    string
	Cause error
}

// Error returns the error message for PermissionError.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("driver: %s not permitted on a read-only connection", e.Op)
}

// Unwrap returns the underlying cause of the PermissionError.
func (e *PermissionError) Unwrap() error {
	return e.Cause
}

// InvalidColumnOrdinalError is returned when a column position is outside
// 1..Count.
type InvalidColumnOrdinalError struct {
	Ordinal int
	Count   int
}

// Error returns the error message for InvalidColumnOrdinalError.
func (e *InvalidColumnOrdinalError) Error() string {
	return fmt.Sprintf("driver: column %d out of range 1..%d", e.Ordinal, e.Count)
}

// UnknownColumnNameError is returned when no column has the requested name.
type UnknownColumnNameError struct {
	Name    string
	Columns []string
}

// Error returns the error message for UnknownColumnNameError.
func (e *UnknownColumnNameError) Error() string {
	return fmt.Sprintf("driver: no column named %q (columns: %s)", e.Name, strings.Join(e.Columns, ", "))
}

// InvalidParameterOrdinalError is returned when a parameter is bound at a
// position below 1.
type InvalidParameterOrdinalError struct {
	Ordinal int
}

// Error returns the error message for InvalidParameterOrdinalError.
func (e *InvalidParameterOrdinalError) Error() string {
	return fmt.Sprintf("driver: parameter ordinal %d must be positive", e.Ordinal)
}

// ColumnTypeError is returned when a column value cannot be converted to the
// requested Go type.
type ColumnTypeError struct {
	Column string
	Want   string
	Got    string
}

// Error returns the error message for ColumnTypeError.
func (e *ColumnTypeError) Error() string {
	return fmt.Sprintf("driver: column %q holds %s, not %s", e.Column, e.Got, e.Want)
}

var (
	// ErrConnClosed is returned when a closed connection is used.
	ErrConnClosed = errors.New("driver: connection closed")
	// ErrStatementClosed is returned when a closed statement is used.
	ErrStatementClosed = errors.New("driver: statement closed")
	// ErrResultSetClosed is returned when a closed result set is used.
	ErrResultSetClosed = errors.New("driver: result set closed")
	// ErrStatementCancelled is reported by a result set whose statement was
	// cancelled.
	ErrStatementCancelled = errors.New("driver: statement cancelled")
	// ErrAutoCommitUnsupported is returned when auto-commit is disabled on a
	// connection whose mode has no explicit transactions.
	ErrAutoCommitUnsupported = errors.New("driver: connection mode does not support disabling auto-commit")
	// ErrNoCurrentRow is returned by accessors before the first or after the
	// last row.
	ErrNoCurrentRow = errors.New("driver: no current row")
	// ErrPoolClosed is returned when attempting to get a connection from a closed pool.
	ErrPoolClosed = errors.New("driver: connection pool is closed")
	// ErrPoolTimeout is returned when waiting for a connection times out.
	ErrPoolTimeout = errors.New("driver: timeout waiting for available connection")
)

// classify turns an engine or transport failure into the driver taxonomy.
// Cancellation and context errors pass through unwrapped.
func classify(query string, err error) error {
	if err == nil {
		return nil
	}
	var we *wire.Error
	if errors.As(err, &we) {
		err = fromWire(we)
	}
	var pe *PermissionError
	switch {
	case errors.Is(err, ErrStatementCancelled), errors.Is(err, cypher.ErrCancelled):
		return ErrStatementCancelled
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &pe):
		return err
	case errors.Is(err, graph.ErrReadOnly):
		return &PermissionError{Op: "write", Cause: err}
	case errors.Is(err, ErrConnClosed), errors.Is(err, ErrStatementClosed):
		return err
	}
	var qe *QueryExecutionError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryExecutionError{Query: query, Cause: err}
}

// fromWire rebuilds the engine error a server reported, so callers can use
// errors.As on the same types in every mode.
func fromWire(we *wire.Error) error {
	switch we.Code {
	case wire.CodeSyntax:
		return &cypher.SyntaxError{Message: we.Message, Line: we.Line, Column: we.Column}
	case wire.CodeParameter:
		missing := &cypher.MissingParameterError{Ordinal: we.Ordinal}
		if we.Message == missing.Error() {
			return missing
		}
	case wire.CodePermission:
		return fmt.Errorf("%s: %w", we.Message, graph.ErrReadOnly)
	case wire.CodeConflict:
		return fmt.Errorf("%s: %w", we.Message, graph.ErrConflict)
	case wire.CodeCancelled:
		return ErrStatementCancelled
	}
	return we
}

func abbreviate(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 80 {
		return q[:77] + "..."
	}
	return q
}
