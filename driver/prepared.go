package driver

import (
	"context"
	"maps"

	"github.com/CaliLuke/go-cypherdb/cypher"
)

// PreparedStatement runs one parsed query with ordinal parameters. Every
// ordinal the query references must be bound before execution; binding is
// not checked against the query.
type PreparedStatement struct {
	stmt   *Statement
	query  *cypher.Query
	params map[int]any
}

// Query returns the prepared text.
func (p *PreparedStatement) Query() string { return p.query.Text() }

// ParameterCount returns the highest ordinal the query references.
func (p *PreparedStatement) ParameterCount() int { return p.query.MaxOrdinal() }

// SetParameter binds value to the 1-based ordinal. value may be a scalar, a
// list or a map[string]any for property-map placeholders.
func (p *PreparedStatement) SetParameter(ordinal int, value any) error {
	if err := p.stmt.checkOpen(); err != nil {
		return err
	}
	if ordinal < 1 {
		return &InvalidParameterOrdinalError{Ordinal: ordinal}
	}
	p.params[ordinal] = value
	return nil
}

// SetLong binds an integer.
func (p *PreparedStatement) SetLong(ordinal int, v int64) error { return p.SetParameter(ordinal, v) }

// SetFloat binds a float.
func (p *PreparedStatement) SetFloat(ordinal int, v float64) error { return p.SetParameter(ordinal, v) }

// SetString binds a string.
func (p *PreparedStatement) SetString(ordinal int, v string) error { return p.SetParameter(ordinal, v) }

// SetBool binds a boolean.
func (p *PreparedStatement) SetBool(ordinal int, v bool) error { return p.SetParameter(ordinal, v) }

// SetObject binds any supported value, including nil.
func (p *PreparedStatement) SetObject(ordinal int, v any) error { return p.SetParameter(ordinal, v) }

// ClearParameters unbinds every parameter.
func (p *PreparedStatement) ClearParameters() {
	clear(p.params)
}

// ExecuteQuery runs the query with the bound parameters.
func (p *PreparedStatement) ExecuteQuery(ctx context.Context) (*ResultSet, error) {
	return p.stmt.execute(ctx, p.query, maps.Clone(p.params))
}

// ExecuteUpdate runs the query to completion and returns its update counts.
func (p *PreparedStatement) ExecuteUpdate(ctx context.Context) (UpdateCount, error) {
	return p.stmt.executeUpdate(ctx, p.query, maps.Clone(p.params))
}

// Cancel stops the result sets of the statement. See Statement.Cancel.
func (p *PreparedStatement) Cancel() { p.stmt.Cancel() }

// Close closes the statement and its result sets.
func (p *PreparedStatement) Close() error { return p.stmt.Close() }
