package driver

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
)

// ResultSet is a forward-only cursor over the rows of one execution.
// Columns are addressed by 1-based position or by name.
type ResultSet struct {
	stmt  *Statement
	query string
	st    stream

	cols  []string
	index map[string]int

	row   []any
	err   error
	done  bool
	count UpdateCount

	cancelled atomic.Bool
	closed    atomic.Bool
	// releaseOnce guards the stream, which Close and a final Next may both
	// release.
	releaseOnce sync.Once
	releaseErr  error
}

func newResultSet(s *Statement, query string, st stream) *ResultSet {
	cols := st.columns()
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := index[c]; !dup {
			index[c] = i + 1
		}
	}
	return &ResultSet{stmt: s, query: query, st: st, cols: cols, index: index}
}

// Next advances to the next row. It returns false when the rows are
// exhausted, on error, after the statement was cancelled and after Close.
// Err distinguishes the cases.
func (rs *ResultSet) Next() bool {
	if rs.closed.Load() {
		rs.err = ErrResultSetClosed
		return false
	}
	if rs.done || rs.err != nil {
		return false
	}
	if rs.cancelled.Load() {
		rs.stop(ErrStatementCancelled)
		return false
	}
	row, ok, err := rs.st.next()
	if err != nil {
		rs.stop(classify(rs.query, err))
		return false
	}
	if rs.cancelled.Load() {
		rs.stop(ErrStatementCancelled)
		return false
	}
	if !ok {
		rs.count = UpdateCount(rs.st.stats())
		rs.done = true
		rs.row = nil
		_ = rs.release()
		return false
	}
	rs.row = row
	return true
}

func (rs *ResultSet) stop(err error) {
	rs.err = err
	rs.row = nil
	_ = rs.release()
}

// Err returns the error that ended iteration: ErrStatementCancelled after a
// cancel, ErrResultSetClosed after Close, or an execution error.
func (rs *ResultSet) Err() error {
	return rs.err
}

// UpdateCount returns the writes performed by the statement. Counts of a
// server statement are known once the rows are exhausted.
func (rs *ResultSet) UpdateCount() UpdateCount {
	if rs.count == (UpdateCount{}) {
		return UpdateCount(rs.st.stats())
	}
	return rs.count
}

// Close releases the cursor and the resources behind it. It is safe to
// call more than once and does not affect other result sets.
func (rs *ResultSet) Close() error {
	err := rs.shut()
	rs.stmt.forget(rs)
	return err
}

// shut closes without detaching from the statement.
func (rs *ResultSet) shut() error {
	if rs.closed.Swap(true) {
		return nil
	}
	rs.row = nil
	return rs.release()
}

func (rs *ResultSet) release() error {
	rs.releaseOnce.Do(func() {
		rs.releaseErr = rs.st.close()
	})
	return rs.releaseErr
}

// Cancel stops this result set only; other result sets of the statement
// keep streaming. It may be called while Next blocks.
func (rs *ResultSet) Cancel() {
	rs.cancel()
}

func (rs *ResultSet) cancel() {
	rs.cancelled.Store(true)
	rs.st.cancel()
}

// ColumnCount returns the number of columns.
func (rs *ResultSet) ColumnCount() int {
	return len(rs.cols)
}

// Columns returns the column names in position order.
func (rs *ResultSet) Columns() []string {
	return slices.Clone(rs.cols)
}

// FindColumn returns the 1-based position of the named column.
func (rs *ResultSet) FindColumn(name string) (int, error) {
	if rs.closed.Load() {
		return 0, ErrResultSetClosed
	}
	pos, ok := rs.index[name]
	if !ok {
		return 0, &UnknownColumnNameError{Name: name, Columns: slices.Clone(rs.cols)}
	}
	return pos, nil
}

// Values returns a copy of the current row.
func (rs *ResultSet) Values() ([]any, error) {
	if rs.closed.Load() {
		return nil, ErrResultSetClosed
	}
	if rs.row == nil {
		return nil, ErrNoCurrentRow
	}
	return slices.Clone(rs.row), nil
}

// Object returns the value at the 1-based position pos.
func (rs *ResultSet) Object(pos int) (any, error) {
	if rs.closed.Load() {
		return nil, ErrResultSetClosed
	}
	if pos < 1 || pos > len(rs.cols) {
		return nil, &InvalidColumnOrdinalError{Ordinal: pos, Count: len(rs.cols)}
	}
	if rs.row == nil {
		return nil, ErrNoCurrentRow
	}
	return rs.row[pos-1], nil
}

// ObjectByName returns the value of the named column.
func (rs *ResultSet) ObjectByName(name string) (any, error) {
	pos, err := rs.FindColumn(name)
	if err != nil {
		return nil, err
	}
	return rs.Object(pos)
}

// Long returns the value at pos as an int64. Null reads as 0; floats with
// an integral value convert.
func (rs *ResultSet) Long(pos int) (int64, error) {
	v, err := rs.Object(pos)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			return int64(x), nil
		}
	}
	return 0, rs.typeError(pos, "integer", v)
}

// LongByName is Long addressed by column name.
func (rs *ResultSet) LongByName(name string) (int64, error) {
	pos, err := rs.FindColumn(name)
	if err != nil {
		return 0, err
	}
	return rs.Long(pos)
}

// Float returns the value at pos as a float64. Null reads as 0.
func (rs *ResultSet) Float(pos int) (float64, error) {
	v, err := rs.Object(pos)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	}
	return 0, rs.typeError(pos, "float", v)
}

// FloatByName is Float addressed by column name.
func (rs *ResultSet) FloatByName(name string) (float64, error) {
	pos, err := rs.FindColumn(name)
	if err != nil {
		return 0, err
	}
	return rs.Float(pos)
}

// String returns the value at pos rendered as text. Null reads as "".
func (rs *ResultSet) String(pos int) (string, error) {
	v, err := rs.Object(pos)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	}
	return cypher.FormatValue(v), nil
}

// StringByName is String addressed by column name.
func (rs *ResultSet) StringByName(name string) (string, error) {
	pos, err := rs.FindColumn(name)
	if err != nil {
		return "", err
	}
	return rs.String(pos)
}

// Bool returns the value at pos as a bool. Null reads as false.
func (rs *ResultSet) Bool(pos int) (bool, error) {
	v, err := rs.Object(pos)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	}
	return false, rs.typeError(pos, "boolean", v)
}

// BoolByName is Bool addressed by column name.
func (rs *ResultSet) BoolByName(name string) (bool, error) {
	pos, err := rs.FindColumn(name)
	if err != nil {
		return false, err
	}
	return rs.Bool(pos)
}

// Node returns the node at pos, or nil for null.
func (rs *ResultSet) Node(pos int) (*graph.Node, error) {
	v, err := rs.Object(pos)
	if err != nil || v == nil {
		return nil, err
	}
	if n, ok := v.(*graph.Node); ok {
		return n, nil
	}
	return nil, rs.typeError(pos, "node", v)
}

// Relationship returns the relationship at pos, or nil for null.
func (rs *ResultSet) Relationship(pos int) (*graph.Relationship, error) {
	v, err := rs.Object(pos)
	if err != nil || v == nil {
		return nil, err
	}
	if r, ok := v.(*graph.Relationship); ok {
		return r, nil
	}
	return nil, rs.typeError(pos, "relationship", v)
}

func (rs *ResultSet) typeError(pos int, want string, v any) error {
	return &ColumnTypeError{Column: rs.cols[pos-1], Want: want, Got: cypher.TypeName(v)}
}
