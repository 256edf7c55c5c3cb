package sqldriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/CaliLuke/go-cypherdb/cypher"
	cypherdriver "github.com/CaliLuke/go-cypherdb/driver"
)

// stmt is a prepared statement. Rows from earlier executions stay valid
// while it runs again.
type stmt struct {
	ps *cypherdriver.PreparedStatement
}

var (
	_ driver.Stmt             = (*stmt)(nil)
	_ driver.StmtQueryContext = (*stmt)(nil)
	_ driver.StmtExecContext  = (*stmt)(nil)
)

func (s *stmt) Close() error { return s.ps.Close() }

// NumInput is the highest parameter ordinal the query references.
func (s *stmt) NumInput() int { return s.ps.ParameterCount() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return runExec(context.Background(), s.ps, named(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return runQuery(context.Background(), s.ps, named(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return runExec(ctx, s.ps, args)
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return runQuery(ctx, s.ps, args)
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func bind(ps *cypherdriver.PreparedStatement, args []driver.NamedValue) error {
	ps.ClearParameters()
	for _, a := range args {
		if a.Name != "" {
			return fmt.Errorf("sqldriver: named argument %q: only positional parameters are supported", a.Name)
		}
		if err := ps.SetParameter(a.Ordinal, a.Value); err != nil {
			return err
		}
	}
	return nil
}

func runExec(ctx context.Context, ps *cypherdriver.PreparedStatement, args []driver.NamedValue) (driver.Result, error) {
	if err := bind(ps, args); err != nil {
		return nil, err
	}
	n, err := ps.ExecuteUpdate(ctx)
	if err != nil {
		return nil, err
	}
	return result(n), nil
}

func runQuery(ctx context.Context, ps *cypherdriver.PreparedStatement, args []driver.NamedValue) (*rows, error) {
	if err := bind(ps, args); err != nil {
		return nil, err
	}
	rs, err := ps.ExecuteQuery(ctx)
	if err != nil {
		return nil, err
	}
	r := &rows{ctx: ctx, ps: ps, rs: rs}
	r.stop = context.AfterFunc(ctx, rs.Cancel)
	return r, nil
}

// result reports the update counts of a statement.
type result cypherdriver.UpdateCount

func (r result) LastInsertId() (int64, error) {
	return 0, errors.New("sqldriver: LastInsertId is not supported, RETURN id(n) instead")
}

// RowsAffected counts created and deleted entities plus properties set.
func (r result) RowsAffected() (int64, error) {
	return int64(cypherdriver.UpdateCount(r).Total()), nil
}

type rows struct {
	ctx  context.Context
	ps   *cypherdriver.PreparedStatement
	rs   *cypherdriver.ResultSet
	stop func() bool
	last []any
	// owned rows close their statement with them.
	owned bool
}

var (
	_ driver.Rows                           = (*rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
)

func (r *rows) Columns() []string { return r.rs.Columns() }

func (r *rows) Close() error {
	r.stop()
	err := r.rs.Close()
	if r.owned {
		if cerr := r.ps.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *rows) Next(dest []driver.Value) error {
	if !r.rs.Next() {
		err := r.rs.Err()
		if err == nil {
			return io.EOF
		}
		if errors.Is(err, cypherdriver.ErrStatementCancelled) && r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		return err
	}
	vals, err := r.rs.Values()
	if err != nil {
		return err
	}
	for i, v := range vals {
		dest[i] = v
	}
	r.last = vals
	return nil
}

// ColumnTypeDatabaseTypeName names the type of the value in the current
// row, or ANY before the first row and for nulls.
func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.last) || r.last[index] == nil {
		return "ANY"
	}
	return cypher.TypeName(r.last[index])
}
