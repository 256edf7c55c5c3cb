package driver

import (
	"context"
	"fmt"
	"maps"
	"runtime"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

// Row is a result row keyed by column name.
type Row map[string]any

// ExecuteRead runs a query on a pooled connection in a read-only,
// auto-commit scope and returns all its rows.
func (p *Pool) ExecuteRead(ctx context.Context, query string, params map[int]any) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read: context cancelled: %w", err)
	}
	conn, err := p.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read: get connection: %w", err)
	}
	defer p.Put(conn)

	if err := conn.SetAutoCommit(true); err != nil {
		return nil, err
	}
	if err := conn.SetReadOnly(true); err != nil {
		return nil, err
	}
	return collect(ctx, conn, query, params)
}

// ExecuteWrite runs a query on a pooled connection in its own auto-commit
// transaction and returns all its rows.
func (p *Pool) ExecuteWrite(ctx context.Context, query string, params map[int]any) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("write: context cancelled: %w", err)
	}
	conn, err := p.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("write: get connection: %w", err)
	}
	defer p.Put(conn)

	if err := conn.SetAutoCommit(true); err != nil {
		return nil, err
	}
	if err := conn.SetReadOnly(false); err != nil {
		return nil, err
	}
	return collect(ctx, conn, query, params)
}

// collect runs query on conn and drains it into rows.
func collect(ctx context.Context, conn *Conn, query string, params map[int]any) ([]Row, error) {
	q, err := cypher.Parse(query)
	if err != nil {
		return nil, &QueryExecutionError{Query: query, Cause: err}
	}
	stmt, err := conn.CreateStatement()
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	rs, err := stmt.execute(ctx, q, maps.Clone(params))
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols := rs.Columns()
	var rows []Row
	for rs.Next() {
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = rs.row[i]
		}
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

// TransactionContext is an explicit transaction on a pooled connection. It
// must be finished with Commit, Rollback or Close, which return the
// connection to the pool.
type TransactionContext struct {
	pool   *Pool
	conn   *Conn
	closed bool
}

// Begin starts a TransactionContext.
// The caller must call Close() when done. A finalizer will log a warning
// if the transaction is garbage-collected without being closed.
func (p *Pool) Begin(ctx context.Context, readOnly bool) (*TransactionContext, error) {
	conn, err := p.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if err := conn.SetAutoCommit(false); err != nil {
		p.Put(conn)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if err := conn.SetReadOnly(readOnly); err != nil {
		p.Put(conn)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	tc := &TransactionContext{pool: p, conn: conn}
	mode := conn.Mode().String()
	runtime.SetFinalizer(tc, func(tc *TransactionContext) {
		if !tc.closed {
			logging.Op().Warn("TransactionContext was garbage-collected without being closed (possible transaction leak)",
				"mode", mode)
		}
	})
	return tc, nil
}

// Query runs a statement inside the transaction and returns all its rows.
func (tc *TransactionContext) Query(ctx context.Context, query string, params map[int]any) ([]Row, error) {
	if tc.closed {
		return nil, ErrConnClosed
	}
	return collect(ctx, tc.conn, query, params)
}

// Update runs a statement inside the transaction and returns its counts.
func (tc *TransactionContext) Update(ctx context.Context, query string, params map[int]any) (UpdateCount, error) {
	if tc.closed {
		return UpdateCount{}, ErrConnClosed
	}
	q, err := cypher.Parse(query)
	if err != nil {
		return UpdateCount{}, &QueryExecutionError{Query: query, Cause: err}
	}
	stmt, err := tc.conn.CreateStatement()
	if err != nil {
		return UpdateCount{}, err
	}
	defer stmt.Close()
	return stmt.executeUpdate(ctx, q, maps.Clone(params))
}

// Conn returns the underlying connection for direct statement use.
func (tc *TransactionContext) Conn() *Conn {
	return tc.conn
}

// Commit persists changes in the scoped transaction.
func (tc *TransactionContext) Commit(ctx context.Context) error {
	if tc.closed {
		return ErrConnClosed
	}
	err := tc.conn.Commit(ctx)
	tc.finish()
	return err
}

// Rollback discards changes in the scoped transaction.
func (tc *TransactionContext) Rollback(ctx context.Context) error {
	if tc.closed {
		return ErrConnClosed
	}
	err := tc.conn.Rollback(ctx)
	tc.finish()
	return err
}

// Close rolls back an unfinished transaction. It is safe to call after
// Commit or Rollback.
func (tc *TransactionContext) Close() {
	if tc.closed {
		return
	}
	_ = tc.conn.Rollback(context.Background())
	tc.finish()
}

func (tc *TransactionContext) finish() {
	tc.closed = true
	tc.pool.Put(tc.conn)
}
