package driver

import (
	"context"

	"github.com/CaliLuke/go-cypherdb/cypher"
)

// scope tells a backend how to run one statement.
type scope struct {
	// explicit runs inside the connection's open transaction.
	explicit bool
	readOnly bool
}

// backend executes statements for a connection.
type backend interface {
	run(ctx context.Context, q *cypher.Query, params map[int]any, sc scope) (stream, error)
	begin(ctx context.Context, readOnly bool) error
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
	ping(ctx context.Context) error
	close() error
}

// stream is the row source behind a ResultSet.
type stream interface {
	columns() []string
	// next blocks until a row is available. It returns false at the end of
	// the rows or on error.
	next() ([]any, bool, error)
	// stats is complete once next has returned false without error.
	stats() cypher.Stats
	// cancel may be called from any goroutine, including while next blocks.
	cancel()
	close() error
}
