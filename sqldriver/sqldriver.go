// Package sqldriver registers cypherdb with database/sql under the name
// "cypher". Data source names are those accepted by driver.ParseDSN.
//
// Positional arguments bind to ordinal parameters: args[0] is {1} (or $1).
// Nodes, relationships, lists and maps are returned as their driver types
// and scan into an any.
package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	cypherdriver "github.com/CaliLuke/go-cypherdb/driver"
	"github.com/CaliLuke/go-cypherdb/graph"
)

// DriverName is the name registered with database/sql.
const DriverName = "cypher"

func init() {
	sql.Register(DriverName, &Driver{})
}

// Driver implements driver.Driver and driver.DriverContext.
type Driver struct{}

// Open opens a connection for dsn.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector parses dsn once for all connections of a sql.DB.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	opts, err := cypherdriver.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &connector{drv: d, opts: opts}, nil
}

// NewConnector returns a connector for sql.OpenDB.
func NewConnector(dsn string) (driver.Connector, error) {
	return (&Driver{}).OpenConnector(dsn)
}

// NewConnectorWithOptions returns a connector for explicit options, for
// example an embedded graph.DB opened by the caller.
func NewConnectorWithOptions(opts cypherdriver.Options) driver.Connector {
	return &connector{drv: &Driver{}, opts: opts}
}

type connector struct {
	drv  *Driver
	opts cypherdriver.Options
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc, err := cypherdriver.OpenWithOptions(c.opts)
	if err != nil {
		return nil, err
	}
	return &conn{c: cc}, nil
}

func (c *connector) Driver() driver.Driver { return c.drv }

// conn adapts a cypherdb connection to database/sql.
type conn struct {
	c  *cypherdriver.Conn
	tx *tx
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	ps, err := c.c.PrepareStatement(query)
	if err != nil {
		return nil, badConn(err)
	}
	return &stmt{ps: ps}, nil
}

func (c *conn) Close() error {
	return c.c.Close()
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx disables auto-commit until the transaction ends. Snapshot is the
// only isolation level offered.
func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch sql.IsolationLevel(opts.Isolation) {
	case sql.LevelDefault, sql.LevelSnapshot:
	default:
		return nil, fmt.Errorf("sqldriver: isolation level %v not supported", sql.IsolationLevel(opts.Isolation))
	}
	if c.tx != nil {
		return nil, errors.New("sqldriver: transaction already open")
	}
	if !c.c.Mode().SupportsManualCommit() {
		return nil, cypherdriver.ErrAutoCommitUnsupported
	}
	prevRO := c.c.ReadOnly()
	if err := c.c.SetReadOnly(opts.ReadOnly); err != nil {
		return nil, badConn(err)
	}
	if err := c.c.SetAutoCommit(false); err != nil {
		_ = c.c.SetReadOnly(prevRO)
		return nil, badConn(err)
	}
	c.tx = &tx{conn: c, prevRO: prevRO}
	return c.tx, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	ps, err := c.c.PrepareStatement(query)
	if err != nil {
		return nil, badConn(err)
	}
	r, err := runQuery(ctx, ps, args)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ps, err := c.c.PrepareStatement(query)
	if err != nil {
		return nil, badConn(err)
	}
	defer ps.Close()
	return runExec(ctx, ps, args)
}

func (c *conn) Ping(ctx context.Context) error {
	return badConn(c.c.Ping(ctx))
}

// ResetSession rolls back what a previous user left open and restores the
// flags of the DSN.
func (c *conn) ResetSession(ctx context.Context) error {
	c.tx = nil
	if err := c.c.Reset(ctx); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

func (c *conn) IsValid() bool {
	return c.c.IsOpen()
}

// CheckNamedValue accepts every value the graph can store, including maps
// and lists, and leaves other types to the default conversion.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if nv.Name != "" {
		return fmt.Errorf("sqldriver: named argument %q: only positional parameters are supported", nv.Name)
	}
	if v, ok := graph.NormalizeValue(nv.Value); ok {
		nv.Value = v
		return nil
	}
	return driver.ErrSkip
}

type tx struct {
	conn   *conn
	prevRO bool
}

func (t *tx) Commit() error {
	return t.end(t.conn.c.Commit)
}

func (t *tx) Rollback() error {
	return t.end(t.conn.c.Rollback)
}

func (t *tx) end(finish func(context.Context) error) error {
	c := t.conn
	if c.tx != t {
		return sql.ErrTxDone
	}
	c.tx = nil
	err := finish(context.Background())
	if aerr := c.c.SetAutoCommit(true); err == nil {
		err = aerr
	}
	if rerr := c.c.SetReadOnly(t.prevRO); err == nil {
		err = rerr
	}
	return err
}

// badConn lets database/sql retry on a fresh connection when this one is
// closed.
func badConn(err error) error {
	if errors.Is(err, cypherdriver.ErrConnClosed) {
		return driver.ErrBadConn
	}
	return err
}
