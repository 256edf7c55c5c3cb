package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

// Open connects to the database named by dsn. See ParseDSN.
func Open(dsn string) (*Conn, error) {
	opts, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return OpenWithOptions(opts)
}

// OpenWithOptions connects with explicit options.
func OpenWithOptions(opts Options) (*Conn, error) {
	if opts.ManualCommit && !opts.Mode.SupportsManualCommit() {
		return nil, ErrAutoCommitUnsupported
	}
	var be backend
	switch opts.Mode {
	case ModeEmbedded:
		eb, err := newEmbeddedBackend(context.Background(), opts)
		if err != nil {
			return nil, err
		}
		be = eb
	case ModeServer, ModeServerTx:
		if opts.URL == "" {
			return nil, errors.New("driver: server mode requires a URL")
		}
		be = newHTTPBackend(opts)
	default:
		return nil, fmt.Errorf("driver: unknown mode %v", opts.Mode)
	}
	return &Conn{
		mode:       opts.Mode,
		be:         be,
		autoCommit: !opts.ManualCommit,
		readOnly:   opts.ReadOnly,
		initAuto:   !opts.ManualCommit,
		initRO:     opts.ReadOnly,
		stmts:      make(map[*Statement]struct{}),
	}, nil
}

// Conn is a connection. A Conn is used by one goroutine at a time; only
// Statement.Cancel may be called concurrently.
type Conn struct {
	mode Mode
	be   backend

	autoCommit bool
	readOnly   bool
	// inTx is set once a statement has begun the explicit transaction.
	inTx bool
	// flags the connection was opened with, restored by Reset
	initAuto bool
	initRO   bool

	mu     sync.Mutex
	stmts  map[*Statement]struct{}
	closed bool
}

// Mode returns the connection mode.
func (c *Conn) Mode() Mode { return c.mode }

// AutoCommit reports whether each statement commits on its own.
func (c *Conn) AutoCommit() bool { return c.autoCommit }

// ReadOnly reports whether the connection rejects writes.
func (c *Conn) ReadOnly() bool { return c.readOnly }

// IsOpen reports whether the connection can still be used.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return nil
}

// SetAutoCommit switches between auto-commit and an explicit transaction.
// Turning auto-commit back on commits the open transaction.
func (c *Conn) SetAutoCommit(on bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !on && !c.mode.SupportsManualCommit() {
		return ErrAutoCommitUnsupported
	}
	if on == c.autoCommit {
		return nil
	}
	if on {
		if err := c.Commit(context.Background()); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// SetReadOnly marks the connection read-only. The change applies to the
// next transaction.
func (c *Conn) SetReadOnly(on bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.readOnly = on
	return nil
}

// CreateStatement returns a statement owned by the connection.
func (c *Conn) CreateStatement() (*Statement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	s := &Statement{conn: c, results: make(map[*ResultSet]struct{})}
	c.stmts[s] = struct{}{}
	return s, nil
}

// PrepareStatement parses text and returns a statement that runs it with
// bound parameters. Syntax errors are reported here.
func (c *Conn) PrepareStatement(text string) (*PreparedStatement, error) {
	q, err := cypher.Parse(text)
	if err != nil {
		return nil, &QueryExecutionError{Query: text, Cause: err}
	}
	s, err := c.CreateStatement()
	if err != nil {
		return nil, err
	}
	return &PreparedStatement{stmt: s, query: q, params: make(map[int]any)}, nil
}

func (c *Conn) forget(s *Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stmts, s)
}

// scopeFor opens the explicit transaction if one is due and returns how the
// next statement runs.
func (c *Conn) scopeFor(ctx context.Context) (scope, error) {
	if c.autoCommit {
		return scope{readOnly: c.readOnly}, nil
	}
	if !c.inTx {
		if err := c.be.begin(ctx, c.readOnly); err != nil {
			return scope{}, fmt.Errorf("driver: begin transaction: %w", err)
		}
		c.inTx = true
		logging.Op().Debug("driver: transaction begun", slog.String("mode", c.mode.String()))
	}
	return scope{explicit: true, readOnly: c.readOnly}, nil
}

// Commit commits the explicit transaction. It does nothing under
// auto-commit or when no statement ran since the last commit.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.inTx {
		return nil
	}
	c.inTx = false
	c.closeResults()
	if err := c.be.commit(ctx); err != nil {
		return fmt.Errorf("driver: commit: %w", err)
	}
	return nil
}

// Rollback discards the explicit transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.inTx {
		return nil
	}
	c.inTx = false
	c.closeResults()
	if err := c.be.rollback(ctx); err != nil {
		return fmt.Errorf("driver: rollback: %w", err)
	}
	return nil
}

// closeResults closes the open result sets of every statement. Cursors do
// not outlive the transaction they read from.
func (c *Conn) closeResults() {
	c.mu.Lock()
	stmts := make([]*Statement, 0, len(c.stmts))
	for s := range c.stmts {
		stmts = append(stmts, s)
	}
	c.mu.Unlock()
	for _, s := range stmts {
		s.closeResults()
	}
}

// Ping checks that the database is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.be.ping(ctx)
}

// Reset closes every statement, rolls back an open transaction and restores
// the auto-commit and read-only flags the connection was opened with.
func (c *Conn) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	stmts := make([]*Statement, 0, len(c.stmts))
	for s := range c.stmts {
		stmts = append(stmts, s)
	}
	clear(c.stmts)
	c.mu.Unlock()

	var errs []error
	for _, s := range stmts {
		errs = append(errs, s.close(false))
	}
	errs = append(errs, c.Rollback(ctx))
	c.autoCommit = c.initAuto
	c.readOnly = c.initRO
	return errors.Join(errs...)
}

// Close closes every statement, rolls back an open transaction and releases
// the backend. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stmts := make([]*Statement, 0, len(c.stmts))
	for s := range c.stmts {
		stmts = append(stmts, s)
	}
	c.stmts = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range stmts {
		errs = append(errs, s.close(false))
	}
	c.inTx = false
	errs = append(errs, c.be.close())
	return errors.Join(errs...)
}
