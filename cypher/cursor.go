package cypher

import (
	"errors"
	"slices"
	"sync/atomic"
)

// ErrCancelled is returned by Cursor.Err after Cancel took effect.
var ErrCancelled = errors.New("cypher: cursor cancelled")

// Cursor is a forward-only iterator over the rows of one execution.
//
// Only Cancel may be called concurrently with the other methods.
type Cursor struct {
	columns []string
	op      operator
	stats   Stats

	buffered [][]any
	pos      int

	row       []any
	err       error
	done      bool
	closed    bool
	cancelled atomic.Bool
	onClose   []func() error
}

// Columns returns the column names of the rows.
func (c *Cursor) Columns() []string { return slices.Clone(c.columns) }

// Next advances to the next row. It returns false when the rows are
// exhausted, an error occurred, or the cursor was cancelled or closed.
func (c *Cursor) Next() bool {
	if c.closed || c.done || c.err != nil {
		return false
	}
	if c.cancelled.Load() {
		c.fail(ErrCancelled)
		return false
	}

	var row []any
	if c.op == nil {
		if c.pos >= len(c.buffered) {
			c.finish()
			return false
		}
		row = c.buffered[c.pos]
		c.buffered[c.pos] = nil
		c.pos++
	} else {
		rec, ok, err := c.op.next()
		if err != nil {
			c.fail(err)
			return false
		}
		if !ok {
			c.finish()
			return false
		}
		row = c.rowOf(rec)
	}

	// a cancel racing with the fetch wins; the fetched row is dropped
	if c.cancelled.Load() {
		c.fail(ErrCancelled)
		return false
	}
	c.row = row
	return true
}

func (c *Cursor) rowOf(rec record) []any {
	row := make([]any, len(c.columns))
	for i, name := range c.columns {
		row[i] = rec[name]
	}
	return row
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.row = nil
}

func (c *Cursor) finish() {
	c.done = true
	c.row = nil
}

// Row returns the current row. The slice is owned by the caller.
func (c *Cursor) Row() []any { return c.row }

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Stats returns the writes performed by the execution.
func (c *Cursor) Stats() Stats { return c.stats }

// Cancel stops the cursor. The next call to Next returns false and Err
// returns ErrCancelled. Cancel is safe to call from any goroutine.
func (c *Cursor) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (c *Cursor) Cancelled() bool { return c.cancelled.Load() }

// OnClose registers fn to run when the cursor is closed.
func (c *Cursor) OnClose(fn func() error) {
	c.onClose = append(c.onClose, fn)
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.row = nil
	c.op = nil
	c.buffered = nil
	var errs []error
	for _, fn := range c.onClose {
		errs = append(errs, fn())
	}
	c.onClose = nil
	return errors.Join(errs...)
}
