package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/internal/observability"
)

// UpdateCount reports the writes performed by a statement.
type UpdateCount cypher.Stats

// Total is the number of entities created or deleted plus the number of
// properties set.
func (u UpdateCount) Total() int {
	return u.NodesCreated + u.NodesDeleted + u.RelationshipsCreated + u.RelationshipsDeleted + u.PropertiesSet
}

// Statement executes query text on its connection. It owns the result sets
// it returns.
type Statement struct {
	conn *Conn

	mu      sync.Mutex
	results map[*ResultSet]struct{}
	closed  bool
}

// ExecuteQuery runs text and returns a cursor positioned before the first
// row. The writes of an updating query have taken effect when it returns.
func (s *Statement) ExecuteQuery(ctx context.Context, text string) (*ResultSet, error) {
	q, err := cypher.Parse(text)
	if err != nil {
		return nil, &QueryExecutionError{Query: text, Cause: err}
	}
	return s.execute(ctx, q, nil)
}

// ExecuteUpdate runs text to completion and returns its update counts.
func (s *Statement) ExecuteUpdate(ctx context.Context, text string) (UpdateCount, error) {
	q, err := cypher.Parse(text)
	if err != nil {
		return UpdateCount{}, &QueryExecutionError{Query: text, Cause: err}
	}
	return s.executeUpdate(ctx, q, nil)
}

func (s *Statement) executeUpdate(ctx context.Context, q *cypher.Query, params map[int]any) (UpdateCount, error) {
	rs, err := s.execute(ctx, q, params)
	if err != nil {
		return UpdateCount{}, err
	}
	for rs.Next() {
	}
	err = rs.Err()
	count := rs.UpdateCount()
	if cerr := rs.Close(); err == nil {
		err = cerr
	}
	return count, err
}

func (s *Statement) execute(ctx context.Context, q *cypher.Query, params map[int]any) (*ResultSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c := s.conn
	if c.readOnly && q.Updating() {
		return nil, &PermissionError{Op: "update"}
	}
	for _, n := range q.Ordinals() {
		if _, ok := params[n]; !ok {
			return nil, &QueryExecutionError{Query: q.Text(), Cause: &cypher.MissingParameterError{Ordinal: n}}
		}
	}

	ctx, span := observability.StartSpan(ctx, "cypherdb.execute",
		observability.AttrStatement.String(q.Text()),
		observability.AttrMode.String(c.mode.String()),
		observability.AttrUpdating.Bool(q.Updating()),
	)
	defer span.End()

	sc, err := c.scopeFor(ctx)
	if err != nil {
		err = classify(q.Text(), err)
		observability.SetSpanError(span, err)
		return nil, err
	}
	st, err := c.be.run(ctx, q, params, sc)
	if err != nil {
		err = classify(q.Text(), err)
		observability.SetSpanError(span, err)
		return nil, err
	}

	rs := newResultSet(s, q.Text(), st)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = rs.Close()
		return nil, ErrStatementClosed
	}
	s.results[rs] = struct{}{}
	s.mu.Unlock()
	observability.SetSpanOK(span)
	return rs, nil
}

func (s *Statement) checkOpen() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStatementClosed
	}
	return s.conn.checkOpen()
}

// Cancel stops every result set of the statement. Their next call to Next
// returns false and Err reports ErrStatementCancelled. Writes already
// applied stay applied and the statement remains usable. Cancel is safe to
// call while another goroutine blocks in ResultSet.Next.
func (s *Statement) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rs := range s.results {
		rs.cancel()
	}
}

// Close closes every result set of the statement. It is safe to call more
// than once.
func (s *Statement) Close() error {
	return s.close(true)
}

func (s *Statement) close(detach bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	results := make([]*ResultSet, 0, len(s.results))
	for rs := range s.results {
		results = append(results, rs)
	}
	s.results = nil
	s.mu.Unlock()

	var errs []error
	for _, rs := range results {
		rs.cancel()
		errs = append(errs, rs.shut())
	}
	if detach {
		s.conn.forget(s)
	}
	return errors.Join(errs...)
}

// closeResults closes the result sets but keeps the statement usable.
func (s *Statement) closeResults() {
	s.mu.Lock()
	results := make([]*ResultSet, 0, len(s.results))
	for rs := range s.results {
		results = append(results, rs)
	}
	clear(s.results)
	s.mu.Unlock()
	for _, rs := range results {
		rs.cancel()
		_ = rs.shut()
	}
}

func (s *Statement) forget(rs *ResultSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, rs)
}
