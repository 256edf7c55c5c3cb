package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
	"github.com/CaliLuke/go-cypherdb/internal/observability"
	"github.com/CaliLuke/go-cypherdb/internal/wire"
)

// maxRequestBytes bounds a request body.
const maxRequestBytes = 4 << 20

// openTx is an explicit transaction. mu serializes statements on it.
type openTx struct {
	id       string
	mu       sync.Mutex
	tx       *graph.Tx
	lastUsed time.Time
	// finished is set under mu once the transaction left the registry.
	finished bool
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// decodeRequest reads a msgpack wire.Request. An empty body is an empty
// request.
func decodeRequest(r *http.Request) (*wire.Request, *wire.Error) {
	var req wire.Request
	if r.ContentLength == 0 {
		return &req, nil
	}
	if err := wire.Decode(io.LimitReader(r.Body, maxRequestBytes), &req); err != nil {
		if errors.Is(err, io.EOF) {
			return &req, nil
		}
		return nil, &wire.Error{Code: wire.CodeBadRequest, Message: "decode request: " + err.Error()}
	}
	return &req, nil
}

// writeError reports a failure of a control endpoint.
func writeError(w http.ResponseWriter, e *wire.Error) {
	body, err := wire.Encode(e)
	if err != nil {
		http.Error(w, e.Error(), e.Status())
		return
	}
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(e.Status())
	_, _ = w.Write(body)
}

// writeFailedStream reports a statement that failed before its first row as
// a stream holding only a trailer.
func writeFailedStream(w http.ResponseWriter, e *wire.Error) {
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(e.Status())
	_ = wire.NewWriter(w).Trailer(cypher.Stats{}, e)
}

func (s *Server) handleAutoCommit(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartServerSpan(r, "cypherdb.statement")
	defer span.End()
	start := time.Now()

	req, werr := decodeRequest(r)
	if werr != nil {
		s.observe("auto", werr, start, 0)
		writeFailedStream(w, werr)
		return
	}
	span.SetAttributes(observability.AttrStatement.String(req.Statement))

	q, err := cypher.Parse(req.Statement)
	if err != nil {
		s.fail(w, span, "auto", err, start)
		return
	}
	if req.ReadOnly && q.Updating() {
		s.fail(w, span, "auto", fmt.Errorf("server: updating statement: %w", graph.ErrReadOnly), start)
		return
	}

	tx, err := s.db.Begin(!q.Updating())
	if err != nil {
		s.fail(w, span, "auto", err, start)
		return
	}
	cur, err := cypher.Execute(ctx, tx, q, req.Params)
	if err != nil {
		_ = tx.Rollback()
		s.fail(w, span, "auto", err, start)
		return
	}
	if q.Updating() {
		if err := tx.Commit(ctx); err != nil {
			_ = cur.Close()
			s.fail(w, span, "auto", err, start)
			return
		}
	} else {
		cur.OnClose(tx.Rollback)
	}
	rows, werr := s.stream(w, r, cur)
	s.observe("auto", werr, start, rows)
	span.SetAttributes(observability.AttrRows.Int(rows))
	if werr != nil {
		observability.SetSpanError(span, werr)
	}
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	req, werr := decodeRequest(r)
	if werr != nil {
		writeError(w, werr)
		return
	}

	s.mu.Lock()
	if s.cfg.MaxOpenTransactions > 0 && len(s.txs) >= s.cfg.MaxOpenTransactions {
		s.mu.Unlock()
		writeError(w, &wire.Error{Code: wire.CodeConflict,
			Message: fmt.Sprintf("too many open transactions (max %d)", s.cfg.MaxOpenTransactions)})
		return
	}
	tx, err := s.db.Begin(req.ReadOnly)
	if err != nil {
		s.mu.Unlock()
		writeError(w, wire.ErrorFrom(err))
		return
	}
	t := &openTx{id: uuid.NewString(), tx: tx, lastUsed: time.Now()}
	s.txs[t.id] = t
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TxOpened()
	}
	logging.Op().Debug("server: transaction opened", slog.String("tx", t.id), slog.Bool("read_only", req.ReadOnly))

	body, err := wire.Encode(&wire.TxInfo{ID: t.id, ReadOnly: req.ReadOnly})
	if err != nil {
		writeError(w, wire.ErrorFrom(err))
		return
	}
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// lookup returns the transaction with the id of the request path, locked.
func (s *Server) lookup(r *http.Request, remove bool) (*openTx, *wire.Error) {
	id := r.PathValue("id")
	s.mu.Lock()
	t, ok := s.txs[id]
	if ok && remove {
		delete(s.txs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, &wire.Error{Code: wire.CodeNotFound, Message: fmt.Sprintf("transaction %q not found", id)}
	}
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil, &wire.Error{Code: wire.CodeNotFound, Message: fmt.Sprintf("transaction %q not found", id)}
	}
	if remove {
		t.finished = true
	}
	return t, nil
}

func (s *Server) handleTxStatement(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartServerSpan(r, "cypherdb.tx.statement",
		observability.AttrTxID.String(r.PathValue("id")))
	defer span.End()
	start := time.Now()

	req, werr := decodeRequest(r)
	if werr != nil {
		s.observe("tx", werr, start, 0)
		writeFailedStream(w, werr)
		return
	}
	span.SetAttributes(observability.AttrStatement.String(req.Statement))

	q, err := cypher.Parse(req.Statement)
	if err != nil {
		s.fail(w, span, "tx", err, start)
		return
	}
	t, werr := s.lookup(r, false)
	if werr != nil {
		s.observe("tx", werr, start, 0)
		writeFailedStream(w, werr)
		return
	}
	defer func() {
		t.lastUsed = time.Now()
		t.mu.Unlock()
	}()

	if req.ReadOnly && q.Updating() {
		s.fail(w, span, "tx", fmt.Errorf("server: updating statement: %w", graph.ErrReadOnly), start)
		return
	}
	cur, err := cypher.Execute(ctx, t.tx, q, req.Params)
	if err != nil {
		s.fail(w, span, "tx", err, start)
		return
	}
	rows, werr := s.stream(w, r, cur)
	s.observe("tx", werr, start, rows)
	span.SetAttributes(observability.AttrRows.Int(rows))
	if werr != nil {
		observability.SetSpanError(span, werr)
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	t, werr := s.lookup(r, true)
	if werr != nil {
		writeError(w, werr)
		return
	}
	err := t.tx.Commit(r.Context())
	t.mu.Unlock()
	if err != nil {
		s.txClosed("failed")
		writeError(w, wire.ErrorFrom(err))
		return
	}
	s.txClosed("commit")
	logging.Op().Debug("server: transaction committed", slog.String("tx", t.id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	t, werr := s.lookup(r, true)
	if werr != nil {
		writeError(w, werr)
		return
	}
	err := t.tx.Rollback()
	t.mu.Unlock()
	s.txClosed("rollback")
	if err != nil && !errors.Is(err, graph.ErrTxDone) {
		writeError(w, wire.ErrorFrom(err))
		return
	}
	logging.Op().Debug("server: transaction rolled back", slog.String("tx", t.id))
	w.WriteHeader(http.StatusNoContent)
}

// stream writes the rows of cur and closes it. It stops early when the
// client goes away. The returned error is what the trailer reported.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, cur *cypher.Cursor) (int, *wire.Error) {
	defer cur.Close()

	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(http.StatusOK)
	fw := wire.NewWriter(w)
	fw.FlushEvery = s.cfg.FlushEvery

	if err := fw.Header(cur.Columns()); err != nil {
		return 0, s.clientGone(err)
	}
	rows := 0
	for cur.Next() {
		if err := fw.Row(cur.Row()); err != nil {
			return rows, s.clientGone(err)
		}
		rows++
	}
	failure := wire.ErrorFrom(cur.Err())
	if failure != nil && r.Context().Err() != nil {
		return rows, s.clientGone(r.Context().Err())
	}
	if err := fw.Trailer(cur.Stats(), failure); err != nil {
		return rows, s.clientGone(err)
	}
	return rows, failure
}

func (s *Server) clientGone(err error) *wire.Error {
	logging.Op().Debug("server: client went away", slog.Any("error", err))
	return &wire.Error{Code: wire.CodeCancelled, Message: err.Error()}
}

// fail reports a statement that failed before streaming.
func (s *Server) fail(w http.ResponseWriter, span trace.Span, scope string, err error, start time.Time) {
	werr := wire.ErrorFrom(err)
	observability.SetSpanError(span, werr)
	s.observe(scope, werr, start, 0)
	writeFailedStream(w, werr)
}

func (s *Server) observe(scope string, werr *wire.Error, start time.Time, rows int) {
	if s.metrics == nil {
		return
	}
	code := "ok"
	if werr != nil {
		code = string(werr.Code)
	}
	s.metrics.ObserveStatement(scope, code, time.Since(start), rows)
}
