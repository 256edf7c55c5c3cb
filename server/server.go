// Package server exposes a graph.DB over HTTP. Statements arrive as msgpack
// requests and their rows are streamed back as msgpack frames.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
	"github.com/CaliLuke/go-cypherdb/internal/metrics"
)

// Config bounds streaming and explicit transactions.
type Config struct {
	// FlushEvery is the number of rows buffered before a flush.
	FlushEvery int
	// TxIdleTimeout rolls back explicit transactions unused for this long.
	TxIdleTimeout time.Duration
	// ReapInterval is how often idle transactions are looked for.
	ReapInterval time.Duration
	// MaxOpenTransactions bounds concurrent explicit transactions
	// (0 = unlimited).
	MaxOpenTransactions int
}

// DefaultConfig returns the settings used when a field is zero.
func DefaultConfig() Config {
	return Config{
		FlushEvery:          64,
		TxIdleTimeout:       60 * time.Second,
		ReapInterval:        5 * time.Second,
		MaxOpenTransactions: 256,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records statement and transaction metrics and serves them on
// GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves one graph.DB.
type Server struct {
	db      *graph.DB
	cfg     Config
	metrics *metrics.Metrics
	mux     *http.ServeMux

	mu  sync.Mutex
	txs map[string]*openTx

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a server for db and starts its transaction reaper. Close
// stops the reaper and rolls back open transactions.
func New(db *graph.DB, cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	if cfg.TxIdleTimeout <= 0 {
		cfg.TxIdleTimeout = def.TxIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}

	s := &Server{
		db:   db,
		cfg:  cfg,
		txs:  make(map[string]*openTx),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	go s.reap()
	return s
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /db/cypher", s.handleAutoCommit)
	mux.HandleFunc("POST /db/transaction", s.handleBegin)
	mux.HandleFunc("POST /db/transaction/{id}", s.handleTxStatement)
	mux.HandleFunc("POST /db/transaction/{id}/commit", s.handleCommit)
	mux.HandleFunc("DELETE /db/transaction/{id}", s.handleRollback)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenTransactions returns the number of explicit transactions.
func (s *Server) OpenTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Close stops the reaper and rolls back every open transaction. It does not
// close the database.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	txs := s.txs
	s.txs = make(map[string]*openTx)
	s.mu.Unlock()
	for id, t := range txs {
		t.mu.Lock()
		t.finished = true
		_ = t.tx.Rollback()
		t.mu.Unlock()
		s.txClosed("rollback")
		logging.Op().Debug("server: transaction rolled back on shutdown", slog.String("tx", id))
	}
	return nil
}

func (s *Server) reap() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapIdle(time.Now())
		case <-s.stop:
			return
		}
	}
}

// reapIdle rolls back transactions idle since before now-TxIdleTimeout.
// Transactions running a statement are skipped.
func (s *Server) reapIdle(now time.Time) int {
	s.mu.Lock()
	var expired []*openTx
	for id, t := range s.txs {
		if !t.mu.TryLock() {
			continue
		}
		if now.Sub(t.lastUsed) >= s.cfg.TxIdleTimeout {
			delete(s.txs, id)
			expired = append(expired, t)
			continue
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()

	for _, t := range expired {
		t.finished = true
		_ = t.tx.Rollback()
		t.mu.Unlock()
		s.txClosed("expired")
		logging.Op().Info("server: idle transaction rolled back", slog.String("tx", t.id))
	}
	return len(expired)
}

func (s *Server) txClosed(outcome string) {
	if s.metrics != nil {
		s.metrics.TxClosed(outcome)
	}
}

// Sizer adapts a graph.DB to metrics.GraphSizer.
type Sizer struct {
	DB *graph.DB
}

// Sizes returns the committed node and relationship counts.
func (z Sizer) Sizes() (int, int) {
	st := z.DB.Stats()
	return st.Nodes, st.Relationships
}

// Shutdown closes the server after the HTTP listener drained.
func Shutdown(ctx context.Context, hs *http.Server, s *Server) error {
	err := hs.Shutdown(ctx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}
