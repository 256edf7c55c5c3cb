package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

// shared tracks databases opened by DSN so that connections naming the same
// graph see the same data.
var shared = struct {
	sync.Mutex
	dbs map[string]*sharedDB
}{dbs: make(map[string]*sharedDB)}

type sharedDB struct {
	db   *graph.DB
	refs int
}

// acquireDB opens or reuses the database selected by opts and returns a
// release function that closes it when the last user goes away.
func acquireDB(ctx context.Context, opts Options) (*graph.DB, func() error, error) {
	if opts.DB != nil {
		return opts.DB, func() error { return nil }, nil
	}
	if opts.Path == "" && opts.Memory == "" {
		db, err := graph.Open(ctx, graph.Options{})
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}

	key := "mem:" + opts.Memory
	if opts.Path != "" {
		key = "file:" + opts.Path
	}

	shared.Lock()
	defer shared.Unlock()
	s, ok := shared.dbs[key]
	if !ok {
		var backend graph.Backend
		if opts.Path != "" {
			b, err := graph.OpenSQLiteBackend(ctx, opts.Path)
			if err != nil {
				return nil, nil, err
			}
			backend = b
		}
		db, err := graph.Open(ctx, graph.Options{Backend: backend})
		if err != nil {
			if backend != nil {
				_ = backend.Close()
			}
			return nil, nil, err
		}
		s = &sharedDB{db: db}
		shared.dbs[key] = s
		logging.Op().Debug("driver: database opened", slog.String("dsn", key))
	}
	s.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			shared.Lock()
			defer shared.Unlock()
			s.refs--
			if s.refs == 0 {
				delete(shared.dbs, key)
				err = s.db.Close()
				logging.Op().Debug("driver: database closed", slog.String("dsn", key))
			}
		})
		return err
	}
	return s.db, release, nil
}

// embeddedBackend runs statements in-process.
type embeddedBackend struct {
	db      *graph.DB
	release func() error
	tx      *graph.Tx
}

func newEmbeddedBackend(ctx context.Context, opts Options) (*embeddedBackend, error) {
	db, release, err := acquireDB(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("driver: open embedded database: %w", err)
	}
	return &embeddedBackend{db: db, release: release}, nil
}

func (b *embeddedBackend) run(ctx context.Context, q *cypher.Query, params map[int]any, sc scope) (stream, error) {
	if sc.explicit {
		if b.tx == nil {
			return nil, errors.New("driver: no open transaction")
		}
		cur, err := cypher.Execute(ctx, b.tx, q, params)
		if err != nil {
			return nil, err
		}
		return &cursorStream{cur: cur}, nil
	}

	tx, err := b.db.Begin(sc.readOnly || !q.Updating())
	if err != nil {
		return nil, err
	}
	cur, err := cypher.Execute(ctx, tx, q, params)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if q.Updating() {
		// rows are buffered, so the writes can be published before the
		// first row is read
		if err := tx.Commit(ctx); err != nil {
			_ = cur.Close()
			return nil, err
		}
		return &cursorStream{cur: cur}, nil
	}
	cur.OnClose(tx.Rollback)
	return &cursorStream{cur: cur}, nil
}

func (b *embeddedBackend) begin(_ context.Context, readOnly bool) error {
	tx, err := b.db.Begin(readOnly)
	if err != nil {
		return err
	}
	b.tx = tx
	return nil
}

func (b *embeddedBackend) commit(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	return tx.Commit(ctx)
}

func (b *embeddedBackend) rollback(context.Context) error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, graph.ErrTxDone) {
		return err
	}
	return nil
}

func (b *embeddedBackend) ping(context.Context) error {
	tx, err := b.db.Begin(true)
	if err != nil {
		return err
	}
	return tx.Rollback()
}

func (b *embeddedBackend) close() error {
	return errors.Join(b.rollback(context.Background()), b.release())
}

// cursorStream adapts an engine cursor.
type cursorStream struct {
	cur *cypher.Cursor
}

func (s *cursorStream) columns() []string { return s.cur.Columns() }

func (s *cursorStream) next() ([]any, bool, error) {
	if s.cur.Next() {
		return s.cur.Row(), true, nil
	}
	return nil, false, s.cur.Err()
}

func (s *cursorStream) stats() cypher.Stats { return s.cur.Stats() }

func (s *cursorStream) cancel() { s.cur.Cancel() }

func (s *cursorStream) close() error { return s.cur.Close() }
