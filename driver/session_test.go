package driver

import (
	"context"
	"errors"
	"testing"
)

func newSessionPool(t *testing.T, mode Mode) (*Pool, *fixture) {
	t.Helper()
	f := newFixture(t, mode)
	opts := Options{Mode: mode, DB: f.db, URL: f.url}
	if mode != ModeEmbedded {
		opts.DB = nil
	}
	pool, err := NewPool(PoolConfig{MaxSize: 2}, func() (*Conn, error) { return OpenWithOptions(opts) })
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, f
}

func TestExecuteReadWrite(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			pool, _ := newSessionPool(t, mode)
			ctx := context.Background()

			rows, err := pool.ExecuteWrite(ctx, "CREATE (n:P {1}) RETURN n.name AS name", map[int]any{
				1: map[string]any{"name": "Ann"},
			})
			if err != nil || len(rows) != 1 || rows[0]["name"] != "Ann" {
				t.Fatalf("ExecuteWrite = %v, %v", rows, err)
			}

			rows, err = pool.ExecuteRead(ctx, "MATCH (n:P) WHERE n.name = {1} RETURN n.name AS name, id(n) AS id", map[int]any{1: "Ann"})
			if err != nil || len(rows) != 1 {
				t.Fatalf("ExecuteRead = %v, %v", rows, err)
			}
			if _, ok := rows[0]["id"].(int64); !ok {
				t.Errorf("id column = %#v", rows[0]["id"])
			}

			_, err = pool.ExecuteRead(ctx, "CREATE (:P)", nil)
			var pe *PermissionError
			if !errors.As(err, &pe) {
				t.Errorf("write through ExecuteRead: %v", err)
			}
			if _, err := pool.ExecuteRead(ctx, "MATCH (n RETURN n", nil); err == nil {
				t.Error("expected a syntax error")
			}
			if stats := pool.Stats(); stats.InUse != 0 {
				t.Errorf("connections leaked: %+v", stats)
			}
		})
	}
}

func TestTransactionContext(t *testing.T) {
	for _, mode := range []Mode{ModeEmbedded, ModeServerTx} {
		t.Run(mode.String(), func(t *testing.T) {
			pool, f := newSessionPool(t, mode)
			ctx := context.Background()

			tc, err := pool.Begin(ctx, false)
			if err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			n, err := tc.Update(ctx, "FOREACH (x IN range(1, 3) | CREATE (:T {v: x}))", nil)
			if err != nil || n.NodesCreated != 3 {
				t.Fatalf("Update = %+v, %v", n, err)
			}
			rows, err := tc.Query(ctx, "MATCH (n:T) RETURN n.v AS v ORDER BY v", nil)
			if err != nil || len(rows) != 3 {
				t.Fatalf("Query = %v, %v", rows, err)
			}
			if f.db.Stats().Nodes != 0 {
				t.Error("uncommitted writes visible")
			}
			if err := tc.Rollback(ctx); err != nil {
				t.Fatalf("Rollback failed: %v", err)
			}
			if _, err := tc.Query(ctx, "RETURN 1", nil); !errors.Is(err, ErrConnClosed) {
				t.Errorf("Query after Rollback: %v", err)
			}
			tc.Close()

			tc, err = pool.Begin(ctx, false)
			if err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			defer tc.Close()
			if _, err := tc.Update(ctx, "CREATE (:T)", nil); err != nil {
				t.Fatal(err)
			}
			if err := tc.Commit(ctx); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			if f.db.Stats().Nodes != 1 {
				t.Errorf("committed nodes = %d", f.db.Stats().Nodes)
			}
			if stats := pool.Stats(); stats.InUse != 0 {
				t.Errorf("connection not returned: %+v", stats)
			}
		})
	}
}

func TestTransactionContextReadOnly(t *testing.T) {
	pool, _ := newSessionPool(t, ModeEmbedded)
	tc, err := pool.Begin(context.Background(), true)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tc.Close()
	_, err = tc.Update(context.Background(), "CREATE (:T)", nil)
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Errorf("write in read-only transaction: %v", err)
	}
}

func TestBeginUnsupportedMode(t *testing.T) {
	pool, _ := newSessionPool(t, ModeServer)
	if _, err := pool.Begin(context.Background(), false); !errors.Is(err, ErrAutoCommitUnsupported) {
		t.Errorf("Begin in server mode: %v", err)
	}
	if stats := pool.Stats(); stats.InUse != 0 {
		t.Errorf("connection leaked: %+v", stats)
	}
}
