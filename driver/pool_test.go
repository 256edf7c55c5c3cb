package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// poolFactory opens embedded connections to one shared graph and counts them.
type poolFactory struct {
	db     *graph.DB
	opened atomic.Int32
	fail   error
}

func newPoolFactory(t *testing.T) *poolFactory {
	t.Helper()
	db, err := graph.Open(context.Background(), graph.Options{})
	if err != nil {
		t.Fatalf("graph.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &poolFactory{db: db}
}

func (f *poolFactory) open() (*Conn, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.opened.Add(1)
	return OpenWithOptions(Options{Mode: ModeEmbedded, DB: f.db})
}

func TestPool_GetPut(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 0, MaxSize: 5}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn1, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stats := pool.Stats()
	if stats.InUse != 1 || stats.Total != 1 {
		t.Errorf("Stats after Get: got InUse=%d Total=%d, want InUse=1 Total=1", stats.InUse, stats.Total)
	}

	pool.Put(conn1)
	stats = pool.Stats()
	if stats.Available != 1 || stats.InUse != 0 {
		t.Errorf("Stats after Put: got Available=%d InUse=%d, want Available=1 InUse=0", stats.Available, stats.InUse)
	}

	conn2, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if conn2 != conn1 {
		t.Error("Expected reused connection, got different connection")
	}
	pool.Put(conn2)
}

func TestPool_MaxSize(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MaxSize: 2, WaitTimeout: 100 * time.Millisecond}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn1, _ := pool.Get(ctx)
	conn2, _ := pool.Get(ctx)
	if stats := pool.Stats(); stats.Total != 2 {
		t.Errorf("Expected 2 total connections, got %d", stats.Total)
	}

	start := time.Now()
	_, err = pool.Get(ctx)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrPoolTimeout) {
		t.Errorf("Expected ErrPoolTimeout, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("Timeout happened too quickly: %v", elapsed)
	}

	pool.Put(conn1)
	conn3, err := pool.Get(ctx)
	if err != nil {
		t.Errorf("Get after Put failed: %v", err)
	}
	pool.Put(conn2)
	pool.Put(conn3)
}

func TestPool_MinSize(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 3, MaxSize: 10}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	if stats := pool.Stats(); stats.Available != 3 {
		t.Errorf("Expected 3 pre-warmed connections, got %d", stats.Available)
	}
	if n := f.opened.Load(); n != 3 {
		t.Errorf("Expected 3 connections created, got %d", n)
	}
}

func TestPool_InvalidConfig(t *testing.T) {
	f := newPoolFactory(t)
	if _, err := NewPool(PoolConfig{MinSize: 10, MaxSize: 5}, f.open); err == nil {
		t.Error("Expected error for MinSize > MaxSize, got nil")
	}
}

func TestPool_FactoryError(t *testing.T) {
	f := newPoolFactory(t)
	f.fail = errors.New("connection failed")
	if _, err := NewPool(PoolConfig{MinSize: 2, MaxSize: 5}, f.open); err == nil {
		t.Error("Expected error from factory failure during pre-warm, got nil")
	}
}

func TestPool_DeadConnectionDiscarded(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MaxSize: 5}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn1, _ := pool.Get(ctx)
	_ = conn1.Close()
	pool.Put(conn1)

	if stats := pool.Stats(); stats.Available != 0 || stats.Total != 0 {
		t.Errorf("Expected dead connection to be discarded, got %+v", stats)
	}
	conn2, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if conn2 == conn1 {
		t.Error("Expected new connection, got dead connection")
	}
	pool.Put(conn2)
}

func TestPool_PutResetsConnection(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MaxSize: 1}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	conn, _ := pool.Get(context.Background())
	_ = conn.SetAutoCommit(false)
	update(t, conn, "CREATE (:N)")
	pool.Put(conn)

	if f.db.Stats().Nodes != 0 {
		t.Error("uncommitted write survived Put")
	}
	conn, _ = pool.Get(context.Background())
	if !conn.AutoCommit() {
		t.Error("auto-commit not restored")
	}
	pool.Put(conn)
}

func TestPool_ConcurrentAccess(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 2, MaxSize: 10}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Get(ctx)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			time.Sleep(10 * time.Millisecond)
			pool.Put(conn)
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Errorf("Expected all connections returned, got InUse=%d", stats.InUse)
	}
	if stats.Total > 10 {
		t.Errorf("Expected max 10 total connections, got %d", stats.Total)
	}
}

func TestPool_ContextCancellation(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MaxSize: 1}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	conn1, _ := pool.Get(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	pool.Put(conn1)
}

func TestPool_Close(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 3, MaxSize: 5}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	inUse, _ := pool.Get(context.Background())
	pool.Close()

	if _, err := pool.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after Close, got %v", err)
	}
	pool.Put(inUse)
	if inUse.IsOpen() {
		t.Error("connection returned after Close should be closed")
	}
}

func TestPool_IdleTimeout(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 2, MaxSize: 5, IdleTimeout: 100 * time.Millisecond}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn1, _ := pool.Get(ctx)
	conn2, _ := pool.Get(ctx)
	conn3, _ := pool.Get(ctx)
	pool.Put(conn1)
	pool.Put(conn2)
	pool.Put(conn3)

	time.Sleep(200 * time.Millisecond)

	stats := pool.Stats()
	if stats.Available < 2 {
		t.Errorf("Expected at least MinSize (2) connections after cleanup, got %d", stats.Available)
	}
	if stats.Available > 3 {
		t.Errorf("Expected idle connections cleaned up, got %d available", stats.Available)
	}
}

func TestPool_ReapKeepsMinSize(t *testing.T) {
	f := newPoolFactory(t)
	pool, err := NewPool(PoolConfig{MinSize: 1, MaxSize: 4, IdleTimeout: time.Hour}, f.open)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	var conns []*Conn
	for range 3 {
		c, err := pool.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		pool.Put(c)
	}

	pool.reap(time.Now())
	if got := pool.Stats().Available; got != 3 {
		t.Errorf("fresh connections reaped: %d available", got)
	}
	pool.reap(time.Now().Add(2 * time.Hour))
	if stats := pool.Stats(); stats.Available != 1 || stats.Total != 1 {
		t.Errorf("after reap: %+v, want one connection", stats)
	}
}

func TestNewPoolDSN(t *testing.T) {
	pool, err := NewPoolDSN(PoolConfig{MaxSize: 2}, "mem:pool-dsn-test")
	if err != nil {
		t.Fatalf("NewPoolDSN failed: %v", err)
	}
	defer pool.Close()
	if _, err := NewPoolDSN(PoolConfig{}, "bogus"); err == nil {
		t.Error("expected a DSN error")
	}

	if _, err := pool.ExecuteWrite(context.Background(), "CREATE (:N)", nil); err != nil {
		t.Fatalf("ExecuteWrite failed: %v", err)
	}
	rows, err := pool.ExecuteRead(context.Background(), "MATCH (n:N) RETURN count(n) AS c", nil)
	if err != nil || len(rows) != 1 || rows[0]["c"] != int64(1) {
		t.Errorf("ExecuteRead = %v, %v", rows, err)
	}
}
