package driver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

// PoolConfig bounds a Pool. Zero values disable the corresponding limit.
type PoolConfig struct {
	// MinSize connections are opened up front and survive idle reaping.
	MinSize int
	// MaxSize caps the connections open at once.
	MaxSize int
	// IdleTimeout closes connections that sat unused for this long.
	IdleTimeout time.Duration
	// WaitTimeout bounds how long Get waits for a busy pool.
	WaitTimeout time.Duration
}

// DefaultPoolConfig returns the settings used by the CLI and most tests.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:     2,
		MaxSize:     10,
		IdleTimeout: 5 * time.Minute,
		WaitTimeout: 10 * time.Second,
	}
}

// Pool shares connections between goroutines. Every connection handed back
// through Put is reset to the flags it was opened with, so a caller never
// inherits another caller's transaction or read-only setting.
type Pool struct {
	cfg  PoolConfig
	open func() (*Conn, error)

	mu      sync.Mutex
	idle    []idleConn
	total   int
	waiters []chan *Conn
	closed  bool

	quit   chan struct{}
	reaper sync.WaitGroup
}

type idleConn struct {
	c     *Conn
	since time.Time
}

// NewPool builds a pool over open, warming it with MinSize connections.
func NewPool(config PoolConfig, open func() (*Conn, error)) (*Pool, error) {
	if config.MaxSize > 0 && config.MinSize > config.MaxSize {
		return nil, fmt.Errorf("invalid pool config: MinSize (%d) > MaxSize (%d)", config.MinSize, config.MaxSize)
	}
	p := &Pool{cfg: config, open: open, quit: make(chan struct{})}
	for i := range config.MinSize {
		c, err := open()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("warm connection %d of %d: %w", i+1, config.MinSize, err)
		}
		p.idle = append(p.idle, idleConn{c: c, since: time.Now()})
		p.total++
	}
	if config.IdleTimeout > 0 {
		p.reaper.Add(1)
		go p.reapLoop()
	}
	return p, nil
}

// NewPoolDSN is NewPool with connections opened from dsn.
func NewPoolDSN(config PoolConfig, dsn string) (*Pool, error) {
	opts, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewPool(config, func() (*Conn, error) { return OpenWithOptions(opts) })
}

// takeIdle pops the most recently used live connection. Dead ones are
// dropped from the count. Callers hold p.mu.
func (p *Pool) takeIdle() *Conn {
	for n := len(p.idle); n > 0; n = len(p.idle) {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if ic.c.IsOpen() {
			return ic.c
		}
		p.total--
	}
	return nil
}

func (p *Pool) full() bool {
	return p.cfg.MaxSize > 0 && p.total >= p.cfg.MaxSize
}

// Get returns a connection, opening one when under MaxSize and otherwise
// waiting for a Put. It fails with ErrPoolClosed, ErrPoolTimeout or the
// context's error.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c := p.takeIdle(); c != nil {
		p.mu.Unlock()
		return c, nil
	}
	if !p.full() {
		p.total++
		p.mu.Unlock()
		c, err := p.open()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("open pooled connection: %w", err)
		}
		return c, nil
	}
	ch := make(chan *Conn, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	return p.wait(ctx, ch)
}

func (p *Pool) wait(ctx context.Context, ch chan *Conn) (*Conn, error) {
	wctx := ctx
	if p.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.cfg.WaitTimeout)
		defer cancel()
	}
	select {
	case c, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-wctx.Done():
	}

	p.mu.Lock()
	if i := slices.Index(p.waiters, ch); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
	}
	p.mu.Unlock()
	// Put may have handed over a connection just before the deadline.
	select {
	case c, ok := <-ch:
		if ok {
			p.Put(c)
		}
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrPoolTimeout
}

// Put resets c and gives it to the oldest waiter or back to the idle set.
// Connections that are closed or cannot be reset are discarded.
func (p *Pool) Put(c *Conn) {
	if c == nil {
		return
	}
	err := c.Reset(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		_ = c.Close()
	case err != nil || !c.IsOpen():
		if err != nil {
			logging.Op().Debug("driver: discarding pooled connection", slog.Any("error", err))
		}
		_ = c.Close()
		p.total--
	case len(p.waiters) > 0:
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- c
	default:
		p.idle = append(p.idle, idleConn{c: c, since: time.Now()})
	}
}

// Close shuts idle connections and wakes waiters with ErrPoolClosed.
// Connections still checked out are closed by Put.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	for _, ic := range p.idle {
		_ = ic.c.Close()
	}
	p.idle = nil
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	p.reaper.Wait()
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Available int
	InUse     int
	Total     int
	Waiting   int
}

// Stats reports the current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Available: len(p.idle),
		InUse:     p.total - len(p.idle),
		Total:     p.total,
		Waiting:   len(p.waiters),
	}
}

func (p *Pool) reapLoop() {
	defer p.reaper.Done()
	tick := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			p.reap(now)
		case <-p.quit:
			return
		}
	}
}

// reap closes connections idle since before now-IdleTimeout, oldest
// first, never going below MinSize idle connections.
func (p *Pool) reap(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idle[:0]
	for i, ic := range p.idle {
		remaining := len(p.idle) - i
		if now.Sub(ic.since) >= p.cfg.IdleTimeout && len(kept)+remaining > p.cfg.MinSize {
			_ = ic.c.Close()
			p.total--
			continue
		}
		kept = append(kept, ic)
	}
	clear(p.idle[len(kept):])
	p.idle = kept
}
