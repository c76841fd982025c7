package dialect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

// fakePool is an in-memory database.Pool that records every call.
type fakePool struct {
	mu     sync.Mutex
	idle   *sync.Cond // signalled whenever inUse drops
	calls  []string
	nextID int
	total  int
	inUse  int
	max    int
	closed bool
	peak   int

	// waitOnClose makes Close block until every connection is back, as
	// pgxpool does.
	waitOnClose bool
	queryDelay  time.Duration

	acquireErr error
	queryErr   func(q database.Query) error
	execErr    map[string]error // keyed by control statement
	deallocErr error
	releaseErr error
	closeErr   error

	rows []map[string]any
}

func newFakePool() *fakePool {
	p := &fakePool{execErr: map[string]error{}}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *fakePool) opener() Opener {
	return func(context.Context, *database.PoolConfig) (database.Pool, error) {
		return p, nil
	}
}

func (p *fakePool) record(format string, args ...any) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePool) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallsMatching returns the recorded calls that contain substr.
func (p *fakePool) CallsMatching(substr string) []string {
	var out []string
	for _, c := range p.Calls() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePool) Acquire(context.Context) (database.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	if p.max > 0 && p.inUse >= p.max {
		return nil, errs.New(errs.ErrKindTimeout, "failed to acquire connection")
	}
	p.nextID++
	p.total++
	p.checkout()
	p.record("acquire c%d", p.nextID)
	return &fakeConn{pool: p, id: p.nextID}, nil
}

// Query waits for a free connection when max is set, holds it for
// queryDelay and gives it back.
func (p *fakePool) Query(_ context.Context, q database.Query) (*database.Result, error) {
	p.mu.Lock()
	for p.max > 0 && p.inUse >= p.max {
		p.idle.Wait()
	}
	p.checkout()
	p.record("pool query %s %v", q.Text, q.Values)
	res, err := p.result(q)
	delay := p.queryDelay
	p.mu.Unlock()

	time.Sleep(delay)

	p.mu.Lock()
	p.checkin()
	p.mu.Unlock()
	return res, err
}

// checkout and checkin must be called with mu held.
func (p *fakePool) checkout() {
	p.inUse++
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
}

func (p *fakePool) checkin() {
	p.inUse--
	p.idle.Broadcast()
}

func (p *fakePool) peakInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func (p *fakePool) result(q database.Query) (*database.Result, error) {
	if p.queryErr != nil {
		if err := p.queryErr(q); err != nil {
			return nil, err
		}
	}
	rows := p.rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return &database.Result{Rows: rows, RowsAffected: int64(len(rows)), Raw: q}, nil
}

func (p *fakePool) Stat() database.Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return database.Stat{Total: p.total, InUse: p.inUse, Idle: p.total - p.inUse, Max: p.max}
}

func (p *fakePool) Flavor() database.Flavor {
	return database.PostgresFlavor
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.waitOnClose && p.inUse > 0 {
		p.idle.Wait()
	}
	p.closed = true
	p.record("pool close")
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConn struct {
	pool *fakePool
	id   int
	done bool
}

func (c *fakeConn) Query(_ context.Context, q database.Query) (*database.Result, error) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	if q.Name != "" {
		c.pool.record("c%d prepare %s", c.id, q.Name)
	}
	c.pool.record("c%d query %s %v", c.id, q.Text, q.Values)
	return c.pool.result(q)
}

func (c *fakeConn) Exec(_ context.Context, sql string) error {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.record("c%d %s", c.id, sql)
	return c.pool.execErr[sql]
}

func (c *fakeConn) Deallocate(_ context.Context, name string) error {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.record("c%d deallocate %s", c.id, name)
	return c.pool.deallocErr
}

func (c *fakeConn) Release() error {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.record("c%d release", c.id)
	if c.done {
		return errs.New(errs.ErrKindInvalidInput, "connection already returned to the pool")
	}
	c.done = true
	c.pool.checkin()
	return c.pool.releaseErr
}

func (c *fakeConn) Close(context.Context) error {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.record("c%d end", c.id)
	if c.done {
		return errs.New(errs.ErrKindInvalidInput, "connection already returned to the pool")
	}
	c.done = true
	c.pool.checkin()
	c.pool.total--
	return c.pool.closeErr
}
