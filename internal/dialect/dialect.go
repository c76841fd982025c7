// Package dialect adapts a SQL execution manager to one relational database.
//
// A Dialect owns a connection pool, pins one connection per open
// transaction, rewrites named binds into the backend's positional form and
// tears down prepared statements before their connection is given back.
//
// Usage:
//
//	d, err := dialect.New(creds, conn, dialect.WithLogger(log))
//	if err != nil { ... }
//	if _, err := d.Init(ctx, dialect.InitOptions{}); err != nil { ... }
//	defer d.Close(ctx)
//
//	tx, err := d.BeginTransaction(ctx, "")
//	_, err = d.Exec(ctx, "INSERT INTO t (v) VALUES (:v)", dialect.ExecOptions{
//	    Binds:         map[string]any{"v": 1},
//	    Type:          dialect.StatementCreate,
//	    TransactionID: tx.ID(),
//	    AutoCommit:    dialect.Bool(false),
//	}, nil, dialect.Meta{Name: "create.t"})
//	...
//	_, err = tx.Commit(ctx)
//
// Statements on the same transaction must not be issued concurrently. The
// dialect does not serialize them; they share one wire connection.
package dialect

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
	"github.com/koustreak/pgdialect/internal/logger"
)

// Dialect is one logical database connection configuration. It is safe for
// concurrent use.
type Dialect struct {
	id     string
	cfg    *database.PoolConfig
	open   Opener
	binder *database.Binder
	log    *logger.Logger
	errLog *logger.Logger
	debug  bool

	initMu sync.Mutex

	mu      sync.Mutex
	pool    database.Pool
	txs     map[string]*txEntry
	held    map[*heldConn]struct{}
	pending int
}

// heldConn is a pooled connection kept checked out by a statement that was
// not auto-committed. Guarded by Dialect.mu.
type heldConn struct {
	conn database.Conn
	done bool
}

// InitOptions are passed to Init.
type InitOptions struct {
	// NumOfPreparedFuncs is the number of statement sources the manager
	// loaded. It is only logged.
	NumOfPreparedFuncs int
}

// State is a point-in-time view of a dialect.
type State struct {
	Connection ConnectionState `json:"connection"`
	Pending    int             `json:"pending"`
}

// ConnectionState counts pool connections.
type ConnectionState struct {
	Count int `json:"count"`
	InUse int `json:"inUse"`
}

// New resolves the layered configuration and returns an uninitialized
// dialect. It does no I/O.
func New(creds database.Credentials, conn *database.ConnectionConfig, opts ...Option) (*Dialect, error) {
	cfg, err := database.Resolve(creds, conn)
	if err != nil {
		return nil, err
	}

	d := &Dialect{
		id:     uuid.NewString(),
		cfg:    cfg,
		binder: &database.Binder{},
		log:    logger.Nop(),
		txs:    make(map[string]*txEntry),
		held:   make(map[*heldConn]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.open == nil {
		open, ok := openers[cfg.Driver]
		if !ok {
			return nil, errs.Newf(errs.ErrKindConfiguration, "unsupported driver %q", cfg.Driver)
		}
		d.open = open
	}
	if d.errLog == nil {
		d.errLog = d.log
	}
	d.log = d.log.With().Str("component", "dialect").Str("pool_id", d.id).Logger()
	d.errLog = d.errLog.With().Str("component", "dialect").Str("pool_id", d.id).Logger()

	return d, nil
}

// ID returns the generated identifier of the connection pool.
func (d *Dialect) ID() string {
	return d.id
}

// Init creates the pool and checks out one connection to prove it works.
// It may be called once.
func (d *Dialect) Init(ctx context.Context, opts InitOptions) (database.Pool, error) {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.currentPool() != nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "connection pool %q is already initialized", d.id)
	}

	pool, err := d.open(ctx, d.cfg)
	if err != nil {
		return nil, d.initFailed(err)
	}
	d.log.InfoWith("connection pool created", map[string]interface{}{
		"prepared_funcs":  opts.NumOfPreparedFuncs,
		"max":             d.cfg.MaxConns,
		"idle_timeout":    d.cfg.MaxConnIdleTime.String(),
		"acquire_timeout": d.cfg.AcquireTimeout.String(),
	})

	conn, err := pool.Acquire(ctx)
	if err == nil {
		_, err = d.finalize(ctx, pendingOp{action: actionRelease, conn: conn})
	}
	if err != nil {
		pool.Close()
		return nil, d.initFailed(err)
	}

	d.mu.Lock()
	d.pool = pool
	d.mu.Unlock()
	return pool, nil
}

func (d *Dialect) initFailed(err error) *errs.Error {
	sanitized := d.cfg.Sanitized()
	e := errs.Wrap(errs.ErrKindConnectionFailed, "failed to create connection pool", err)
	e.Detail = sanitized
	e.Append(fmt.Sprintf("\nconnection pool %q could not be created for %s", d.id, sanitized))

	d.errLog.ErrorWith("connection pool could not be created (passwords are omitted)", err, map[string]interface{}{
		"config": sanitized,
	})
	return e
}

// State never blocks on the network. Without a pool every count is zero.
func (d *Dialect) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := State{Pending: d.pending}
	if d.pool != nil {
		st := d.pool.Stat()
		s.Connection = ConnectionState{Count: st.Total, InUse: st.InUse}
	}
	return s
}

// Close ends every connection still checked out by an open transaction or
// by an uncommitted pooled statement, then closes the pool. Termination
// failures do not stop the others; the last one is returned once everything
// is torn down. The returned count is the number of pending statements
// observed before teardown. Close waits for an Init in progress.
func (d *Dialect) Close(ctx context.Context) (int, error) {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.mu.Lock()
	pool, pending := d.pool, d.pending
	open := make([]*txEntry, 0, len(d.txs))
	for _, tx := range d.txs {
		tx.done = true
		if tx.conn != nil {
			open = append(open, tx)
		}
	}
	held := make([]*heldConn, 0, len(d.held))
	for h := range d.held {
		h.done = true
		held = append(held, h)
	}
	d.txs = make(map[string]*txEntry)
	d.held = make(map[*heldConn]struct{})
	d.pool = nil
	d.pending = 0
	d.mu.Unlock()

	if pool == nil {
		return 0, nil
	}

	d.log.InfoWith("closing connection pool", map[string]interface{}{
		"uncommitted":       pending,
		"open_transactions": len(open),
		"held_connections":  len(held),
	})

	var (
		mu      sync.Mutex
		lastErr error
		g       errgroup.Group
	)
	end := func(op pendingOp) {
		g.Go(func() error {
			if _, err := d.finalize(ctx, op); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
			return nil
		})
	}
	for _, tx := range open {
		end(pendingOp{action: actionEnd, conn: tx.conn, tx: tx})
	}
	for _, h := range held {
		end(pendingOp{action: actionEnd, conn: h.conn})
	}
	_ = g.Wait()

	pool.Close()

	if lastErr != nil {
		d.errLog.ErrorWith("failed to close connection pool", lastErr, map[string]interface{}{
			"uncommitted": pending,
		})
	}
	return pending, lastErr
}

func (d *Dialect) currentPool() database.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pool
}

func (d *Dialect) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func errNotInitialized(id string) *errs.Error {
	return errs.Newf(errs.ErrKindConnectionFailed, "connection pool %q is not initialized", id)
}

// trace logs an operation step. WithDebug promotes it to info.
func (d *Dialect) trace(msg string, fields map[string]interface{}) {
	if d.debug {
		d.log.InfoWith(msg, fields)
		return
	}
	d.log.DebugWith(msg, fields)
}
