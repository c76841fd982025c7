// Package postgres is the pgx/v5 backend of the dialect.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

var execModes = map[database.QueryMode]pgx.QueryExecMode{
	database.QueryModeCacheStatement: pgx.QueryExecModeCacheStatement,
	database.QueryModeCacheDescribe:  pgx.QueryExecModeCacheDescribe,
	database.QueryModeDescribeExec:   pgx.QueryExecModeDescribeExec,
	database.QueryModeExec:           pgx.QueryExecModeExec,
	database.QueryModeSimpleProtocol: pgx.QueryExecModeSimpleProtocol,
}

// Raw is the driver-specific part of a result.
type Raw struct {
	CommandTag pgconn.CommandTag
	Fields     []pgconn.FieldDescription
}

// Pool is a database.Pool backed by pgxpool.
// It is safe for concurrent use by multiple goroutines.
type Pool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// Open builds the pool described by cfg. No connection is made until the
// first acquire.
func Open(ctx context.Context, cfg *database.PoolConfig) (database.Pool, error) {
	pool, err := buildPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

// --- database.Pool implementation ---

// Acquire checks out a connection, waiting at most the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (database.Conn, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: c}, nil
}

func (p *Pool) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, mapError(err, "failed to acquire connection")
	}
	return c, nil
}

// Query runs q on whichever connection the pool hands out and returns it
// straight away.
func (p *Pool) Query(ctx context.Context, q database.Query) (*database.Result, error) {
	if q.Name != "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "named statements need a dedicated connection")
	}
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	return query(ctx, c.Conn(), q)
}

func (p *Pool) Stat() database.Stat {
	s := p.pool.Stat()
	return database.Stat{
		Total: int(s.TotalConns()),
		InUse: int(s.AcquiredConns()),
		Idle:  int(s.IdleConns()),
		Max:   int(s.MaxConns()),
	}
}

func (p *Pool) Flavor() database.Flavor {
	return database.PostgresFlavor
}

// Close waits for acquired connections to come back, then closes the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Conn is a database.Conn wrapping a pgxpool checkout.
type Conn struct {
	conn *pgxpool.Conn
	done bool
}

func (c *Conn) Query(ctx context.Context, q database.Query) (*database.Result, error) {
	if c.done {
		return nil, errReturned
	}
	return query(ctx, c.conn.Conn(), q)
}

func (c *Conn) Exec(ctx context.Context, sql string) error {
	if c.done {
		return errReturned
	}
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return mapError(err, sql+" failed")
	}
	return nil
}

// Deallocate closes the statement on the server and drops it from pgx's
// statement and description caches. A statement the server does not know
// is not an error.
func (c *Conn) Deallocate(ctx context.Context, name string) error {
	if c.done {
		return errReturned
	}
	if err := c.conn.Conn().Deallocate(ctx, name); err != nil && !isUndefinedPrepared(err) {
		return mapError(err, "failed to deallocate "+name)
	}
	return nil
}

func (c *Conn) Release() error {
	if c.done {
		return errReturned
	}
	c.done = true
	c.conn.Release()
	return nil
}

// Close removes the connection from the pool and closes it.
func (c *Conn) Close(ctx context.Context) error {
	if c.done {
		return errReturned
	}
	c.done = true
	if err := c.conn.Hijack().Close(ctx); err != nil {
		return mapError(err, "failed to close connection")
	}
	return nil
}

var errReturned = errs.New(errs.ErrKindInvalidInput, "connection already returned to the pool")

// query runs q on c. A named query is prepared first; pgx treats repeated
// Prepare calls with the same name and text as a no-op.
func query(ctx context.Context, c *pgx.Conn, q database.Query) (*database.Result, error) {
	sql := q.Text
	if q.Name != "" {
		if _, err := c.Prepare(ctx, q.Name, q.Text); err != nil {
			return nil, mapError(err, "failed to prepare "+q.Name)
		}
		sql = q.Name
	}

	args := q.Values
	if mode, ok := execModes[q.Mode]; ok {
		args = append([]any{mode}, q.Values...)
	}

	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err, "query failed")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapError(err, "query failed")
	}
	if out == nil {
		out = []map[string]any{}
	}

	tag := rows.CommandTag()
	return &database.Result{
		Rows:         out,
		RowsAffected: tag.RowsAffected(),
		Raw:          Raw{CommandTag: tag, Fields: rows.FieldDescriptions()},
	}, nil
}
