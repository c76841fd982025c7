// Package sqldb is the database/sql backend of the dialect, built on sqlx.
//
// It serves any database/sql driver. The SQL flavor (placeholder style and
// identifier limit) is picked from the driver name the *sqlx.DB was opened
// with.
//
// Usage:
//
//	db, err := sqlx.Open("mysql", dsn)
//	...
//	pool := sqldb.New(db, sqldb.WithErrorMapper(mapError), sqldb.WithAcquireTimeout(5*time.Second))
package sqldb

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

// ErrorMapper converts a driver error into *errs.Error. err is never nil.
type ErrorMapper func(err error, msg string) *errs.Error

// Raw is the driver-specific part of a result.
type Raw struct {
	Columns []string
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorMapper replaces MapError for driver-specific error codes.
func WithErrorMapper(fn ErrorMapper) Option {
	return func(p *Pool) { p.mapErr = fn }
}

// WithAcquireTimeout bounds how long a checkout may wait for a free connection.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// Pool is a database.Pool over a *sqlx.DB.
//
// Statement modes are a pgx concept and are ignored here. database/sql
// executes row-returning and non-row statements through the same call, so
// RowsAffected reports the number of rows returned.
type Pool struct {
	db             *sqlx.DB
	flavor         database.Flavor
	mapErr         ErrorMapper
	acquireTimeout time.Duration
}

// New wraps db. The pool takes ownership of db and closes it in Close.
func New(db *sqlx.DB, opts ...Option) *Pool {
	p := &Pool{
		db:     db,
		flavor: database.FlavorFor(db.DriverName()),
		mapErr: MapError,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DB returns the underlying *sqlx.DB (for advanced use)
func (p *Pool) DB() *sqlx.DB {
	return p.db
}

func (p *Pool) Acquire(ctx context.Context) (database.Conn, error) {
	return p.acquire(ctx)
}

func (p *Pool) acquire(ctx context.Context) (*Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	c, err := p.db.Connx(ctx)
	if err != nil {
		return nil, p.mapErr(err, "failed to acquire connection")
	}
	return &Conn{conn: c, mapErr: p.mapErr}, nil
}

// Query checks out a connection for the duration of q only.
func (p *Pool) Query(ctx context.Context, q database.Query) (*database.Result, error) {
	if q.Name != "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "named statements need a dedicated connection")
	}
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	return c.Query(ctx, q)
}

func (p *Pool) Stat() database.Stat {
	s := p.db.Stats()
	return database.Stat{
		Total: s.OpenConnections,
		InUse: s.InUse,
		Idle:  s.Idle,
		Max:   s.MaxOpenConnections,
	}
}

func (p *Pool) Flavor() database.Flavor {
	return p.flavor
}

func (p *Pool) Close() {
	_ = p.db.Close()
}

// Conn is a database.Conn over a *sqlx.Conn. Prepared statements live for
// the duration of the checkout and are closed when it ends.
type Conn struct {
	conn   *sqlx.Conn
	mapErr ErrorMapper
	stmts  map[string]*sqlx.Stmt
	done   bool
}

func (c *Conn) Query(ctx context.Context, q database.Query) (*database.Result, error) {
	if c.done {
		return nil, errReturned
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if q.Name != "" {
		stmt, perr := c.prepare(ctx, q)
		if perr != nil {
			return nil, perr
		}
		rows, err = stmt.QueryxContext(ctx, q.Values...)
	} else {
		rows, err = c.conn.QueryxContext(ctx, q.Text, q.Values...)
	}
	if err != nil {
		return nil, c.mapErr(err, "query failed")
	}

	out, cols, err := collect(rows)
	if err != nil {
		return nil, c.mapErr(err, "query failed")
	}
	return &database.Result{
		Rows:         out,
		RowsAffected: int64(len(out)),
		Raw:          Raw{Columns: cols},
	}, nil
}

func (c *Conn) prepare(ctx context.Context, q database.Query) (*sqlx.Stmt, error) {
	if stmt, ok := c.stmts[q.Name]; ok {
		return stmt, nil
	}
	stmt, err := c.conn.PreparexContext(ctx, q.Text)
	if err != nil {
		return nil, c.mapErr(err, "failed to prepare "+q.Name)
	}
	if c.stmts == nil {
		c.stmts = make(map[string]*sqlx.Stmt)
	}
	c.stmts[q.Name] = stmt
	return stmt, nil
}

func (c *Conn) Exec(ctx context.Context, sql string) error {
	if c.done {
		return errReturned
	}
	if _, err := c.conn.ExecContext(ctx, sql); err != nil {
		return c.mapErr(err, sql+" failed")
	}
	return nil
}

// Deallocate closes the named statement. Unknown names are ignored.
func (c *Conn) Deallocate(_ context.Context, name string) error {
	if c.done {
		return errReturned
	}
	stmt, ok := c.stmts[name]
	if !ok {
		return nil
	}
	delete(c.stmts, name)
	if err := stmt.Close(); err != nil {
		return c.mapErr(err, "failed to deallocate "+name)
	}
	return nil
}

func (c *Conn) Release() error {
	if c.done {
		return errReturned
	}
	c.done = true
	serr := c.closeStatements()
	if err := c.conn.Close(); err != nil {
		return c.mapErr(err, "failed to release connection")
	}
	return serr
}

// Close discards the physical connection instead of pooling it again.
func (c *Conn) Close(_ context.Context) error {
	if c.done {
		return errReturned
	}
	c.done = true
	serr := c.closeStatements()
	err := c.conn.Raw(func(any) error { return driver.ErrBadConn })
	if err != nil && !errors.Is(err, driver.ErrBadConn) {
		return c.mapErr(err, "failed to close connection")
	}
	return serr
}

func (c *Conn) closeStatements() error {
	var first error
	for name, stmt := range c.stmts {
		if err := stmt.Close(); err != nil && first == nil {
			first = c.mapErr(err, "failed to deallocate "+name)
		}
	}
	c.stmts = nil
	return first
}

var errReturned = errs.New(errs.ErrKindInvalidInput, "connection already returned to the pool")

func collect(rows *sqlx.Rows) ([]map[string]any, []string, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		row := make(map[string]any, len(cols))
		if err := rows.MapScan(row); err != nil {
			return nil, nil, err
		}
		out = append(out, row)
	}
	return out, cols, rows.Err()
}
