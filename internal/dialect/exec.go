package dialect

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

// StatementType is the CRUD category the manager assigns to a statement.
type StatementType string

const (
	StatementRead   StatementType = "READ"
	StatementCreate StatementType = "CREATE"
	StatementUpdate StatementType = "UPDATE"
	StatementDelete StatementType = "DELETE"
)

// ExecOptions control a single execution.
type ExecOptions struct {
	Binds         map[string]any
	Type          StatementType
	TransactionID string

	// AutoCommit defaults to true when nil.
	AutoCommit *bool

	// PrepareStatement runs the statement as a named prepared statement
	// whose name is derived from Meta.Name.
	PrepareStatement bool

	DriverOptions *DriverOptions
}

// DriverOptions are per-execution backend overrides.
type DriverOptions struct {
	Query QueryOptions
}

// QueryOptions override how the statement is sent.
type QueryOptions struct {
	// Name must stay empty; use PrepareStatement instead.
	Name string
	Mode database.QueryMode
}

func (o ExecOptions) autoCommit() bool {
	return o.AutoCommit == nil || *o.AutoCommit
}

func (o ExecOptions) query() QueryOptions {
	if o.DriverOptions == nil {
		return QueryOptions{}
	}
	return o.DriverOptions.Query
}

// Bool returns a pointer to v, for ExecOptions.AutoCommit.
func Bool(v bool) *bool {
	return &v
}

// Meta describes where a statement came from.
type Meta struct {
	Name string
	Path string
}

// ErrorOptions tune failure reporting.
type ErrorOptions struct {
	// IncludeBindValues adds the positional values to the error message.
	IncludeBindValues bool

	// Handler is called with every execution error before it is returned.
	Handler func(error)
}

// Result is the outcome of Exec.
type Result struct {
	Rows         []map[string]any
	RowsAffected int64
	Raw          any

	// Completion is set when the statement was not auto-committed.
	Completion *Completion

	// Prepared is set when the statement ran as a prepared statement.
	Prepared *PreparedStatement
}

// Completion settles a statement that was not auto-committed. On a
// transaction it commits or rolls back the whole transaction.
type Completion struct {
	d    *Dialect
	op   pendingOp
	used atomic.Bool
}

func (c *Completion) Commit(ctx context.Context) (int, error) {
	return c.finish(ctx, actionCommit, nil)
}

func (c *Completion) Rollback(ctx context.Context) (int, error) {
	return c.finish(ctx, actionRollback, nil)
}

// RollbackFor rolls back while cause is being reported; failures are
// attached to cause.
func (c *Completion) RollbackFor(ctx context.Context, cause *errs.Error) int {
	n, _ := c.finish(ctx, actionRollback, cause)
	return n
}

func (c *Completion) finish(ctx context.Context, a action, cause *errs.Error) (int, error) {
	if c.used.Swap(true) {
		return c.d.pendingCount(), errs.New(errs.ErrKindInvalidInput, "statement already completed")
	}
	op := c.op
	op.action = a
	op.cause = cause
	return c.d.finalize(ctx, op)
}

// connKind tags where an execution's connection came from.
type connKind int

const (
	pooledConn connKind = iota + 1 // checked out for this execution only
	txConn                         // pinned to a transaction
)

type execConn struct {
	kind connKind
	conn database.Conn
	tx   *txEntry
}

// Exec runs sql with the named binds in opts.
//
// Reads outside a transaction that are not prepared go straight to the pool.
// Everything else runs on a single connection: the transaction's when
// opts.TransactionID is set, otherwise a fresh checkout. frags are the
// fragment keys kept in sql; they only appear in error messages.
func (d *Dialect) Exec(ctx context.Context, sql string, opts ExecOptions, frags []string, meta Meta, errOpts ...ErrorOptions) (*Result, error) {
	call := &execCall{sql: sql, opts: opts, frags: frags, meta: meta}
	if len(errOpts) > 0 {
		call.eo = errOpts[0]
	}

	if _, err := statementName(opts, meta, 0); err != nil {
		return nil, err
	}
	pool := d.currentPool()
	if pool == nil {
		return nil, errNotInitialized(d.id)
	}
	flavor := pool.Flavor()
	name, _ := statementName(opts, meta, flavor.MaxIdentifierLength)

	call.binds = d.binder.Interpolate(nil, opts.Binds, database.ReferencedIn(sql))
	text, err := d.binder.PositionalBinds(sql, call.binds, &call.values, flavor.Placeholder)
	if err != nil {
		return nil, d.execFailed(ctx, err, nil, call)
	}
	q := database.Query{Name: name, Text: text, Values: call.values, Mode: opts.query().Mode}

	if opts.TransactionID == "" && opts.Type == StatementRead && name == "" {
		res, err := pool.Query(ctx, q)
		if err != nil {
			return nil, d.execFailed(ctx, err, nil, call)
		}
		return &Result{Rows: res.Rows, RowsAffected: res.RowsAffected, Raw: res.Raw}, nil
	}

	ec, err := d.connFor(ctx, pool, opts.TransactionID)
	if err != nil {
		return nil, d.execFailed(ctx, err, nil, call)
	}

	res, err := ec.conn.Query(ctx, q)
	if err != nil {
		if ec.kind == txConn && name != "" {
			// the statement may exist on the server even though it failed
			d.attachPrepared(ec.tx, name)
		}
		return nil, d.execFailed(ctx, err, &ec, call)
	}

	out := &Result{Rows: res.Rows, RowsAffected: res.RowsAffected, Raw: res.Raw}
	if name != "" {
		if ec.kind == txConn {
			out.Prepared = d.attachPrepared(ec.tx, name)
		} else {
			out.Prepared = &PreparedStatement{d: d, name: name}
		}
	}

	if opts.autoCommit() {
		op := pendingOp{action: actionCommit, conn: ec.conn, tx: ec.tx}
		if ec.kind == txConn {
			d.mu.Lock()
			op.retain = ec.tx.pending > 0
			d.mu.Unlock()
		}
		if _, err := d.finalize(ctx, op); err != nil {
			// the connection is already settled; only the report remains
			call.kind = errs.ErrKindQueryFailed
			return nil, d.execFailed(ctx, err, nil, call)
		}
		return out, nil
	}

	op := pendingOp{conn: ec.conn, tx: ec.tx}
	d.mu.Lock()
	if ec.kind == txConn {
		ec.tx.pending++
	} else {
		op.held = &heldConn{conn: ec.conn}
		d.held[op.held] = struct{}{}
	}
	d.pending++
	d.mu.Unlock()

	out.Completion = &Completion{d: d, op: op}
	return out, nil
}

func (d *Dialect) connFor(ctx context.Context, pool database.Pool, txID string) (execConn, error) {
	if txID == "" {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return execConn{}, err
		}
		return execConn{kind: pooledConn, conn: conn}, nil
	}
	tx, conn, err := d.lookup(txID)
	if err != nil {
		return execConn{}, err
	}
	return execConn{kind: txConn, conn: conn, tx: tx}, nil
}

// execCall carries one Exec invocation for error reporting.
type execCall struct {
	sql    string
	opts   ExecOptions
	frags  []string
	meta   Meta
	eo     ErrorOptions
	binds  map[string]any
	values []any

	// kind overrides the kind taken from the failure.
	kind errs.ErrKind
}

// execFailed builds the reported error. A pooled connection is ended and
// any failure to do so is attached to the error.
func (d *Dialect) execFailed(ctx context.Context, err error, ec *execConn, call *execCall) *errs.Error {
	msg := fmt.Sprintf("failed to execute %s (BINDS: [%s], FRAGS: %s)",
		withDefault(call.meta.Name, "statement"),
		strings.Join(database.BindNames(call.binds), ", "),
		strings.Join(call.frags, ", "))
	if call.eo.IncludeBindValues {
		msg += fmt.Sprintf(" VALUES: %v", call.values)
	}
	kind := call.kind
	if kind == errs.ErrKindUnknown {
		kind = kindOr(err, errs.ErrKindQueryFailed)
	}
	e := errs.Wrap(kind, msg, err)

	if ec != nil && ec.kind == pooledConn {
		_, _ = d.finalize(context.WithoutCancel(ctx), pendingOp{action: actionEnd, conn: ec.conn, cause: e})
	}

	d.errLog.ErrorWith("failed to execute SQL", err, map[string]interface{}{
		"sql":            call.sql,
		"statement":      call.meta.Name,
		"path":           call.meta.Path,
		"transaction_id": call.opts.TransactionID,
	})
	if call.eo.Handler != nil {
		call.eo.Handler(e)
	}
	return e
}

// kindOr returns the kind carried by err, or def when err is not an *errs.Error.
func kindOr(err error, def errs.ErrKind) errs.ErrKind {
	if k := errs.KindOf(err); k != errs.ErrKindUnknown {
		return k
	}
	return def
}

func withDefault[T comparable](val, def T) T {
	var zero T
	if val == zero {
		return def
	}
	return val
}
