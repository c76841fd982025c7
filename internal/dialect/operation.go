package dialect

import (
	"context"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

type action string

const (
	actionCommit   action = "commit"
	actionRollback action = "rollback"
	actionRelease  action = "release"
	actionEnd      action = "end"
)

// pendingOp is a terminal operation on a connection.
type pendingOp struct {
	action action
	conn   database.Conn
	tx     *txEntry // set when conn belongs to a transaction

	// held is set when the operation settles one pending statement on a
	// pooled connection.
	held *heldConn

	// retain keeps the transaction registered and its connection checked
	// out after a commit.
	retain bool

	// cause is the error already being reported, if any. Failures are
	// attached to it instead of being returned.
	cause *errs.Error
}

// finalize performs op.action and returns the pending count.
//
// Commit and rollback first deallocate the transaction's prepared
// statements. Unless the action is itself release or end, or op.retain is
// set, the connection is then released and the transaction unregistered
// whatever the outcome. A release failure is attached to the action's error,
// else to op.cause, and is only returned when neither exists.
func (d *Dialect) finalize(ctx context.Context, op pendingOp) (pending int, err error) {
	terminal := op.action == actionCommit || op.action == actionRollback
	fields := map[string]interface{}{
		"action":      string(op.action),
		"uncommitted": d.pendingCount(),
	}
	if op.tx != nil {
		fields["transaction_id"] = op.tx.id
	}
	d.trace("performing connection operation", fields)

	if op.tx != nil && terminal {
		d.mu.Lock()
		done := op.tx.done
		d.mu.Unlock()
		if done {
			return d.pendingCount(), errs.Newf(errs.ErrKindInvalidInput, "transaction %q already finished", op.tx.id)
		}
	}
	if op.held != nil && terminal {
		d.mu.Lock()
		done := op.held.done
		d.mu.Unlock()
		if done {
			return d.pendingCount(), errs.New(errs.ErrKindInvalidInput, "statement connection was already ended")
		}
	}

	var opErr *errs.Error
	defer func() {
		if terminal && !op.retain {
			d.settle(op, opErr == nil)
			if rerr := op.conn.Release(); rerr != nil {
				e := errs.Wrap(errs.ErrKindCleanup, "failed to release connection", rerr)
				d.errLog.ErrorWith("failed to release connection", rerr, fields)
				switch {
				case opErr != nil:
					opErr.Attach("releaseError", e)
				case op.cause != nil:
					op.cause.Attach("releaseError", e)
				default:
					opErr = e
				}
			}
		}
		if opErr != nil {
			err = opErr
		}
		pending = d.pendingCount()
	}()

	if op.tx != nil && terminal {
		d.drainPrepared(ctx, op)
	}

	var aerr error
	switch op.action {
	case actionCommit:
		aerr = op.conn.Exec(ctx, "COMMIT")
	case actionRollback:
		aerr = op.conn.Exec(ctx, "ROLLBACK")
	case actionRelease:
		aerr = op.conn.Release()
	case actionEnd:
		aerr = op.conn.Close(ctx)
	}

	if aerr != nil {
		e := errs.Wrap(errs.ErrKindCleanup, "failed to "+string(op.action), aerr)
		d.errLog.ErrorWith("failed to "+string(op.action)+" connection", aerr, fields)
		if op.cause != nil {
			op.cause.Attach(string(op.action)+"Error", e)
		} else {
			opErr = e
		}
	}
	return 0, nil
}

// settle updates the registry and the pending counter after a commit or
// rollback.
func (d *Dialect) settle(op pendingOp, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.tx != nil {
		if d.txs[op.tx.id] == op.tx {
			delete(d.txs, op.tx.id)
		}
		op.tx.done = true
		if ok {
			op.tx.committed = op.action == actionCommit
			op.tx.rolledBack = op.action == actionRollback
		}
		d.pending -= op.tx.pending
		op.tx.pending = 0
	} else if op.held != nil && !op.held.done {
		op.held.done = true
		delete(d.held, op.held)
		d.pending--
	}
	if d.pending < 0 {
		d.pending = 0
	}
}
