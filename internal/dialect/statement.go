package dialect

import (
	"context"
	"strings"

	"github.com/koustreak/pgdialect/internal/errs"
)

// PreparedStatement is a server-side statement created by an execution with
// PrepareStatement set.
//
// Inside a transaction the handle belongs to the transaction and is
// deallocated by its Commit or Rollback. Outside a transaction the caller
// owns it and must call Unprepare.
type PreparedStatement struct {
	d    *Dialect
	name string
	tx   *txEntry // nil outside a transaction
	done bool     // guarded by d.mu
}

// Name returns the derived statement name.
func (p *PreparedStatement) Name() string {
	return p.name
}

// Unprepare deallocates the statement. Inside a transaction it runs on the
// transaction's connection; otherwise a short-lived connection is checked
// out for it. Calling it twice is a no-op.
func (p *PreparedStatement) Unprepare(ctx context.Context) error {
	p.d.mu.Lock()
	if p.done {
		p.d.mu.Unlock()
		return nil
	}
	p.done = true
	p.d.mu.Unlock()

	if p.tx != nil {
		_, conn, err := p.d.lookup(p.tx.id)
		if err != nil {
			return err
		}
		if err := conn.Deallocate(ctx, p.name); err != nil {
			return errs.Wrap(errs.ErrKindCleanup, "failed to unprepare "+p.name, err)
		}
		return nil
	}

	pool := p.d.currentPool()
	if pool == nil {
		return errNotInitialized(p.d.id)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrKindCleanup, "failed to unprepare "+p.name, err)
	}

	var cause *errs.Error
	if err := conn.Deallocate(ctx, p.name); err != nil {
		cause = errs.Wrap(errs.ErrKindCleanup, "failed to unprepare "+p.name, err)
	}
	if _, rerr := p.d.finalize(ctx, pendingOp{action: actionRelease, conn: conn, cause: cause}); rerr != nil {
		return rerr
	}
	if cause != nil {
		return cause
	}
	return nil
}

// drainPrepared deallocates every handle attached to tx, continuing past
// failures. Failures are attached to cause when one is given.
func (d *Dialect) drainPrepared(ctx context.Context, op pendingOp) {
	d.mu.Lock()
	handles := make([]*PreparedStatement, 0, len(op.tx.prepared))
	for _, p := range op.tx.prepared {
		if !p.done {
			p.done = true
			handles = append(handles, p)
		}
	}
	op.tx.prepared = nil
	d.mu.Unlock()

	for _, p := range handles {
		if err := op.conn.Deallocate(ctx, p.name); err != nil {
			d.errLog.ErrorWith("failed to unprepare statement", err, map[string]interface{}{
				"transaction_id": op.tx.id,
				"statement":      p.name,
			})
			if op.cause != nil {
				op.cause.Attach("unprepareError", errs.Wrap(errs.ErrKindCleanup, "failed to unprepare "+p.name, err))
			}
		}
	}
}

// statementName validates the naming options and returns the prepared
// statement name, or "" for unnamed execution. maxLen is the backend's
// identifier limit; names keep their trailing characters.
func statementName(opts ExecOptions, meta Meta, maxLen int) (string, error) {
	explicit := opts.query().Name
	switch {
	case opts.PrepareStatement && explicit != "":
		return "", errs.Newf(errs.ErrKindConfiguration,
			"statement name %q cannot be combined with prepareStatement, prepared statement names are derived from the execution metadata", explicit)
	case explicit != "":
		return "", errs.Newf(errs.ErrKindConfiguration,
			"statement name %q is only allowed through prepareStatement", explicit)
	case !opts.PrepareStatement:
		return "", nil
	}

	name := sanitizeName(meta.Name)
	if name == "" {
		return "", errs.New(errs.ErrKindConfiguration, "prepareStatement requires a statement name in the execution metadata")
	}
	if maxLen > 0 && len(name) > maxLen {
		name = name[len(name)-maxLen:]
	}
	return name, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
