package dialect

import (
	"context"

	"github.com/google/uuid"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

// txEntry is the registry record of one open transaction. Guarded by
// Dialect.mu.
type txEntry struct {
	id       string
	conn     database.Conn // nil while BEGIN is in flight
	prepared []*PreparedStatement

	committed  bool
	rolledBack bool
	pending    int
	done       bool
}

// Transaction is the caller's view of an open transaction. Its connection
// is exclusively owned by the transaction until Commit or Rollback.
type Transaction struct {
	d     *Dialect
	entry *txEntry
}

// TxState is a snapshot of a transaction's flags.
type TxState struct {
	Committed  bool
	RolledBack bool
	Pending    int
}

// BeginTransaction checks out a fresh connection, issues BEGIN on it and
// registers it under id. An empty id is replaced by a generated one. An id
// may be reused once its previous transaction has finished.
func (d *Dialect) BeginTransaction(ctx context.Context, id string) (*Transaction, error) {
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	pool := d.pool
	if pool == nil {
		d.mu.Unlock()
		return nil, errNotInitialized(d.id)
	}
	if _, live := d.txs[id]; live {
		d.mu.Unlock()
		return nil, errs.Newf(errs.ErrKindInvalidInput, "transaction %q is already in progress", id)
	}
	entry := &txEntry{id: id}
	d.txs[id] = entry
	d.mu.Unlock()

	d.trace("beginning transaction", map[string]interface{}{"transaction_id": id})

	conn, err := pool.Acquire(ctx)
	if err != nil {
		d.unregister(entry)
		return nil, err
	}

	if err := conn.Exec(ctx, "BEGIN"); err != nil {
		cause := errs.Wrap(kindOr(err, errs.ErrKindQueryFailed), "failed to begin transaction "+id, err)
		_, _ = d.finalize(ctx, pendingOp{action: actionEnd, conn: conn, cause: cause})
		d.unregister(entry)
		return nil, cause
	}

	d.mu.Lock()
	if d.txs[id] != entry {
		// closed while BEGIN was in flight
		d.mu.Unlock()
		_, _ = d.finalize(ctx, pendingOp{action: actionEnd, conn: conn})
		return nil, errs.Newf(errs.ErrKindConnectionFailed, "connection pool %q was closed while transaction %q was starting", d.id, id)
	}
	entry.conn = conn
	d.mu.Unlock()

	return &Transaction{d: d, entry: entry}, nil
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string {
	return t.entry.id
}

func (t *Transaction) State() TxState {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	return TxState{
		Committed:  t.entry.committed,
		RolledBack: t.entry.rolledBack,
		Pending:    t.entry.pending,
	}
}

// Commit deallocates the transaction's prepared statements, commits, and
// returns the connection. The transaction is unregistered even when COMMIT
// fails. It returns the dialect's pending count.
func (t *Transaction) Commit(ctx context.Context) (int, error) {
	return t.d.finalize(ctx, t.op(actionCommit, nil))
}

// Rollback is Commit with ROLLBACK.
func (t *Transaction) Rollback(ctx context.Context) (int, error) {
	return t.d.finalize(ctx, t.op(actionRollback, nil))
}

// RollbackFor rolls back while cause is already being reported. Any failure
// is attached to cause instead of being returned.
func (t *Transaction) RollbackFor(ctx context.Context, cause *errs.Error) int {
	n, _ := t.d.finalize(ctx, t.op(actionRollback, cause))
	return n
}

func (t *Transaction) op(a action, cause *errs.Error) pendingOp {
	t.d.mu.Lock()
	conn := t.entry.conn
	t.d.mu.Unlock()
	return pendingOp{action: a, conn: conn, tx: t.entry, cause: cause}
}

// unregister removes entry if it is still the one registered under its id.
func (d *Dialect) unregister(entry *txEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txs[entry.id] == entry {
		delete(d.txs, entry.id)
	}
}

// lookup returns the open transaction registered under id.
func (d *Dialect) lookup(id string) (*txEntry, database.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, ok := d.txs[id]
	if !ok || tx.done || tx.conn == nil {
		return nil, nil, errs.Newf(errs.ErrKindNotFound, "transaction %q is not in progress", id)
	}
	return tx, tx.conn, nil
}

// attachPrepared returns the handle tx holds for name, creating it on
// first use.
func (d *Dialect) attachPrepared(tx *txEntry, name string) *PreparedStatement {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range tx.prepared {
		if p.name == name && !p.done {
			return p
		}
	}
	ps := &PreparedStatement{d: d, name: name, tx: tx}
	tx.prepared = append(tx.prepared, ps)
	return ps
}
