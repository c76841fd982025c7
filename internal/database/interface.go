package database

import "context"

// Pool is the contract every backend implements for the dialect.
// The dialect never imports pgx or database/sql directly; it only talks to
// Pool and Conn. Implementations must be safe for concurrent use.
type Pool interface {
	// Acquire checks out a dedicated connection. The caller must finish
	// with exactly one of Conn.Release or Conn.Close.
	Acquire(ctx context.Context) (Conn, error)

	// Query runs q on any free connection without an explicit checkout.
	// Named (prepared) queries are not accepted here.
	Query(ctx context.Context, q Query) (*Result, error)

	// Stat returns a point-in-time snapshot. It never blocks on I/O.
	Stat() Stat

	// Flavor describes the SQL conventions of the backend.
	Flavor() Flavor

	// Close closes every idle connection and waits for acquired ones to be
	// returned.
	Close()
}

// Conn is a connection checked out of a Pool.
//
// A Conn is not safe for concurrent use: statements issued on the same Conn
// must be awaited one after the other.
type Conn interface {
	// Query runs q on this connection. When q.Name is set the statement is
	// prepared on the server under that name (once) and executed by name.
	Query(ctx context.Context, q Query) (*Result, error)

	// Exec runs a parameterless control statement such as BEGIN or COMMIT.
	Exec(ctx context.Context, sql string) error

	// Deallocate drops the named prepared statement from the server and
	// from any client-side statement cache.
	Deallocate(ctx context.Context, name string) error

	// Release returns the connection to the pool.
	Release() error

	// Close terminates the physical connection instead of returning it.
	Close(ctx context.Context) error
}

// QueryMode selects how the backend sends a statement.
type QueryMode string

const (
	QueryModeDefault        QueryMode = ""
	QueryModeCacheStatement QueryMode = "cache_statement"
	QueryModeCacheDescribe  QueryMode = "cache_describe"
	QueryModeDescribeExec   QueryMode = "describe_exec"
	QueryModeExec           QueryMode = "exec"
	QueryModeSimpleProtocol QueryMode = "simple_protocol"
)

// Query is a statement ready for the wire: positional placeholders in Text
// and Values in the same order.
type Query struct {
	Name   string // prepared statement name; empty for unnamed execution
	Text   string
	Values []any
	Mode   QueryMode
}

// Result is the normalized outcome of a statement.
type Result struct {
	// Rows is never nil; statements without a row set yield an empty slice.
	Rows         []map[string]any
	RowsAffected int64

	// Raw is the backend-specific result (command tag, column list, …),
	// passed through unmodified.
	Raw any
}

// Stat is a point-in-time snapshot of a pool.
type Stat struct {
	Total int // connections currently open
	InUse int // connections checked out
	Idle  int
	Max   int
}

// Flavor describes the SQL conventions of a backend.
type Flavor struct {
	Name string

	// MaxIdentifierLength is the longest identifier the server accepts
	// (prepared statement names included).
	MaxIdentifierLength int

	// Placeholder renders the n-th (1-based) positional parameter marker.
	Placeholder func(n int) string
}
