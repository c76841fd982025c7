package dialect

import (
	"context"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/database/mysql"
	"github.com/koustreak/pgdialect/internal/database/postgres"
	"github.com/koustreak/pgdialect/internal/logger"
)

// Opener builds a backend pool from a resolved configuration.
type Opener func(ctx context.Context, cfg *database.PoolConfig) (database.Pool, error)

var openers = map[database.Driver]Opener{
	database.DriverPostgres: postgres.Open,
	database.DriverMySQL:    mysql.Open,
}

// Option configures a Dialect.
type Option func(*Dialect)

// WithLogger sets the logger for lifecycle and operation traces.
func WithLogger(l *logger.Logger) Option {
	return func(d *Dialect) { d.log = l }
}

// WithErrorLogger sets a separate logger for failures. Defaults to the
// WithLogger logger.
func WithErrorLogger(l *logger.Logger) Option {
	return func(d *Dialect) { d.errLog = l }
}

// WithDebug logs every terminal connection operation at info level instead
// of debug.
func WithDebug(debug bool) Option {
	return func(d *Dialect) { d.debug = debug }
}

// WithOpener replaces the backend selected by the configured driver.
func WithOpener(fn Opener) Option {
	return func(d *Dialect) { d.open = fn }
}

// WithBinder sets the helper used for bind interpolation and positional
// rewriting. It may be shared between dialects.
func WithBinder(b *database.Binder) Option {
	return func(d *Dialect) { d.binder = b }
}
