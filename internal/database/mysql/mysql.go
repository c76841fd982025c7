// Package mysql is the MySQL backend of the dialect. It builds the DSN and
// maps server error numbers; pooling and execution come from sqldb.
package mysql

import (
	"context"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/database/sqldb"
)

// Open builds the pool described by cfg. database/sql connects lazily, so
// no connection is made here.
func Open(_ context.Context, cfg *database.PoolConfig) (database.Pool, error) {
	db, err := buildPool(cfg)
	if err != nil {
		return nil, err
	}
	return sqldb.New(db,
		sqldb.WithErrorMapper(mapError),
		sqldb.WithAcquireTimeout(cfg.AcquireTimeout),
	), nil
}
