package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 0
	defaultPort            = 5432
	defaultConnIdleTime    = 5 * time.Minute
	defaultConnMaxLifetime = time.Hour
	defaultConnectTimeout  = 10 * time.Second
)

// buildPool creates a pgxpool from the given config
func buildPool(ctx context.Context, cfg *database.PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := buildPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, mapError(err, "failed to create connection pool")
	}
	return pool, nil
}

// buildPoolConfig parses the DSN and applies sizing and runtime parameters.
func buildPoolConfig(cfg *database.PoolConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(buildDSN(cfg))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConfiguration, "invalid postgres config", err)
	}

	// Apply pool settings with defaults
	poolCfg.MaxConns = withDefault(cfg.MaxConns, defaultMaxConns)
	poolCfg.MinConns = min(withDefault(cfg.MinConns, defaultMinConns), poolCfg.MaxConns)
	poolCfg.MaxConnIdleTime = withDefault(cfg.MaxConnIdleTime, defaultConnIdleTime)
	poolCfg.MaxConnLifetime = withDefault(cfg.MaxConnLifetime, defaultConnMaxLifetime)
	poolCfg.ConnConfig.ConnectTimeout = withDefault(cfg.ConnectTimeout, defaultConnectTimeout)

	params := poolCfg.ConnConfig.RuntimeParams
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	for k, v := range cfg.RuntimeParams {
		params[k] = v
	}

	return poolCfg, nil
}

// buildDSN constructs the postgres keyword/value connection string
func buildDSN(cfg *database.PoolConfig) string {
	sslMode := withDefault(cfg.SSLMode, "disable")
	port := withDefault(cfg.Port, defaultPort)
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnValue(cfg.Host), port, dsnValue(cfg.User), dsnValue(cfg.Password), dsnValue(cfg.Database), sslMode,
	)
}

// dsnValue single-quotes v when it is empty or contains characters that
// would otherwise end the value early.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault[T comparable](val, def T) T {
	var zero T
	if val == zero {
		return def
	}
	return val
}
