package mysql

import (
	"net"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
	defaultPort            = 3306
)

// buildPool configures and returns a *sqlx.DB with pool settings
func buildPool(cfg *database.PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConfiguration, "invalid mysql config", err)
	}

	maxOpen := int(withDefault(cfg.MaxConns, defaultMaxOpenConns))
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(int(withDefault(cfg.MinConns, defaultMaxIdleConns)), maxOpen))
	db.SetConnMaxLifetime(withDefault(cfg.MaxConnLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(withDefault(cfg.MaxConnIdleTime, defaultConnMaxIdleTime))

	return db, nil
}

// buildDSN constructs the MySQL DSN string
func buildDSN(cfg *database.PoolConfig) string {
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(withDefault(cfg.Host, "localhost"), strconv.Itoa(withDefault(cfg.Port, defaultPort)))
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Timeout = withDefault(cfg.ConnectTimeout, defaultConnectTimeout)
	c.TLSConfig = tlsMode(cfg.SSLMode)

	if cfg.ApplicationName != "" {
		c.ConnectionAttributes = "program_name:" + cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 || len(cfg.RuntimeParams) > 0 {
		c.Params = make(map[string]string, len(cfg.RuntimeParams)+1)
	}
	if cfg.StatementTimeout > 0 {
		// only applies to SELECT statements
		c.Params["max_execution_time"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	for k, v := range cfg.RuntimeParams {
		c.Params[k] = v
	}

	return c.FormatDSN()
}

// tlsMode maps libpq-style sslmode values onto the driver's tls parameter.
func tlsMode(sslMode string) string {
	switch sslMode {
	case "require":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return "true"
	case "prefer", "preferred":
		return "preferred"
	default:
		return ""
	}
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault[T comparable](val, def T) T {
	var zero T
	if val == zero {
		return def
	}
	return val
}
