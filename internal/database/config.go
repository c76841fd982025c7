package database

import (
	"encoding/json"
	"time"

	"github.com/koustreak/pgdialect/internal/errs"
)

// Driver identifies the database engine.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Credentials are the private connection settings. They are kept apart from
// the shareable connection configuration and always win over it.
type Credentials struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientOptions configure each physical connection. Lowest precedence.
type ClientOptions struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	ApplicationName  string            `yaml:"application_name"`
	ConnectTimeout   time.Duration     `yaml:"connect_timeout"`
	StatementTimeout time.Duration     `yaml:"statement_timeout"`
	RuntimeParams    map[string]string `yaml:"runtime_params"`
}

// PoolOptions are the dialect-specific pool settings. Any client field set
// here overrides the same field from ClientOptions.
type PoolOptions struct {
	ClientOptions `yaml:",inline"`

	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

// DriverOptions is the required driver block of a connection configuration.
type DriverOptions struct {
	Client *ClientOptions `yaml:"client"`
	Pool   *PoolOptions   `yaml:"pool"`
}

// PoolOverrides are the generic, driver-independent pool settings. A non-nil
// field overrides everything else.
type PoolOverrides struct {
	Max     *int32         `yaml:"max"`
	Idle    *time.Duration `yaml:"idle"`
	Timeout *time.Duration `yaml:"timeout"`
}

// ConnectionConfig is the per-connection configuration handed to a dialect.
type ConnectionConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Driver  Driver `yaml:"driver"`
	Service string `yaml:"service"`

	DriverOptions *DriverOptions `yaml:"driver_options"`
	Pool          *PoolOverrides `yaml:"pool"`
}

// PoolConfig is the fully resolved configuration a backend builds its pool
// from. Produce it with Resolve.
type PoolConfig struct {
	Driver Driver `json:"driver"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode,omitempty"`

	ApplicationName  string            `json:"application_name,omitempty"`
	ConnectTimeout   time.Duration     `json:"connect_timeout"`
	StatementTimeout time.Duration     `json:"statement_timeout"`
	RuntimeParams    map[string]string `json:"runtime_params,omitempty"`

	MaxConns        int32         `json:"max_conns"`
	MinConns        int32         `json:"min_conns"`
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time"`
	AcquireTimeout  time.Duration `json:"acquire_timeout"`
}

// Resolve merges the configuration layers into a PoolConfig.
//
// Precedence, highest first: conn.Pool overrides, conn.DriverOptions.Pool,
// conn.DriverOptions.Client. Credentials then replace host (when set), port
// (when set), user and password.
func Resolve(creds Credentials, conn *ConnectionConfig) (*PoolConfig, error) {
	if conn == nil || conn.DriverOptions == nil {
		return nil, errs.New(errs.ErrKindConfiguration, "connection configuration is missing required driver options")
	}

	cfg := &PoolConfig{Driver: conn.Driver}
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}

	if c := conn.DriverOptions.Client; c != nil {
		cfg.applyClient(c)
	}
	if p := conn.DriverOptions.Pool; p != nil {
		cfg.applyClient(&p.ClientOptions)
		cfg.MaxConns = withDefault(p.MaxConns, cfg.MaxConns)
		cfg.MinConns = withDefault(p.MinConns, cfg.MinConns)
		cfg.MaxConnLifetime = withDefault(p.MaxConnLifetime, cfg.MaxConnLifetime)
		cfg.MaxConnIdleTime = withDefault(p.MaxConnIdleTime, cfg.MaxConnIdleTime)
		cfg.AcquireTimeout = withDefault(p.AcquireTimeout, cfg.AcquireTimeout)
	}
	if o := conn.Pool; o != nil {
		if o.Max != nil {
			cfg.MaxConns = *o.Max
		}
		if o.Idle != nil {
			cfg.MaxConnIdleTime = *o.Idle
		}
		if o.Timeout != nil {
			cfg.AcquireTimeout = *o.Timeout
		}
	}

	if creds.Host != "" {
		cfg.Host = creds.Host
	}
	if creds.Port != 0 {
		cfg.Port = creds.Port
	}
	cfg.User = creds.Username
	cfg.Password = creds.Password

	if cfg.MaxConns < 0 || cfg.MinConns < 0 {
		return nil, errs.New(errs.ErrKindConfiguration, "pool sizes must not be negative")
	}
	if cfg.MaxConns > 0 && cfg.MinConns > cfg.MaxConns {
		return nil, errs.Newf(errs.ErrKindConfiguration,
			"pool min_conns (%d) exceeds max_conns (%d)", cfg.MinConns, cfg.MaxConns)
	}
	return cfg, nil
}

func (c *PoolConfig) applyClient(o *ClientOptions) {
	c.Host = withDefault(o.Host, c.Host)
	c.Port = withDefault(o.Port, c.Port)
	c.User = withDefault(o.User, c.User)
	c.Password = withDefault(o.Password, c.Password)
	c.Database = withDefault(o.Database, c.Database)
	c.SSLMode = withDefault(o.SSLMode, c.SSLMode)
	c.ApplicationName = withDefault(o.ApplicationName, c.ApplicationName)
	c.ConnectTimeout = withDefault(o.ConnectTimeout, c.ConnectTimeout)
	c.StatementTimeout = withDefault(o.StatementTimeout, c.StatementTimeout)
	for k, v := range o.RuntimeParams {
		if c.RuntimeParams == nil {
			c.RuntimeParams = make(map[string]string, len(o.RuntimeParams))
		}
		c.RuntimeParams[k] = v
	}
}

// Sanitized returns a copy of the configuration without the password, safe
// to log or attach to errors.
func (c *PoolConfig) Sanitized() *PoolConfig {
	cp := *c
	cp.Password = ""
	if c.RuntimeParams != nil {
		cp.RuntimeParams = make(map[string]string, len(c.RuntimeParams))
		for k, v := range c.RuntimeParams {
			cp.RuntimeParams[k] = v
		}
	}
	return &cp
}

// String renders the sanitized configuration as indented JSON.
func (c *PoolConfig) String() string {
	b, err := json.MarshalIndent(c.Sanitized(), "", " ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault[T comparable](val, def T) T {
	var zero T
	if val == zero {
		return def
	}
	return val
}
