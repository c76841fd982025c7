// Package config loads the pgdialect binary configuration from YAML and the
// environment.
package config

import (
	"os"
	"strconv"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
	"github.com/koustreak/pgdialect/internal/logger"
)

// Config is the top-level configuration file.
type Config struct {
	Credentials database.Credentials      `yaml:"credentials"`
	Connection  database.ConnectionConfig `yaml:"connection"`
	Logging     logger.Config             `yaml:"logging"`
	Server      ServerConfig              `yaml:"server"`
}

// ServerConfig configures the HTTP endpoint serving health, state and
// metrics.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

func defaults() *Config {
	return &Config{
		Connection: database.ConnectionConfig{
			Driver: database.DriverPostgres,
		},
		Logging: logger.Config{Level: "info", Format: "json", TimeFormat: "rfc3339"},
		Server:  ServerConfig{Listen: ":9187"},
	}
}

// Load reads path, applies PGDIALECT_* environment overrides and validates
// the result. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "failed to read config file "+path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "failed to parse config file "+path, err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if host := os.Getenv("PGDIALECT_HOST"); host != "" {
		cfg.Credentials.Host = host
	}
	if port := os.Getenv("PGDIALECT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return errs.Wrap(errs.ErrKindConfiguration, "PGDIALECT_PORT must be a number", err)
		}
		cfg.Credentials.Port = p
	}
	if user := os.Getenv("PGDIALECT_USER"); user != "" {
		cfg.Credentials.Username = user
	}
	if pass := os.Getenv("PGDIALECT_PASSWORD"); pass != "" {
		cfg.Credentials.Password = pass
	}
	if db := os.Getenv("PGDIALECT_DATABASE"); db != "" {
		client(cfg).Database = db
	}
	if level := os.Getenv("PGDIALECT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if listen := os.Getenv("PGDIALECT_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	return nil
}

// client returns the client options block, creating it when missing.
func client(cfg *Config) *database.ClientOptions {
	if cfg.Connection.DriverOptions == nil {
		cfg.Connection.DriverOptions = &database.DriverOptions{}
	}
	if cfg.Connection.DriverOptions.Client == nil {
		cfg.Connection.DriverOptions.Client = &database.ClientOptions{}
	}
	return cfg.Connection.DriverOptions.Client
}

func validate(cfg *Config) error {
	if cfg.Connection.DriverOptions == nil {
		return errs.New(errs.ErrKindConfiguration, "connection.driver_options is required")
	}
	switch cfg.Connection.Driver {
	case database.DriverPostgres, database.DriverMySQL:
	default:
		return errs.Newf(errs.ErrKindConfiguration, "unsupported driver %q", cfg.Connection.Driver)
	}
	if cfg.Credentials.Username == "" {
		return errs.New(errs.ErrKindConfiguration, "credentials.username or PGDIALECT_USER is required")
	}
	if cfg.Server.Listen == "" {
		return errs.New(errs.ErrKindConfiguration, "server.listen is required")
	}
	return nil
}
