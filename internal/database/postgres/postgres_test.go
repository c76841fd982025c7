package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/pgdialect/internal/database"
	"github.com/koustreak/pgdialect/internal/errs"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  *database.PoolConfig
		want string
	}{
		{
			name: "defaults",
			cfg:  &database.PoolConfig{Host: "localhost", User: "app", Password: "pw", Database: "main"},
			want: "host=localhost port=5432 user=app password=pw dbname=main sslmode=disable",
		},
		{
			name: "explicit port and sslmode",
			cfg:  &database.PoolConfig{Host: "db", Port: 6543, User: "app", Password: "pw", Database: "main", SSLMode: "require"},
			want: "host=db port=6543 user=app password=pw dbname=main sslmode=require",
		},
		{
			name: "empty and special values are quoted",
			cfg:  &database.PoolConfig{Host: "db", User: "app", Password: `it's a \secret`, Database: ""},
			want: `host=db port=5432 user=app password='it\'s a \\secret' dbname='' sslmode=disable`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildDSN(tt.cfg))
		})
	}
}

func TestBuildPoolConfig(t *testing.T) {
	cfg := &database.PoolConfig{
		Host:             "db",
		User:             "app",
		Password:         `pa ss'word`,
		Database:         "main",
		ApplicationName:  "orders",
		StatementTimeout: 1500 * time.Millisecond,
		RuntimeParams:    map[string]string{"search_path": "app"},
		MaxConns:         4,
		MinConns:         8,
		MaxConnIdleTime:  time.Minute,
		ConnectTimeout:   2 * time.Second,
	}

	poolCfg, err := buildPoolConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(4), poolCfg.MaxConns)
	assert.Equal(t, int32(4), poolCfg.MinConns, "min is capped at max")
	assert.Equal(t, time.Minute, poolCfg.MaxConnIdleTime)
	assert.Equal(t, defaultConnMaxLifetime, poolCfg.MaxConnLifetime)
	assert.Equal(t, 2*time.Second, poolCfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, `pa ss'word`, poolCfg.ConnConfig.Password)
	assert.Equal(t, "orders", poolCfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "1500", poolCfg.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "app", poolCfg.ConnConfig.RuntimeParams["search_path"])
}

func TestBuildPoolConfig_Defaults(t *testing.T) {
	poolCfg, err := buildPoolConfig(&database.PoolConfig{Host: "db", User: "u", Database: "d"})
	require.NoError(t, err)

	assert.Equal(t, int32(defaultMaxConns), poolCfg.MaxConns)
	assert.Equal(t, int32(defaultMinConns), poolCfg.MinConns)
	assert.Equal(t, defaultConnIdleTime, poolCfg.MaxConnIdleTime)
	assert.Equal(t, uint16(defaultPort), poolCfg.ConnConfig.Port)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errs.ErrKind
	}{
		{name: "deadline", err: context.DeadlineExceeded, kind: errs.ErrKindTimeout},
		{name: "wrapped cancel", err: fmt.Errorf("acquire: %w", context.Canceled), kind: errs.ErrKindTimeout},
		{name: "no rows", err: pgx.ErrNoRows, kind: errs.ErrKindNotFound},
		{name: "connection class", err: &pgconn.PgError{Code: "08006", Message: "gone"}, kind: errs.ErrKindConnectionFailed},
		{name: "bad password", err: &pgconn.PgError{Code: "28P01"}, kind: errs.ErrKindPermissionDenied},
		{name: "privilege", err: &pgconn.PgError{Code: "42501"}, kind: errs.ErrKindPermissionDenied},
		{name: "statement timeout", err: &pgconn.PgError{Code: "57014"}, kind: errs.ErrKindTimeout},
		{name: "syntax", err: &pgconn.PgError{Code: "42601", Message: "syntax error"}, kind: errs.ErrKindQueryFailed},
		{name: "network", err: errors.New("dial tcp: refused"), kind: errs.ErrKindConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "op")
			assert.Equal(t, tt.kind, got.Kind)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestMapError_MessageIncludesServerText(t *testing.T) {
	got := mapError(&pgconn.PgError{Code: "42P01", Message: `relation "x" does not exist`}, "query failed")
	assert.Equal(t, `query failed: relation "x" does not exist`, got.Message)
}

func TestIsUndefinedPrepared(t *testing.T) {
	assert.True(t, isUndefinedPrepared(fmt.Errorf("x: %w", &pgconn.PgError{Code: "26000"})))
	assert.False(t, isUndefinedPrepared(&pgconn.PgError{Code: "42601"}))
	assert.False(t, isUndefinedPrepared(errors.New("other")))
}

func TestPool_Flavor(t *testing.T) {
	f := (&Pool{}).Flavor()
	assert.Equal(t, 63, f.MaxIdentifierLength)
	assert.Equal(t, "$3", f.Placeholder(3))
}

func TestConn_UseAfterReturn(t *testing.T) {
	c := &Conn{done: true}
	ctx := context.Background()

	assert.True(t, errs.IsInvalidInput(c.Release()))
	assert.True(t, errs.IsInvalidInput(c.Close(ctx)))
	assert.True(t, errs.IsInvalidInput(c.Exec(ctx, "COMMIT")))
	assert.True(t, errs.IsInvalidInput(c.Deallocate(ctx, "s")))
	_, err := c.Query(ctx, database.Query{Text: "SELECT 1"})
	assert.True(t, errs.IsInvalidInput(err))
}

func TestPool_QueryRejectsNamed(t *testing.T) {
	_, err := (&Pool{}).Query(context.Background(), database.Query{Name: "s1", Text: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
}
