package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PostgresConfig holds libpq-style connection parameters, e.g. host, port,
// user, password, dbname, sslmode.
type PostgresConfig struct {
	Connection   map[string]string
	MaxOpenConns int32
}

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return result
}

// OpenPgxConn opens and pings a single pgx connection. Use this for one-shot
// administrative work that relies on connection-local state, e.g. temp tables.
func OpenPgxConn(ctx context.Context, config PostgresConfig) (*pgx.Conn, error) {
	db, err := pgx.Connect(ctx, CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	err = db.Ping(ctx)
	return db, err
}

// OpenPgxPool opens and pings a pgx connection pool.
func OpenPgxPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	err = db.Ping(ctx)
	return db, err
}
