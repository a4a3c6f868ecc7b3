package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolOptions bounds the database/sql pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

var defaultPool = PoolOptions{MaxOpen: 16, MaxIdle: 4, MaxLifetime: 30 * time.Minute}

// OpenDB connects through the pgx stdlib driver and pings once.
func OpenDB(ctx context.Context, dsn string, opts ...PoolOptions) (*sql.DB, error) {
	pool := defaultPool
	for _, o := range opts {
		if o.MaxOpen > 0 {
			pool.MaxOpen = o.MaxOpen
		}
		if o.MaxIdle > 0 {
			pool.MaxIdle = o.MaxIdle
		}
		if o.MaxLifetime > 0 {
			pool.MaxLifetime = o.MaxLifetime
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(min(pool.MaxIdle, pool.MaxOpen))
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	slog.Debug("postgres: pool ready", "max_open", pool.MaxOpen)
	return db, nil
}
