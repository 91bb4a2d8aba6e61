// Package dbpool opens the PostgreSQL pool shared by the ledger store and
// the operator tooling.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tokenvault/server/internal/config"
)

const pingTimeout = 5 * time.Second

// SharedPool manages a single PostgreSQL connection pool.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a pool configured from poolConfig.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the pool. Stores built on DB() do not close it themselves.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
