package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/metrics"
)

var (
	// ErrNotFound is returned when a requested account or transaction is missing from the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("storage: insufficient funds")
	// ErrIdempotencyConflict is returned when a key is reused for a different operation.
	ErrIdempotencyConflict = errors.New("storage: idempotency key reused with different parameters")
	// ErrTransient wraps lock timeouts and connection loss. Retrying with the same key is safe.
	ErrTransient = errors.New("storage: transient failure")
	// ErrRefundExceedsOriginal is returned when a refund would reverse more than
	// the referenced transaction has left to reverse.
	ErrRefundExceedsOriginal = errors.New("storage: refund exceeds the unreversed amount")
	// ErrInvalidRequest is returned for malformed append requests.
	ErrInvalidRequest = errors.New("storage: invalid request")
)

// Store is the ledger persistence contract. AppendTransaction is the only
// operation that changes a balance or writes a transaction.
type Store interface {
	idempotency.Registry

	// EnsureAccount creates the account with a zero balance if it does not exist.
	EnsureAccount(ctx context.Context, accountID string) error
	GetBalance(ctx context.Context, accountID string) (int64, error)

	// AppendTransaction runs lock, replay check, refund bound, funds check, insert
	// and balance update as one atomic unit. Nothing is written when it returns an error.
	AppendTransaction(ctx context.Context, req AppendRequest) (AppendResult, error)

	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	ListTransactions(ctx context.Context, accountID string, opts ListOptions) ([]Transaction, error)
	CountTransactions(ctx context.Context, accountID string, kind Kind) (int64, error)
	GetWebhookEvent(ctx context.Context, eventID string) (WebhookMarker, error)

	AuditAccount(ctx context.Context, accountID string) (AuditResult, error)
	ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error)

	// Retention. sink runs before rows are removed; a sink error aborts the batch.
	PruneIdempotency(ctx context.Context, olderThan time.Time, limit int, sink func([]idempotency.Record) error) (int64, error)
	PruneWebhookEvents(ctx context.Context, olderThan time.Time, limit int, sink func([]WebhookMarker) error) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend      string // "memory" or "postgres"
	PostgresURL  string
	PostgresPool config.PostgresPoolConfig
	LockTimeout  time.Duration
	QueryTimeout time.Duration
	Metrics      *metrics.Metrics
}

// StoreConfigFrom maps the storage section of the application config.
func StoreConfigFrom(cfg config.StorageConfig, m *metrics.Metrics) StoreConfig {
	return StoreConfig{
		Backend:      cfg.Backend,
		PostgresURL:  cfg.PostgresURL,
		PostgresPool: cfg.PostgresPool,
		LockTimeout:  cfg.LockTimeout.Duration,
		QueryTimeout: cfg.QueryTimeout.Duration,
		Metrics:      m,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store, reusing sharedDB for postgres when it is non-nil.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		// Memory loses the ledger on restart. Development and tests only.
		return NewMemoryStore(WithMemoryLockTimeout(cfg.LockTimeout)), nil
	case "postgres":
		opts := []PostgresOption{
			WithLockTimeout(cfg.LockTimeout),
			WithQueryTimeout(cfg.QueryTimeout),
			WithPostgresMetrics(cfg.Metrics),
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB, opts...)
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// IsTransient reports whether err should be retried with the same idempotency key.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
