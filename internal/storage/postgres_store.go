package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/metrics"
)

const postgresBackend = "postgres"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db           *sql.DB
	ownsDB       bool // Track if we created the DB connection (for Close())
	lockTimeout  time.Duration
	queryTimeout time.Duration
	metrics      *metrics.Metrics
}

// PostgresOption customizes a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithLockTimeout bounds the wait for an account row lock.
func WithLockTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithQueryTimeout bounds statements issued without a caller deadline.
func WithQueryTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithPostgresMetrics records query latency.
func WithPostgresMetrics(m *metrics.Metrics) PostgresOption {
	return func(s *PostgresStore) { s.metrics = m }
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store, err := newPostgresStore(db, true, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, opts ...PostgresOption) (*PostgresStore, error) {
	return newPostgresStore(db, false, opts)
}

func newPostgresStore(db *sql.DB, owns bool, opts []PostgresOption) (*PostgresStore, error) {
	store := &PostgresStore{
		db:           db,
		ownsDB:       owns,
		lockTimeout:  DefaultLockTimeout,
		queryTimeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createPostgresTables creates the ledger schema if it does not exist.
// Ledger rows are protected against UPDATE and DELETE by a trigger.
func (s *PostgresStore) createPostgresTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ledger_transactions (
			transaction_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(account_id),
			amount BIGINT NOT NULL CHECK (amount <> 0),
			kind TEXT NOT NULL CHECK (kind IN ('purchase', 'tip', 'spend', 'gift', 'refund', 'auto_refill')),
			idempotency_key TEXT NOT NULL,
			reference_transaction_id TEXT REFERENCES ledger_transactions(transaction_id),
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'committed',
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, idempotency_key)
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account_created
			ON ledger_transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_transactions_reference
			ON ledger_transactions(reference_transaction_id) WHERE reference_transaction_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS idempotency_records (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			account_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (scope, key)
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_records_created
			ON idempotency_records(created_at);

		CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payment_reference TEXT NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_webhook_events_received
			ON webhook_events(received_at);

		CREATE OR REPLACE FUNCTION ledger_transactions_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger_transactions rows are immutable';
		END;
		$$ LANGUAGE plpgsql;

		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'ledger_transactions_no_update') THEN
				CREATE TRIGGER ledger_transactions_no_update
					BEFORE UPDATE OR DELETE ON ledger_transactions
					FOR EACH ROW EXECUTE FUNCTION ledger_transactions_immutable();
			END IF;
		END
		$$;
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "ensure_account", postgresBackend)()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
		accountID)
	if err != nil {
		return classifyPostgresError(fmt.Errorf("ensure account: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_balance", postgresBackend)()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("get balance: %w", err))
	}
	return balance, nil
}

// AppendTransaction executes the append inside one transaction holding the
// account row lock, so the funds check and the balance write cannot interleave
// with another append on the same account.
func (s *PostgresStore) AppendTransaction(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := req.Validate(); err != nil {
		return AppendResult{}, err
	}
	scope, err := idempotency.ScopeForKind(string(req.Kind))
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "append_transaction", postgresBackend)()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("begin append: %w", err))
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("set lock timeout: %w", err))
	}

	var balance int64
	err = dbTx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1 FOR UPDATE`, req.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, ErrNotFound
	}
	if err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("lock account: %w", err))
	}

	prior, found, err := s.findPrior(ctx, dbTx, scope, req)
	if err != nil {
		return AppendResult{}, err
	}
	if found {
		if err := insertMarker(ctx, dbTx, req.Marker, prior.ID); err != nil {
			return AppendResult{}, err
		}
		if err := dbTx.Commit(); err != nil {
			return AppendResult{}, classifyPostgresError(fmt.Errorf("commit replay: %w", err))
		}
		return AppendResult{Transaction: prior, Replayed: true}, nil
	}

	if req.Kind == KindRefund {
		if err := checkRefundBound(ctx, dbTx, req); err != nil {
			return AppendResult{}, err
		}
	}

	if balance+req.Amount < 0 {
		return AppendResult{}, ErrInsufficientFunds
	}

	tx := Transaction{
		ID:             newTransactionID(),
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
		Reason:         req.Reason,
		Status:         StatusCommitted,
		BalanceAfter:   balance + req.Amount,
	}

	err = dbTx.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (
			transaction_id, account_id, amount, kind, idempotency_key,
			reference_transaction_id, reason, balance_after
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING created_at`,
		tx.ID, tx.AccountID, tx.Amount, string(tx.Kind), tx.IdempotencyKey,
		tx.ReferenceID, tx.Reason, tx.BalanceAfter,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("insert transaction: %w", err))
	}

	res, err := dbTx.ExecContext(ctx, `
		INSERT INTO idempotency_records (scope, key, account_id, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key) DO NOTHING`,
		string(scope), req.IdempotencyKey, req.AccountID, tx.ID, tx.CreatedAt)
	if err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("insert idempotency record: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another account committed the same (scope, key) after our lookup.
		return AppendResult{}, ErrIdempotencyConflict
	}

	if _, err := dbTx.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, updated_at = NOW() WHERE account_id = $1`,
		req.AccountID, tx.BalanceAfter); err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("update balance: %w", err))
	}

	if err := insertMarker(ctx, dbTx, req.Marker, tx.ID); err != nil {
		return AppendResult{}, err
	}

	if err := dbTx.Commit(); err != nil {
		return AppendResult{}, classifyPostgresError(fmt.Errorf("commit append: %w", err))
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return AppendResult{Transaction: tx}, nil
}

// findPrior resolves a previously applied key through the registry, falling back to
// the (account, key) unique index for keys whose registry rows were pruned.
func (s *PostgresStore) findPrior(ctx context.Context, q queryer, scope idempotency.Scope, req AppendRequest) (Transaction, bool, error) {
	var recAccount, recTxID string
	err := q.QueryRowContext(ctx,
		`SELECT account_id, transaction_id FROM idempotency_records WHERE scope = $1 AND key = $2`,
		string(scope), req.IdempotencyKey).Scan(&recAccount, &recTxID)
	switch {
	case err == nil:
		if recAccount != req.AccountID {
			return Transaction{}, false, ErrIdempotencyConflict
		}
		tx, err := getTransaction(ctx, q, `t.transaction_id = $1`, recTxID)
		if err != nil {
			return Transaction{}, false, err
		}
		if !samePayload(tx, req) {
			return Transaction{}, false, ErrIdempotencyConflict
		}
		return tx, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Transaction{}, false, classifyPostgresError(fmt.Errorf("lookup idempotency record: %w", err))
	}

	tx, err := getTransaction(ctx, q, `t.account_id = $1 AND t.idempotency_key = $2`, req.AccountID, req.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	if !samePayload(tx, req) {
		return Transaction{}, false, ErrIdempotencyConflict
	}
	return tx, true, nil
}

// checkRefundBound rejects a refund that would reverse more than its original has
// left. Refunds reference rows on the same account, whose lock the caller holds.
func checkRefundBound(ctx context.Context, q queryer, req AppendRequest) error {
	var originalAmount, refunded int64
	err := q.QueryRowContext(ctx, `
		SELECT t.amount, COALESCE(SUM(ABS(r.amount)), 0)
		FROM ledger_transactions t
		LEFT JOIN ledger_transactions r ON r.reference_transaction_id = t.transaction_id
		WHERE t.transaction_id = $1 AND t.account_id = $2
		GROUP BY t.amount`, req.ReferenceID, req.AccountID).Scan(&originalAmount, &refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classifyPostgresError(fmt.Errorf("check refund bound: %w", err))
	}
	if refunded+abs(req.Amount) > abs(originalAmount) {
		return ErrRefundExceedsOriginal
	}
	return nil
}

func insertMarker(ctx context.Context, q queryer, marker *WebhookMarker, txID string) error {
	if marker == nil {
		return nil
	}
	receivedAt := marker.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payment_reference, transaction_id, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		marker.EventID, marker.EventType, marker.PaymentReference, txID, receivedAt)
	if err != nil {
		return classifyPostgresError(fmt.Errorf("insert webhook marker: %w", err))
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const transactionColumns = `
	t.transaction_id, t.account_id, t.amount, t.kind, t.idempotency_key,
	COALESCE(t.reference_transaction_id, ''), t.reason, t.balance_after, t.created_at,
	COALESCE((SELECT SUM(ABS(r.amount)) FROM ledger_transactions r WHERE r.reference_transaction_id = t.transaction_id), 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx       Transaction
		kind     string
		refunded int64
	)
	if err := row.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &tx.IdempotencyKey,
		&tx.ReferenceID, &tx.Reason, &tx.BalanceAfter, &tx.CreatedAt, &refunded); err != nil {
		return Transaction{}, err
	}
	tx.Kind = Kind(kind)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx.withRefunds(refunded), nil
}

func getTransaction(ctx context.Context, q queryer, where string, args ...any) (Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions t WHERE `+where, args...)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, classifyPostgresError(fmt.Errorf("get transaction: %w", err))
	}
	return tx, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, scope idempotency.Scope, key string) (idempotency.Record, bool, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "lookup_idempotency", postgresBackend)()

	rec := idempotency.Record{Scope: scope, Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, transaction_id, created_at FROM idempotency_records WHERE scope = $1 AND key = $2`,
		string(scope), key).Scan(&rec.AccountID, &rec.TransactionID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, classifyPostgresError(fmt.Errorf("lookup idempotency record: %w", err))
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction", postgresBackend)()

	return getTransaction(ctx, s.db, `t.transaction_id = $1`, transactionID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, opts ListOptions) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_transactions", postgresBackend)()

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, classifyPostgresError(fmt.Errorf("check account: %w", err))
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions t WHERE t.account_id = $1`
	args := []any{accountID}
	switch {
	case !opts.Before.IsZero() && opts.BeforeID != "":
		query += ` AND (t.created_at, t.transaction_id) < ($2, $3)`
		args = append(args, opts.Before, opts.BeforeID)
	case !opts.Before.IsZero():
		query += ` AND t.created_at < $2`
		args = append(args, opts.Before)
	}
	query += fmt.Sprintf(` ORDER BY t.created_at DESC, t.transaction_id DESC LIMIT %d`, opts.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list transactions: %w", err))
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(fmt.Errorf("iterate transactions: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) CountTransactions(ctx context.Context, accountID string, kind Kind) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "count_transactions", postgresBackend)()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE account_id = $1 AND kind = $2`,
		accountID, string(kind)).Scan(&n)
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("count transactions: %w", err))
	}
	return n, nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (WebhookMarker, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_webhook_event", postgresBackend)()

	var mk WebhookMarker
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, payment_reference, transaction_id, received_at
		FROM webhook_events WHERE event_id = $1`, eventID).
		Scan(&mk.EventID, &mk.EventType, &mk.PaymentReference, &mk.TransactionID, &mk.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookMarker{}, ErrNotFound
	}
	if err != nil {
		return WebhookMarker{}, classifyPostgresError(fmt.Errorf("get webhook event: %w", err))
	}
	mk.ReceivedAt = mk.ReceivedAt.UTC()
	return mk, nil
}

func (s *PostgresStore) AuditAccount(ctx context.Context, accountID string) (AuditResult, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "audit_account", postgresBackend)()

	res := AuditResult{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.balance, COALESCE(SUM(t.amount), 0), COUNT(t.transaction_id)
		FROM accounts a
		LEFT JOIN ledger_transactions t ON t.account_id = a.account_id
		WHERE a.account_id = $1
		GROUP BY a.balance`, accountID).Scan(&res.Balance, &res.Sum, &res.Transactions)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditResult{}, ErrNotFound
	}
	if err != nil {
		return AuditResult{}, classifyPostgresError(fmt.Errorf("audit account: %w", err))
	}
	res.Consistent = res.Sum == res.Balance && res.Balance >= 0
	return res, nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	if limit <= 0 {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM accounts WHERE account_id > $1 ORDER BY account_id LIMIT $2`, after, limit)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list accounts: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneIdempotency deletes one batch of registry rows older than the cutoff.
// The sink runs inside the deleting transaction so a failed archive keeps the rows.
func (s *PostgresStore) PruneIdempotency(ctx context.Context, olderThan time.Time, limit int, sink func([]idempotency.Record) error) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "prune_idempotency", postgresBackend)()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("begin prune: %w", err))
	}
	defer func() { _ = dbTx.Rollback() }()

	rows, err := dbTx.QueryContext(ctx, `
		DELETE FROM idempotency_records
		WHERE ctid IN (
			SELECT ctid FROM idempotency_records
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)
		RETURNING scope, key, account_id, transaction_id, created_at`, olderThan, pruneLimit(limit))
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("prune idempotency records: %w", err))
	}
	var batch []idempotency.Record
	for rows.Next() {
		var (
			rec   idempotency.Record
			scope string
		)
		if err := rows.Scan(&scope, &rec.Key, &rec.AccountID, &rec.TransactionID, &rec.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan idempotency record: %w", err)
		}
		rec.Scope = idempotency.Scope(scope)
		rec.CreatedAt = rec.CreatedAt.UTC()
		batch = append(batch, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classifyPostgresError(err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if sink != nil {
		if err := sink(batch); err != nil {
			return 0, fmt.Errorf("archive idempotency records: %w", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return 0, classifyPostgresError(fmt.Errorf("commit prune: %w", err))
	}
	return int64(len(batch)), nil
}

// PruneWebhookEvents deletes one batch of webhook markers older than the cutoff.
func (s *PostgresStore) PruneWebhookEvents(ctx context.Context, olderThan time.Time, limit int, sink func([]WebhookMarker) error) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "prune_webhook_events", postgresBackend)()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("begin prune: %w", err))
	}
	defer func() { _ = dbTx.Rollback() }()

	rows, err := dbTx.QueryContext(ctx, `
		DELETE FROM webhook_events
		WHERE ctid IN (
			SELECT ctid FROM webhook_events
			WHERE received_at < $1
			ORDER BY received_at
			LIMIT $2
		)
		RETURNING event_id, event_type, payment_reference, transaction_id, received_at`, olderThan, pruneLimit(limit))
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("prune webhook events: %w", err))
	}
	var batch []WebhookMarker
	for rows.Next() {
		var mk WebhookMarker
		if err := rows.Scan(&mk.EventID, &mk.EventType, &mk.PaymentReference, &mk.TransactionID, &mk.ReceivedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan webhook event: %w", err)
		}
		mk.ReceivedAt = mk.ReceivedAt.UTC()
		batch = append(batch, mk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classifyPostgresError(err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if sink != nil {
		if err := sink(batch); err != nil {
			return 0, fmt.Errorf("archive webhook events: %w", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return 0, classifyPostgresError(fmt.Errorf("commit prune: %w", err))
	}
	return int64(len(batch)), nil
}

func pruneLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

// Close releases database resources.
// Only closes the DB connection if this store created it (not shared).
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// DB exposes the pool for components that share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}
