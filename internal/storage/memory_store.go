package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tokenvault/server/internal/idempotency"
)

// MemoryStore is an in-memory Store for tests and single-instance development.
//
// Appends on one account are serialized by that account's lock. There is no
// store-wide mutex: the shared indexes are sync.Maps written once per key, and
// per-account state is guarded by the account's own RWMutex.
type MemoryStore struct {
	accounts    sync.Map // account id -> *memAccount
	txs         sync.Map // transaction id -> Transaction
	records     sync.Map // recordKey -> idempotency.Record
	markers     sync.Map // event id -> WebhookMarker
	lockTimeout time.Duration
	now         func() time.Time
}

type recordKey struct {
	scope idempotency.Scope
	key   string
}

type memAccount struct {
	lock chan struct{} // one-slot semaphore held for the whole append

	mu         sync.RWMutex
	balance    int64
	txIDs      []string            // commit order
	byKey      map[string]string   // idempotency key -> transaction id
	refundedBy map[string][]string // original transaction id -> refund ids
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLockTimeout bounds the wait for an account lock.
func WithMemoryLockTimeout(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) EnsureAccount(_ context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	m.accounts.LoadOrStore(accountID, &memAccount{
		lock:       make(chan struct{}, 1),
		byKey:      make(map[string]string),
		refundedBy: make(map[string][]string),
	})
	return nil
}

func (m *MemoryStore) account(accountID string) (*memAccount, error) {
	v, ok := m.accounts.Load(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*memAccount), nil
}

func (m *MemoryStore) GetBalance(_ context.Context, accountID string) (int64, error) {
	acct, err := m.account(accountID)
	if err != nil {
		return 0, err
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	return acct.balance, nil
}

// lockAccount acquires the account semaphore, giving up when ctx ends or the lock timeout passes.
func (m *MemoryStore) lockAccount(ctx context.Context, acct *memAccount) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()
	select {
	case acct.lock <- struct{}{}:
		return func() { <-acct.lock }, nil
	case <-lockCtx.Done():
		return nil, fmt.Errorf("%w: account lock: %v", ErrTransient, lockCtx.Err())
	}
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := req.Validate(); err != nil {
		return AppendResult{}, err
	}
	scope, err := idempotency.ScopeForKind(string(req.Kind))
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	acct, err := m.account(req.AccountID)
	if err != nil {
		return AppendResult{}, err
	}
	release, err := m.lockAccount(ctx, acct)
	if err != nil {
		return AppendResult{}, err
	}
	defer release()

	rk := recordKey{scope: scope, key: req.IdempotencyKey}

	// Replay path.
	if existing, found, err := m.findPrior(acct, rk, req); err != nil {
		return AppendResult{}, err
	} else if found {
		m.recordMarker(req.Marker, existing.ID)
		return AppendResult{Transaction: m.withRefunds(acct, existing), Replayed: true}, nil
	}

	if req.Kind == KindRefund {
		if err := m.checkRefundBound(acct, req); err != nil {
			return AppendResult{}, err
		}
	}

	acct.mu.RLock()
	balance := acct.balance
	acct.mu.RUnlock()
	if balance+req.Amount < 0 {
		return AppendResult{}, ErrInsufficientFunds
	}

	now := m.now()
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
		CreatedAt:      now,
	}

	// The row is unreachable until the record points at it, so dropping it on conflict leaves no trace.
	m.txs.Store(tx.ID, tx)
	record := idempotency.Record{
		Scope:         scope,
		Key:           req.IdempotencyKey,
		AccountID:     req.AccountID,
		TransactionID: tx.ID,
		CreatedAt:     now,
	}
	if _, loaded := m.records.LoadOrStore(rk, record); loaded {
		m.txs.Delete(tx.ID)
		return AppendResult{}, ErrIdempotencyConflict
	}
	m.recordMarker(req.Marker, tx.ID)

	acct.mu.Lock()
	acct.balance = tx.BalanceAfter
	acct.txIDs = append(acct.txIDs, tx.ID)
	acct.byKey[tx.IdempotencyKey] = tx.ID
	if tx.ReferenceID != "" {
		acct.refundedBy[tx.ReferenceID] = append(acct.refundedBy[tx.ReferenceID], tx.ID)
	}
	acct.mu.Unlock()

	return AppendResult{Transaction: tx}, nil
}

// findPrior resolves a previously applied key, first via the registry and then via the
// per-account key index, which still holds keys whose registry rows were pruned.
func (m *MemoryStore) findPrior(acct *memAccount, rk recordKey, req AppendRequest) (Transaction, bool, error) {
	if v, ok := m.records.Load(rk); ok {
		rec := v.(idempotency.Record)
		if rec.AccountID != req.AccountID {
			return Transaction{}, false, ErrIdempotencyConflict
		}
		txv, ok := m.txs.Load(rec.TransactionID)
		if !ok {
			return Transaction{}, false, fmt.Errorf("storage: registry points at missing transaction %s", rec.TransactionID)
		}
		tx := txv.(Transaction)
		if !samePayload(tx, req) {
			return Transaction{}, false, ErrIdempotencyConflict
		}
		return tx, true, nil
	}

	acct.mu.RLock()
	txID, ok := acct.byKey[req.IdempotencyKey]
	acct.mu.RUnlock()
	if !ok {
		return Transaction{}, false, nil
	}
	txv, _ := m.txs.Load(txID)
	tx := txv.(Transaction)
	if !samePayload(tx, req) {
		return Transaction{}, false, ErrIdempotencyConflict
	}
	return tx, true, nil
}

func (m *MemoryStore) recordMarker(marker *WebhookMarker, txID string) {
	if marker == nil {
		return
	}
	mk := *marker
	mk.TransactionID = txID
	if mk.ReceivedAt.IsZero() {
		mk.ReceivedAt = m.now()
	}
	m.markers.LoadOrStore(mk.EventID, mk)
}

// checkRefundBound rejects a refund that would reverse more than its original
// has left. The caller holds the account lock, so no other refund can land in between.
func (m *MemoryStore) checkRefundBound(acct *memAccount, req AppendRequest) error {
	v, ok := m.txs.Load(req.ReferenceID)
	if !ok {
		return ErrNotFound
	}
	original := v.(Transaction)
	if original.AccountID != req.AccountID {
		return ErrNotFound
	}
	acct.mu.RLock()
	refunded := m.refundedLocked(acct, original.ID)
	acct.mu.RUnlock()
	if refunded+abs(req.Amount) > abs(original.Amount) {
		return ErrRefundExceedsOriginal
	}
	return nil
}

// refundedLocked sums the refunds referencing txID. acct.mu must be held.
func (m *MemoryStore) refundedLocked(acct *memAccount, txID string) int64 {
	var total int64
	for _, id := range acct.refundedBy[txID] {
		if v, ok := m.txs.Load(id); ok {
			total += abs(v.(Transaction).Amount)
		}
	}
	return total
}

func (m *MemoryStore) withRefunds(acct *memAccount, tx Transaction) Transaction {
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	return tx.withRefunds(m.refundedLocked(acct, tx.ID))
}

func (m *MemoryStore) Lookup(_ context.Context, scope idempotency.Scope, key string) (idempotency.Record, bool, error) {
	v, ok := m.records.Load(recordKey{scope: scope, key: key})
	if !ok {
		return idempotency.Record{}, false, nil
	}
	return v.(idempotency.Record), true, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	v, ok := m.txs.Load(transactionID)
	if !ok {
		return Transaction{}, ErrNotFound
	}
	tx := v.(Transaction)
	acct, err := m.account(tx.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	// A row stored but not yet linked from its account belongs to an append still in flight.
	acct.mu.RLock()
	_, linked := acct.byKey[tx.IdempotencyKey]
	acct.mu.RUnlock()
	if !linked {
		return Transaction{}, ErrNotFound
	}
	return m.withRefunds(acct, tx), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, accountID string, opts ListOptions) ([]Transaction, error) {
	acct, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	limit := opts.limit()

	acct.mu.RLock()
	defer acct.mu.RUnlock()
	all := make([]Transaction, 0, len(acct.txIDs))
	for _, id := range acct.txIDs {
		v, _ := m.txs.Load(id)
		all = append(all, v.(Transaction))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]Transaction, 0, limit)
	for _, tx := range all {
		if len(out) == limit {
			break
		}
		if !opts.Before.IsZero() && !listsAfter(tx, opts) {
			continue
		}
		out = append(out, tx.withRefunds(m.refundedLocked(acct, tx.ID)))
	}
	return out, nil
}

// listsAfter reports whether tx comes after the cursor in newest-first order,
// ordering by created_at and then transaction id, as the postgres query does.
func listsAfter(tx Transaction, opts ListOptions) bool {
	if tx.CreatedAt.Before(opts.Before) {
		return true
	}
	return opts.BeforeID != "" && tx.CreatedAt.Equal(opts.Before) && tx.ID < opts.BeforeID
}

func (m *MemoryStore) CountTransactions(_ context.Context, accountID string, kind Kind) (int64, error) {
	acct, err := m.account(accountID)
	if err != nil {
		return 0, err
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	var n int64
	for _, id := range acct.txIDs {
		v, _ := m.txs.Load(id)
		if v.(Transaction).Kind == kind {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetWebhookEvent(_ context.Context, eventID string) (WebhookMarker, error) {
	v, ok := m.markers.Load(eventID)
	if !ok {
		return WebhookMarker{}, ErrNotFound
	}
	return v.(WebhookMarker), nil
}

func (m *MemoryStore) AuditAccount(_ context.Context, accountID string) (AuditResult, error) {
	acct, err := m.account(accountID)
	if err != nil {
		return AuditResult{}, err
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	res := AuditResult{AccountID: accountID, Balance: acct.balance}
	for _, id := range acct.txIDs {
		v, _ := m.txs.Load(id)
		res.Sum += v.(Transaction).Amount
		res.Transactions++
	}
	res.Consistent = res.Sum == res.Balance && res.Balance >= 0
	return res, nil
}

func (m *MemoryStore) ListAccountIDs(_ context.Context, after string, limit int) ([]string, error) {
	var ids []string
	m.accounts.Range(func(k, _ any) bool {
		if id := k.(string); id > after {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) PruneIdempotency(_ context.Context, olderThan time.Time, limit int, sink func([]idempotency.Record) error) (int64, error) {
	var batch []idempotency.Record
	m.records.Range(func(_, v any) bool {
		rec := v.(idempotency.Record)
		if rec.CreatedAt.Before(olderThan) {
			batch = append(batch, rec)
		}
		return limit <= 0 || len(batch) < limit
	})
	if len(batch) == 0 {
		return 0, nil
	}
	if sink != nil {
		if err := sink(batch); err != nil {
			return 0, fmt.Errorf("archive idempotency records: %w", err)
		}
	}
	for _, rec := range batch {
		m.records.Delete(recordKey{scope: rec.Scope, key: rec.Key})
	}
	return int64(len(batch)), nil
}

func (m *MemoryStore) PruneWebhookEvents(_ context.Context, olderThan time.Time, limit int, sink func([]WebhookMarker) error) (int64, error) {
	var batch []WebhookMarker
	m.markers.Range(func(_, v any) bool {
		mk := v.(WebhookMarker)
		if mk.ReceivedAt.Before(olderThan) {
			batch = append(batch, mk)
		}
		return limit <= 0 || len(batch) < limit
	})
	if len(batch) == 0 {
		return 0, nil
	}
	if sink != nil {
		if err := sink(batch); err != nil {
			return 0, fmt.Errorf("archive webhook events: %w", err)
		}
	}
	for _, mk := range batch {
		m.markers.Delete(mk.EventID)
	}
	return int64(len(batch)), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// samePayload reports whether a stored row is the outcome of req. Kinds sharing a
// scope (purchase and auto_refill) are interchangeable.
func samePayload(tx Transaction, req AppendRequest) bool {
	txScope, err1 := idempotency.ScopeForKind(string(tx.Kind))
	reqScope, err2 := idempotency.ScopeForKind(string(req.Kind))
	if err1 != nil || err2 != nil || txScope != reqScope {
		return false
	}
	return tx.AccountID == req.AccountID &&
		tx.Amount == req.Amount &&
		tx.ReferenceID == req.ReferenceID
}
