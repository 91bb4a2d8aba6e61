package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDeliveryNotFound is returned when a DLQ entry does not exist.
var ErrDeliveryNotFound = errors.New("notify: failed delivery not found")

// DLQStore persists deliveries that exhausted their retries.
type DLQStore interface {
	SaveFailedDelivery(ctx context.Context, delivery FailedDelivery) error
	GetFailedDelivery(ctx context.Context, id string) (FailedDelivery, error)
	ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error)
	DeleteFailedDelivery(ctx context.Context, id string) error
}

// FailedDelivery is a ledger event the realtime layer never acknowledged.
type FailedDelivery struct {
	ID          string          `json:"id" bson:"_id"`
	EventID     string          `json:"eventId" bson:"event_id"`
	EventType   string          `json:"eventType" bson:"event_type"`
	AccountID   string          `json:"accountId" bson:"account_id"`
	URL         string          `json:"url" bson:"url"`
	Payload     json.RawMessage `json:"payload" bson:"payload"`
	Attempts    int             `json:"attempts" bson:"attempts"`
	LastError   string          `json:"lastError" bson:"last_error"`
	LastAttempt time.Time       `json:"lastAttempt" bson:"last_attempt"`
	CreatedAt   time.Time       `json:"createdAt" bson:"created_at"`
}

// NoopDLQStore discards failed deliveries.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedDelivery(context.Context, FailedDelivery) error { return nil }
func (NoopDLQStore) GetFailedDelivery(context.Context, string) (FailedDelivery, error) {
	return FailedDelivery{}, ErrDeliveryNotFound
}
func (NoopDLQStore) ListFailedDeliveries(context.Context, int) ([]FailedDelivery, error) {
	return []FailedDelivery{}, nil
}
func (NoopDLQStore) DeleteFailedDelivery(context.Context, string) error { return nil }

// MemoryDLQStore stores failed deliveries in memory (for testing/development).
type MemoryDLQStore struct {
	mu         sync.RWMutex
	deliveries map[string]FailedDelivery
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{deliveries: make(map[string]FailedDelivery)}
}

func (m *MemoryDLQStore) SaveFailedDelivery(_ context.Context, delivery FailedDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[delivery.ID] = delivery
	return nil
}

func (m *MemoryDLQStore) GetFailedDelivery(_ context.Context, id string) (FailedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return FailedDelivery{}, ErrDeliveryNotFound
	}
	return d, nil
}

// ListFailedDeliveries returns the oldest entries first.
func (m *MemoryDLQStore) ListFailedDeliveries(_ context.Context, limit int) ([]FailedDelivery, error) {
	m.mu.RLock()
	result := make([]FailedDelivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		result = append(result, d)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryDLQStore) DeleteFailedDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[id]; !ok {
		return ErrDeliveryNotFound
	}
	delete(m.deliveries, id)
	return nil
}
