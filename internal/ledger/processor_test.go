package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/notify"
	"github.com/tokenvault/server/internal/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.LedgerEvent
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.LedgerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []Result
}

func (o *recordingObserver) AfterSpend(_ context.Context, r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, r)
}

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.EnsureAccount(context.Background(), "A"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}
	return NewProcessor(store, opts...), store
}

func int64p(v int64) *int64 { return &v }

func TestProcessor_Scenario(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)

	if _, err := p.Purchase(ctx, "A", 500, "pi_A"); err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	tip, err := p.Spend(ctx, "A", 50, "tip", "tip-1")
	if err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if tip.Balance != 450 || tip.Transaction.Kind != storage.KindTip {
		t.Fatalf("tip = %+v, want balance 450 kind tip", tip)
	}

	if _, err := p.Spend(ctx, "A", 500, "tip", "tip-2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientFunds", err)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 450 {
		t.Fatalf("balance after rejected spend = %d, want 450", bal)
	}

	refund, err := p.Refund(ctx, tip.Transaction.ID, nil, "")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if refund.Balance != 500 || refund.Transaction.ReferenceID != tip.Transaction.ID {
		t.Fatalf("refund = %+v", refund)
	}

	audit, _ := store.AuditAccount(ctx, "A")
	if !audit.Consistent {
		t.Errorf("audit inconsistent: %+v", audit)
	}
}

func TestProcessor_PurchaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	n := &recordingNotifier{}
	p, _ := newTestProcessor(t, WithMetrics(m), WithNotifier(n))

	first, err := p.Purchase(ctx, "A", 100, "pi_123")
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	second, err := p.Purchase(ctx, "A", 100, "pi_123")
	if err != nil {
		t.Fatalf("second Purchase() error = %v", err)
	}
	if !second.Replayed || second.Transaction.ID != first.Transaction.ID || second.Balance != 100 {
		t.Errorf("second = %+v, want replay of %s", second, first.Transaction.ID)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
	if got := testutil.ToFloat64(m.ReplaysTotal.WithLabelValues("purchase")); got != 1 {
		t.Errorf("purchase replays = %v, want 1", got)
	}
}

func TestProcessor_AutoRefillThenWebhookReplays(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	refill, err := p.AutoRefill(ctx, "A", 500, "pi_refill")
	if err != nil {
		t.Fatalf("AutoRefill() error = %v", err)
	}
	webhook, err := p.PurchaseWithMarker(ctx, "A", 500, "pi_refill", storage.WebhookMarker{EventID: "evt_1", EventType: "payment_intent.succeeded"})
	if err != nil {
		t.Fatalf("PurchaseWithMarker() error = %v", err)
	}
	if !webhook.Replayed || webhook.Transaction.ID != refill.Transaction.ID {
		t.Errorf("webhook = %+v, want replay", webhook)
	}
	if gen, _ := p.RefillGeneration(ctx, "A"); gen != 1 {
		t.Errorf("RefillGeneration() = %d, want 1", gen)
	}
}

func TestProcessor_Validation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"zero purchase", func() error { _, err := p.Purchase(ctx, "A", 0, "pi_1"); return err }, ErrInvalidAmount},
		{"negative spend", func() error { _, err := p.Spend(ctx, "A", -5, "tip", "k"); return err }, ErrInvalidAmount},
		{"empty reference", func() error { _, err := p.Purchase(ctx, "A", 10, ""); return err }, ErrInvalidReference},
		{"empty spend key", func() error { _, err := p.Spend(ctx, "A", 1, "tip", " "); return err }, ErrInvalidReference},
		{"unknown account", func() error { _, err := p.Purchase(ctx, "ghost", 10, "pi_2"); return err }, ErrNotFound},
		{"refund zero", func() error { _, err := p.Refund(ctx, "x", int64p(0), ""); return err }, ErrInvalidAmount},
		{"refund missing", func() error { _, err := p.Refund(ctx, "missing", nil, ""); return err }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProcessor_SpendKinds(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)
	if _, err := p.Purchase(ctx, "A", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		reason string
		want   storage.Kind
	}{
		{"tip", storage.KindTip},
		{"gift", storage.KindGift},
		{"call", storage.KindSpend},
		{"message", storage.KindSpend},
	}
	for i, tt := range tests {
		res, err := p.Spend(ctx, "A", 1, tt.reason, fmt.Sprintf("k-%d", i))
		if err != nil {
			t.Fatalf("Spend(%s) error = %v", tt.reason, err)
		}
		if res.Transaction.Kind != tt.want || res.Transaction.Reason != tt.reason {
			t.Errorf("Spend(%s) = kind %s reason %q", tt.reason, res.Transaction.Kind, res.Transaction.Reason)
		}
	}
}

func TestProcessor_SpendNotifiesObserverOnce(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	p, _ := newTestProcessor(t, WithSpendObserver(obs))
	if _, err := p.Purchase(ctx, "A", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Spend(ctx, "A", 10, "call", "same-key"); err != nil {
			t.Fatalf("Spend() error = %v", err)
		}
	}
	if len(obs.calls) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(obs.calls))
	}
	if obs.calls[0].Balance != 90 {
		t.Errorf("observed balance = %d, want 90", obs.calls[0].Balance)
	}
}

func TestProcessor_ConcurrentSpends(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	if _, err := p.Purchase(ctx, "A", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.Spend(ctx, "A", 3, "tip", fmt.Sprintf("k-%d", i))
		}(i)
	}
	wg.Wait()

	bal, _ := p.Balance(ctx, "A")
	if bal != 1 {
		t.Errorf("balance = %d, want 1 (33 spends of 3)", bal)
	}
	audit, _ := store.AuditAccount(ctx, "A")
	if !audit.Consistent {
		t.Errorf("audit inconsistent: %+v", audit)
	}
}

func TestProcessor_RefundRules(t *testing.T) {
	ctx := context.Background()

	t.Run("over refund rejected", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 100, "pi_1")
		spend, _ := p.Spend(ctx, "A", 30, "call", "k1")
		if _, err := p.Refund(ctx, spend.Transaction.ID, int64p(31), ""); !errors.Is(err, ErrAlreadyReversed) {
			t.Errorf("error = %v, want ErrAlreadyReversed", err)
		}
	})

	t.Run("repeat replays and different amount rejected", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 100, "pi_1")
		spend, _ := p.Spend(ctx, "A", 30, "call", "k1")

		first, err := p.Refund(ctx, spend.Transaction.ID, int64p(10), "")
		if err != nil {
			t.Fatalf("Refund() error = %v", err)
		}
		again, err := p.Refund(ctx, spend.Transaction.ID, int64p(10), "")
		if err != nil || !again.Replayed || again.Transaction.ID != first.Transaction.ID {
			t.Errorf("same-amount repeat = %+v, %v; want replay", again, err)
		}
		omitted, err := p.Refund(ctx, spend.Transaction.ID, nil, "")
		if err != nil || !omitted.Replayed {
			t.Errorf("omitted-amount repeat = %+v, %v; want replay", omitted, err)
		}
		if _, err := p.Refund(ctx, spend.Transaction.ID, int64p(20), ""); !errors.Is(err, ErrAlreadyReversed) {
			t.Errorf("different amount error = %v, want ErrAlreadyReversed", err)
		}
		if bal, _ := p.Balance(ctx, "A"); bal != 80 {
			t.Errorf("balance = %d, want 80", bal)
		}
	})

	t.Run("refund of refund not allowed", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 100, "pi_1")
		spend, _ := p.Spend(ctx, "A", 30, "call", "k1")
		refund, _ := p.Refund(ctx, spend.Transaction.ID, nil, "")
		if _, err := p.Refund(ctx, refund.Transaction.ID, nil, ""); !errors.Is(err, ErrNotRefundable) {
			t.Errorf("error = %v, want ErrNotRefundable", err)
		}
	})

	t.Run("auto refill not refundable", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		refill, _ := p.AutoRefill(ctx, "A", 100, "pi_r")
		if _, err := p.Refund(ctx, refill.Transaction.ID, nil, ""); !errors.Is(err, ErrNotRefundable) {
			t.Errorf("error = %v, want ErrNotRefundable", err)
		}
	})

	t.Run("refunding spent purchase fails", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		purchase, _ := p.Purchase(ctx, "A", 100, "pi_1")
		_, _ = p.Spend(ctx, "A", 60, "call", "k1")
		if _, err := p.Refund(ctx, purchase.Transaction.ID, nil, ""); !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("error = %v, want ErrInsufficientFunds", err)
		}
		res, err := p.Refund(ctx, purchase.Transaction.ID, int64p(40), "")
		if err != nil || res.Balance != 0 {
			t.Errorf("partial purchase refund = %+v, %v; want balance 0", res, err)
		}
		tx, _ := p.Transaction(ctx, purchase.Transaction.ID)
		if tx.Status != storage.StatusCommitted || tx.RefundedAmount != 40 {
			t.Errorf("purchase = %s refunded %d, want committed with 40 refunded", tx.Status, tx.RefundedAmount)
		}
	})

	t.Run("partial refunds up to the original amount", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 200, "pi_1")
		spend, _ := p.Spend(ctx, "A", 100, "call", "k1")

		first, err := p.Refund(ctx, spend.Transaction.ID, int64p(30), "r1")
		if err != nil || first.Balance != 130 {
			t.Fatalf("first partial = %+v, %v", first, err)
		}
		tx, _ := p.Transaction(ctx, spend.Transaction.ID)
		if tx.Status != storage.StatusCommitted || tx.RefundedAmount != 30 {
			t.Errorf("after 30 = %s refunded %d, want committed with 30", tx.Status, tx.RefundedAmount)
		}

		retry, err := p.Refund(ctx, spend.Transaction.ID, int64p(30), "r1")
		if err != nil || !retry.Replayed || retry.Transaction.ID != first.Transaction.ID {
			t.Errorf("keyed retry = %+v, %v; want replay", retry, err)
		}
		if _, err := p.Refund(ctx, spend.Transaction.ID, int64p(25), "r1"); !errors.Is(err, ErrIdempotencyConflict) {
			t.Errorf("keyed reuse error = %v, want ErrIdempotencyConflict", err)
		}
		if _, err := p.Refund(ctx, spend.Transaction.ID, int64p(71), "r2"); !errors.Is(err, ErrAlreadyReversed) {
			t.Errorf("over remaining error = %v, want ErrAlreadyReversed", err)
		}

		rest, err := p.Refund(ctx, spend.Transaction.ID, int64p(70), "r2")
		if err != nil || rest.Balance != 200 {
			t.Fatalf("remaining 70 = %+v, %v", rest, err)
		}
		tx, _ = p.Transaction(ctx, spend.Transaction.ID)
		if tx.Status != storage.StatusReversed || tx.RefundedAmount != 100 {
			t.Errorf("after 100 = %s refunded %d, want reversed", tx.Status, tx.RefundedAmount)
		}
		if _, err := p.Refund(ctx, spend.Transaction.ID, nil, "r3"); !errors.Is(err, ErrAlreadyReversed) {
			t.Errorf("fully reversed error = %v, want ErrAlreadyReversed", err)
		}
	})

	t.Run("unkeyed refund takes the remainder", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 200, "pi_1")
		spend, _ := p.Spend(ctx, "A", 100, "call", "k1")
		if _, err := p.Refund(ctx, spend.Transaction.ID, int64p(30), "r1"); err != nil {
			t.Fatal(err)
		}
		res, err := p.Refund(ctx, spend.Transaction.ID, nil, "")
		if err != nil || res.Transaction.Amount != 70 || res.Balance != 200 {
			t.Errorf("remainder = %+v, %v; want 70 credited", res, err)
		}
	})

	t.Run("concurrent keyed refunds stay within the original", func(t *testing.T) {
		p, store := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 200, "pi_1")
		spend, _ := p.Spend(ctx, "A", 100, "call", "k1")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = p.Refund(ctx, spend.Transaction.ID, int64p(30), fmt.Sprintf("r%d", i))
			}(i)
		}
		wg.Wait()
		if bal, _ := p.Balance(ctx, "A"); bal != 190 {
			t.Errorf("balance = %d, want 190 (three refunds of 30)", bal)
		}
		if audit, _ := store.AuditAccount(ctx, "A"); !audit.Consistent {
			t.Errorf("audit inconsistent: %+v", audit)
		}
	})

	t.Run("concurrent refunds credit once", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, _ = p.Purchase(ctx, "A", 100, "pi_1")
		spend, _ := p.Spend(ctx, "A", 30, "call", "k1")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = p.Refund(ctx, spend.Transaction.ID, nil, "")
			}()
		}
		wg.Wait()
		if bal, _ := p.Balance(ctx, "A"); bal != 100 {
			t.Errorf("balance = %d, want 100", bal)
		}
	})
}

func TestProcessor_EnsureAccountAndHistory(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	bal, err := p.EnsureAccount(ctx, "B")
	if err != nil || bal != 0 {
		t.Fatalf("EnsureAccount() = %d, %v", bal, err)
	}
	_, _ = p.Purchase(ctx, "B", 10, "pi_b")
	if bal, _ := p.EnsureAccount(ctx, "B"); bal != 10 {
		t.Errorf("EnsureAccount() on existing account changed balance to %d", bal)
	}

	history, err := p.History(ctx, "B", storage.ListOptions{Limit: 10})
	if err != nil || len(history) != 1 {
		t.Errorf("History() = %d rows, %v", len(history), err)
	}
}
