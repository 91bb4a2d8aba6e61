package autorefill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/preferences"
	"github.com/tokenvault/server/internal/storage"
	"github.com/tokenvault/server/internal/stripe"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   atomic.Int32
	byKey   map[string]string
	err     error
	release chan struct{}
}

func (g *fakeGateway) ChargeRefill(ctx context.Context, req stripe.ChargeRequest) (stripe.ChargeResult, error) {
	g.calls.Add(1)
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return stripe.ChargeResult{}, g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byKey == nil {
		g.byKey = map[string]string{}
	}
	// Stripe returns the same intent for a repeated idempotency key.
	id, ok := g.byKey[req.IdempotencyKey]
	if !ok {
		id = fmt.Sprintf("pi_%d", len(g.byKey)+1)
		g.byKey[req.IdempotencyKey] = id
	}
	return stripe.ChargeResult{PaymentIntentID: id, AmountCents: req.Tokens * 5}, nil
}

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, gw *fakeGateway) (*Monitor, *ledger.Processor, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		if err := store.EnsureAccount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.AutoRefillConfig{
		Enabled:          true,
		DefaultThreshold: 50,
		DefaultTokens:    500,
		Window:           config.Duration{Duration: time.Hour},
		Workers:          2,
		Accounts: map[string]config.AccountRefillPref{
			"A": {Enabled: true, PaymentMethod: "pm_1", StripeCustomer: "cus_1"},
		},
	}
	m := metrics.New(prometheus.NewRegistry())
	p := ledger.NewProcessor(store)
	mon := NewMonitor(cfg, preferences.NewStatic(cfg), gw, p, WithMetrics(m), WithClock(func() time.Time { return fixedNow }))
	return mon, p, m
}

func TestCheck_Decisions(t *testing.T) {
	ctx := context.Background()
	mon, _, _ := setup(t, &fakeGateway{})

	tests := []struct {
		name    string
		account string
		balance int64
		want    Decision
	}{
		{"above threshold", "A", 50, DecisionAboveThreshold},
		{"not opted in", "B", 0, DecisionDisabled},
		{"below threshold", "A", 49, DecisionRefilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mon.Check(ctx, tt.account, tt.balance)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Check() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheck_RefillCreditsOnceAndAdvancesGeneration(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	mon, p, m := setup(t, gw)

	if d, err := mon.Check(ctx, "A", 0); err != nil || d != DecisionRefilled {
		t.Fatalf("first check = %s, %v", d, err)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 500 {
		t.Fatalf("balance = %d, want 500", bal)
	}

	// The generation moved, so a second crossing in the same window charges again.
	if d, err := mon.Check(ctx, "A", 10); err != nil || d != DecisionRefilled {
		t.Fatalf("second check = %s, %v", d, err)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 1000 {
		t.Errorf("balance = %d, want 1000", bal)
	}
	if n := gw.calls.Load(); n != 2 {
		t.Errorf("charges = %d, want 2", n)
	}
	if got := testutil.ToFloat64(m.AutoRefillTotal.WithLabelValues("refilled")); got != 2 {
		t.Errorf("refilled metric = %v, want 2", got)
	}
}

func TestCheck_WebhookAfterRefillReplays(t *testing.T) {
	ctx := context.Background()
	mon, p, _ := setup(t, &fakeGateway{})

	if _, err := mon.Check(ctx, "A", 0); err != nil {
		t.Fatal(err)
	}
	res, err := p.Purchase(ctx, "A", 500, "pi_1")
	if err != nil {
		t.Fatalf("webhook purchase error = %v", err)
	}
	if !res.Replayed {
		t.Error("webhook for the refill intent should replay")
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 500 {
		t.Errorf("balance = %d, want 500", bal)
	}
}

func TestCheck_ConcurrentTriggersCollapse(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{release: make(chan struct{})}
	mon, p, _ := setup(t, gw)

	first := make(chan Decision, 1)
	go func() {
		d, _ := mon.Check(ctx, "A", 0)
		first <- d
	}()
	for gw.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if d, err := mon.Check(ctx, "A", 0); err != nil || d != DecisionInFlight {
		t.Errorf("concurrent check = %s, %v; want in_flight", d, err)
	}
	close(gw.release)
	if d := <-first; d != DecisionRefilled {
		t.Errorf("first check = %s, want refilled", d)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 500 {
		t.Errorf("balance = %d, want 500", bal)
	}
}

func TestCheck_ChargeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Decision
	}{
		{"requires action", fmt.Errorf("%w: status requires_action", stripe.ErrPaymentNotSettled), DecisionPending},
		{"card declined", errors.New("stripe: card declined"), DecisionChargeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon, p, _ := setup(t, &fakeGateway{err: tt.err})
			d, err := mon.Check(context.Background(), "A", 0)
			if err == nil || d != tt.want {
				t.Errorf("Check() = %s, %v; want %s", d, err, tt.want)
			}
			if bal, _ := p.Balance(context.Background(), "A"); bal != 0 {
				t.Errorf("balance = %d, want 0", bal)
			}
		})
	}
}

func TestAfterSpend_RunsInBackground(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	mon, p, _ := setup(t, gw)
	p.SetSpendObserver(mon)

	if _, err := p.Purchase(ctx, "A", 60, "pi_seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Spend(ctx, "A", 20, "tip", "spend-1"); err != nil {
		t.Fatal(err)
	}
	if err := mon.Close(); err != nil {
		t.Fatal(err)
	}

	if bal, _ := p.Balance(ctx, "A"); bal != 540 {
		t.Errorf("balance = %d, want 540", bal)
	}

	// Checks after Close are dropped.
	mon.AfterSpend(ctx, ledger.Result{Transaction: storage.Transaction{AccountID: "A"}, Balance: 0})
	if n := gw.calls.Load(); n != 1 {
		t.Errorf("charges = %d, want 1", n)
	}
}

func TestAfterSpend_DisabledIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	mon := NewMonitor(config.AutoRefillConfig{}, preferences.NewStatic(config.AutoRefillConfig{}), gw, nil)
	mon.AfterSpend(context.Background(), ledger.Result{Transaction: storage.Transaction{AccountID: "A"}})
	_ = mon.Close()
	if gw.calls.Load() != 0 {
		t.Error("disabled monitor should not charge")
	}
}
