package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/storage"
)

func newReconciler(t *testing.T) (*Reconciler, *ledger.Processor, storage.Store, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.EnsureAccount(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	m := metrics.New(prometheus.NewRegistry())
	p := ledger.NewProcessor(store)
	return NewReconciler(p, m, zerolog.Nop()), p, store, m
}

func TestReconciler_DuplicateDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	r, p, store, m := newReconciler(t)

	ev := Event{ID: "evt_1", Type: TypePaymentSucceeded, AccountID: "A", Tokens: 100, PaymentReference: "pi_1"}
	first, err := r.HandleEvent(ctx, "generic", ev)
	if err != nil || first != OutcomeCredited {
		t.Fatalf("first = %s, %v", first, err)
	}
	second, err := r.HandleEvent(ctx, "generic", ev)
	if err != nil || second != OutcomeReplayed {
		t.Fatalf("second = %s, %v", second, err)
	}

	// A different event id for the same payment also replays, and is still recorded.
	ev.ID = "evt_2"
	third, err := r.HandleEvent(ctx, "generic", ev)
	if err != nil || third != OutcomeReplayed {
		t.Fatalf("third = %s, %v", third, err)
	}

	if bal, _ := p.Balance(ctx, "A"); bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
	for _, id := range []string{"evt_1", "evt_2"} {
		if _, err := store.GetWebhookEvent(ctx, id); err != nil {
			t.Errorf("marker %s missing: %v", id, err)
		}
	}
	if got := testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("generic", "replayed")); got != 2 {
		t.Errorf("replayed metric = %v, want 2", got)
	}
}

func TestReconciler_ClientConfirmFirstThenWebhook(t *testing.T) {
	ctx := context.Background()
	r, p, _, _ := newReconciler(t)

	if _, err := p.Purchase(ctx, "A", 250, "pi_confirm"); err != nil {
		t.Fatal(err)
	}
	out, err := r.HandleEvent(ctx, "stripe", Event{ID: "evt_c", Type: TypePaymentIntentSucceeded, AccountID: "A", Tokens: 250, PaymentReference: "pi_confirm"})
	if err != nil || out != OutcomeReplayed {
		t.Fatalf("outcome = %s, %v; want replayed", out, err)
	}
	if bal, _ := p.Balance(ctx, "A"); bal != 250 {
		t.Errorf("balance = %d, want 250", bal)
	}
}

func TestReconciler_Outcomes(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newReconciler(t)

	tests := []struct {
		name string
		ev   Event
		want Outcome
	}{
		{"refunded ignored", Event{ID: "evt_r", Type: TypePaymentRefunded, PaymentReference: "pi_x"}, OutcomeIgnored},
		{"unknown type dropped", Event{ID: "evt_u", Type: "invoice.paid"}, OutcomeDropped},
		{"missing tokens dropped", Event{ID: "evt_t", Type: TypePaymentSucceeded, AccountID: "A", PaymentReference: "pi_t"}, OutcomeDropped},
		{"unknown account dropped", Event{ID: "evt_g", Type: TypePaymentSucceeded, AccountID: "ghost", Tokens: 5, PaymentReference: "pi_g"}, OutcomeDropped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.HandleEvent(ctx, "generic", tt.ev)
			if err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconciler_ConflictingAmountDropped(t *testing.T) {
	ctx := context.Background()
	r, p, _, _ := newReconciler(t)
	if _, err := p.Purchase(ctx, "A", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}
	out, err := r.HandleEvent(ctx, "generic", Event{ID: "evt_x", Type: TypePaymentSucceeded, AccountID: "A", Tokens: 999, PaymentReference: "pi_1"})
	if err != nil || out != OutcomeDropped {
		t.Errorf("outcome = %s, %v; want dropped", out, err)
	}
}

type transientPurchaser struct{}

func (transientPurchaser) PurchaseWithMarker(context.Context, string, int64, string, storage.WebhookMarker) (ledger.Result, error) {
	return ledger.Result{}, fmt.Errorf("%w: lock timeout", storage.ErrTransient)
}

func TestReconciler_TransientIsReturned(t *testing.T) {
	r := NewReconciler(transientPurchaser{}, nil, zerolog.Nop())
	_, err := r.HandleEvent(context.Background(), "generic", Event{ID: "evt_1", Type: TypePaymentSucceeded, AccountID: "A", Tokens: 1, PaymentReference: "pi_1"})
	if !errors.Is(err, storage.ErrTransient) {
		t.Errorf("error = %v, want ErrTransient", err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"event_id":"evt_1","type":"payment.succeeded","account_id":"A","tokens":100,"payment_reference":"pi_1"}`, false},
		{"refund type", `{"event_id":"evt_2","type":"payment.refunded","payment_reference":"pi_1"}`, false},
		{"not json", `not json`, true},
		{"missing event id", `{"type":"payment.succeeded","account_id":"A","tokens":1,"payment_reference":"pi"}`, true},
		{"fractional tokens", `{"event_id":"e","type":"payment.succeeded","account_id":"A","tokens":1.5,"payment_reference":"pi"}`, true},
		{"string tokens", `{"event_id":"e","type":"payment.succeeded","account_id":"A","tokens":"10","payment_reference":"pi"}`, true},
		{"unknown type", `{"event_id":"e","type":"charge.disputed"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if tt.wantErr && !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("Decode() error = %v, want ErrMalformedEvent", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Decode() error = %v", err)
			}
		})
	}
}
