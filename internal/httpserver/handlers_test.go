package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/storage"
	"github.com/tokenvault/server/internal/stripe"
	"github.com/tokenvault/server/internal/webhook"
)

const (
	testAdminKey      = "operator-secret"
	testWebhookSecret = "generic-webhook-secret"
)

type testEnv struct {
	router    chi.Router
	store     *storage.MemoryStore
	processor *ledger.Processor
}

func newTestEnv(t *testing.T, mutate func(*Services)) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Auth: config.AuthConfig{
			AdminKeyHash:  string(hash),
			TrustedHeader: "X-Account-ID",
		},
	}

	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	p := ledger.NewProcessor(store, ledger.WithMetrics(m))
	services := Services{
		Processor:  p,
		Reconciler: webhook.NewReconciler(p, m, zerolog.Nop()),
		Health:     store,
		Payments:   fakePayments{},
		Events:     webhook.NewVerifier(testWebhookSecret, 0),
		Metrics:    m,
	}
	if mutate != nil {
		mutate(&services)
	}

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, services, zerolog.Nop())

	for _, id := range []string{"alice", "bob"} {
		if err := store.EnsureAccount(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	return &testEnv{router: router, store: store, processor: p}
}

func (e *testEnv) do(t *testing.T, method, path, account, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		req.Header.Set("X-Account-ID", account)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// postEvent delivers a generic event signed with the test secret.
func (e *testEnv) postEvent(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/events", "", body, webhook.SignatureHeader, webhook.Sign([]byte(body), testWebhookSecret, time.Now()))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func TestBalanceRequiresAccount(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/v1/balance", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/balance", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[balanceResponse](t, rec)
	if got.AccountID != "alice" || got.Balance != 0 {
		t.Errorf("balance = %+v", got)
	}
}

func TestLedgerScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/purchases/confirm", "alice", `{"tokens":500,"paymentReference":"pi_A"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[resultResponse](t, rec); got.Balance != 500 {
		t.Fatalf("balance after purchase = %d", got.Balance)
	}

	rec = env.do(t, http.MethodPost, "/v1/spend", "alice", `{"tokens":50,"reason":"tip","idempotencyKey":"tip-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("spend status = %d, body %s", rec.Code, rec.Body.String())
	}
	tip := decodeBody[resultResponse](t, rec)
	if tip.Balance != 450 || tip.Transaction.Kind != storage.KindTip {
		t.Fatalf("tip = %+v", tip)
	}

	rec = env.do(t, http.MethodPost, "/v1/spend", "alice", `{"tokens":500,"reason":"tip","idempotencyKey":"tip-2"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("overspend status = %d, want 402", rec.Code)
	}
	if got := decodeBody[errorBody](t, rec); got.Error.Code != "insufficient_funds" {
		t.Errorf("code = %q", got.Error.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/refunds", "", `{"transactionId":"`+tip.TransactionID+`"}`, "X-Admin-Key", testAdminKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[resultResponse](t, rec); got.Balance != 500 {
		t.Errorf("balance after refund = %d, want 500", got.Balance)
	}

	rec = env.do(t, http.MethodGet, "/admin/v1/accounts/alice/audit", "", "", "X-Admin-Key", testAdminKey)
	audit := decodeBody[storage.AuditResult](t, rec)
	if !audit.Consistent || audit.Balance != 500 {
		t.Errorf("audit = %+v", audit)
	}
}

func TestSpendReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.processor.Purchase(context.Background(), "alice", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}

	body := `{"tokens":10,"reason":"unlock"}`
	first := env.do(t, http.MethodPost, "/v1/spend", "alice", body, "Idempotency-Key", "k-1")
	second := env.do(t, http.MethodPost, "/v1/spend", "alice", body, "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated || second.Code != http.StatusOK {
		t.Fatalf("status = %d then %d, want 201 then 200", first.Code, second.Code)
	}
	a := decodeBody[resultResponse](t, first)
	b := decodeBody[resultResponse](t, second)
	if a.TransactionID != b.TransactionID || !b.Replayed || b.Balance != 90 {
		t.Errorf("replay = %+v, first = %+v", b, a)
	}

	conflict := env.do(t, http.MethodPost, "/v1/spend", "alice", `{"tokens":11,"reason":"unlock"}`, "Idempotency-Key", "k-1")
	if conflict.Code != http.StatusConflict {
		t.Errorf("conflict status = %d, want 409", conflict.Code)
	}
}

func TestSpendValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		body    string
		headers []string
		status  int
		code    string
	}{
		{"missing key", `{"tokens":1,"reason":"tip"}`, nil, http.StatusBadRequest, "invalid_request"},
		{"key mismatch", `{"tokens":1,"reason":"tip","idempotencyKey":"a"}`, []string{"Idempotency-Key", "b"}, http.StatusBadRequest, "invalid_request"},
		{"zero tokens", `{"tokens":0,"reason":"tip","idempotencyKey":"z"}`, nil, http.StatusBadRequest, "invalid_amount"},
		{"negative tokens", `{"tokens":-5,"reason":"tip","idempotencyKey":"n"}`, nil, http.StatusBadRequest, "invalid_amount"},
		{"missing reason", `{"tokens":1,"idempotencyKey":"r"}`, nil, http.StatusBadRequest, "missing_field"},
		{"unknown field", `{"tokens":1,"reason":"tip","idempotencyKey":"u","account":"bob"}`, nil, http.StatusBadRequest, "invalid_request"},
		{"not json", `tokens=1`, nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/spend", "alice", tt.body, tt.headers...)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := decodeBody[errorBody](t, rec); got.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Error.Code, tt.code)
			}
		})
	}
}

type fakePayments struct {
	err error
}

func (f fakePayments) VerifyPaymentIntent(context.Context, string, string, int64) error {
	return f.err
}

func TestConfirmPurchaseVerifiesPayment(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"verified", nil, http.StatusCreated},
		{"not settled", stripe.ErrPaymentNotSettled, http.StatusPaymentRequired},
		{"mismatch", stripe.ErrPaymentMismatch, http.StatusForbidden},
		{"processor down", stripe.ErrUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(s *Services) { s.Payments = fakePayments{err: tt.err} })
			rec := env.do(t, http.MethodPost, "/v1/purchases/confirm", "alice", `{"tokens":100,"paymentReference":"pi_v"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			want := int64(0)
			if tt.err == nil {
				want = 100
			}
			if bal, _ := env.processor.Balance(context.Background(), "alice"); bal != want {
				t.Errorf("balance = %d, want %d", bal, want)
			}
		})
	}
}

func TestConfirmPurchaseNotMountedWithoutVerifier(t *testing.T) {
	env := newTestEnv(t, func(s *Services) { s.Payments = nil })
	rec := env.do(t, http.MethodPost, "/v1/purchases/confirm", "bob", `{"tokens":500000,"paymentReference":"anything"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if bal, _ := env.processor.Balance(context.Background(), "bob"); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestTransactionsVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, err := env.processor.Purchase(ctx, "alice", 100, "pi_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.processor.Spend(ctx, "alice", 5, "tip", "t-1"); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/v1/transactions?limit=1", "alice", "")
	list := decodeBody[transactionsResponse](t, rec)
	if len(list.Transactions) != 1 || list.Transactions[0].Kind != storage.KindTip || list.NextBefore == "" || list.NextBeforeID == "" {
		t.Errorf("page = %+v", list)
	}

	q := url.Values{"limit": {"1"}, "before": {list.NextBefore}, "beforeId": {list.NextBeforeID}}
	rec = env.do(t, http.MethodGet, "/v1/transactions?"+q.Encode(), "alice", "")
	next := decodeBody[transactionsResponse](t, rec)
	if len(next.Transactions) != 1 || next.Transactions[0].ID != res.Transaction.ID {
		t.Errorf("second page = %+v, want the purchase", next)
	}

	if rec := env.do(t, http.MethodGet, "/v1/transactions?beforeId=x", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("beforeId without before status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/transactions?limit=abc", "alice", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	path := "/v1/transactions/" + res.Transaction.ID
	if rec := env.do(t, http.MethodGet, path, "alice", ""); rec.Code != http.StatusOK {
		t.Errorf("owner status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, "bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("other account status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, "", "", "X-Admin-Key", testAdminKey); rec.Code != http.StatusOK {
		t.Errorf("admin status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, "", "", "X-Admin-Key", "wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("bad admin key status = %d, want 403", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/admin/v1/accounts", "alice", `{"accountId":"carol"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("no admin key status = %d, want 401", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/admin/v1/accounts", "", `{"accountId":"carol"}`, "X-Admin-Key", testAdminKey)
		if rec.Code != http.StatusOK {
			t.Fatalf("ensure #%d status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/refunds", "", `{"transactionId":"missing"}`, "X-Admin-Key", testAdminKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("refund unknown status = %d, want 404", rec.Code)
	}
}

func TestPartialRefunds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.processor.Purchase(ctx, "alice", 100, "pi_1"); err != nil {
		t.Fatal(err)
	}
	purchase, err := env.processor.Purchase(ctx, "alice", 100, "pi_2")
	if err != nil {
		t.Fatal(err)
	}
	body := func(tokens int) string {
		return fmt.Sprintf(`{"transactionId":%q,"tokens":%d}`, purchase.Transaction.ID, tokens)
	}

	rec := env.do(t, http.MethodPost, "/v1/refunds", "", body(30), "X-Admin-Key", testAdminKey, "Idempotency-Key", "refund-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund 30 status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/refunds", "", body(30), "X-Admin-Key", testAdminKey, "Idempotency-Key", "refund-1")
	if rec.Code != http.StatusOK || !decodeBody[resultResponse](t, rec).Replayed {
		t.Fatalf("retry status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/refunds", "", body(71), "X-Admin-Key", testAdminKey, "Idempotency-Key", "refund-2")
	if rec.Code != http.StatusConflict || decodeBody[errorBody](t, rec).Error.Code != "already_reversed" {
		t.Fatalf("over remaining = %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/refunds", "", body(70), "X-Admin-Key", testAdminKey, "Idempotency-Key", "refund-2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund remaining 70 status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[resultResponse](t, rec); got.Balance != 100 {
		t.Errorf("balance = %d, want 100", got.Balance)
	}

	rec = env.do(t, http.MethodGet, "/v1/transactions/"+purchase.Transaction.ID, "alice", "")
	tx := decodeBody[storage.Transaction](t, rec)
	if tx.Status != storage.StatusReversed || tx.RefundedAmount != 100 {
		t.Errorf("original = %+v, want fully reversed", tx)
	}
}

func TestGenericWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	event := `{"event_id":"evt_1","type":"payment.succeeded","account_id":"alice","tokens":100,"payment_reference":"pi_w"}`

	for i, want := range []string{"credited", "replayed"} {
		rec := env.postEvent(t, event)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rec.Code)
		}
		if got := decodeBody[webhookAck](t, rec); got.Status != want {
			t.Errorf("delivery %d status = %q, want %q", i, got.Status, want)
		}
	}
	if bal, _ := env.processor.Balance(context.Background(), "alice"); bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}

	rec := env.postEvent(t, `{"event_id":"evt_2","type":"payment.succeeded","tokens":"ten"}`)
	if rec.Code != http.StatusOK || decodeBody[webhookAck](t, rec).Status != "dropped" {
		t.Errorf("malformed = %d %s", rec.Code, rec.Body.String())
	}
}

func TestGenericWebhookRejectsUnsignedAndForged(t *testing.T) {
	env := newTestEnv(t, nil)
	event := `{"event_id":"evt_forged","type":"payment.succeeded","account_id":"alice","tokens":1000000,"payment_reference":"made_up_ref"}`

	tests := []struct {
		name    string
		headers []string
	}{
		{"no signature", nil},
		{"wrong secret", []string{webhook.SignatureHeader, webhook.Sign([]byte(event), "not-the-secret", time.Now())}},
		{"signature for another body", []string{webhook.SignatureHeader, webhook.Sign([]byte(`{}`), testWebhookSecret, time.Now())}},
		{"expired signature", []string{webhook.SignatureHeader, webhook.Sign([]byte(event), testWebhookSecret, time.Now().Add(-time.Hour))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/events", "", event, tt.headers...)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
	if bal, _ := env.processor.Balance(context.Background(), "alice"); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	if _, err := env.store.GetWebhookEvent(context.Background(), "evt_forged"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("forged event marker recorded: %v", err)
	}
}

func TestGenericWebhookNotMountedWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(s *Services) { s.Events = nil })
	event := `{"event_id":"evt_1","type":"payment.succeeded","account_id":"alice","tokens":10,"payment_reference":"pi_1"}`
	if rec := env.do(t, http.MethodPost, "/events", "", event); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) AppendTransaction(context.Context, storage.AppendRequest) (storage.AppendResult, error) {
	return storage.AppendResult{}, storage.ErrTransient
}

func TestGenericWebhookTransientAsksForRedelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	p := ledger.NewProcessor(failingStore{env.store})
	router := chi.NewRouter()
	ConfigureRouter(router, &config.Config{}, Services{
		Processor:  p,
		Reconciler: webhook.NewReconciler(p, nil, zerolog.Nop()),
		Events:     webhook.NewVerifier(testWebhookSecret, 0),
	}, zerolog.Nop())

	body := `{"event_id":"evt_t","type":"payment.succeeded","account_id":"alice","tokens":1,"payment_reference":"pi_t"}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(body), testWebhookSecret, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

type fakeStripeEvents struct {
	ev  webhook.Event
	err error
}

func (f fakeStripeEvents) ParseEvent([]byte, string) (webhook.Event, error) {
	return f.ev, f.err
}

func TestStripeWebhook(t *testing.T) {
	tests := []struct {
		name   string
		events fakeStripeEvents
		status int
		ack    string
	}{
		{
			name:   "credited",
			events: fakeStripeEvents{ev: webhook.Event{ID: "evt_s", Type: webhook.TypePaymentIntentSucceeded, AccountID: "alice", Tokens: 30, PaymentReference: "pi_s", ReceivedAt: time.Now()}},
			status: http.StatusOK,
			ack:    "credited",
		},
		{name: "bad signature", events: fakeStripeEvents{err: stripe.ErrInvalidSignature}, status: http.StatusBadRequest},
		{name: "unhandled type", events: fakeStripeEvents{err: stripe.ErrUnhandledEvent}, status: http.StatusOK, ack: "ignored"},
		{name: "garbled", events: fakeStripeEvents{err: errors.New("unexpected end of JSON input")}, status: http.StatusOK, ack: "dropped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(s *Services) { s.StripeEvents = tt.events })
			rec := env.do(t, http.MethodPost, "/webhook/stripe", "", `{}`, "Stripe-Signature", "t=1,v1=abc")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.ack != "" {
				if got := decodeBody[webhookAck](t, rec); got.Status != tt.ack {
					t.Errorf("ack = %q, want %q", got.Status, tt.ack)
				}
			}
		})
	}
}

func TestStripeWebhookNotMountedWithoutStripe(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/webhook/stripe", "", `{}`); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || decodeBody[healthResponse](t, rec).Status != "ok" {
		t.Errorf("healthy = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}

	env = newTestEnv(t, func(s *Services) { s.Health = downStore{} })
	rec = env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := decodeBody[healthResponse](t, rec); got.Status != "degraded" || got.Store != "unreachable" {
		t.Errorf("health = %+v", got)
	}
}
