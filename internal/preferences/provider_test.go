package preferences

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenvault/server/internal/config"
)

func TestStatic(t *testing.T) {
	p := NewStatic(config.AutoRefillConfig{
		DefaultThreshold: 50,
		DefaultTokens:    500,
		Accounts: map[string]config.AccountRefillPref{
			"A": {Enabled: true, PaymentMethod: "pm_1", StripeCustomer: "cus_1"},
			"B": {Enabled: true, Threshold: 10, Tokens: 20},
		},
	})

	tests := []struct {
		account string
		want    Pref
	}{
		{"A", Pref{Enabled: true, Threshold: 50, Tokens: 500, PaymentMethod: "pm_1", StripeCustomer: "cus_1"}},
		{"B", Pref{Enabled: true, Threshold: 10, Tokens: 20}},
		{"C", Pref{Threshold: 50, Tokens: 500}},
	}
	for _, tt := range tests {
		got, err := p.AutoRefill(context.Background(), tt.account)
		if err != nil {
			t.Fatalf("AutoRefill(%s) error = %v", tt.account, err)
		}
		if got != tt.want {
			t.Errorf("AutoRefill(%s) = %+v, want %+v", tt.account, got, tt.want)
		}
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prefs/A":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"enabled":true,"threshold":25,"payment_method":"pm_1","stripe_customer":"cus_1"}`))
		case "/prefs/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.AutoRefillConfig{
		PreferencesURL:     srv.URL + "/prefs/",
		PreferencesTimeout: config.Duration{Duration: time.Second},
		DefaultThreshold:   50,
		DefaultTokens:      500,
	}, nil)
	ctx := context.Background()

	got, err := p.AutoRefill(ctx, "A")
	if err != nil {
		t.Fatalf("AutoRefill(A) error = %v", err)
	}
	want := Pref{Enabled: true, Threshold: 25, Tokens: 500, PaymentMethod: "pm_1", StripeCustomer: "cus_1"}
	if got != want {
		t.Errorf("AutoRefill(A) = %+v, want %+v", got, want)
	}

	got, err = p.AutoRefill(ctx, "missing")
	if err != nil || got.Enabled {
		t.Errorf("AutoRefill(missing) = %+v, %v; want disabled", got, err)
	}

	if _, err := p.AutoRefill(ctx, "down"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AutoRefill(down) error = %v, want ErrUnavailable", err)
	}
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (c *countingProvider) AutoRefill(context.Context, string) (Pref, error) {
	c.calls.Add(1)
	return Pref{Enabled: true, Threshold: 1, Tokens: 2}, c.err
}

func TestCached(t *testing.T) {
	under := &countingProvider{}
	p := NewCached(under, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.AutoRefill(ctx, "A"); err != nil {
			t.Fatal(err)
		}
	}
	if n := under.calls.Load(); n != 1 {
		t.Errorf("underlying calls = %d, want 1", n)
	}

	p.(*Cached).Invalidate("A")
	if _, err := p.AutoRefill(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if n := under.calls.Load(); n != 2 {
		t.Errorf("underlying calls after invalidate = %d, want 2", n)
	}

	if NewCached(under, 0) != Provider(under) {
		t.Error("zero ttl should return the provider unchanged")
	}
}

func TestCached_ErrorsNotCached(t *testing.T) {
	under := &countingProvider{err: errors.New("boom")}
	p := NewCached(under, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := p.AutoRefill(context.Background(), "A"); err == nil {
			t.Fatal("expected error")
		}
	}
	if n := under.calls.Load(); n != 2 {
		t.Errorf("underlying calls = %d, want 2", n)
	}
}
