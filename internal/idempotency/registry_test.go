package idempotency

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestScopeForKind(t *testing.T) {
	tests := []struct {
		kind string
		want Scope
	}{
		{"purchase", ScopePurchase},
		{"auto_refill", ScopePurchase},
		{"tip", ScopeSpend},
		{"gift", ScopeSpend},
		{"spend", ScopeSpend},
		{"refund", ScopeRefund},
	}
	for _, tt := range tests {
		got, err := ScopeForKind(tt.kind)
		if err != nil {
			t.Fatalf("ScopeForKind(%q): %v", tt.kind, err)
		}
		if got != tt.want {
			t.Errorf("ScopeForKind(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
	if _, err := ScopeForKind("bonus"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRefillKeyCollapsesWithinWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	a := RefillKey("acct_1", 2, base, time.Hour)
	b := RefillKey("acct_1", 2, base.Add(40*time.Minute), time.Hour)
	if a != b {
		t.Fatalf("keys within one window differ: %s vs %s", a, b)
	}

	if c := RefillKey("acct_1", 2, base.Add(time.Hour), time.Hour); c == a {
		t.Error("next window should produce a new key")
	}
	if d := RefillKey("acct_1", 3, base, time.Hour); d == a {
		t.Error("a committed refill should advance the key")
	}
}

func TestRefundKeyIsDeterministic(t *testing.T) {
	if RefundKey("tx_1", "") != RefundKey("tx_1", "") {
		t.Fatal("refund key must be stable")
	}
	if RefundKey("tx_1", "") == RefundKey("tx_2", "") {
		t.Fatal("refund keys for different originals must differ")
	}
	if got := RefundKey("tx_1", ""); got != "refund:tx_1" {
		t.Errorf("RefundKey() = %q", got)
	}
	if RefundKey("tx_1", "r1") == RefundKey("tx_1", "r2") || RefundKey("tx_1", "r1") == RefundKey("tx_1", "") {
		t.Fatal("request keys must name distinct partial refunds")
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey("spend-123"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	for _, bad := range []string{"", "   ", "has space", strings.Repeat("k", MaxKeyLength+1)} {
		if err := ValidateKey(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestKeyFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/spend", nil)
	req.Header.Set(HeaderKey, "hdr-1")

	key, err := KeyFromRequest(req, "")
	if err != nil || key != "hdr-1" {
		t.Fatalf("header key: got %q, %v", key, err)
	}
	if _, err := KeyFromRequest(req, "body-1"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	plain := httptest.NewRequest("POST", "/v1/spend", nil)
	key, err = KeyFromRequest(plain, "body-1")
	if err != nil || key != "body-1" {
		t.Fatalf("body key: got %q, %v", key, err)
	}
	if _, err := KeyFromRequest(plain, ""); err == nil {
		t.Fatal("expected error when no key is supplied")
	}
}
