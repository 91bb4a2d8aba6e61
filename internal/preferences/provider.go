// Package preferences resolves per-account auto-refill settings owned by the
// user-preferences service.
package preferences

import (
	"context"
	"strings"

	"github.com/tokenvault/server/internal/config"
)

// Pref is an account's auto-refill preference.
type Pref struct {
	Enabled        bool   `json:"enabled"`
	Threshold      int64  `json:"threshold"`
	Tokens         int64  `json:"tokens"`
	PaymentMethod  string `json:"payment_method"`
	StripeCustomer string `json:"stripe_customer"`
}

// Provider returns the auto-refill preference for an account.
type Provider interface {
	AutoRefill(ctx context.Context, accountID string) (Pref, error)
}

// Static serves preferences from configuration. Accounts without an entry
// are disabled because there is no saved payment method to charge.
type Static struct {
	defaults Pref
	accounts map[string]Pref
}

// NewStatic builds a Static provider from the auto_refill config section.
func NewStatic(cfg config.AutoRefillConfig) *Static {
	s := &Static{
		defaults: Pref{Threshold: cfg.DefaultThreshold, Tokens: cfg.DefaultTokens},
		accounts: make(map[string]Pref, len(cfg.Accounts)),
	}
	for id, p := range cfg.Accounts {
		s.accounts[strings.TrimSpace(id)] = s.withDefaults(Pref{
			Enabled:        p.Enabled,
			Threshold:      p.Threshold,
			Tokens:         p.Tokens,
			PaymentMethod:  p.PaymentMethod,
			StripeCustomer: p.StripeCustomer,
		})
	}
	return s
}

// AutoRefill implements Provider.
func (s *Static) AutoRefill(_ context.Context, accountID string) (Pref, error) {
	if p, ok := s.accounts[accountID]; ok {
		return p, nil
	}
	return Pref{Threshold: s.defaults.Threshold, Tokens: s.defaults.Tokens}, nil
}

func (s *Static) withDefaults(p Pref) Pref {
	if p.Threshold <= 0 {
		p.Threshold = s.defaults.Threshold
	}
	if p.Tokens <= 0 {
		p.Tokens = s.defaults.Tokens
	}
	return p
}
