package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenvault/server/internal/circuitbreaker"
	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/httputil"
)

// ErrUnavailable wraps failures reaching the preferences service.
var ErrUnavailable = errors.New("preferences: service unavailable")

// HTTPProvider fetches preferences from GET {base}/{account_id}. A 404 means
// the account never opted in.
type HTTPProvider struct {
	baseURL  string
	client   *http.Client
	breakers *circuitbreaker.Manager
	defaults Pref
}

// NewHTTPProvider builds an HTTPProvider. breakers may be nil.
func NewHTTPProvider(cfg config.AutoRefillConfig, breakers *circuitbreaker.Manager) *HTTPProvider {
	timeout := cfg.PreferencesTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProvider{
		baseURL:  strings.TrimRight(cfg.PreferencesURL, "/"),
		client:   httputil.NewClient(timeout),
		breakers: breakers,
		defaults: Pref{Threshold: cfg.DefaultThreshold, Tokens: cfg.DefaultTokens},
	}
}

// AutoRefill implements Provider.
func (h *HTTPProvider) AutoRefill(ctx context.Context, accountID string) (Pref, error) {
	var pref Pref
	err := h.breakers.Run(circuitbreaker.ServicePreferences, func() error {
		var err error
		pref, err = h.fetch(ctx, accountID)
		return err
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return Pref{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return Pref{}, err
	}
	if pref.Threshold <= 0 {
		pref.Threshold = h.defaults.Threshold
	}
	if pref.Tokens <= 0 {
		pref.Tokens = h.defaults.Tokens
	}
	return pref, nil
}

func (h *HTTPProvider) fetch(ctx context.Context, accountID string) (Pref, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+url.PathEscape(accountID), nil)
	if err != nil {
		return Pref{}, fmt.Errorf("preferences: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Pref{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httputil.DrainAndClose(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Pref{}, nil
	case resp.StatusCode >= 300:
		return Pref{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var pref Pref
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&pref); err != nil {
		return Pref{}, fmt.Errorf("preferences: decode response: %w", err)
	}
	return pref, nil
}
