// Package httputil builds the outbound HTTP clients used for realtime
// notifications and preference lookups.
package httputil

import (
	"io"
	"net/http"
	"time"
)

// UserAgent identifies the ledger on outbound calls.
const UserAgent = "tokenvault-server/1"

// maxDrainBytes bounds how much of an unread body is consumed so the
// connection can be reused.
const maxDrainBytes = 64 << 10

// NewClient returns a client with timeout and pooled keep-alive connections
// to the few hosts the ledger talks to.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: userAgentTransport{base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		}},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose discards the rest of the body and closes it.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}
