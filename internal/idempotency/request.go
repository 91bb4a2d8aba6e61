package idempotency

import (
	"errors"
	"net/http"
	"strings"
)

// HeaderKey is the standard idempotency key header.
const HeaderKey = "Idempotency-Key"

// ErrKeyMismatch is returned when the header and body carry different keys.
var ErrKeyMismatch = errors.New("idempotency: header and body keys differ")

// KeyFromRequest resolves the operation key from the Idempotency-Key header or the
// body field. Both may be present only if they agree.
func KeyFromRequest(r *http.Request, bodyKey string) (string, error) {
	header := strings.TrimSpace(r.Header.Get(HeaderKey))
	bodyKey = strings.TrimSpace(bodyKey)

	key := bodyKey
	switch {
	case header != "" && bodyKey != "" && header != bodyKey:
		return "", ErrKeyMismatch
	case header != "":
		key = header
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}
