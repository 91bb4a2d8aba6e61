// Package auth resolves the calling account and guards admin routes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/logger"
)

type contextKey string

const accountKey contextKey = "auth_account_id"

var (
	// ErrMissingCredentials is returned when neither a bearer token nor the trusted header is present.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidToken is returned for malformed, expired or wrongly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Config configures account authentication.
type Config struct {
	// JWTSecret is the HS256 key. When empty, TrustedHeader is read instead
	// and the upstream gateway is trusted to have authenticated the caller.
	JWTSecret     string
	Issuer        string
	Leeway        time.Duration
	TrustedHeader string
}

// Authenticator extracts the account id from a request.
type Authenticator struct {
	cfg    Config
	parser *jwt.Parser
}

// NewAuthenticator builds an Authenticator.
func NewAuthenticator(cfg Config) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.TrustedHeader == "" {
		cfg.TrustedHeader = "X-Account-ID"
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// AccountID authenticates r and returns the account it acts for.
func (a *Authenticator) AccountID(r *http.Request) (string, error) {
	if a.cfg.JWTSecret == "" {
		id := strings.TrimSpace(r.Header.Get(a.cfg.TrustedHeader))
		if id == "" {
			return "", ErrMissingCredentials
		}
		return id, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrMissingCredentials
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.Join(ErrInvalidToken, errors.New("missing subject"))
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// account id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := a.AccountID(r)
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Debug().Err(err).Msg("auth.rejected")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, accountID)
		ctx = logger.WithAccount(ctx, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountFromContext returns the authenticated account id, if any.
func AccountFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountKey).(string)
	return id, ok && id != ""
}

// WithAccount stores an account id in ctx. Used by tests and internal callers.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}
