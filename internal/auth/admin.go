package auth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/logger"
)

// AdminHeader carries the operator key on admin routes.
const AdminHeader = "X-Admin-Key"

const adminKey contextKey = "auth_admin"

// AdminMiddleware requires an X-Admin-Key whose bcrypt hash matches keyHash.
// An empty keyHash disables every admin route.
func AdminMiddleware(keyHash string) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(keyHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "admin API disabled")
				return
			}
			key := strings.TrimSpace(r.Header.Get(AdminHeader))
			if key == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "admin key required")
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
				log := logger.FromContext(r.Context())
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("auth.admin_rejected")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, true)))
		})
	}
}

// IsAdmin reports whether the request passed AdminMiddleware.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(adminKey).(bool)
	return ok
}

// HashAdminKey returns the bcrypt hash to store in auth.admin_key_hash.
func HashAdminKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
