// Package identity implements the daemon's thin access check: a shared
// secret propagated as an error code, nothing more.
package identity

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// SecretHeader carries the client's shared secret.
const SecretHeader = "X-CheckRelay-Secret"

type authError struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// Middleware rejects requests that do not carry the configured secret. An
// empty secret disables the check entirely (open server). A missing header
// maps to AUTH_DENIED, a wrong one to UNAUTHORIZED.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(SecretHeader)
			if got == "" {
				writeAuthError(w, http.StatusUnauthorized, authError{
					Error: "authentication required", Code: domain.CodeAuthDenied,
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeAuthError(w, http.StatusForbidden, authError{
					Error: "invalid credentials", Code: domain.CodeUnauthorized,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, body authError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
