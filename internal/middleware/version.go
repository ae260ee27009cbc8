// Package middleware provides HTTP middleware for the checkrelay API.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// VersionHeader carries the client's protocol version. The protocol has no
// partial compatibility: a client on a different revision fails fast with
// API_MISMATCH instead of drifting behaviorally.
const VersionHeader = "X-CheckRelay-API"

// APIVersion rejects requests whose declared protocol version differs from
// the server's.
func APIVersion(serverVersion int) func(http.Handler) http.Handler {
	want := strconv.Itoa(serverVersion)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(VersionHeader)
			if got != want {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": "client protocol version " + got + " does not match server version " + want,
					"code":  domain.CodeAPIMismatch,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
