package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const unauthorizedBody = `{"title":"Unauthorized","status":401,"detail":"Invalid or missing realtime token."}`

// RealtimeToken rejects requests that do not carry the shared realtime token.
// Accepted requests get a client id in their context.
func RealtimeToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidToken(expected, TokenFromRequest(r)) {
				log.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("auth: realtime token rejected")
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(unauthorizedBody))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context())))
		})
	}
}

// TokenFromRequest returns the token from the "token" query parameter, falling
// back to an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return extractBearer(r)
}

// ValidToken reports whether got matches expected. An empty expected token
// never matches.
func ValidToken(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
