package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const requestIDKey ctxKey = 0

const requestIDHeader = "X-Request-ID"

// RequestIDFrom returns the request ID minted or propagated by the
// middleware.
func RequestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID propagates a client-supplied X-Request-ID or mints one as
// req-<16 hex chars>. The ID is echoed in the response header and carried in
// the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			var buf [8]byte
			_, _ = rand.Read(buf[:])
			id = "req-" + hex.EncodeToString(buf[:])
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// exemptPrefixes are served without authentication: health checks, static
// pages, docs, websocket upgrades and the context-test UI family.
var exemptPrefixes = []string{
	"/health",
	"/metrics",
	"/static",
	"/docs",
	"/openapi",
	"/ws",
	"/context-test",
}

func authExempt(path string) bool {
	for _, p := range exemptPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// BearerAuth enforces the process-wide static bearer token. A configured
// value with a bcrypt prefix is treated as a hash of the token; anything
// else is compared in constant time. An empty configured token disables
// auth entirely.
func BearerAuth(configured string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if configured == "" || authExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !TokenMatches(configured, presented) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenMatches compares a presented token against the configured value,
// which may be either the plaintext token or a bcrypt hash of it.
func TokenMatches(configured, presented string) bool {
	if presented == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// Recoverer traps panics, logs the stack with the request ID, and returns
// the standard 500 body.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("request_id", RequestIDFrom(r)),
						slog.String("stack", string(debug.Stack())),
					)
					jsonError(w, r, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
