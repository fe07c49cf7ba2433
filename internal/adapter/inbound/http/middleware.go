// Package http is the inbound HTTP transport: routing, middleware,
// health, and metrics for the key service.
package http

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keymint/keymint/internal/ctxkey"
)

// defaultRequestTimeout bounds one request end to end. Store round
// trips carry their own tighter connection deadlines.
const defaultRequestTimeout = 5 * time.Second

// RequestIDMiddleware extracts or generates a request ID, stores it and
// an enriched logger in the context, and echoes the ID in the response.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the request-scoped logger.
// Returns slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// TimeoutMiddleware applies the per-request deadline. Every store
// operation downstream inherits it through the context.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminGate enforces the shared-secret bearer gate on admin routes.
// The comparison runs over fixed-length digests so timing reveals
// nothing about the secret. With no secret configured, admin routes
// answer 503 rather than running ungated.
func AdminGate(sharedSecret string) func(http.Handler) http.Handler {
	secretDigest := sha256.Sum256([]byte(sharedSecret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sharedSecret == "" {
				writeError(w, http.StatusServiceUnavailable, "admin_disabled",
					"admin endpoints are disabled: no shared secret configured")
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			presented := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare(presented[:], secretDigest[:]) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin credentials")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
