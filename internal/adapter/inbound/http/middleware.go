// Package http provides the HTTP transport adapter for the decision service.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/ctxkey"
)

// contextKey is a package-private context key type, avoiding collisions
// with other packages' keys.
type contextKey int

const (
	requestIDContextKey contextKey = iota
	apiKeyContextKey
	realIPContextKey
)

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey

// LoggerKey is the context key for the enriched logger.
// Uses the shared key type from ctxkey so other packages can read it
// without importing this package.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// APIKeyMiddleware extracts the presented API key from the x-api-key header
// (§6) and stores it in context for the decision handler. A missing header
// is not rejected here -- the handler maps the empty-key case to
// INVALID_API_KEY so every auth failure funnels through the same §7 mapping.
func APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")
		ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyFromContext retrieves the presented API key stored by
// APIKeyMiddleware, or "" if none was presented.
func APIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey).(string)
	return key
}

// RealIPMiddleware extracts the client's real IP address for logging and
// operational diagnostics. It checks X-Forwarded-For and X-Real-IP headers
// (for reverse proxy support), falling back to r.RemoteAddr if no proxy
// headers are present. Only the first IP in X-Forwarded-For is trusted to
// avoid spoofing.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), realIPContextKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RealIPFromContext retrieves the client IP stored by RealIPMiddleware.
func RealIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(realIPContextKey).(string)
	return ip
}

// extractRealIP extracts the client's real IP address from the request.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSMiddleware answers CORS preflight requests and annotates actual
// responses with the headers browsers require to read them cross-origin.
// Unlike the teacher's origin-allowlist gate, the decision endpoint is a
// server-to-server API with no browser session to protect, so every origin
// is reflected rather than checked against an allowlist (§4.7).
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DeadlineMiddleware bounds the request context to ms milliseconds, per
// §5's per-request deadline: every store call made downstream inherits
// this context, so a stuck call cannot hold the session lock forever.
func DeadlineMiddleware(ms int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ms <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), time.Duration(ms)*time.Millisecond)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key")
	w.Header().Set("Access-Control-Max-Age", "86400")
}
