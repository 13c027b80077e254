package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Authenticate validates the static control-plane bearer token with a
// constant-time comparison. A missing or mismatched token is a 401. Browser
// websocket clients cannot set request headers, so when no Authorization
// header is present a token query parameter is accepted instead.
func Authenticate(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var got []byte
			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					errJSON(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
					return
				}
				got = []byte(strings.TrimSpace(parts[1]))
			} else if q := r.URL.Query().Get("token"); q != "" {
				got = []byte(strings.TrimSpace(q))
			} else {
				errJSON(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
				return
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				logger.Warn("rejected request with invalid token",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr))
				errJSON(w, http.StatusUnauthorized, "invalid token", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}
