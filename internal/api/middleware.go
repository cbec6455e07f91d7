package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/logging"
)

// authenticate admits requests carrying "Authorization: Bearer <token>".
func authenticate(token string, logger *logrus.Entry) func(http.Handler) http.Handler {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				fail(w, r, http.StatusUnauthorized, "Authorization header not found")
				return
			}

			scheme, supplied, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(supplied) == "" {
				fail(w, r, http.StatusUnauthorized, "Token not found")
				return
			}

			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(supplied)), expected) != 1 {
				logger.WithFields(logging.Fields{
					"event":      "api_auth_failed",
					"path":       r.URL.Path,
					"request_id": middleware.GetReqID(r.Context()),
				}).Warn("rejected api request with invalid token")
				fail(w, r, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// timeout bounds the request context.
func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			defer func() {
				logger.WithFields(logging.Fields{
					"event":       "api_request",
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"size":        ww.BytesWritten(),
					"duration_ms": time.Since(started).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
				}).Info("api request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
