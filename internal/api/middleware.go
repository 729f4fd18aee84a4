package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"securenotes-backend/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// contextKey is private to avoid collisions with other context values.
type contextKey string

const claimsContextKey = contextKey("claims")

// AuthMiddleware opens the bearer token, checks its session and stores the
// claims in the request context. The token comes from the Authorization
// header, or from the token cookie when the header is absent.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.respondWithError(w, http.StatusUnauthorized, "missing or malformed authorization")
			return
		}

		claims, err := h.users.Authenticate(r.Context(), token)
		if err != nil {
			h.respondWithServiceError(w, r, err)
			return
		}

		logger := hlog.FromRequest(r).With().
			Str("user_id", claims.UserID.String()).
			Str("session_id", claims.SessionID.String()).
			Logger()
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	return "", false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Metrics records request count and latency per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
