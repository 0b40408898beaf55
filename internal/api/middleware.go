package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const ownerContextKey contextKey = "authorizedParty"

// authorizedPartyHeader names the caller identity established upstream by
// the gateway; authentication itself is outside this service.
const authorizedPartyHeader = "X-Authorized-Party"

// authorizedParty requires a caller identity on every request it guards.
// The identity becomes the owner scope for all job queries and
// cancellations, so a request without one is rejected outright.
func (s *Server) authorizedParty(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		party := r.Header.Get(authorizedPartyHeader)
		if party == "" {
			writeError(w, http.StatusUnauthorized, "missing authorized party")
			return
		}
		ctx := context.WithValue(r.Context(), ownerContextKey, party)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	party, _ := r.Context().Value(ownerContextKey).(string)
	return party
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
