package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/postflow/governor/internal/registry"
)

type contextKey string

const workerIDKey contextKey = "worker_id"

// workerIDFrom reads the authenticated worker id set by requireWorkerAuth
func workerIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(workerIDKey).(string)
	return id
}

// requireWorkerAuth resolves the bearer token to a worker id and applies the
// per-worker rate limit. Unauthenticated requests never reach a limiter, so
// token guessing cannot exhaust limiter state.
func (s *Server) requireWorkerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		workerID, err := s.registry.Authenticate(r.Context(), token)
		if err != nil {
			if err == registry.ErrInvalidToken {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			writeError(w, http.StatusInternalServerError, "authentication failed: %v", err)
			return
		}

		if !s.limiter.allow(workerID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), workerIDKey, workerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// workerLimiter keeps one token bucket per worker id. Buckets live for the
// process lifetime; the fleet is small and bounded by registration.
type workerLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func newWorkerLimiter(r float64, burst int) *workerLimiter {
	if r <= 0 {
		r = 10
	}
	if burst < 1 {
		burst = int(r) * 2
	}
	return &workerLimiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(r),
		burst:   burst,
	}
}

func (l *workerLimiter) allow(workerID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[workerID]
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets[workerID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
