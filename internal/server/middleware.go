package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxTenantID  contextKey = "tenant_id"
)

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxRequestID).(string); ok {
		return id
	}
	return ""
}

func tenantID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxTenantID).(string); ok {
		return id
	}
	return ""
}

// withRequestID tags every request with a UUID, echoed in the envelope and
// the X-Request-ID response header.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth resolves the tenant. With API keys configured the X-API-Key
// header is mandatory and the key fixes the tenant; the client cannot name
// a tenant directly. With no keys configured (local development) the
// X-Tenant-ID header is honored, defaulting to "local".
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tenant string
		if len(s.apiKeys) > 0 {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				s.fail(w, r, http.StatusUnauthorized, codeUnauth, "missing X-API-Key", nil)
				return
			}
			var ok bool
			tenant, ok = s.apiKeys[key]
			if !ok {
				s.fail(w, r, http.StatusUnauthorized, codeUnauth, "unknown API key", nil)
				return
			}
		} else {
			tenant = r.Header.Get("X-Tenant-ID")
			if tenant == "" {
				tenant = "local"
			}
		}
		ctx := context.WithValue(r.Context(), ctxTenantID, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withLogging emits one structured log line per request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", requestID(r)).
			Msg("http.request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// rateLimiters hands out one token bucket per caller identity.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *rateLimiters) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// withRateLimit bounds request throughput per tenant.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.get(tenantID(r)).Allow() {
			s.fail(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
