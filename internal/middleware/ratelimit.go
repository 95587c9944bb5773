package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/ts-mediagw/internal/api"
	"github.com/technosupport/ts-mediagw/internal/auth"
	"github.com/technosupport/ts-mediagw/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter     *ratelimit.Limiter
	ipLimit     ratelimit.LimitConfig
	clientLimit ratelimit.LimitConfig
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, ipLimit, clientLimit ratelimit.LimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, ipLimit: ipLimit, clientLimit: clientLimit}
}

// Limit applies an IP-scoped window, then a client-scoped window for
// authenticated requests. Redis outages fail closed for /v2/auth/* and
// open everywhere else.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		key := fmt.Sprintf("rl:ip:%s", m.limiter.HashIP(ip))

		decision, err := m.limiter.CheckRateLimit(r.Context(), key, m.ipLimit)
		if err != nil {
			if strings.HasPrefix(r.URL.Path, "/v2/auth/") {
				log.Printf("[ratelimit] redis error on auth path, failing closed: %v", err)
				api.WriteError(w, r, http.StatusServiceUnavailable, api.CodeRateLimited, "rate limiter unavailable", nil)
				return
			}
			log.Printf("[ratelimit] redis error, failing open: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			m.writeHeaders(w, decision)
			api.WriteError(w, r, http.StatusTooManyRequests, api.CodeRateLimited, "rate limit exceeded", nil)
			return
		}

		if ac, ok := auth.GetAuthContext(r.Context()); ok {
			clientKey := fmt.Sprintf("rl:client:%s", ac.ClientID)
			cd, err := m.limiter.CheckRateLimit(r.Context(), clientKey, m.clientLimit)
			if err == nil && !cd.Allowed {
				m.writeHeaders(w, cd)
				api.WriteError(w, r, http.StatusTooManyRequests, api.CodeRateLimited, "client rate limit exceeded", nil)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) writeHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
