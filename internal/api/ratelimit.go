package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// evictAfter is how long an idle client keeps its limiter before the pool
// drops it.
const evictAfter = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per client IP. Eviction is lazy:
// every sweepEvery lookups the pool drops limiters idle longer than
// evictAfter, so no background goroutine is needed.
type limiterPool struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
	lookups int
}

const sweepEvery = 256

func newLimiterPool(rps int) *limiterPool {
	return &limiterPool{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   rps,
	}
}

func (p *limiterPool) allow(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lookups++
	if p.lookups%sweepEvery == 0 {
		cutoff := time.Now().Add(-evictAfter)
		for k, c := range p.clients {
			if c.lastSeen.Before(cutoff) {
				delete(p.clients, k)
			}
		}
	}

	c, ok := p.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// RateLimit throttles document submission to rps req/s per client IP, with a
// burst equal to the rate. Reads stay unthrottled so status polling is never
// rejected. An rps of 0 disables limiting.
func RateLimit(rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	pool := newLimiterPool(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/v1/documents" {
				if !pool.allow(clientIP(r)) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// X-Forwarded-For may be "client, proxy1, proxy2" — take the first.
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	// Strip port from RemoteAddr.
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
