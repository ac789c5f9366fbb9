package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleClientAfter is the idle period after which a client's bucket is dropped.
const staleClientAfter = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	perMin int
	limit  rate.Limit
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

func newRateLimiter(perMin int) *rateLimiter {
	return &rateLimiter{
		perMin:  perMin,
		limit:   rate.Limit(float64(perMin) / 60.0),
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (l *rateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > staleClientAfter {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > staleClientAfter {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.perMin)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// middleware answers 429 with Retry-After once a client exhausts its
// budget. Health and metrics scrapes are exempt.
func (l *rateLimiter) middleware(exempt ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range exempt {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			lim := l.limiterFor(clientIP(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
			if !lim.AllowN(l.now(), 1) {
				retryAfter := int(time.Minute.Seconds() / float64(l.perMin))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				respondError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			remaining := int(lim.TokensAt(l.now()))
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
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
