package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTimeout = 5 * time.Minute

type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles callers per client address with a token bucket for
// each named limit.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	trustProxy bool
	onReject   http.Handler

	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
	clockNow  func() time.Time
}

// RateLimiterOption customises a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithProxyHeaders keys clients by X-Real-IP / X-Forwarded-For. Only enable
// behind a proxy that overwrites those headers.
func WithProxyHeaders() RateLimiterOption {
	return func(r *RateLimiter) { r.trustProxy = true }
}

// WithRejectHandler replaces the default 429 response.
func WithRejectHandler(h http.Handler) RateLimiterOption {
	return func(r *RateLimiter) { r.onReject = h }
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger, opts ...RateLimiterOption) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.onReject == nil {
		r.onReject = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		})
	}
	return r
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := key + "|" + r.clientID(req)
			limiter := r.obtainLimiter(identifier, limit)
			if !limiter.Allow() {
				r.logger.Warn("rate limit exceeded", "limit", key, "client", r.clientID(req))
				r.onReject.ServeHTTP(w, req)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	entry, ok := r.visitors[id]
	if ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < visitorIdleTimeout {
		return
	}
	r.lastSweep = now
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= visitorIdleTimeout {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) visitorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if r.trustProxy {
		if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
		}
	}
	return ClientAddr(req)
}

// ClientAddr returns the host part of the request's remote address.
func ClientAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
