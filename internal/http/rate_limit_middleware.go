package httpx

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleBucketTTL = 10 * time.Minute

// RateLimiter decides whether the caller identified by key may spend one
// request from a budget of limit per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	remaining int
	// reset is when the next request would be admitted; zero when unknown.
	reset time.Time
}

// memoryRateLimiter keeps one token bucket per key. A bucket holds limit
// tokens and refills at limit per window.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewMemoryRateLimiter keeps buckets in process. Suitable for a single API replica.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.evictIdle()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	every := rate.Every(window / time.Duration(limit))
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || b.lim.Burst() != limit || b.lim.Limit() != every {
		b = &bucket{lim: rate.NewLimiter(every, limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	d := rateDecision{allowed: allowed, remaining: max(int(math.Floor(tokens+1e-9)), 0), reset: now}
	if tokens < 1 {
		wait := time.Duration((1 - tokens) / float64(b.lim.Limit()) * float64(time.Second))
		d.reset = now.Add(wait)
	}
	return d
}

func (rl *memoryRateLimiter) evictIdle() {
	ticker := time.NewTicker(idleBucketTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stop:
			return
		}
	}
}

// sweep drops buckets untouched for idleBucketTTL; an idle bucket is full again anyway.
func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// rateRule is a request budget applied to a group of routes.
type rateRule struct {
	name   string
	limit  int
	window time.Duration
}

func (r *Router) withRateLimit(rule rateRule, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(req.Context(), rule.name+":"+key, rule.limit, rule.window)
		r.applyRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.metrics.rateLimited(rule.name, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authed requires a bearer token and then applies rule keyed by user.
func (r *Router) authed(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(rule, rateLimitKeyUser, next))
}

// admin is authed restricted to platform administrators.
func (r *Router) admin(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAdmin(r.withRateLimit(rule, rateLimitKeyUser, next))
}

func (r *Router) public(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.withRateLimit(rule, rateLimitKeyIP, next)
}

func rateLimitKeyUser(req *http.Request) string {
	if info, ok := authFrom(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
