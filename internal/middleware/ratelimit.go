package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"threatline/internal/config"
)

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	cfg         config.RateLimitConfig
	clients     map[string]*clientState
	mu          sync.Mutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
	logger      *slog.Logger

	limited atomic.Uint64
	allowed atomic.Uint64
}

// clientState tracks the bucket for a single client IP.
type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	exemptPaths := make(map[string]bool)
	for _, path := range cfg.ExemptPaths {
		exemptPaths[path] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exemptPaths,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
		logger:      logger.With("component", "ratelimit"),
	}

	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

// Allow reports whether a request from ip may proceed, the whole tokens
// left in its bucket, and how long until the next token.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	client, exists := rl.clients[ip]
	if !exists {
		client = &clientState{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.burst()),
		}
		rl.clients[ip] = client
	}
	client.lastSeen = now
	rl.mu.Unlock()

	if !client.limiter.AllowN(now, 1) {
		rl.limited.Add(1)
		return false, 0, rl.retryAfter(client.limiter, now)
	}

	rl.allowed.Add(1)
	remaining := int(math.Floor(client.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, 0
}

func (rl *RateLimiter) burst() int {
	if rl.cfg.Burst > 0 {
		return rl.cfg.Burst
	}
	return int(math.Max(1, math.Ceil(rl.cfg.RequestsPerSecond)))
}

func (rl *RateLimiter) retryAfter(l *rate.Limiter, now time.Time) time.Duration {
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// cleanupLoop periodically drops idle clients.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes clients not seen within the idle timeout.
func (rl *RateLimiter) cleanup() {
	idle := rl.cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	threshold := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		if client.lastSeen.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt checks if a path is exempt from rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Stats returns current rate limiter statistics for monitoring.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()

	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// RateLimit returns middleware that rejects clients exceeding their bucket
// with 429 Too Many Requests.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, rl.cfg.TrustProxy)
			allowed, remaining, wait := rl.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			if !allowed {
				rl.logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)

				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"Too many requests. Please try again later.","retry_after":%d}`, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from the request. With trustProxy the
// rightmost X-Forwarded-For entry wins since the nearest proxy set it.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
