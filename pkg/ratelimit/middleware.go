package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

// Config holds per-client limits for the credential endpoints
type Config struct {
	Capacity   int     // burst
	RefillRate float64 // requests per second
	BucketTTL  time.Duration
	Now        func() time.Time
}

// PerMinute builds a Config allowing burst requests at once and perMinute sustained
func PerMinute(burst, perMinute int) Config {
	return Config{
		Capacity:   burst,
		RefillRate: float64(perMinute) / 60.0,
		BucketTTL:  time.Hour,
	}
}

// Limiter decides whether key may proceed and, if not, how long to wait
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Middleware throttles requests by client IP
type Middleware struct {
	limiter Limiter
	local   *RateLimiter
}

// NewMiddleware throttles with in-process token buckets
func NewMiddleware(cfg Config) *Middleware {
	local := NewRateLimiter(cfg.Capacity, cfg.RefillRate, cfg.BucketTTL, cfg.Now)
	return &Middleware{limiter: localLimiter{local}, local: local}
}

// NewSharedMiddleware throttles with a limiter shared between instances
func NewSharedMiddleware(limiter Limiter) *Middleware {
	return &Middleware{limiter: limiter}
}

type localLimiter struct {
	rl *RateLimiter
}

func (l localLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	ok, wait := l.rl.Allow(key)
	return ok, wait, nil
}

// Run sweeps idle buckets every interval until ctx is done. It returns
// immediately for shared limiters, whose keys expire on their own.
func (m *Middleware) Run(ctx context.Context, interval time.Duration) {
	if m.local == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.local.Sweep(); n > 0 {
				slog.Debug("Swept idle rate limit buckets", "removed", n)
			}
		}
	}
}

// Handler rejects requests over the limit with 429 and RATE_LIMITED
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, wait, err := m.limiter.Allow(r.Context(), ip)
		if err != nil {
			slog.Warn("Rate limiter unavailable, allowing request", "ip", ip, "error", err)
			ok = true
		}
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			apperrors.Render(w, r, apperrors.New(apperrors.ErrCodeRateLimited, "too many requests, try again later").
				WithDetail("retryAfterSeconds", seconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses RemoteAddr, which chi's RealIP middleware has already
// rewritten from proxy headers when present
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
