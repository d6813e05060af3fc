package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/session-auth/internal/logging"
)

// RateLimiter throttles form submissions per client IP and username, so a
// single client cannot brute-force one account and many accounts can still
// log in from behind the same NAT.
type RateLimiter struct {
	limiters sync.Map // key → *rate.Limiter
	limit    rate.Limit
	burst    int
	logger   *slog.Logger

	mu          sync.Mutex
	lastCleanup time.Time
	now         func() time.Time
}

// cleanupInterval is how often idle limiters are dropped.
const cleanupInterval = 5 * time.Minute

// NewRateLimiter allows perMinute attempts per key with the given burst.
func NewRateLimiter(perMinute float64, burst int, logger *slog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:       rate.Limit(perMinute / 60),
		burst:       burst,
		logger:      logger,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Only POST requests are counted; page loads pass through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.key(r)
		limiter := rl.limiter(key)

		now := rl.now()
		if limiter.AllowN(now, 1) {
			next.ServeHTTP(w, r)
			return
		}

		// Ask when the next token arrives without consuming it.
		res := limiter.ReserveN(now, 1)
		retryAfter := max(int(res.DelayFrom(now).Round(time.Second).Seconds()), 1)
		res.CancelAt(now)

		logging.FromContext(r.Context(), rl.logger).Warn("rate limit exceeded",
			slog.String("key", key),
			slog.String("path", r.URL.Path),
			slog.Int("retryAfter", retryAfter),
		)

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeTooMany(w)
	})
}

func (rl *RateLimiter) key(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	// Usernames are case-insensitive, so "Alice" and "alice" share a bucket.
	return ip + "|" + strings.ToLower(r.PostFormValue("username"))
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	l, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.limit, rl.burst))
	rl.maybeCleanup()
	return l.(*rate.Limiter)
}

// maybeCleanup drops limiters whose bucket has refilled, i.e. keys that
// have been idle long enough to start from scratch anyway.
func (rl *RateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) < cleanupInterval {
		return
	}
	rl.lastCleanup = now

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).TokensAt(now) >= float64(rl.burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
}

func writeTooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"status":"Too many attempts, try again later"}` + "\n"))
}
