package manager

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuthConfig controls the API's bearer-token gate and per-IP rate limit.
// With no APIKey set, authentication is off but the rate limit still applies.
type AuthConfig struct {
	APIKey string
	// Disabled turns auth off even when APIKey is set.
	Disabled bool
	// RateLimit is requests per minute per client IP (default 60).
	RateLimit int
}

// AuthConfigFromEnv reads MODELCTL_API_KEY, MODELCTL_AUTH_DISABLED, and
// MODELCTL_RATE_LIMIT.
func AuthConfigFromEnv() AuthConfig {
	cfg := AuthConfig{
		APIKey:   os.Getenv("MODELCTL_API_KEY"),
		Disabled: strings.EqualFold(os.Getenv("MODELCTL_AUTH_DISABLED"), "true"),
	}
	if v, err := strconv.Atoi(os.Getenv("MODELCTL_RATE_LIMIT")); err == nil && v > 0 {
		cfg.RateLimit = v
	}
	return cfg
}

func (c AuthConfig) authEnabled() bool {
	return c.APIKey != "" && !c.Disabled
}

func (c AuthConfig) limit() int {
	if c.RateLimit > 0 {
		return c.RateLimit
	}
	return 60
}

// rateLimiter is a sliding one-minute window per client IP.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string][]time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{limit: limit, windows: map[string][]time.Time{}}
}

func (rl *rateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := rl.windows[ip][:0]
	for _, ts := range rl.windows[ip] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rl.limit {
		rl.windows[ip] = kept
		return false, 0
	}
	rl.windows[ip] = append(kept, now)
	return true, rl.limit - len(kept) - 1
}

// publicPaths skip authentication, matching convention for health probes.
var publicPaths = map[string]bool{
	"/":           true,
	"/api/health": true,
}

// authMiddleware enforces the bearer token and the rate limit, and stamps
// security and rate-limit headers on every response.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	limiter := newRateLimiter(cfg.limit())
	if cfg.authEnabled() {
		log.Info().Int("rate_limit", cfg.limit()).Msg("api authentication enabled")
	} else {
		log.Warn().Int("rate_limit", cfg.limit()).Msg("api authentication disabled")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			securityHeaders(w)

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.authEnabled() && !verifyBearer(r, cfg.APIKey) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}

			ip := clientIP(r)
			allowed, remaining := limiter.allow(ip)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func securityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
}

// verifyBearer compares token digests in constant time.
func verifyBearer(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := sha256.Sum256([]byte(strings.TrimPrefix(auth, "Bearer ")))
	want := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// clientIP resolves the original client through reverse-proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
