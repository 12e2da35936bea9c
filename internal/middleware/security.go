package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses. Export
// and cipher responses carry secret key material and ciphertext, so caching
// is forbidden outright.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Key material must never land in any cache
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Pragma", "no-cache")
			// Prevent clickjacking
			w.Header().Set("X-Frame-Options", "DENY")
			// Prevent MIME type sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")
			// Strict Transport Security (only if TLS)
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Content Security Policy: pure JSON API, nothing may load
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			// Referrer Policy: key IDs appear in URLs
			w.Header().Set("Referrer-Policy", "no-referrer")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter implements a token bucket rate limiter keyed per client and
// key handle, so one hot key cannot consume a client's entire budget while
// still bounding the load any one key puts on the module session.
type RateLimiter struct {
	mu              sync.Mutex
	buckets         map[string]*tokenBucket
	limit           int           // requests per window
	window          time.Duration // time window
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *logrus.Logger
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window * 2,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// cleanup periodically removes stale buckets to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, bucket := range rl.buckets {
				if now.Sub(bucket.lastUpdate) > rl.cleanupInterval {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// Allow checks if a request under the given bucket key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.buckets[key]

	if !exists {
		rl.buckets[key] = &tokenBucket{
			tokens:     rl.limit - 1,
			lastUpdate: now,
		}
		return true
	}

	// Refill tokens once the window has elapsed
	elapsed := now.Sub(bucket.lastUpdate)
	if elapsed >= rl.window {
		bucket.tokens = rl.limit - 1
		bucket.lastUpdate = now
		return true
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		bucket.lastUpdate = now
		return true
	}

	return false
}

// getClientKey extracts a key to identify the client (IP address).
func getClientKey(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Fall back to RemoteAddr
	return r.RemoteAddr
}

// limitKey builds the bucket key: client address plus the key handle the
// request addresses, when it addresses one.
func limitKey(r *http.Request) string {
	client := getClientKey(r)
	if keyID, _ := extractKeyOperation(r.Method, r.URL.Path); keyID != "" {
		return client + "|" + keyID
	}
	return client
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucketKey := limitKey(r)

			if !limiter.Allow(bucketKey) {
				keyID, _ := extractKeyOperation(r.Method, r.URL.Path)
				limiter.logger.WithFields(logrus.Fields{
					"client": getClientKey(r),
					"key_id": keyID,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"code":"RateLimited","message":"Rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
