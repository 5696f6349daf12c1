package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client token-bucket limiter the server
// installs in front of every route, GET /report included. A report dispatch can be expensive to build on a cache miss
// (spec §4.10 drives the full C6/C7/C8 pipeline), so this sits in front of
// the dispatcher rather than relying on the cache alone to absorb load.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate of each client's bucket.
	RequestsPerSecond float64
	// Burst is the bucket depth: how many requests a client may issue
	// back-to-back before the sustained rate applies.
	Burst int
}

// staleAfter is how long an idle client's bucket is kept before the next
// sweep drops it; buckets refill to full well before this, so dropping one
// never grants extra requests.
const staleAfter = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a token bucket per client IP, answering 429 with the
// standard rate-limit headers once a bucket runs dry. Stale buckets are
// pruned opportunistically during request handling rather than by a
// background goroutine, so the middleware holds no resources a test or a
// short-lived process would leak.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	var (
		mu        sync.Mutex
		buckets   = map[string]*bucket{}
		lastSweep = time.Now()
	)

	acquire := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(lastSweep) > staleAfter/2 {
			for key, b := range buckets {
				if now.Sub(b.lastSeen) > staleAfter {
					delete(buckets, key)
				}
			}
			lastSweep = now
		}

		b, ok := buckets[ip]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			buckets[ip] = b
		}
		b.lastSeen = now
		return b.lim
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := acquire(clientIP(r))

			res := lim.Reserve()
			if !res.OK() {
				writeRateLimited(w, 0)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				writeRateLimited(w, int(delay.Seconds())+1)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP address from the request, stripping the
// port. Only uses RemoteAddr — X-Forwarded-For is untrusted and ignored to
// prevent a client from picking its own rate-limit bucket by spoofing the
// header, since ducksearch is not assumed to sit behind a proxy that
// strips/rewrites it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimited answers 429 in the same {error_code, message} JSON shape
// every other ducksearch error body uses (spec §6.3).
func writeRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_code": "RateLimited",
		"message":    "rate limit exceeded",
	})
}
