package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"clinic-api/internal/observability"
)

// IPThrottle is a sliding-window per-IP request limiter for the
// unauthenticated auth endpoints (login, refresh).
type IPThrottle struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
}

func NewIPThrottle(maxHits int, window time.Duration) *IPThrottle {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &IPThrottle{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)
		now := time.Now().UTC()

		allowed, retryAfter := t.allow(ip, now)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *IPThrottle) allow(ip string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	hits := t.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= t.maxHits {
		retryAfter := filtered[0].Add(t.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		t.hitByIP[ip] = filtered
		return false, retryAfter
	}

	filtered = append(filtered, now)
	t.hitByIP[ip] = filtered

	if len(t.hitByIP) > t.maxMemory {
		for key, value := range t.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(t.hitByIP, key)
			}
		}
	}

	return true, 0
}
