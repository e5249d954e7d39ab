package dashboard

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// RateLimiter implements a token bucket.
type RateLimiter struct {
	lastUpdate time.Time
	clock      quartz.Clock
	rate       float64
	burst      int
	tokens     float64
	mu         sync.Mutex
}

// NewRateLimiter allows rate requests per second with bursts of burst.
func NewRateLimiter(rate float64, burst int, clock quartz.Clock) *RateLimiter {
	return &RateLimiter{
		clock:      clock,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: clock.Now(),
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) idleSince() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastUpdate
}

// PerClientRateLimiter keeps one bucket per client address.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clock           quartz.Clock
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a per-client limiter. A nil clock uses
// the real clock.
func NewPerClientRateLimiter(rate float64, burst int, clock quartz.Clock) *PerClientRateLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &PerClientRateLimiter{
		clock:           clock,
		rate:            rate,
		burst:           burst,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     clock.Now(),
	}
}

// Allow reports whether clientKey may make a request now.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	pcrl.mu.Lock()
	now := pcrl.clock.Now()
	if now.Sub(pcrl.lastCleanup) > pcrl.cleanupInterval {
		for key, limiter := range pcrl.clients {
			if now.Sub(limiter.idleSince()) > pcrl.maxIdleTime {
				delete(pcrl.clients, key)
			}
		}
		pcrl.lastCleanup = now
	}
	limiter, ok := pcrl.clients[clientKey]
	if !ok {
		limiter = NewRateLimiter(pcrl.rate, pcrl.burst, pcrl.clock)
		pcrl.clients[clientKey] = limiter
	}
	pcrl.mu.Unlock()

	return limiter.Allow()
}

// Clients returns the number of tracked clients.
func (pcrl *PerClientRateLimiter) Clients() int {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()
	return len(pcrl.clients)
}

// PerClientRateLimitMiddleware rejects clients that exceed their bucket.
// The client is keyed by the host part of RemoteAddr, which chi's RealIP
// has already rewritten.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
			if !limiter.Allow(key) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
