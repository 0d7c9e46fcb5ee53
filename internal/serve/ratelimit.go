package serve

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes the per-client token bucket Pipeline.Submit
// checks ahead of the engine's own admission policy — a request a
// client is throttled on never reaches queueOrder/admission at all, the
// same "throttle before you even try to admit" ordering
// digitallysavvy-go-ai's TokenBucketLimiter demonstrates at the HTTP
// middleware layer, moved one layer down into Submit; the gin middleware
// in internal/serve/http does no rate limiting (C8's handlers call
// Submit directly).
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiter tracks one client key's token bucket plus simple
// lifetime counters, mirroring TokenBucketLimiter's Allowed/Throttled
// bookkeeping.
type clientLimiter struct {
	limiter   *rate.Limiter
	allowed   int64
	throttled int64
}

// RateLimiter gates Submit calls per client key (e.g. an API key or
// remote address) before they reach the engine. A nil *RateLimiter is
// valid and allows everything — rate limiting is opt-in configuration,
// not a hidden default.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter builds a RateLimiter; cfg.Burst defaults to 1 if unset.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{cfg: cfg, clients: make(map[string]*clientLimiter)}
}

// Allow reports whether key may submit a request right now, recording
// the decision in that client's running stats.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst)}
		r.clients[key] = c
	}

	if c.limiter.Allow() {
		c.allowed++
		return true
	}
	c.throttled++
	return false
}
