// ABOUTME: Per-client rate limiting with LRU-evicted token buckets
// ABOUTME: Keys are validated token signatures or masked client IPs

package proxy

import (
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache/lru"
	"golang.org/x/time/rate"

	"github.com/SatGate-io/satgate-sub000/internal/config"
	"github.com/SatGate-io/satgate-sub000/internal/netutil"
)

// DefaultMaxCacheSize caps the number of live limiter entries.
const DefaultMaxCacheSize = 10_000

// compiledRule is a rate limit rule with its path pattern compiled.
type compiledRule struct {
	cfg     config.RateLimitRule
	pattern *regexp.Regexp // nil matches every path
}

func (r *compiledRule) matches(path string) bool {
	return r.pattern == nil || r.pattern.MatchString(path)
}

func (r *compiledRule) limit() rate.Limit {
	if r.cfg.Per <= 0 {
		return rate.Limit(r.cfg.Requests)
	}
	return rate.Limit(float64(r.cfg.Requests) / r.cfg.Per.Seconds())
}

func (r *compiledRule) burst() int {
	if r.cfg.Burst > 0 {
		return r.cfg.Burst
	}
	return r.cfg.Requests
}

// limiterKey is a composite cache key. A struct keeps the rule pattern
// as a shared string reference instead of concatenating per entry.
type limiterKey struct {
	clientKey   string
	pathPattern string
}

// limiterEntry wraps a rate.Limiter for the LRU cache.
type limiterEntry struct {
	limiter *rate.Limiter
}

// Size implements cache.Value; entries count as 1 each.
func (e *limiterEntry) Size() (uint64, error) { return 1, nil }

// RateLimiter applies the configured rules to incoming requests.
type RateLimiter struct {
	mu    sync.Mutex
	rules []*compiledRule
	cache *lru.Cache[limiterKey, *limiterEntry]
}

// NewRateLimiter compiles the configured rules. Patterns were already
// validated at config load.
func NewRateLimiter(rules []config.RateLimitRule) (*RateLimiter, error) {
	rl := &RateLimiter{
		cache: lru.NewCache[limiterKey, *limiterEntry](uint64(DefaultMaxCacheSize)),
	}
	for _, r := range rules {
		cr := &compiledRule{cfg: r}
		if r.PathRegexp != "" {
			pattern, err := regexp.Compile(r.PathRegexp)
			if err != nil {
				return nil, err
			}
			cr.pattern = pattern
		}
		rl.rules = append(rl.rules, cr)
	}
	return rl, nil
}

// Allow checks every rule matching the request path. All matching
// rules must admit the request; if any denies, no rule consumes a
// token and the suggested retry delay is returned.
func (rl *RateLimiter) Allow(path, clientKey string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	type pending struct {
		rule *compiledRule
		res  *rate.Reservation
	}
	var reservations []pending

	for _, rule := range rl.rules {
		if !rule.matches(path) {
			continue
		}
		limiter := rl.limiterFor(limiterKey{
			clientKey:   clientKey,
			pathPattern: rule.cfg.PathRegexp,
		}, rule)
		reservations = append(reservations, pending{rule, limiter.Reserve()})
	}

	if len(reservations) == 0 {
		return true, 0
	}

	var maxWait time.Duration
	allowed := true
	for _, p := range reservations {
		if !p.res.OK() {
			allowed = false
			maxWait = time.Second
			break
		}
		if delay := p.res.Delay(); delay > 0 {
			allowed = false
			if delay > maxWait {
				maxWait = delay
			}
		}
	}

	if !allowed {
		// Cancel everything so a denied request consumes no tokens
		// from any rule.
		for _, p := range reservations {
			p.res.Cancel()
			rateLimitDenied.WithLabelValues(p.rule.cfg.PathRegexp).Inc()
		}
		return false, maxWait
	}

	for _, p := range reservations {
		rateLimitAllowed.WithLabelValues(p.rule.cfg.PathRegexp).Inc()
	}
	return true, 0
}

// limiterFor returns the cached limiter for key, creating it on first
// sight. Must be called with mu held.
func (rl *RateLimiter) limiterFor(key limiterKey, rule *compiledRule) *rate.Limiter {
	if entry, err := rl.cache.Get(key); err == nil {
		return entry.limiter
	}

	limiter := rate.NewLimiter(rule.limit(), rule.burst())
	evicted, _ := rl.cache.Put(key, &limiterEntry{limiter: limiter})
	if evicted {
		rateLimitEvictions.Inc()
	}
	rateLimitCacheSize.Set(float64(rl.cache.Len()))
	return limiter
}

// Size returns the number of live limiter entries.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.cache.Len()
}

// ClientKey derives the rate limit key for a request. Only a validated
// token signature may serve as the key; unauthenticated requests fall
// back to the masked remote IP so garbage tokens cannot flood the
// cache.
func ClientKey(r *http.Request, validatedSignature string) string {
	if validatedSignature != "" {
		return "token:" + validatedSignature
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return "ip:" + netutil.MaskIP(ip).String()
	}
	return "ip:" + host
}
