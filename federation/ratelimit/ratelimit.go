// Package ratelimit implements token-bucket rate limiting over a window,
// scoped globally or per subgraph, with an in-process backend and a
// Redis-backed one sharing the same check contract.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the result of a Check call.
type Decision int

const (
	// Allowed means the request may proceed to transport.
	Allowed Decision = iota
	// Denied means the scope is over its limit. The executor then skips
	// transport for that fetch and records a subgraph error for it; that
	// error carries no RATE_LIMITED extension code.
	Denied
)

// Limiter checks whether a scope (e.g. "global" or a subgraph name) may
// take one more request inside its configured window.
type Limiter interface {
	Check(ctx context.Context, scope string) (Decision, error)
}

// Local is a mutex-guarded, per-scope fixed-window token bucket. Each scope
// gets its own (windowStart, used) pair, reset when the window elapses.
type Local struct {
	mu       sync.Mutex
	limit    int
	duration time.Duration
	windows  map[string]*window
}

type window struct {
	start time.Time
	used  int
}

// NewLocal returns a Local limiter allowing up to limit checks per duration,
// per scope.
func NewLocal(limit int, duration time.Duration) *Local {
	return &Local{
		limit:    limit,
		duration: duration,
		windows:  make(map[string]*window),
	}
}

// Check implements Limiter.
func (l *Local) Check(_ context.Context, scope string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[scope]
	if !ok || now.Sub(w.start) >= l.duration {
		w = &window{start: now, used: 0}
		l.windows[scope] = w
	}

	if w.used >= l.limit {
		return Denied, nil
	}
	w.used++
	return Allowed, nil
}

// redisScript is the Lua script run by Redis, matching §4.6: fetch or
// initialize the window counter, increment iff under limit, set TTL to
// duration. KEYS[1] is the scope key, ARGV[1] the limit, ARGV[2] the TTL
// in seconds.
const redisScript = `
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 1
`

// redisClient is the subset of *redis.Client used here, kept narrow so
// tests can fake it without pulling in a real Redis connection.
type redisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) redisResult
}

type redisResult interface {
	Int64() (int64, error)
}

// Redis is a rate limiter backed by a Redis atomic Lua script, sharing the
// same (limit, duration) window semantics as Local but coordinated across
// gateway instances.
type Redis struct {
	client     redisClient
	limit      int
	duration   time.Duration
	keyPrefix  string
}

// NewRedis returns a Redis-backed limiter. keyPrefix namespaces scope keys
// so multiple gateways can share one Redis instance without colliding.
func NewRedis(client redisClient, limit int, duration time.Duration, keyPrefix string) *Redis {
	return &Redis{client: client, limit: limit, duration: duration, keyPrefix: keyPrefix}
}

// Check implements Limiter.
func (r *Redis) Check(ctx context.Context, scope string) (Decision, error) {
	key := fmt.Sprintf("%s:ratelimit:%s", r.keyPrefix, scope)
	ttlSeconds := int(r.duration.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	allowed, err := r.client.Eval(ctx, redisScript, []string{key}, r.limit, ttlSeconds).Int64()
	if err != nil {
		return Denied, fmt.Errorf("rate limit check failed for scope %q: %w", scope, err)
	}
	if allowed == 1 {
		return Allowed, nil
	}
	return Denied, nil
}
