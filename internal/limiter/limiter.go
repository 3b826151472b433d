// Package limiter throttles callers with a fixed window counter per client
// kept in redis, so every replica shares the same budget.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the verdict for one request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Limit requests per client within Window. The window
// opens on a client's first request and closes when its key expires.
type Limiter struct {
	client redis.Scripter
	Limit  int
	Window time.Duration
	Prefix string
}

// New returns a limiter allowing perSecond requests per client each second.
func New(client redis.Scripter, perSecond int) *Limiter {
	return &Limiter{client: client, Limit: perSecond, Window: time.Second, Prefix: "ratelimit:feedback:"}
}

// hit bumps the window counter and returns it with the window's remaining
// milliseconds. A counter that lost its expiry is given a fresh window.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Allow counts one request for client. A nil limiter, a missing client or a
// non-positive limit admits everything.
func (l *Limiter) Allow(ctx context.Context, client string) (Decision, error) {
	if l == nil || l.client == nil || l.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	window := l.Window
	if window <= 0 {
		window = time.Second
	}
	res, err := hit.Run(ctx, l.client, []string{l.Prefix + client}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("limiter: unexpected reply %v", res)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count > l.Limit {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: l.Limit - count}, nil
}
