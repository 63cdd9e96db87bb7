// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters are shared by every chat node that points at the
// same Redis, so a user cannot sidestep a limit by reconnecting elsewhere.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 30 WebSocket upgrades per minute per client IP.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}

// MessageRule limits inbound chat messages per user.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Decision is the outcome of an Allow call. RetryAfter is set only when the
// request was refused.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks whether identifier is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// On Redis errors the method fails open (Allowed is true) so that a Redis
// outage does not block legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return Decision{Allowed: true}, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return Decision{Allowed: true}, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}
