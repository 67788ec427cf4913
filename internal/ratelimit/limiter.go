// Package ratelimit throttles participant actions with fixed Redis windows:
// INCR on the window key, EXPIRE when the key is new.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is one limit: at most Limit actions per Window for each identifier.
type Rule struct {
	Name   string
	Key    string // Redis key prefix
	Limit  int
	Window time.Duration
}

var (
	// RuleJoin allows 10 join requests per minute per participant.
	RuleJoin = Rule{Name: "join", Key: "pair:rl:join:", Limit: 10, Window: time.Minute}

	// RuleReport allows 5 reports per 10 minutes per participant.
	RuleReport = Rule{Name: "report", Key: "pair:rl:report:", Limit: 5, Window: 10 * time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow counts one action by identifier against rule and reports whether it
// is within the limit. Redis failures fail open: the action is allowed and
// the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without a TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		l.logger.Debug("rate limited", zap.String("rule", rule.Name), zap.String("identifier", identifier), zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}

// RetryAfter returns how long until identifier's window for rule closes.
// It is zero when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis PTTL failed", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	// Negative values mean the key is missing or has no expiry.
	return max(ttl, 0), nil
}
