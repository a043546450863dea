package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/ratelimit"
)

const (
	quotaWindowSeconds = 60
	// attemptsTTL keeps the analytics-only attempts counters around as long
	// as the delivery statistics retention.
	attemptsTTL = 7 * 24 * time.Hour
)

// recordScript consumes one token from the user, channel, and burst windows
// and bumps the analytics attempts counter, all atomically. Expiry is set on
// first increment so abandoned windows clean themselves up.
var recordScript = goredis.NewScript(`
for i = 1, 4 do
  local current = redis.call("INCR", KEYS[i])
  if current == 1 then
    redis.call("EXPIRE", KEYS[i], ARGV[i])
  end
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window limiter backed by Redis.
// Checks read window counters without consuming; RecordNotificationAttempt
// is the single consuming mutation and runs as one atomic script, so
// concurrent workers cannot both spend the last token.
type RedisRateLimiter struct {
	client *goredis.Client
	limits ratelimit.Limits
	now    func() time.Time
	script *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, limits ratelimit.Limits) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, limits, time.Now)
}

func newRedisRateLimiter(client *goredis.Client, limits ratelimit.Limits, nowFn func() time.Time) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limits.BurstLimit <= 0 {
		limits.BurstLimit = ratelimit.DefaultLimits().BurstLimit
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = ratelimit.DefaultLimits().BurstWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisRateLimiter{
		client: client,
		limits: limits,
		now:    nowFn,
		script: recordScript,
	}, nil
}

func (r *RedisRateLimiter) IsUserWithinRateLimit(ctx context.Context, userID string, channel domain.Channel, notificationType string) (bool, error) {
	if err := validateScope(userID, channel); err != nil {
		return false, err
	}

	count, err := r.windowCount(ctx, r.userKey(userID, channel, notificationType))
	if err != nil {
		return false, err
	}
	return count < int64(r.limits.UserQuota(channel)), nil
}

func (r *RedisRateLimiter) IsProviderWithinRateLimit(ctx context.Context, channel domain.Channel) (bool, error) {
	if !channel.IsValid() {
		return false, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	count, err := r.windowCount(ctx, r.channelKey(channel))
	if err != nil {
		return false, err
	}
	return count < int64(r.limits.ChannelQuota(channel)), nil
}

func (r *RedisRateLimiter) IsBurstProtectionTriggered(ctx context.Context, userID string, channel domain.Channel) (bool, error) {
	if err := validateScope(userID, channel); err != nil {
		return false, err
	}

	count, err := r.windowCount(ctx, r.burstKey(userID, channel))
	if err != nil {
		return false, err
	}
	return count >= int64(r.limits.BurstLimit), nil
}

func (r *RedisRateLimiter) RecordNotificationAttempt(ctx context.Context, userID string, channel domain.Channel, notificationType string) error {
	if err := validateScope(userID, channel); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	burstSeconds := int(r.limits.BurstWindow / time.Second)
	keys := []string{
		r.userKey(userID, channel, notificationType),
		r.channelKey(channel),
		r.burstKey(userID, channel),
		r.attemptsKey(channel, notificationType),
	}
	ttls := []any{
		quotaWindowSeconds * 2,
		quotaWindowSeconds * 2,
		burstSeconds * 2,
		int(attemptsTTL / time.Second),
	}

	if err := r.script.Run(ctx, r.client, keys, ttls...).Err(); err != nil {
		return fmt.Errorf("failed to record notification attempt: %w", err)
	}
	return nil
}

func (r *RedisRateLimiter) windowCount(ctx context.Context, key string) (int64, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	count, err := r.client.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	return count, nil
}

func (r *RedisRateLimiter) userKey(userID string, channel domain.Channel, notificationType string) string {
	window := r.now().UTC().Unix() / quotaWindowSeconds
	return fmt.Sprintf("rl:user:%s:%s:%s:%d", userID, normalize(channel.String()), normalize(notificationType), window)
}

func (r *RedisRateLimiter) channelKey(channel domain.Channel) string {
	window := r.now().UTC().Unix() / quotaWindowSeconds
	return fmt.Sprintf("rl:chan:%s:%d", normalize(channel.String()), window)
}

func (r *RedisRateLimiter) burstKey(userID string, channel domain.Channel) string {
	burstSeconds := int64(r.limits.BurstWindow / time.Second)
	if burstSeconds < 1 {
		burstSeconds = 1
	}
	window := r.now().UTC().Unix() / burstSeconds
	return fmt.Sprintf("rl:burst:%s:%s:%d", userID, normalize(channel.String()), window)
}

func (r *RedisRateLimiter) attemptsKey(channel domain.Channel, notificationType string) string {
	hour := r.now().UTC().Format("2006-01-02-15")
	return fmt.Sprintf("rl:attempts:%s:%s:%s", normalize(channel.String()), normalize(notificationType), hour)
}

func validateScope(userID string, channel domain.Channel) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if !channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
