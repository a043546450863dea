package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
	"golang.org/x/time/rate"
)

var _ RateLimiter = (*MemoryRateLimiter)(nil)

// MemoryRateLimiter is a single-process limiter built on token buckets, one
// per scope key. Buckets are ephemeral: recreating one at full capacity only
// throttles less for a moment, it never corrupts persisted state.
type MemoryRateLimiter struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	bursts  map[string][]time.Time
}

func NewMemoryRateLimiter(limits Limits) *MemoryRateLimiter {
	if limits.BurstLimit <= 0 {
		limits.BurstLimit = DefaultLimits().BurstLimit
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = DefaultLimits().BurstWindow
	}

	return &MemoryRateLimiter{
		limits:  limits,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
		bursts:  make(map[string][]time.Time),
	}
}

func (m *MemoryRateLimiter) IsUserWithinRateLimit(ctx context.Context, userID string, channel domain.Channel, notificationType string) (bool, error) {
	if err := validateScope(userID, channel); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.bucket(userKey(userID, channel, notificationType), m.limits.UserQuota(channel))
	return bucket.TokensAt(m.now()) >= 1, nil
}

func (m *MemoryRateLimiter) IsProviderWithinRateLimit(ctx context.Context, channel domain.Channel) (bool, error) {
	if !channel.IsValid() {
		return false, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.bucket(channelKey(channel), m.limits.ChannelQuota(channel))
	return bucket.TokensAt(m.now()) >= 1, nil
}

func (m *MemoryRateLimiter) IsBurstProtectionTriggered(ctx context.Context, userID string, channel domain.Channel) (bool, error) {
	if err := validateScope(userID, channel); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.pruneBurst(burstKey(userID, channel))
	return len(recent) >= m.limits.BurstLimit, nil
}

func (m *MemoryRateLimiter) RecordNotificationAttempt(ctx context.Context, userID string, channel domain.Channel, notificationType string) error {
	if err := validateScope(userID, channel); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.bucket(userKey(userID, channel, notificationType), m.limits.UserQuota(channel)).AllowN(now, 1)
	m.bucket(channelKey(channel), m.limits.ChannelQuota(channel)).AllowN(now, 1)

	key := burstKey(userID, channel)
	m.bursts[key] = append(m.pruneBurst(key), now)

	return nil
}

// bucket returns the per-key token bucket, creating it at full capacity with
// a refill rate of capacity per minute.
func (m *MemoryRateLimiter) bucket(key string, capacity int) *rate.Limiter {
	if bucket, ok := m.buckets[key]; ok {
		return bucket
	}

	bucket := rate.NewLimiter(rate.Limit(float64(capacity)/60.0), capacity)
	m.buckets[key] = bucket
	return bucket
}

func (m *MemoryRateLimiter) pruneBurst(key string) []time.Time {
	cutoff := m.now().Add(-m.limits.BurstWindow)
	kept := m.bursts[key][:0]
	for _, ts := range m.bursts[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.bursts[key] = kept
	return kept
}

func validateScope(userID string, channel domain.Channel) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if !channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	return nil
}

func userKey(userID string, channel domain.Channel, notificationType string) string {
	return fmt.Sprintf("user:%s:%s:%s", userID, channel, notificationType)
}

func channelKey(channel domain.Channel) string {
	return fmt.Sprintf("channel:%s", channel)
}

func burstKey(userID string, channel domain.Channel) string {
	return fmt.Sprintf("burst:%s:%s", userID, channel)
}
