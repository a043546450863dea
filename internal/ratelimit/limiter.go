package ratelimit

import (
	"context"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// RateLimiter answers admission questions for the delivery pipeline. The Is*
// methods are pure checks against current bucket state and never consume
// quota; RecordNotificationAttempt is the single consuming mutation, called
// only after every check passed.
type RateLimiter interface {
	IsUserWithinRateLimit(ctx context.Context, userID string, channel domain.Channel, notificationType string) (bool, error)
	IsProviderWithinRateLimit(ctx context.Context, channel domain.Channel) (bool, error)
	IsBurstProtectionTriggered(ctx context.Context, userID string, channel domain.Channel) (bool, error)
	RecordNotificationAttempt(ctx context.Context, userID string, channel domain.Channel, notificationType string) error
}

// Limits holds per-channel quota capacities. User quotas and channel-wide
// quotas refill per minute; burst protection is a short rolling window that
// catches spikes a per-minute quota would miss.
type Limits struct {
	UserPerMinute    map[domain.Channel]int
	ChannelPerMinute map[domain.Channel]int
	BurstLimit       int
	BurstWindow      time.Duration
}

// DefaultLimits mirrors channel throughput ceilings: email is cheap, SMS is
// expensive, in-app is near-unbounded.
func DefaultLimits() Limits {
	return Limits{
		UserPerMinute: map[domain.Channel]int{
			domain.ChannelEmail:   30,
			domain.ChannelSMS:     10,
			domain.ChannelPush:    60,
			domain.ChannelInApp:   1000,
			domain.ChannelWebhook: 120,
			domain.ChannelSlack:   60,
			domain.ChannelTeams:   60,
			domain.ChannelDiscord: 60,
		},
		ChannelPerMinute: map[domain.Channel]int{
			domain.ChannelEmail:   6000,
			domain.ChannelSMS:     600,
			domain.ChannelPush:    12000,
			domain.ChannelInApp:   100000,
			domain.ChannelWebhook: 6000,
			domain.ChannelSlack:   3000,
			domain.ChannelTeams:   3000,
			domain.ChannelDiscord: 3000,
		},
		BurstLimit:  5,
		BurstWindow: 10 * time.Second,
	}
}

const defaultQuota = 60

// UserQuota returns the per-user per-minute capacity for a channel.
func (l Limits) UserQuota(channel domain.Channel) int {
	if q, ok := l.UserPerMinute[channel]; ok && q > 0 {
		return q
	}
	return defaultQuota
}

// ChannelQuota returns the channel-wide per-minute capacity.
func (l Limits) ChannelQuota(channel domain.Channel) int {
	if q, ok := l.ChannelPerMinute[channel]; ok && q > 0 {
		return q
	}
	return defaultQuota
}
