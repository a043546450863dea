package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
	"go.uber.org/zap"
)

// Router classifies an outbound notification and publishes its envelope to
// the right logical queue: regular, priority, delayed/scheduled, retry, or
// dead-letter.
type Router struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewRouter(publisher Publisher, logger *zap.Logger) (*Router, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// TargetQueue returns the work queue a notification belongs on. URGENT and
// CRITICAL traffic always goes to the dedicated priority queue, even though
// a channel queue exists for the same channel.
func TargetQueue(n domain.Notification) string {
	if n.Priority.IsExpedited() {
		return PriorityQueueName
	}
	return QueueName(n.Channel)
}

// Route publishes the notification to its work queue. A future scheduledAt
// routes through the hold queue with delay = scheduledAt - now; a past-due or
// absent schedule falls through to immediate publish.
func (r *Router) Route(ctx context.Context, n domain.Notification) error {
	env := EnvelopeFor(n)
	target := TargetQueue(n)

	if n.ScheduledAt != nil {
		if delay := n.ScheduledAt.Sub(r.now()); delay > 0 {
			env.Scheduled = true
			r.logger.Debug("routing scheduled notification",
				zap.String("notificationId", n.ID),
				zap.String("targetQueue", target),
				zap.Duration("delay", delay),
			)
			return r.publisher.PublishDelayed(ctx, target, env, delay)
		}
	}

	return r.publisher.Publish(ctx, target, env)
}

// EnqueueRetry re-enqueues the notification through the hold queue after the
// backoff delay chosen by the orchestrator. The envelope carries the current
// retry count and its original target queue.
func (r *Router) EnqueueRetry(ctx context.Context, n domain.Notification, delay time.Duration) error {
	env := EnvelopeFor(n)
	target := TargetQueue(n)

	r.logger.Debug("routing retry notification",
		zap.String("notificationId", n.ID),
		zap.Int("retryCount", n.RetryCount),
		zap.Duration("delay", delay),
	)

	return r.publisher.PublishDelayed(ctx, target, env, delay)
}

// DeadLetter routes the notification to the dead-letter queue with a
// human-readable reason for operational inspection.
func (r *Router) DeadLetter(ctx context.Context, n domain.Notification, reason string) error {
	env := EnvelopeFor(n)
	env.OriginalQueue = TargetQueue(n)
	env.DLQReason = reason

	r.logger.Warn("routing notification to dead letter queue",
		zap.String("notificationId", n.ID),
		zap.String("reason", reason),
		zap.Int("retryCount", n.RetryCount),
	)

	return r.publisher.Publish(ctx, DeadLetterQueueName, env)
}
