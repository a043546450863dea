package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// Publisher publishes delivery envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, env Envelope) error
	PublishDelayed(ctx context.Context, targetQueue string, env Envelope, delay time.Duration) error
	Close() error
}

// MessageHandler handles a consumed delivery envelope.
type MessageHandler func(ctx context.Context, env Envelope) error

// Consumer consumes delivery envelopes from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// PriorityQueueName is the dedicated queue for URGENT/CRITICAL traffic,
	// so a slow channel queue cannot starve urgent messages.
	PriorityQueueName = "delivery.priority"
	// HoldQueueName is the delay queue: messages rot here for exactly their
	// expiration, then dead-letter back onto their original work queue.
	HoldQueueName = "delivery.hold"
	// DeadLetterQueueName receives messages that exhausted retries; consumed
	// only by operational tooling.
	DeadLetterQueueName = "dlq.delivery"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 5
)

// QueueName returns the channel work queue name, e.g. delivery.email.
func QueueName(channel domain.Channel) string {
	return fmt.Sprintf("delivery.%s", strings.ToLower(channel.String()))
}

// WorkQueueNames returns every queue a delivery worker consumes: one per
// channel plus the priority queue.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(domain.Channels)+1)
	queues = append(queues, PriorityQueueName)
	for _, channel := range domain.Channels {
		queues = append(queues, QueueName(channel))
	}
	return queues
}

// PriorityValue maps domain priority to the broker message priority field.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityCritical:
		return 5
	case domain.PriorityUrgent:
		return 4
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
