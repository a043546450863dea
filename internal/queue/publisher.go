package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names carried on broker messages so redelivered and dead-lettered
// messages can be routed and inspected without decoding the body.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalQueue = "x-original-queue"
	HeaderDLQReason     = "x-dlq-reason"
	HeaderFailedAt      = "x-failed-at"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, env Envelope) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	return p.publish(ctx, "", queue, env, 0)
}

// PublishDelayed parks the envelope on the hold queue with its expiration set
// to the delay and its routing key set to the target queue, so expiry
// dead-letters it straight back onto the target.
func (p *RabbitMQPublisher) PublishDelayed(ctx context.Context, targetQueue string, env Envelope, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if targetQueue == "" {
		return fmt.Errorf("target queue name is required")
	}
	if delay <= 0 {
		return p.Publish(ctx, targetQueue, env)
	}

	env.OriginalQueue = targetQueue
	return p.publish(ctx, holdExchangeName, targetQueue, env, delay)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, exchange, routingKey string, env Envelope, delay time.Duration) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid delivery envelope: %w", err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery envelope: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	headers := amqp.Table{
		HeaderRetryCount: int32(env.RetryCount),
	}
	if env.OriginalQueue != "" {
		headers[HeaderOriginalQueue] = env.OriginalQueue
	}
	if env.DLQReason != "" {
		headers[HeaderDLQReason] = env.DLQReason
		headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     env.NotificationID,
		CorrelationId: env.CorrelationID,
		Priority:      PriorityValue(env.Priority),
		Headers:       headers,
		Body:          payload,
	}
	if delay > 0 {
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to %q: %w", routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
