package service

import (
	"context"
	"fmt"

	"github.com/tkanat/notify-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// Deliverer runs one delivery attempt for a notification id.
type Deliverer interface {
	Deliver(ctx context.Context, notificationID string) error
}

// Dispatcher fans worker goroutines out over the work queues and feeds each
// consumed envelope to the orchestrator.
type Dispatcher struct {
	consumer    queue.Consumer
	deliverer   Deliverer
	logger      *zap.Logger
	concurrency int
}

func NewDispatcher(
	consumer queue.Consumer,
	deliverer Deliverer,
	concurrency int,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		consumer:    consumer,
		deliverer:   deliverer,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the work queues until context cancellation. Workers are
// assigned round-robin across the priority queue and the per-channel queues,
// so the priority queue always has at least one dedicated consumer.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			d.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := d.consumer.Consume(groupCtx, queueName, d.handleEnvelope)
			if err != nil {
				d.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			d.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) handleEnvelope(ctx context.Context, env queue.Envelope) error {
	return d.deliverer.Deliver(ctx, env.NotificationID)
}
