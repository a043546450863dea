package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultPendingScanInterval = 30 * time.Second

// DeliverySweeper re-dispatches notifications still waiting for a worker.
type DeliverySweeper interface {
	ProcessDeliveryQueue(ctx context.Context) error
}

// PendingScanner periodically sweeps PENDING/QUEUED notifications the broker
// never redelivered: intake publishes that failed, hold-queue messages the
// broker lost, and claims released after an infrastructure error. The claim
// guard keeps the sweep from double-delivering against live consumers.
type PendingScanner struct {
	sweeper  DeliverySweeper
	logger   *zap.Logger
	interval time.Duration
}

func NewPendingScanner(
	sweeper DeliverySweeper,
	interval time.Duration,
	logger *zap.Logger,
) (*PendingScanner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("delivery sweeper is required")
	}
	if interval <= 0 {
		interval = defaultPendingScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PendingScanner{
		sweeper:  sweeper,
		logger:   logger,
		interval: interval,
	}, nil
}

func (s *PendingScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// The initial sweep drains backlog from before this process started.
	if err := s.sweeper.ProcessDeliveryQueue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("pending scanner initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweeper.ProcessDeliveryQueue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("pending scanner sweep failed", zap.Error(err))
			}
		}
	}
}
