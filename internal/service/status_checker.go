package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultStatusCheckInterval = time.Minute

// StatusReconciler resolves attempts stuck in a non-terminal state.
type StatusReconciler interface {
	CheckDeliveryStatuses(ctx context.Context) error
}

// StatusChecker periodically reconciles stale delivery attempts with their
// provider, for channels that confirm delivery asynchronously.
type StatusChecker struct {
	reconciler StatusReconciler
	logger     *zap.Logger
	interval   time.Duration
}

func NewStatusChecker(
	reconciler StatusReconciler,
	interval time.Duration,
	logger *zap.Logger,
) (*StatusChecker, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("status reconciler is required")
	}
	if interval <= 0 {
		interval = defaultStatusCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusChecker{
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
	}, nil
}

func (s *StatusChecker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.reconciler.CheckDeliveryStatuses(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("delivery status check failed", zap.Error(err))
			}
		}
	}
}
