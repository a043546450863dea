package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultRetryScanInterval = 5 * time.Second

// RetrySweeper processes RETRY notifications whose backoff has elapsed.
type RetrySweeper interface {
	ProcessRetryQueue(ctx context.Context) error
}

// RetryScanner periodically sweeps due retries. The broker's delayed
// redelivery is the fast path; this scanner is the safety net for messages
// the broker dropped.
type RetryScanner struct {
	sweeper  RetrySweeper
	logger   *zap.Logger
	interval time.Duration
}

func NewRetryScanner(
	sweeper RetrySweeper,
	interval time.Duration,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("retry sweeper is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		sweeper:  sweeper,
		logger:   logger,
		interval: interval,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first ticker edge.
	if err := s.sweeper.ProcessRetryQueue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweeper.ProcessRetryQueue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}
