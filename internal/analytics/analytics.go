package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// Retention bounds how long delivery counters are kept. Reads never look
// further back than this.
const Retention = 7 * 24 * time.Hour

// Metric names. Keys are stats:{metric}:{channel}:{type}:{yyyy-mm-dd-hh}.
const (
	metricAttempts        = "delivery_attempts"
	metricSuccess         = "delivery_success"
	metricFailure         = "delivery_failure"
	metricProcessingMs    = "processing_ms_total"
	metricProcessingCount = "processing_count"
	statusMetricPrefix    = "status_"
)

// CounterStore is the external counter dependency. Increments must be atomic
// under concurrent writers.
type CounterStore interface {
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) error
	SumPattern(ctx context.Context, pattern string) (int64, error)
}

// Statistics aggregates delivery counters over a time range.
type Statistics struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Attempts    int64     `json:"attempts"`
	Success     int64     `json:"success"`
	Failure     int64     `json:"failure"`
	SuccessRate float64   `json:"successRate"`
}

// RealTimeMetrics is the current-hour view used by dashboards.
type RealTimeMetrics struct {
	Hour        string                    `json:"hour"`
	Attempts    int64                     `json:"attempts"`
	Success     int64                     `json:"success"`
	Failure     int64                     `json:"failure"`
	SuccessRate float64                   `json:"successRate"`
	ByChannel   map[domain.Channel]int64  `json:"byChannel"`
}

// PerformanceMetrics reports processing-time averages for one channel.
type PerformanceMetrics struct {
	Channel         domain.Channel `json:"channel"`
	From            time.Time      `json:"from"`
	To              time.Time      `json:"to"`
	SampleCount     int64          `json:"sampleCount"`
	AvgProcessingMs float64        `json:"avgProcessingMs"`
}

// Service records and reads delivery counters keyed by
// (metric, channel, type, UTC hour). Writes are single-key increments; reads
// aggregate by scanning matching keys, trading read cost for write
// simplicity since reads serve dashboards, not the delivery hot path.
type Service struct {
	store CounterStore
	now   func() time.Time
}

func NewService(store CounterStore) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

func (s *Service) RecordAttempt(ctx context.Context, channel domain.Channel, notificationType string) error {
	return s.increment(ctx, metricAttempts, channel, notificationType, 1)
}

func (s *Service) RecordSuccess(ctx context.Context, channel domain.Channel, notificationType string) error {
	return s.increment(ctx, metricSuccess, channel, notificationType, 1)
}

func (s *Service) RecordFailure(ctx context.Context, channel domain.Channel, notificationType string, status domain.AttemptStatus) error {
	if err := s.increment(ctx, metricFailure, channel, notificationType, 1); err != nil {
		return err
	}
	return s.increment(ctx, statusMetricPrefix+strings.ToLower(status.String()), channel, notificationType, 1)
}

func (s *Service) RecordProcessingTime(ctx context.Context, channel domain.Channel, notificationType string, elapsed time.Duration) error {
	millis := elapsed.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	if err := s.increment(ctx, metricProcessingMs, channel, notificationType, millis); err != nil {
		return err
	}
	return s.increment(ctx, metricProcessingCount, channel, notificationType, 1)
}

func (s *Service) DeliveryStatistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	from, to, err := s.clampRange(from, to)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{From: from, To: to}
	for _, hour := range hoursBetween(from, to) {
		attempts, err := s.store.SumPattern(ctx, hourPattern(metricAttempts, "*", hour))
		if err != nil {
			return nil, err
		}
		success, err := s.store.SumPattern(ctx, hourPattern(metricSuccess, "*", hour))
		if err != nil {
			return nil, err
		}
		failure, err := s.store.SumPattern(ctx, hourPattern(metricFailure, "*", hour))
		if err != nil {
			return nil, err
		}

		stats.Attempts += attempts
		stats.Success += success
		stats.Failure += failure
	}

	stats.SuccessRate = successRate(stats.Success, stats.Attempts)
	return stats, nil
}

func (s *Service) CurrentMetrics(ctx context.Context) (*RealTimeMetrics, error) {
	hour := s.now().UTC().Format(hourLayout)

	metrics := &RealTimeMetrics{
		Hour:      hour,
		ByChannel: make(map[domain.Channel]int64, len(domain.Channels)),
	}

	for _, channel := range domain.Channels {
		attempts, err := s.store.SumPattern(ctx, hourPattern(metricAttempts, channelLabel(channel), hour))
		if err != nil {
			return nil, err
		}
		success, err := s.store.SumPattern(ctx, hourPattern(metricSuccess, channelLabel(channel), hour))
		if err != nil {
			return nil, err
		}
		failure, err := s.store.SumPattern(ctx, hourPattern(metricFailure, channelLabel(channel), hour))
		if err != nil {
			return nil, err
		}

		metrics.Attempts += attempts
		metrics.Success += success
		metrics.Failure += failure
		if attempts > 0 {
			metrics.ByChannel[channel] = attempts
		}
	}

	metrics.SuccessRate = successRate(metrics.Success, metrics.Attempts)
	return metrics, nil
}

func (s *Service) ChannelPerformance(ctx context.Context, channel domain.Channel, from, to time.Time) (*PerformanceMetrics, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	from, to, err := s.clampRange(from, to)
	if err != nil {
		return nil, err
	}

	perf := &PerformanceMetrics{Channel: channel, From: from, To: to}

	var totalMs int64
	for _, hour := range hoursBetween(from, to) {
		millis, err := s.store.SumPattern(ctx, hourPattern(metricProcessingMs, channelLabel(channel), hour))
		if err != nil {
			return nil, err
		}
		count, err := s.store.SumPattern(ctx, hourPattern(metricProcessingCount, channelLabel(channel), hour))
		if err != nil {
			return nil, err
		}
		totalMs += millis
		perf.SampleCount += count
	}

	if perf.SampleCount > 0 {
		perf.AvgProcessingMs = float64(totalMs) / float64(perf.SampleCount)
	}
	return perf, nil
}

func (s *Service) increment(ctx context.Context, metric string, channel domain.Channel, notificationType string, delta int64) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	hour := s.now().UTC().Format(hourLayout)
	key := fmt.Sprintf("stats:%s:%s:%s:%s", metric, channelLabel(channel), typeLabel(notificationType), hour)
	if err := s.store.Increment(ctx, key, delta, Retention); err != nil {
		return fmt.Errorf("failed to increment %s: %w", metric, err)
	}
	return nil
}

func (s *Service) clampRange(from, to time.Time) (time.Time, time.Time, error) {
	now := s.now().UTC()
	if to.IsZero() || to.After(now) {
		to = now
	}
	oldest := now.Add(-Retention)
	if from.IsZero() || from.Before(oldest) {
		from = oldest
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range start is after range end", domain.ErrValidation)
	}
	return from.UTC(), to.UTC(), nil
}

const hourLayout = "2006-01-02-15"

func hoursBetween(from, to time.Time) []string {
	hours := make([]string, 0, 8)
	for cursor := from.Truncate(time.Hour); !cursor.After(to); cursor = cursor.Add(time.Hour) {
		hours = append(hours, cursor.Format(hourLayout))
	}
	return hours
}

func hourPattern(metric, channel, hour string) string {
	return fmt.Sprintf("stats:%s:%s:*:%s", metric, channel, hour)
}

func channelLabel(channel domain.Channel) string {
	return strings.ToLower(channel.String())
}

func typeLabel(notificationType string) string {
	label := strings.ToLower(strings.TrimSpace(notificationType))
	if label == "" {
		return "unknown"
	}
	return label
}

func successRate(success, attempts int64) float64 {
	if attempts <= 0 {
		return 0
	}
	return float64(success) / float64(attempts)
}
