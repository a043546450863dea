package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/observability"
	"github.com/tkanat/notify-dispatch/internal/provider"
	"github.com/tkanat/notify-dispatch/internal/ratelimit"
	"github.com/tkanat/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultProviderTimeout = 30 * time.Second
	defaultBatchLimit      = 100
	defaultStaleAfter      = 10 * time.Minute

	maxRetryDelay        = 60 * time.Second
	maxRetryJitterMillis = 250
)

// DeliveryAnalytics records per-delivery counters. Failures to record are
// logged, never allowed to fail a delivery.
type DeliveryAnalytics interface {
	RecordAttempt(ctx context.Context, channel domain.Channel, notificationType string) error
	RecordSuccess(ctx context.Context, channel domain.Channel, notificationType string) error
	RecordFailure(ctx context.Context, channel domain.Channel, notificationType string, status domain.AttemptStatus) error
	RecordProcessingTime(ctx context.Context, channel domain.Channel, notificationType string, elapsed time.Duration) error
}

// DeliveryRouter is the queue-side collaborator for retry and dead-letter
// hand-offs.
type DeliveryRouter interface {
	EnqueueRetry(ctx context.Context, n domain.Notification, delay time.Duration) error
	DeadLetter(ctx context.Context, n domain.Notification, reason string) error
}

// Orchestrator drives a notification through provider selection, admission
// control, the delivery attempt, and the retry-or-terminal decision.
type Orchestrator struct {
	notifications   repository.NotificationRepository
	attempts        repository.AttemptRepository
	providers       *provider.Registry
	rateLimiter     ratelimit.RateLimiter
	analytics       DeliveryAnalytics
	router          DeliveryRouter
	logger          *zap.Logger
	metrics         *observability.Metrics
	providerTimeout time.Duration
	batchLimit      int
	staleAfter      time.Duration
	now             func() time.Time
	randIntn        func(n int) int

	// inflight guards against two local workers racing the same
	// notification before the database claim round-trips.
	inflight sync.Map
}

func NewOrchestrator(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	providers *provider.Registry,
	rateLimiter ratelimit.RateLimiter,
	analyticsService DeliveryAnalytics,
	router DeliveryRouter,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if router == nil {
		return nil, fmt.Errorf("delivery router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		notifications:   notifications,
		attempts:        attempts,
		providers:       providers,
		rateLimiter:     rateLimiter,
		analytics:       analyticsService,
		router:          router,
		logger:          logger,
		providerTimeout: defaultProviderTimeout,
		batchLimit:      defaultBatchLimit,
		staleAfter:      defaultStaleAfter,
		now:             time.Now,
		randIntn:        rand.Intn,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetProviderTimeout overrides the per-call provider timeout. Non-positive
// values keep the default.
func (o *Orchestrator) SetProviderTimeout(timeout time.Duration) {
	if o == nil || timeout <= 0 {
		return
	}
	o.providerTimeout = timeout
}

// Deliver runs one delivery attempt for the notification. Calling it on a
// notification in a terminal or already-claimed state is a no-op: nothing is
// charged and no counters move.
func (o *Orchestrator) Deliver(ctx context.Context, notificationID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, loaded := o.inflight.LoadOrStore(notificationID, struct{}{}); loaded {
		o.logger.Debug("notification already in flight locally, skipping",
			zap.String("notificationId", notificationID),
		)
		return nil
	}
	defer o.inflight.Delete(notificationID)

	notification, err := o.notifications.ClaimForProcessing(ctx, notificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("notification not found during claim, skipping",
				zap.String("notificationId", notificationID),
			)
			return nil
		}
		return fmt.Errorf("failed to claim notification: %w", err)
	}

	// Nil means terminal or claimed elsewhere; ack and skip.
	if notification == nil {
		return nil
	}

	channelName := strings.ToLower(notification.Channel.String())
	if o.metrics != nil {
		o.metrics.IncWorkerInFlight(channelName)
		defer o.metrics.DecWorkerInFlight(channelName)
	}

	if notification.IsExpired(o.now()) {
		return o.failWithoutAttempt(ctx, notification, "notification expired before delivery")
	}

	selected, ok := o.providers.SelectFor(*notification)
	if !ok {
		return o.failWithoutAttempt(ctx, notification,
			fmt.Sprintf("%s %s", domain.ErrNoProviderAvailable.Error(), notification.Channel))
	}

	// A known-down provider is not retried inline: hot-looping against it
	// within one call helps nobody. An external recovery process re-queues.
	if !selected.IsAvailable(ctx) {
		return o.failWithoutAttempt(ctx, notification,
			fmt.Sprintf("%s: %s", domain.ErrProviderUnavailable.Error(), selected.Name()))
	}

	// Infrastructure errors from here to the attempt insert release the
	// claim before returning: a PROCESSING row without an attempt is
	// invisible to every recovery scan, and the redelivered message would
	// no-op against the claim guard.
	if rejection, err := o.checkAdmission(ctx, notification); err != nil {
		o.releaseClaim(ctx, notification.ID)
		return fmt.Errorf("rate limit check failed: %w", err)
	} else if rejection != "" {
		return o.failWithoutAttempt(ctx, notification, rejection)
	}

	// Consumption happens only after all checks passed, so rejected calls
	// never spend quota meant for accepted ones.
	if err := o.rateLimiter.RecordNotificationAttempt(ctx, notification.UserID, notification.Channel, notification.Type); err != nil {
		o.releaseClaim(ctx, notification.ID)
		return fmt.Errorf("failed to record rate limit attempt: %w", err)
	}

	attempt := o.newAttempt(notification, selected.Name())
	if err := o.attempts.Create(ctx, attempt); err != nil {
		o.releaseClaim(ctx, notification.ID)
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}

	sendStart := o.now()
	result, sendErr := o.callProvider(ctx, selected, *notification)
	elapsed := o.now().Sub(sendStart)

	o.recordAnalytics(ctx, notification, result, sendErr, elapsed)
	if o.metrics != nil {
		o.metrics.ObserveProviderCallDuration(channelName, elapsed)
	}

	if sendErr == nil && result != nil && result.Status == domain.AttemptSuccess {
		return o.completeSuccess(ctx, notification, attempt, result, elapsed)
	}

	return o.completeFailure(ctx, notification, attempt, result, sendErr, elapsed)
}

// ProcessDeliveryQueue sweeps notifications still sitting in PENDING/QUEUED
// and delivers each one, isolating per-item failures so one bad notification
// cannot abort the batch. It first requeues claims stranded in PROCESSING so
// crash leftovers rejoin the pending scan in the same pass.
func (o *Orchestrator) ProcessDeliveryQueue(ctx context.Context) error {
	if err := o.recoverStaleClaims(ctx); err != nil {
		o.logger.Error("stale claim recovery failed", zap.Error(err))
	}

	pending, err := o.notifications.GetPending(ctx, o.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch pending notifications: %w", err)
	}

	for i := range pending {
		if err := o.Deliver(ctx, pending[i].ID); err != nil {
			o.logger.Error("delivery queue item failed",
				zap.String("notificationId", pending[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// recoverStaleClaims releases notifications stuck in PROCESSING past the
// staleness threshold with no unresolved attempt, then re-runs delivery for
// each. Rows with an in-flight attempt belong to CheckDeliveryStatuses.
func (o *Orchestrator) recoverStaleClaims(ctx context.Context) error {
	stranded, err := o.notifications.GetStaleProcessing(ctx, o.now().Add(-o.staleAfter), o.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch stranded notifications: %w", err)
	}

	for i := range stranded {
		released, err := o.notifications.ReleaseClaim(ctx, stranded[i].ID)
		if err != nil {
			o.logger.Error("failed to release stranded notification",
				zap.String("notificationId", stranded[i].ID),
				zap.Error(err),
			)
			continue
		}
		if !released {
			continue
		}

		o.logger.Warn("requeued notification stranded in processing",
			zap.String("notificationId", stranded[i].ID),
		)
		if err := o.Deliver(ctx, stranded[i].ID); err != nil {
			o.logger.Error("stranded notification redelivery failed",
				zap.String("notificationId", stranded[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ProcessRetryQueue sweeps RETRY notifications whose backoff elapsed. The
// broker's delayed redelivery is the primary retry path; this sweep recovers
// messages the broker lost, relying on the claim guard to keep the two paths
// from double-delivering.
func (o *Orchestrator) ProcessRetryQueue(ctx context.Context) error {
	due, err := o.notifications.GetDueForRetry(ctx, o.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}

	for i := range due {
		if err := o.Deliver(ctx, due[i].ID); err != nil {
			o.logger.Error("retry queue item failed",
				zap.String("notificationId", due[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// CheckDeliveryStatuses reconciles attempts stuck in a non-terminal state by
// asking the owning provider, covering channels that only acknowledge
// acceptance and confirm delivery asynchronously.
func (o *Orchestrator) CheckDeliveryStatuses(ctx context.Context) error {
	stale, err := o.attempts.GetStale(ctx, o.now().Add(-o.staleAfter), o.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale attempts: %w", err)
	}

	for i := range stale {
		attempt := stale[i]

		owner, ok := o.providers.ByName(attempt.ProviderName)
		if !ok {
			o.logger.Warn("stale attempt has unknown provider",
				zap.String("attemptId", attempt.ID),
				zap.String("provider", attempt.ProviderName),
			)
			continue
		}

		result, err := o.safeCheckStatus(ctx, owner, attempt)
		if err != nil {
			o.logger.Error("status check failed",
				zap.String("attemptId", attempt.ID),
				zap.String("provider", attempt.ProviderName),
				zap.Error(err),
			)
			continue
		}
		if result == nil || !result.Status.IsTerminal() {
			continue
		}

		o.reconcileAttempt(ctx, attempt, result)
	}
	return nil
}

// releaseClaim undoes ClaimForProcessing. Failures are logged, not returned:
// the recovery sweep picks the row up once it goes stale.
func (o *Orchestrator) releaseClaim(ctx context.Context, id string) {
	if _, err := o.notifications.ReleaseClaim(ctx, id); err != nil {
		o.logger.Error("failed to release claimed notification",
			zap.String("notificationId", id),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) checkAdmission(ctx context.Context, n *domain.Notification) (string, error) {
	withinUser, err := o.rateLimiter.IsUserWithinRateLimit(ctx, n.UserID, n.Channel, n.Type)
	if err != nil {
		return "", err
	}
	if !withinUser {
		return fmt.Sprintf("%s: user %s quota for %s/%s", domain.ErrRateLimited.Error(), n.UserID, n.Channel, n.Type), nil
	}

	withinChannel, err := o.rateLimiter.IsProviderWithinRateLimit(ctx, n.Channel)
	if err != nil {
		return "", err
	}
	if !withinChannel {
		return fmt.Sprintf("%s: channel %s quota", domain.ErrRateLimited.Error(), n.Channel), nil
	}

	burst, err := o.rateLimiter.IsBurstProtectionTriggered(ctx, n.UserID, n.Channel)
	if err != nil {
		return "", err
	}
	if burst {
		return fmt.Sprintf("%s: user %s on %s", domain.ErrBurstProtected.Error(), n.UserID, n.Channel), nil
	}

	return "", nil
}

// callProvider runs the provider call with a bounded timeout; panics and
// errors both come back as classified failures so the pipeline always reaches
// its result-interpretation step.
func (o *Orchestrator) callProvider(ctx context.Context, p provider.Provider, n domain.Notification) (result *provider.DeliveryResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &provider.ProviderError{
				Message:   fmt.Sprintf("provider panicked: %v", recovered),
				Transient: true,
			}
		}
	}()

	return p.Deliver(callCtx, n)
}

func (o *Orchestrator) safeCheckStatus(ctx context.Context, p provider.Provider, attempt domain.DeliveryAttempt) (result *provider.DeliveryResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &provider.ProviderError{
				Message:   fmt.Sprintf("provider panicked: %v", recovered),
				Transient: true,
			}
		}
	}()

	return p.CheckStatus(callCtx, attempt)
}

func (o *Orchestrator) newAttempt(n *domain.Notification, providerName string) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:               uuid.NewString(),
		NotificationID:   n.ID,
		Channel:          n.Channel,
		ProviderName:     providerName,
		Status:           domain.AttemptPending,
		RecipientAddress: n.RecipientAddress,
		SenderAddress:    n.SenderAddress,
		AttemptNumber:    n.RetryCount + 1,
		MaxAttempts:      n.MaxRetryAttempts + 1,
		CreatedAt:        o.now().UTC(),
	}
}

func (o *Orchestrator) completeSuccess(
	ctx context.Context,
	n *domain.Notification,
	attempt *domain.DeliveryAttempt,
	result *provider.DeliveryResult,
	elapsed time.Duration,
) error {
	now := o.now().UTC()
	attempt.Status = domain.AttemptSuccess
	applyResult(attempt, result)
	attempt.ProcessingTimeMs = int64Ptr(elapsed.Milliseconds())
	if result.Delivered {
		attempt.DeliveredAt = &now
	}

	if err := o.attempts.Finalize(ctx, attempt); err != nil {
		return fmt.Errorf("failed to finalize attempt: %w", err)
	}

	if err := o.notifications.MarkSent(ctx, n.ID, result.ExternalID, result.Delivered); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncDeliverySucceeded(strings.ToLower(n.Channel.String()))
	}
	return nil
}

func (o *Orchestrator) completeFailure(
	ctx context.Context,
	n *domain.Notification,
	attempt *domain.DeliveryAttempt,
	result *provider.DeliveryResult,
	sendErr error,
	elapsed time.Duration,
) error {
	kind := failureKind(result, sendErr)
	errorMessage := failureMessage(result, sendErr)
	now := o.now().UTC()

	attempt.Status = kind
	applyResult(attempt, result)
	attempt.ErrorMessage = &errorMessage
	attempt.ProcessingTimeMs = int64Ptr(elapsed.Milliseconds())
	attempt.FailedAt = &now

	var providerErr *provider.ProviderError
	if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && attempt.ResponseCode == nil {
		attempt.ResponseCode = &providerErr.StatusCode
	}

	retryable := kind.IsRetryable() && n.CanRetry()
	if retryable {
		delay := o.computeRetryDelay(kind, n.RetryCount)
		nextRetryAt := o.now().Add(delay)
		attempt.NextAttemptAt = &nextRetryAt

		if err := o.attempts.Finalize(ctx, attempt); err != nil {
			return fmt.Errorf("failed to finalize attempt: %w", err)
		}
		if err := o.notifications.MarkRetry(ctx, n.ID, nextRetryAt, errorMessage); err != nil {
			return fmt.Errorf("failed to mark notification for retry: %w", err)
		}

		n.RetryCount++
		n.Status = domain.StatusRetry
		n.NextRetryAt = &nextRetryAt
		if err := o.router.EnqueueRetry(ctx, *n, delay); err != nil {
			// The sweep in ProcessRetryQueue recovers lost redeliveries.
			o.logger.Error("failed to enqueue retry, relying on retry sweep",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}

		if o.metrics != nil {
			o.metrics.IncRetryScheduled(strings.ToLower(n.Channel.String()))
		}
		return nil
	}

	if err := o.attempts.Finalize(ctx, attempt); err != nil {
		return fmt.Errorf("failed to finalize attempt: %w", err)
	}
	if err := o.notifications.MarkFailed(ctx, n.ID, errorMessage); err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}

	reason := "permanent_error"
	if kind.IsRetryable() && !n.CanRetry() {
		reason = "retry_exhausted"
		dlqReason := fmt.Sprintf("%s after %d attempts: %s", domain.ErrRetriesExhausted.Error(), n.RetryCount+1, errorMessage)
		n.Status = domain.StatusFailed
		if err := o.router.DeadLetter(ctx, *n, dlqReason); err != nil {
			o.logger.Error("failed to publish dead letter",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}
	}

	if o.metrics != nil {
		o.metrics.IncDeliveryFailed(strings.ToLower(n.Channel.String()), reason)
	}
	return nil
}

// failWithoutAttempt handles pre-attempt terminal rejections: no provider,
// provider down, rate or burst rejection, expiry. No DeliveryAttempt is
// created and no quota is consumed.
func (o *Orchestrator) failWithoutAttempt(ctx context.Context, n *domain.Notification, reason string) error {
	if err := o.notifications.MarkFailed(ctx, n.ID, reason); err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}

	o.logger.Info("notification failed before delivery attempt",
		zap.String("notificationId", n.ID),
		zap.String("reason", reason),
	)
	if o.metrics != nil {
		o.metrics.IncDeliveryFailed(strings.ToLower(n.Channel.String()), "rejected_before_attempt")
	}
	return nil
}

// computeRetryDelay is the single backoff function: the failure kind picks
// the base, the retry count doubles it, the cap bounds it, and a small jitter
// spreads thundering herds.
func (o *Orchestrator) computeRetryDelay(kind domain.AttemptStatus, retryCount int) time.Duration {
	base := kind.RetryBaseDelay()
	if base <= 0 {
		base = time.Second
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	jitterMillis := 0
	if o.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = o.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (o *Orchestrator) recordAnalytics(
	ctx context.Context,
	n *domain.Notification,
	result *provider.DeliveryResult,
	sendErr error,
	elapsed time.Duration,
) {
	if o.analytics == nil {
		return
	}

	if err := o.analytics.RecordAttempt(ctx, n.Channel, n.Type); err != nil {
		o.logger.Warn("failed to record attempt analytics", zap.Error(err))
	}
	if err := o.analytics.RecordProcessingTime(ctx, n.Channel, n.Type, elapsed); err != nil {
		o.logger.Warn("failed to record processing time analytics", zap.Error(err))
	}

	if sendErr == nil && result != nil && result.Status == domain.AttemptSuccess {
		if err := o.analytics.RecordSuccess(ctx, n.Channel, n.Type); err != nil {
			o.logger.Warn("failed to record success analytics", zap.Error(err))
		}
		return
	}

	if err := o.analytics.RecordFailure(ctx, n.Channel, n.Type, failureKind(result, sendErr)); err != nil {
		o.logger.Warn("failed to record failure analytics", zap.Error(err))
	}
}

func (o *Orchestrator) reconcileAttempt(ctx context.Context, attempt domain.DeliveryAttempt, result *provider.DeliveryResult) {
	now := o.now().UTC()
	attempt.Status = result.Status
	applyResult(&attempt, result)
	if result.Status == domain.AttemptSuccess {
		if result.Delivered {
			attempt.DeliveredAt = &now
		}
	} else {
		attempt.FailedAt = &now
	}

	if err := o.attempts.Finalize(ctx, &attempt); err != nil {
		o.logger.Error("failed to finalize reconciled attempt",
			zap.String("attemptId", attempt.ID),
			zap.Error(err),
		)
		return
	}

	// A stale attempt usually means the notification is still PROCESSING
	// after a crash mid-call; conflicts here just mean someone else already
	// resolved it.
	if result.Status == domain.AttemptSuccess {
		if err := o.notifications.MarkSent(ctx, attempt.NotificationID, result.ExternalID, result.Delivered); err != nil && !errors.Is(err, domain.ErrConflict) {
			o.logger.Error("failed to reconcile notification status",
				zap.String("notificationId", attempt.NotificationID),
				zap.Error(err),
			)
		}
		return
	}

	message := fmt.Sprintf("reconciled stale attempt as %s", result.Status)
	if err := o.notifications.MarkFailed(ctx, attempt.NotificationID, message); err != nil && !errors.Is(err, domain.ErrConflict) {
		o.logger.Error("failed to reconcile notification status",
			zap.String("notificationId", attempt.NotificationID),
			zap.Error(err),
		)
	}
}

func applyResult(attempt *domain.DeliveryAttempt, result *provider.DeliveryResult) {
	if result == nil {
		return
	}
	if result.ExternalID != "" {
		attempt.ExternalID = &result.ExternalID
	}
	if result.ProviderMessageID != "" {
		attempt.ProviderMessageID = &result.ProviderMessageID
	}
	if result.ResponseCode > 0 {
		attempt.ResponseCode = &result.ResponseCode
	}
	if result.ResponseMessage != "" {
		attempt.ResponseMessage = &result.ResponseMessage
	}
	if result.CostCents > 0 {
		attempt.CostCents = &result.CostCents
	}
}

func failureKind(result *provider.DeliveryResult, sendErr error) domain.AttemptStatus {
	if sendErr != nil {
		return provider.ClassifyError(sendErr)
	}
	if result != nil && result.Status.IsValid() && result.Status != domain.AttemptSuccess {
		return result.Status
	}
	return domain.AttemptFailed
}

func failureMessage(result *provider.DeliveryResult, sendErr error) string {
	if sendErr != nil {
		return sendErr.Error()
	}
	if result != nil && result.ResponseMessage != "" {
		return result.ResponseMessage
	}
	return "provider reported failure without detail"
}

func int64Ptr(v int64) *int64 {
	return &v
}
