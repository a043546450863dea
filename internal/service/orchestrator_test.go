package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/provider"
	"github.com/tkanat/notify-dispatch/internal/repository"
)

type fakeNotificationRepo struct {
	repository.NotificationRepository

	claimFn           func(ctx context.Context, id string) (*domain.Notification, error)
	markSentFn        func(ctx context.Context, id string, externalID string, delivered bool) error
	markRetryFn       func(ctx context.Context, id string, nextRetryAt time.Time, errorMessage string) error
	markFailedFn      func(ctx context.Context, id string, errorMessage string) error
	getPendingFn      func(ctx context.Context, limit int) ([]domain.Notification, error)
	dueRetryFn        func(ctx context.Context, limit int) ([]domain.Notification, error)
	dueScheduleFn     func(ctx context.Context, limit int) ([]domain.Notification, error)
	releaseClaimFn    func(ctx context.Context, id string) (bool, error)
	staleProcessingFn func(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error)
}

func (f *fakeNotificationRepo) ReleaseClaim(ctx context.Context, id string) (bool, error) {
	if f.releaseClaimFn == nil {
		return true, nil
	}
	return f.releaseClaimFn(ctx, id)
}

func (f *fakeNotificationRepo) GetStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error) {
	if f.staleProcessingFn == nil {
		return nil, nil
	}
	return f.staleProcessingFn(ctx, olderThan, limit)
}

func (f *fakeNotificationRepo) GetDueForSchedule(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.dueScheduleFn == nil {
		return nil, nil
	}
	return f.dueScheduleFn(ctx, limit)
}

func (f *fakeNotificationRepo) ClaimForProcessing(ctx context.Context, id string) (*domain.Notification, error) {
	return f.claimFn(ctx, id)
}

func (f *fakeNotificationRepo) MarkSent(ctx context.Context, id string, externalID string, delivered bool) error {
	if f.markSentFn == nil {
		return nil
	}
	return f.markSentFn(ctx, id, externalID, delivered)
}

func (f *fakeNotificationRepo) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errorMessage string) error {
	if f.markRetryFn == nil {
		return nil
	}
	return f.markRetryFn(ctx, id, nextRetryAt, errorMessage)
}

func (f *fakeNotificationRepo) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	if f.markFailedFn == nil {
		return nil
	}
	return f.markFailedFn(ctx, id, errorMessage)
}

func (f *fakeNotificationRepo) GetPending(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.getPendingFn == nil {
		return nil, nil
	}
	return f.getPendingFn(ctx, limit)
}

func (f *fakeNotificationRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.dueRetryFn == nil {
		return nil, nil
	}
	return f.dueRetryFn(ctx, limit)
}

type fakeAttemptRepo struct {
	repository.AttemptRepository

	createFn   func(ctx context.Context, a *domain.DeliveryAttempt) error
	finalizeFn func(ctx context.Context, a *domain.DeliveryAttempt) error
	staleFn    func(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, a)
}

func (f *fakeAttemptRepo) Finalize(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.finalizeFn == nil {
		return nil
	}
	return f.finalizeFn(ctx, a)
}

func (f *fakeAttemptRepo) GetStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	if f.staleFn == nil {
		return nil, nil
	}
	return f.staleFn(ctx, olderThan, limit)
}

type fakeRateLimiter struct {
	userWithin    bool
	channelWithin bool
	burst         bool
	recorded      int
	checkErr      error
	recordErr     error
}

func newOpenRateLimiter() *fakeRateLimiter {
	return &fakeRateLimiter{userWithin: true, channelWithin: true}
}

func (f *fakeRateLimiter) IsUserWithinRateLimit(context.Context, string, domain.Channel, string) (bool, error) {
	return f.userWithin, f.checkErr
}

func (f *fakeRateLimiter) IsProviderWithinRateLimit(context.Context, domain.Channel) (bool, error) {
	return f.channelWithin, f.checkErr
}

func (f *fakeRateLimiter) IsBurstProtectionTriggered(context.Context, string, domain.Channel) (bool, error) {
	return f.burst, f.checkErr
}

func (f *fakeRateLimiter) RecordNotificationAttempt(context.Context, string, domain.Channel, string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded++
	return nil
}

type fakeAnalytics struct {
	attempts  int
	successes int
	failures  []domain.AttemptStatus
	durations []time.Duration
}

func (f *fakeAnalytics) RecordAttempt(context.Context, domain.Channel, string) error {
	f.attempts++
	return nil
}

func (f *fakeAnalytics) RecordSuccess(context.Context, domain.Channel, string) error {
	f.successes++
	return nil
}

func (f *fakeAnalytics) RecordFailure(_ context.Context, _ domain.Channel, _ string, status domain.AttemptStatus) error {
	f.failures = append(f.failures, status)
	return nil
}

func (f *fakeAnalytics) RecordProcessingTime(_ context.Context, _ domain.Channel, _ string, elapsed time.Duration) error {
	f.durations = append(f.durations, elapsed)
	return nil
}

type fakeDeliveryRouter struct {
	retries     []time.Duration
	deadLetters []string
}

func (f *fakeDeliveryRouter) EnqueueRetry(_ context.Context, _ domain.Notification, delay time.Duration) error {
	f.retries = append(f.retries, delay)
	return nil
}

func (f *fakeDeliveryRouter) DeadLetter(_ context.Context, _ domain.Notification, reason string) error {
	f.deadLetters = append(f.deadLetters, reason)
	return nil
}

type fakeProvider struct {
	name        string
	canHandle   bool
	available   bool
	deliverFn   func(ctx context.Context, n domain.Notification) (*provider.DeliveryResult, error)
	checkFn     func(ctx context.Context, a domain.DeliveryAttempt) (*provider.DeliveryResult, error)
	deliverHits int
}

func (f *fakeProvider) Name() string                            { return f.name }
func (f *fakeProvider) CanHandle(domain.Notification) bool      { return f.canHandle }
func (f *fakeProvider) IsAvailable(context.Context) bool        { return f.available }
func (f *fakeProvider) Deliver(ctx context.Context, n domain.Notification) (*provider.DeliveryResult, error) {
	f.deliverHits++
	return f.deliverFn(ctx, n)
}
func (f *fakeProvider) CheckStatus(ctx context.Context, a domain.DeliveryAttempt) (*provider.DeliveryResult, error) {
	if f.checkFn == nil {
		return nil, errors.New("not implemented")
	}
	return f.checkFn(ctx, a)
}

func processingNotification() *domain.Notification {
	return &domain.Notification{
		ID:               "4f2e8f4e-9a8f-46bc-a1a5-2dc1e8b11c01",
		UserID:           "user-1",
		Channel:          domain.ChannelEmail,
		Type:             "welcome",
		Priority:         domain.PriorityNormal,
		Status:           domain.StatusProcessing,
		RecipientAddress: "user@example.com",
		Content:          "hello",
		MaxRetryAttempts: 3,
	}
}

func newTestOrchestrator(
	t *testing.T,
	notifications *fakeNotificationRepo,
	attempts *fakeAttemptRepo,
	p provider.Provider,
	limiter *fakeRateLimiter,
	stats *fakeAnalytics,
	router *fakeDeliveryRouter,
) *Orchestrator {
	t.Helper()

	o, err := NewOrchestrator(notifications, attempts, provider.NewRegistry(p), limiter, stats, router, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	o.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	o.randIntn = func(int) int { return 0 }
	return o
}

func TestDeliverSuccessMarksSentAndRecordsAnalytics(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var sentID, sentExternal string
	var sentDelivered bool
	var finalized *domain.DeliveryAttempt

	notifications := &fakeNotificationRepo{
		claimFn: func(_ context.Context, id string) (*domain.Notification, error) {
			return notification, nil
		},
		markSentFn: func(_ context.Context, id string, externalID string, delivered bool) error {
			sentID, sentExternal, sentDelivered = id, externalID, delivered
			return nil
		},
	}
	attempts := &fakeAttemptRepo{
		finalizeFn: func(_ context.Context, a *domain.DeliveryAttempt) error {
			finalized = a
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return &provider.DeliveryResult{
				Status:     domain.AttemptSuccess,
				Delivered:  true,
				ExternalID: "ext-42",
			}, nil
		},
	}
	limiter := newOpenRateLimiter()
	stats := &fakeAnalytics{}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, attempts, p, limiter, stats, router)

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if sentID != notification.ID || sentExternal != "ext-42" || !sentDelivered {
		t.Errorf("MarkSent = (%s, %s, %v), want (%s, ext-42, true)", sentID, sentExternal, sentDelivered, notification.ID)
	}
	if finalized == nil || finalized.Status != domain.AttemptSuccess {
		t.Fatalf("attempt not finalized as SUCCESS: %+v", finalized)
	}
	if finalized.DeliveredAt == nil {
		t.Error("deliveredAt not set on successful attempt")
	}
	if limiter.recorded != 1 {
		t.Errorf("rate limit consumption = %d, want 1", limiter.recorded)
	}
	if stats.attempts != 1 || stats.successes != 1 || len(stats.failures) != 0 {
		t.Errorf("analytics = %d attempts / %d successes / %d failures, want 1/1/0",
			stats.attempts, stats.successes, len(stats.failures))
	}
	if len(router.retries) != 0 || len(router.deadLetters) != 0 {
		t.Error("success must not touch retry or dead letter queues")
	}
}

func TestDeliverTransientFailureSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	notification.RetryCount = 2

	var retriedAt time.Time
	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markRetryFn: func(_ context.Context, _ string, nextRetryAt time.Time, _ string) error {
			retriedAt = nextRetryAt
			return nil
		},
		markFailedFn: func(context.Context, string, string) error {
			t.Error("transient failure with retries left must not mark failed")
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "upstream busy", Transient: true}
		},
	}
	limiter := newOpenRateLimiter()
	stats := &fakeAnalytics{}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p, limiter, stats, router)

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	// FAILED kind with retryCount=2: 5s * 2^2 = 20s, zero jitter.
	wantDelay := 20 * time.Second
	if len(router.retries) != 1 || router.retries[0] != wantDelay {
		t.Fatalf("retry delays = %v, want [%v]", router.retries, wantDelay)
	}
	if got := retriedAt.Sub(o.now()); got != wantDelay {
		t.Errorf("nextRetryAt offset = %v, want %v", got, wantDelay)
	}
	if len(stats.failures) != 1 || stats.failures[0] != domain.AttemptFailed {
		t.Errorf("failure analytics = %v, want [FAILED]", stats.failures)
	}
	if len(router.deadLetters) != 0 {
		t.Error("retryable failure must not dead letter")
	}
}

func TestDeliverBackoffIsCapped(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeNotificationRepo{}, &fakeAttemptRepo{},
		&fakeProvider{}, newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if got := o.computeRetryDelay(domain.AttemptFailed, 10); got != maxRetryDelay {
		t.Errorf("capped delay = %v, want %v", got, maxRetryDelay)
	}
	if got := o.computeRetryDelay(domain.AttemptTimeout, 0); got != 2*time.Second {
		t.Errorf("timeout base delay = %v, want 2s", got)
	}
}

func TestDeliverRetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	notification.RetryCount = 3

	var failedMessage string
	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return nil, &provider.ProviderError{StatusCode: 500, Message: "still broken", Transient: true}
		},
	}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p, newOpenRateLimiter(), &fakeAnalytics{}, router)

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if failedMessage == "" {
		t.Fatal("notification not marked failed")
	}
	if len(router.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(router.deadLetters))
	}
	if !strings.Contains(router.deadLetters[0], "retries exhausted") {
		t.Errorf("dead letter reason = %q, want retries exhausted", router.deadLetters[0])
	}
	if len(router.retries) != 0 {
		t.Error("exhausted notification must not be re-enqueued")
	}
}

func TestDeliverPermanentFailureSkipsRetryAndDLQ(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var finalized *domain.DeliveryAttempt

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
	}
	attempts := &fakeAttemptRepo{
		finalizeFn: func(_ context.Context, a *domain.DeliveryAttempt) error {
			finalized = a
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return nil, &provider.ProviderError{StatusCode: 422, Message: "invalid recipient", Transient: false}
		},
	}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, attempts, p, newOpenRateLimiter(), &fakeAnalytics{}, router)

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if finalized == nil || finalized.Status != domain.AttemptRejected {
		t.Fatalf("attempt status = %+v, want REJECTED", finalized)
	}
	if len(router.retries) != 0 || len(router.deadLetters) != 0 {
		t.Error("permanent failure must neither retry nor dead letter")
	}
}

func TestDeliverRateLimitedFailsWithoutAttempt(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var failedMessage string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}
	attempts := &fakeAttemptRepo{
		createFn: func(context.Context, *domain.DeliveryAttempt) error {
			t.Error("rate limited delivery must not create an attempt")
			return nil
		},
	}
	p := &fakeProvider{name: "email-gateway", canHandle: true, available: true}
	limiter := newOpenRateLimiter()
	limiter.userWithin = false

	o := newTestOrchestrator(t, notifications, attempts, p, limiter, &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !strings.Contains(failedMessage, "rate limit exceeded") {
		t.Errorf("failure message = %q, want rate limit exceeded", failedMessage)
	}
	if limiter.recorded != 0 {
		t.Error("rejected delivery must not consume quota")
	}
	if p.deliverHits != 0 {
		t.Error("rejected delivery must not call the provider")
	}
}

func TestDeliverBurstProtectionFailsDelivery(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var failedMessage string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}
	limiter := newOpenRateLimiter()
	limiter.burst = true

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{},
		&fakeProvider{name: "email-gateway", canHandle: true, available: true},
		limiter, &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !strings.Contains(failedMessage, "burst protection") {
		t.Errorf("failure message = %q, want burst protection", failedMessage)
	}
}

func TestDeliverNoProviderFailsTerminally(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var failedMessage string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{},
		&fakeProvider{name: "sms-only", canHandle: false, available: true},
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !strings.Contains(failedMessage, "no provider") {
		t.Errorf("failure message = %q, want no provider", failedMessage)
	}
}

func TestDeliverUnavailableProviderFailsTerminally(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var failedMessage string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}
	p := &fakeProvider{name: "email-gateway", canHandle: true, available: false}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p,
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !strings.Contains(failedMessage, "provider unavailable") {
		t.Errorf("failure message = %q, want provider unavailable", failedMessage)
	}
	if p.deliverHits != 0 {
		t.Error("unavailable provider must not be called")
	}
}

func TestDeliverTerminalNotificationIsNoOp(t *testing.T) {
	t.Parallel()

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			// Claim yields nil for terminal or already-claimed rows.
			return nil, nil
		},
		markFailedFn: func(context.Context, string, string) error {
			t.Error("terminal notification must not be touched")
			return nil
		},
	}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{},
		&fakeProvider{name: "email-gateway", canHandle: true, available: true},
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), "whatever"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestDeliverMissingNotificationIsSkipped(t *testing.T) {
	t.Parallel()

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return nil, domain.ErrNotFound
		},
	}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{},
		&fakeProvider{name: "email-gateway", canHandle: true, available: true},
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), "missing"); err != nil {
		t.Fatalf("Deliver() error = %v, want nil for missing notification", err)
	}
}

func TestDeliverExpiredNotificationFailsWithoutProviderCall(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	past := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	notification.ExpiresAt = &past

	var failedMessage string
	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
		markFailedFn: func(_ context.Context, _ string, errorMessage string) error {
			failedMessage = errorMessage
			return nil
		},
	}
	p := &fakeProvider{name: "email-gateway", canHandle: true, available: true}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p,
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !strings.Contains(failedMessage, "expired") {
		t.Errorf("failure message = %q, want expired", failedMessage)
	}
	if p.deliverHits != 0 {
		t.Error("expired notification must not reach the provider")
	}
}

func TestDeliverProviderPanicIsRecoveredAsTransient(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			return notification, nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			panic("connection pool corrupted")
		},
	}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p,
		newOpenRateLimiter(), &fakeAnalytics{}, router)

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if len(router.retries) != 1 {
		t.Fatalf("panicking provider should schedule a retry, got %d", len(router.retries))
	}
}

func TestProcessRetryQueueIsolatesFailures(t *testing.T) {
	t.Parallel()

	first := processingNotification()
	second := processingNotification()
	second.ID = "9c1d2e3f-0a1b-4c2d-8e3f-5a6b7c8d9e0f"

	claims := 0
	notifications := &fakeNotificationRepo{
		dueRetryFn: func(context.Context, int) ([]domain.Notification, error) {
			return []domain.Notification{*first, *second}, nil
		},
		claimFn: func(_ context.Context, id string) (*domain.Notification, error) {
			claims++
			if id == first.ID {
				return nil, errors.New("database hiccup")
			}
			n := *second
			return &n, nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return &provider.DeliveryResult{Status: domain.AttemptSuccess}, nil
		},
	}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p,
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.ProcessRetryQueue(context.Background()); err != nil {
		t.Fatalf("ProcessRetryQueue() error = %v", err)
	}

	if claims != 2 {
		t.Errorf("claims = %d, want 2 (first failure must not stop the batch)", claims)
	}
	if p.deliverHits != 1 {
		t.Errorf("deliveries = %d, want 1", p.deliverHits)
	}
}

func TestCheckDeliveryStatusesReconcilesStaleAttempt(t *testing.T) {
	t.Parallel()

	stale := domain.DeliveryAttempt{
		ID:             "att-1",
		NotificationID: "4f2e8f4e-9a8f-46bc-a1a5-2dc1e8b11c01",
		Channel:        domain.ChannelEmail,
		ProviderName:   "email-gateway",
		Status:         domain.AttemptInProgress,
	}

	var finalized *domain.DeliveryAttempt
	var sentID string
	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) { return nil, nil },
		markSentFn: func(_ context.Context, id string, _ string, _ bool) error {
			sentID = id
			return nil
		},
	}
	attempts := &fakeAttemptRepo{
		staleFn: func(context.Context, time.Time, int) ([]domain.DeliveryAttempt, error) {
			return []domain.DeliveryAttempt{stale}, nil
		},
		finalizeFn: func(_ context.Context, a *domain.DeliveryAttempt) error {
			finalized = a
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		checkFn: func(context.Context, domain.DeliveryAttempt) (*provider.DeliveryResult, error) {
			return &provider.DeliveryResult{Status: domain.AttemptSuccess, Delivered: true, ExternalID: "ext-9"}, nil
		},
	}

	o := newTestOrchestrator(t, notifications, attempts, p,
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.CheckDeliveryStatuses(context.Background()); err != nil {
		t.Fatalf("CheckDeliveryStatuses() error = %v", err)
	}

	if finalized == nil || finalized.Status != domain.AttemptSuccess {
		t.Fatalf("stale attempt not finalized as SUCCESS: %+v", finalized)
	}
	if sentID != stale.NotificationID {
		t.Errorf("reconciled notification = %q, want %q", sentID, stale.NotificationID)
	}
}

func TestDeliverAdmissionCheckErrorReleasesClaim(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	status := domain.StatusQueued
	claims := 0

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			claims++
			if status != domain.StatusQueued {
				return nil, nil
			}
			status = domain.StatusProcessing
			n := *notification
			return &n, nil
		},
		releaseClaimFn: func(context.Context, string) (bool, error) {
			if status != domain.StatusProcessing {
				return false, nil
			}
			status = domain.StatusQueued
			return true, nil
		},
	}
	attempts := &fakeAttemptRepo{
		createFn: func(context.Context, *domain.DeliveryAttempt) error {
			t.Error("failed admission check must not create an attempt")
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return &provider.DeliveryResult{Status: domain.AttemptSuccess}, nil
		},
	}
	limiter := newOpenRateLimiter()
	limiter.checkErr = errors.New("redis connection refused")

	o := newTestOrchestrator(t, notifications, attempts, p, limiter, &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err == nil {
		t.Fatal("Deliver() must surface the admission infrastructure error")
	}
	if status != domain.StatusQueued {
		t.Fatalf("status after failed admission = %s, want QUEUED", status)
	}
	if p.deliverHits != 0 {
		t.Error("failed admission check must not call the provider")
	}

	// The broker redelivers the nacked message; the released claim must be
	// claimable again.
	limiter.checkErr = nil
	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if claims != 2 {
		t.Errorf("claims = %d, want 2", claims)
	}
	if p.deliverHits != 1 {
		t.Errorf("deliveries = %d, want 1", p.deliverHits)
	}
}

func TestDeliverQuotaRecordErrorReleasesClaim(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var released []string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			n := *notification
			return &n, nil
		},
		releaseClaimFn: func(_ context.Context, id string) (bool, error) {
			released = append(released, id)
			return true, nil
		},
	}
	p := &fakeProvider{name: "email-gateway", canHandle: true, available: true}
	limiter := newOpenRateLimiter()
	limiter.recordErr = errors.New("redis write failed")

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p, limiter, &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err == nil {
		t.Fatal("Deliver() must surface the quota record error")
	}
	if len(released) != 1 || released[0] != notification.ID {
		t.Errorf("released claims = %v, want [%s]", released, notification.ID)
	}
	if p.deliverHits != 0 {
		t.Error("failed quota record must not call the provider")
	}
}

func TestDeliverAttemptInsertErrorReleasesClaim(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var released []string

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			n := *notification
			return &n, nil
		},
		releaseClaimFn: func(_ context.Context, id string) (bool, error) {
			released = append(released, id)
			return true, nil
		},
	}
	attempts := &fakeAttemptRepo{
		createFn: func(context.Context, *domain.DeliveryAttempt) error {
			return errors.New("insert failed")
		},
	}
	p := &fakeProvider{name: "email-gateway", canHandle: true, available: true}

	o := newTestOrchestrator(t, notifications, attempts, p, newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.Deliver(context.Background(), notification.ID); err == nil {
		t.Fatal("Deliver() must surface the attempt insert error")
	}
	if len(released) != 1 || released[0] != notification.ID {
		t.Errorf("released claims = %v, want [%s]", released, notification.ID)
	}
	if p.deliverHits != 0 {
		t.Error("failed attempt insert must not call the provider")
	}
}

func TestProcessDeliveryQueueRequeuesStrandedClaims(t *testing.T) {
	t.Parallel()

	stranded := processingNotification()
	resolved := processingNotification()
	resolved.ID = "0b7c6d5e-4f3a-42b1-9c8d-7e6f5a4b3c2d"

	var released []string
	var olderThan time.Time
	notifications := &fakeNotificationRepo{
		staleProcessingFn: func(_ context.Context, threshold time.Time, _ int) ([]domain.Notification, error) {
			olderThan = threshold
			return []domain.Notification{*stranded, *resolved}, nil
		},
		releaseClaimFn: func(_ context.Context, id string) (bool, error) {
			released = append(released, id)
			// The second row was resolved by another worker in the meantime.
			return id == stranded.ID, nil
		},
		claimFn: func(_ context.Context, id string) (*domain.Notification, error) {
			if id != stranded.ID {
				t.Errorf("unexpected claim for %s", id)
				return nil, nil
			}
			n := *stranded
			return &n, nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(context.Context, domain.Notification) (*provider.DeliveryResult, error) {
			return &provider.DeliveryResult{Status: domain.AttemptSuccess}, nil
		},
	}

	o := newTestOrchestrator(t, notifications, &fakeAttemptRepo{}, p,
		newOpenRateLimiter(), &fakeAnalytics{}, &fakeDeliveryRouter{})

	if err := o.ProcessDeliveryQueue(context.Background()); err != nil {
		t.Fatalf("ProcessDeliveryQueue() error = %v", err)
	}

	if want := o.now().Add(-o.staleAfter); !olderThan.Equal(want) {
		t.Errorf("staleness threshold = %v, want %v", olderThan, want)
	}
	if len(released) != 2 {
		t.Fatalf("release attempts = %v, want both stranded rows", released)
	}
	if p.deliverHits != 1 {
		t.Errorf("deliveries = %d, want 1 (lost release must not redeliver)", p.deliverHits)
	}
}

func TestSetProviderTimeoutBoundsProviderCalls(t *testing.T) {
	t.Parallel()

	notification := processingNotification()
	var finalized *domain.DeliveryAttempt

	notifications := &fakeNotificationRepo{
		claimFn: func(context.Context, string) (*domain.Notification, error) {
			n := *notification
			return &n, nil
		},
	}
	attempts := &fakeAttemptRepo{
		finalizeFn: func(_ context.Context, a *domain.DeliveryAttempt) error {
			finalized = a
			return nil
		},
	}
	p := &fakeProvider{
		name: "email-gateway", canHandle: true, available: true,
		deliverFn: func(ctx context.Context, _ domain.Notification) (*provider.DeliveryResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	router := &fakeDeliveryRouter{}

	o := newTestOrchestrator(t, notifications, attempts, p,
		newOpenRateLimiter(), &fakeAnalytics{}, router)
	o.SetProviderTimeout(25 * time.Millisecond)
	o.SetProviderTimeout(0) // ignored
	if o.providerTimeout != 25*time.Millisecond {
		t.Fatalf("providerTimeout = %v, want 25ms", o.providerTimeout)
	}

	if err := o.Deliver(context.Background(), notification.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if finalized == nil || finalized.Status != domain.AttemptTimeout {
		t.Fatalf("attempt status = %+v, want TIMEOUT", finalized)
	}
	if len(router.retries) != 1 {
		t.Errorf("retries = %d, want 1 (timeout is transient)", len(router.retries))
	}
}
