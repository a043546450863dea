package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tkanat/notify-dispatch/internal/queue"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for !condition() {
		select {
		case <-deadline:
			t.Fatal("condition never satisfied")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeConsumer struct {
	mu       sync.Mutex
	consumed []string
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	f.mu.Lock()
	f.consumed = append(f.consumed, queueName)
	f.mu.Unlock()

	if err := handler(ctx, queue.Envelope{NotificationID: "n-" + queueName}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (r *recordingDeliverer) Deliver(_ context.Context, notificationID string) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, notificationID)
	r.mu.Unlock()
	return nil
}

func TestDispatcherCoversAllWorkQueues(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{}
	deliverer := &recordingDeliverer{}
	queueNames := queue.WorkQueueNames()

	dispatcher, err := NewDispatcher(consumer, deliverer, len(queueNames), nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Start(ctx) }()

	waitFor(t, func() bool {
		deliverer.mu.Lock()
		defer deliverer.mu.Unlock()
		return len(deliverer.delivered) == len(queueNames)
	})
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v, want nil on cancellation", err)
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	seen := make(map[string]bool, len(consumer.consumed))
	for _, name := range consumer.consumed {
		seen[name] = true
	}
	for _, name := range queueNames {
		if !seen[name] {
			t.Errorf("queue %s has no consumer", name)
		}
	}
}

func TestDispatcherRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewDispatcher(nil, &recordingDeliverer{}, 1, nil); err == nil {
		t.Error("expected error for nil consumer")
	}
	if _, err := NewDispatcher(&fakeConsumer{}, nil, 1, nil); err == nil {
		t.Error("expected error for nil deliverer")
	}
}
