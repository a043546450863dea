package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tkanat/notify-dispatch/internal/domain"
)

func newTestCounterStore(t *testing.T) (*CounterStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewCounterStore(client)
	if err != nil {
		t.Fatalf("NewCounterStore() error = %v", err)
	}
	return store, server
}

func TestCounterStoreIncrementAccumulates(t *testing.T) {
	t.Parallel()

	store, _ := newTestCounterStore(t)
	ctx := context.Background()

	key := "stats:delivery_success:email:welcome:2026-03-01-12"
	for i := 0; i < 3; i++ {
		if err := store.Increment(ctx, key, 1, time.Hour); err != nil {
			t.Fatalf("increment %d error: %v", i, err)
		}
	}
	if err := store.Increment(ctx, key, 5, time.Hour); err != nil {
		t.Fatalf("increment by 5 error: %v", err)
	}

	total, err := store.SumPattern(ctx, key)
	if err != nil {
		t.Fatalf("SumPattern() error = %v", err)
	}
	if total != 8 {
		t.Errorf("total = %d, want 8", total)
	}
}

func TestCounterStoreIncrementSetsTTLOnFirstWrite(t *testing.T) {
	t.Parallel()

	store, server := newTestCounterStore(t)
	ctx := context.Background()

	key := "stats:delivery_attempts:sms:otp:2026-03-01-12"
	if err := store.Increment(ctx, key, 1, time.Hour); err != nil {
		t.Fatalf("increment error: %v", err)
	}

	if ttl := server.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %v, want (0, 1h]", ttl)
	}
}

func TestCounterStoreSumPatternAcrossTypes(t *testing.T) {
	t.Parallel()

	store, _ := newTestCounterStore(t)
	ctx := context.Background()

	keys := map[string]int64{
		"stats:delivery_success:email:welcome:2026-03-01-12": 3,
		"stats:delivery_success:email:invoice:2026-03-01-12": 4,
		"stats:delivery_success:sms:welcome:2026-03-01-12":   9,
	}
	for key, delta := range keys {
		if err := store.Increment(ctx, key, delta, time.Hour); err != nil {
			t.Fatalf("increment %q error: %v", key, err)
		}
	}

	total, err := store.SumPattern(ctx, "stats:delivery_success:email:*:2026-03-01-12")
	if err != nil {
		t.Fatalf("SumPattern() error = %v", err)
	}
	if total != 7 {
		t.Errorf("email total = %d, want 7", total)
	}
}

func TestCounterStoreSumPatternEmptyIsZero(t *testing.T) {
	t.Parallel()

	store, _ := newTestCounterStore(t)

	total, err := store.SumPattern(context.Background(), "stats:delivery_failure:*:*:2026-03-01-12")
	if err != nil {
		t.Fatalf("SumPattern() error = %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
}

func TestCounterStoreRejectsEmptyArguments(t *testing.T) {
	t.Parallel()

	store, _ := newTestCounterStore(t)
	ctx := context.Background()

	if err := store.Increment(ctx, "", 1, time.Hour); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := store.SumPattern(ctx, ""); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestInboxStoreAppendCapsAndExpires(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewInboxStore(client)
	if err != nil {
		t.Fatalf("NewInboxStore() error = %v", err)
	}
	store.maxLen = 3

	ctx := context.Background()
	notification := domain.Notification{
		ID:      "4f2e8f4e-9a8f-46bc-a1a5-2dc1e8b11c01",
		Type:    "welcome",
		Content: "hello",
	}

	for i := 0; i < 5; i++ {
		entryID, err := store.Append(ctx, "user-1", notification)
		if err != nil {
			t.Fatalf("append %d error: %v", i, err)
		}
		if entryID == "" {
			t.Fatalf("append %d returned empty entry id", i)
		}
	}

	entries, err := client.LRange(ctx, "inbox:user-1", 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("inbox length = %d, want capped at 3", len(entries))
	}
	if ttl := server.TTL("inbox:user-1"); ttl <= 0 {
		t.Error("inbox key has no expiry")
	}
}

func TestInboxStoreRequiresUser(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewInboxStore(client)
	if err != nil {
		t.Fatalf("NewInboxStore() error = %v", err)
	}

	if _, err := store.Append(context.Background(), "", domain.Notification{}); err == nil {
		t.Error("expected error for empty user id")
	}
}
