package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tkanat/notify-dispatch/internal/analytics"
)

const scanBatchSize = 200

// incrementScript bumps a counter and attaches the TTL on first write so
// stale stat buckets expire on their own.
var incrementScript = goredis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if current == tonumber(ARGV[1]) then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return current
`)

var _ analytics.CounterStore = (*CounterStore)(nil)

// CounterStore is the Redis implementation of the analytics counter port.
type CounterStore struct {
	client *goredis.Client
}

func NewCounterStore(client *goredis.Client) (*CounterStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &CounterStore{client: client}, nil
}

func (s *CounterStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("counter store is not initialized")
	}
	if key == "" {
		return fmt.Errorf("counter key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	if err := incrementScript.Run(ctx, s.client, []string{key}, delta, ttlSeconds).Err(); err != nil {
		return fmt.Errorf("failed to increment counter %q: %w", key, err)
	}
	return nil
}

// SumPattern scans all keys matching the pattern and sums their values.
// Scan cost is acceptable here: patterns are hour-scoped and reads serve
// dashboards only.
func (s *CounterStore) SumPattern(ctx context.Context, pattern string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("counter store is not initialized")
	}
	if pattern == "" {
		return 0, fmt.Errorf("counter pattern is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var total int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan counters %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return 0, fmt.Errorf("failed to read counters %q: %w", pattern, err)
			}
			for _, value := range values {
				if raw, ok := value.(string); ok {
					var parsed int64
					if _, err := fmt.Sscanf(raw, "%d", &parsed); err == nil {
						total += parsed
					}
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
