package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/provider"
)

const (
	defaultInboxTTL    = 30 * 24 * time.Hour
	defaultInboxMaxLen = 500
)

var _ provider.InboxStore = (*InboxStore)(nil)

// InboxStore keeps per-user in-app notifications in a capped Redis list.
type InboxStore struct {
	client *goredis.Client
	ttl    time.Duration
	maxLen int64
}

type inboxEntry struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notificationId"`
	Type           string    `json:"type"`
	Subject        string    `json:"subject,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewInboxStore(client *goredis.Client) (*InboxStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &InboxStore{
		client: client,
		ttl:    defaultInboxTTL,
		maxLen: defaultInboxMaxLen,
	}, nil
}

func (s *InboxStore) Append(ctx context.Context, userID string, notification domain.Notification) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("inbox store is not initialized")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	entry := inboxEntry{
		ID:             uuid.NewString(),
		NotificationID: notification.ID,
		Type:           notification.Type,
		Subject:        notification.Subject,
		Content:        notification.Content,
		CreatedAt:      time.Now().UTC(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inbox entry: %w", err)
	}

	key := fmt.Sprintf("inbox:%s", userID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.maxLen-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to append inbox entry: %w", err)
	}

	return entry.ID, nil
}
