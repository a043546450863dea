package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tkanat/notify-dispatch/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// chatChannels are the channels the webhook provider accepts. Slack, Teams
// and Discord are all incoming-webhook style HTTP POSTs with channel-specific
// payload shapes.
var chatChannels = map[domain.Channel]bool{
	domain.ChannelWebhook: true,
	domain.ChannelSlack:   true,
	domain.ChannelTeams:   true,
	domain.ChannelDiscord: true,
}

// WebhookProvider delivers webhook and chat-platform notifications over HTTP.
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookProvider(endpoint string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(endpoint, client)
}

func NewWebhookProviderWithClient(endpoint string, client *resty.Client) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) CanHandle(notification domain.Notification) bool {
	return chatChannels[notification.Channel]
}

func (p *WebhookProvider) IsAvailable(ctx context.Context) bool {
	return p != nil && p.client != nil && p.endpoint != ""
}

func (p *WebhookProvider) Deliver(ctx context.Context, notification domain.Notification) (*DeliveryResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatPayload(notification)).
		Post(p.targetURL(notification))
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID := requestID(response)
		return &DeliveryResult{
			Status:            domain.AttemptSuccess,
			ExternalID:        messageID,
			ProviderMessageID: messageID,
			ResponseCode:      statusCode,
			ResponseMessage:   responseBody,
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

// CheckStatus has no upstream to ask: webhook-style endpoints acknowledge
// synchronously, so an accepted attempt is as final as it gets.
func (p *WebhookProvider) CheckStatus(ctx context.Context, attempt domain.DeliveryAttempt) (*DeliveryResult, error) {
	if attempt.Status.IsTerminal() {
		return &DeliveryResult{Status: attempt.Status}, nil
	}
	return &DeliveryResult{
		Status:          domain.AttemptTimeout,
		ResponseMessage: "no acknowledgement received",
	}, nil
}

// targetURL prefers the per-notification webhook URL when the recipient
// address is itself a URL (Slack/Teams/Discord incoming webhooks).
func (p *WebhookProvider) targetURL(notification domain.Notification) string {
	recipient := strings.TrimSpace(notification.RecipientAddress)
	if strings.HasPrefix(recipient, "http://") || strings.HasPrefix(recipient, "https://") {
		return recipient
	}
	return p.endpoint
}

func chatPayload(notification domain.Notification) map[string]any {
	switch notification.Channel {
	case domain.ChannelSlack:
		return map[string]any{"text": notification.Content}
	case domain.ChannelDiscord:
		return map[string]any{"content": notification.Content}
	case domain.ChannelTeams:
		return map[string]any{
			"@type": "MessageCard",
			"title": notification.Subject,
			"text":  notification.Content,
		}
	default:
		return map[string]any{
			"to":      notification.RecipientAddress,
			"type":    notification.Type,
			"subject": notification.Subject,
			"content": notification.Content,
		}
	}
}

func requestID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Message-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
