package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tkanat/notify-dispatch/internal/domain"
)

const (
	defaultEmailTimeout   = 15 * time.Second
	emailCostCentsPerSend = 1
)

type emailSendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type emailSendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// EmailGatewayProvider delivers email through an HTTP mail gateway. The
// gateway acknowledges acceptance synchronously; final delivery state is
// reconciled later through CheckStatus.
type EmailGatewayProvider struct {
	client        *resty.Client
	baseURL       string
	apiKey        string
	defaultSender string
}

func NewEmailGatewayProvider(baseURL, apiKey, defaultSender string) (*EmailGatewayProvider, error) {
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		return nil, fmt.Errorf("email gateway url is required")
	}

	client := resty.New()
	client.SetTimeout(defaultEmailTimeout)
	client.SetRetryCount(0)

	return &EmailGatewayProvider{
		client:        client,
		baseURL:       trimmedURL,
		apiKey:        strings.TrimSpace(apiKey),
		defaultSender: strings.TrimSpace(defaultSender),
	}, nil
}

func (p *EmailGatewayProvider) Name() string { return "email-gateway" }

func (p *EmailGatewayProvider) CanHandle(notification domain.Notification) bool {
	return notification.Channel == domain.ChannelEmail
}

// IsAvailable reports misconfiguration, not live health: a gateway without
// credentials can never succeed, so the orchestrator fails fast.
func (p *EmailGatewayProvider) IsAvailable(ctx context.Context) bool {
	return p != nil && p.client != nil && p.baseURL != "" && p.apiKey != ""
}

func (p *EmailGatewayProvider) Deliver(ctx context.Context, notification domain.Notification) (*DeliveryResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	sender := strings.TrimSpace(notification.SenderAddress)
	if sender == "" {
		sender = p.defaultSender
	}

	var parsed emailSendResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(emailSendRequest{
			From:    sender,
			To:      notification.RecipientAddress,
			Subject: notification.Subject,
			Text:    notification.Content,
			HTML:    notification.HTMLContent,
		}).
		SetResult(&parsed).
		Post(p.baseURL + "/v1/messages")
	if err != nil {
		return nil, &ProviderError{
			Message:   "email gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &DeliveryResult{
			Status:            domain.AttemptSuccess,
			Delivered:         strings.EqualFold(parsed.Status, "delivered"),
			ExternalID:        parsed.MessageID,
			ProviderMessageID: parsed.MessageID,
			ResponseCode:      statusCode,
			ResponseMessage:   responseBody,
			CostCents:         emailCostCentsPerSend,
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func (p *EmailGatewayProvider) CheckStatus(ctx context.Context, attempt domain.DeliveryAttempt) (*DeliveryResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if attempt.ProviderMessageID == nil || strings.TrimSpace(*attempt.ProviderMessageID) == "" {
		return nil, &ProviderError{
			Message:   "attempt has no provider message id",
			Transient: false,
		}
	}

	var parsed emailSendResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetResult(&parsed).
		Get(p.baseURL + "/v1/messages/" + *attempt.ProviderMessageID)
	if err != nil {
		return nil, &ProviderError{
			Message:   "email gateway status request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	return &DeliveryResult{
		Status:            mapGatewayStatus(parsed.Status),
		Delivered:         strings.EqualFold(parsed.Status, "delivered"),
		ProviderMessageID: parsed.MessageID,
		ResponseCode:      statusCode,
		ResponseMessage:   parsed.Status,
	}, nil
}

func mapGatewayStatus(status string) domain.AttemptStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "sent", "accepted":
		return domain.AttemptSuccess
	case "bounced":
		return domain.AttemptBounced
	case "rejected", "suppressed":
		return domain.AttemptRejected
	case "deferred", "queued":
		return domain.AttemptInProgress
	default:
		return domain.AttemptFailed
	}
}
