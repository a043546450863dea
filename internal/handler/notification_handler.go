package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetAttempts(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
	Cancel(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id string) error
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.GetNotificationAttempts)
	v1.Post("/notifications/:id/cancel", h.CancelNotification)
	v1.Post("/notifications/:id/read", h.MarkNotificationRead)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

type createNotificationRequest struct {
	UserID           string          `json:"userId"`
	CorrelationID    string          `json:"correlationId"`
	IdempotencyKey   *string         `json:"idempotencyKey"`
	Channel          string          `json:"channel"`
	Type             string          `json:"type"`
	Priority         string          `json:"priority"`
	Recipient        string          `json:"recipient"`
	Sender           string          `json:"sender"`
	Subject          string          `json:"subject"`
	Content          string          `json:"content"`
	HTMLContent      string          `json:"htmlContent"`
	TemplateID       *string         `json:"templateId"`
	TemplateVars     json.RawMessage `json:"templateVars"`
	MaxRetryAttempts *int            `json:"maxRetryAttempts,omitempty"`
	ScheduledAt      *time.Time      `json:"scheduledAt,omitempty"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty"`
}

type notificationResponse struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	CorrelationID    string     `json:"correlationId"`
	IdempotencyKey   *string    `json:"idempotencyKey,omitempty"`
	Channel          string     `json:"channel"`
	Type             string     `json:"type"`
	Priority         string     `json:"priority"`
	Recipient        string     `json:"recipient"`
	Subject          string     `json:"subject,omitempty"`
	Content          string     `json:"content,omitempty"`
	Status           string     `json:"status"`
	ExternalID       *string    `json:"externalId,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	RetryCount       int        `json:"retryCount"`
	MaxRetryAttempts int        `json:"maxRetryAttempts"`
	ScheduledAt      *time.Time `json:"scheduledAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	NextRetryAt      *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}

type attemptResponse struct {
	ID                string     `json:"id"`
	NotificationID    string     `json:"notificationId"`
	Channel           string     `json:"channel"`
	Provider          string     `json:"provider"`
	Status            string     `json:"status"`
	AttemptNumber     int        `json:"attemptNumber"`
	MaxAttempts       int        `json:"maxAttempts"`
	ExternalID        *string    `json:"externalId,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	ResponseCode      *int       `json:"responseCode,omitempty"`
	ResponseMessage   *string    `json:"responseMessage,omitempty"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	ProcessingTimeMs  *int64     `json:"processingTimeMs,omitempty"`
	CostCents         *int64     `json:"costCents,omitempty"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := requestToDomainNotification(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Create(c.Context(), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) GetNotificationAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempts, err := h.service.GetAttempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		responses = append(responses, toAttemptResponse(&attempts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"attempts":       responses,
	})
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Cancel(c.Context(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusCanceled.String(),
	})
}

func (h *NotificationHandler) MarkNotificationRead(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.MarkRead(c.Context(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusRead.String(),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	if rawUser := strings.TrimSpace(c.Query("userId")); rawUser != "" {
		params.UserID = &rawUser
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainNotification(req createNotificationRequest, fallbackCorrelationID string) (domain.Notification, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return domain.Notification{}, err
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(req.Priority) != "" {
		priority, err = domain.ParsePriorityFromString(req.Priority)
		if err != nil {
			return domain.Notification{}, err
		}
	}

	n := domain.Notification{
		UserID:           strings.TrimSpace(req.UserID),
		CorrelationID:    strings.TrimSpace(req.CorrelationID),
		IdempotencyKey:   req.IdempotencyKey,
		Channel:          channel,
		Type:             strings.TrimSpace(req.Type),
		Priority:         priority,
		RecipientAddress: strings.TrimSpace(req.Recipient),
		SenderAddress:    strings.TrimSpace(req.Sender),
		Subject:          strings.TrimSpace(req.Subject),
		Content:          strings.TrimSpace(req.Content),
		HTMLContent:      req.HTMLContent,
		TemplateID:       req.TemplateID,
		TemplateVars:     req.TemplateVars,
		ScheduledAt:      req.ScheduledAt,
		ExpiresAt:        req.ExpiresAt,
	}

	if n.CorrelationID == "" {
		n.CorrelationID = strings.TrimSpace(fallbackCorrelationID)
	}
	if req.MaxRetryAttempts != nil {
		n.MaxRetryAttempts = *req.MaxRetryAttempts
	}

	return n, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:               n.ID,
		UserID:           n.UserID,
		CorrelationID:    n.CorrelationID,
		IdempotencyKey:   n.IdempotencyKey,
		Channel:          n.Channel.String(),
		Type:             n.Type,
		Priority:         n.Priority.String(),
		Recipient:        n.RecipientAddress,
		Subject:          n.Subject,
		Content:          n.Content,
		Status:           n.Status.String(),
		ExternalID:       n.ExternalID,
		ErrorMessage:     n.ErrorMessage,
		RetryCount:       n.RetryCount,
		MaxRetryAttempts: n.MaxRetryAttempts,
		ScheduledAt:      n.ScheduledAt,
		ExpiresAt:        n.ExpiresAt,
		NextRetryAt:      n.NextRetryAt,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}
}

func toAttemptResponse(a *domain.DeliveryAttempt) attemptResponse {
	if a == nil {
		return attemptResponse{}
	}

	return attemptResponse{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		Channel:           a.Channel.String(),
		Provider:          a.ProviderName,
		Status:            a.Status.String(),
		AttemptNumber:     a.AttemptNumber,
		MaxAttempts:       a.MaxAttempts,
		ExternalID:        a.ExternalID,
		ProviderMessageID: a.ProviderMessageID,
		ResponseCode:      a.ResponseCode,
		ResponseMessage:   a.ResponseMessage,
		ErrorMessage:      a.ErrorMessage,
		ProcessingTimeMs:  a.ProcessingTimeMs,
		CostCents:         a.CostCents,
		NextAttemptAt:     a.NextAttemptAt,
		DeliveredAt:       a.DeliveredAt,
		FailedAt:          a.FailedAt,
		CreatedAt:         a.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
