package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tkanat/notify-dispatch/internal/analytics"
	"github.com/tkanat/notify-dispatch/internal/domain"
)

const defaultStatisticsWindow = 24 * time.Hour

// AnalyticsService reads aggregated delivery counters.
type AnalyticsService interface {
	DeliveryStatistics(ctx context.Context, from, to time.Time) (*analytics.Statistics, error)
	CurrentMetrics(ctx context.Context) (*analytics.RealTimeMetrics, error)
	ChannelPerformance(ctx context.Context, channel domain.Channel, from, to time.Time) (*analytics.PerformanceMetrics, error)
}

type AnalyticsHandler struct {
	service AnalyticsService
	now     func() time.Time
}

func NewAnalyticsHandler(service AnalyticsService) (*AnalyticsHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("analytics service is required")
	}
	return &AnalyticsHandler{service: service, now: time.Now}, nil
}

func RegisterAnalyticsRoutes(router fiber.Router, service AnalyticsService) error {
	h, err := NewAnalyticsHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/analytics")
	v1.Get("/statistics", h.GetStatistics)
	v1.Get("/realtime", h.GetRealTimeMetrics)
	v1.Get("/performance/:channel", h.GetChannelPerformance)

	return nil
}

func (h *AnalyticsHandler) GetStatistics(c *fiber.Ctx) error {
	from, to, err := h.parseWindow(c)
	if err != nil {
		return toHTTPError(err)
	}

	stats, err := h.service.DeliveryStatistics(c.Context(), from, to)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

func (h *AnalyticsHandler) GetRealTimeMetrics(c *fiber.Ctx) error {
	metrics, err := h.service.CurrentMetrics(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(metrics)
}

func (h *AnalyticsHandler) GetChannelPerformance(c *fiber.Ctx) error {
	channel, err := domain.ParseChannelFromString(strings.TrimSpace(c.Params("channel")))
	if err != nil {
		return toHTTPError(err)
	}

	from, to, err := h.parseWindow(c)
	if err != nil {
		return toHTTPError(err)
	}

	performance, err := h.service.ChannelPerformance(c.Context(), channel, from, to)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(performance)
}

func (h *AnalyticsHandler) parseWindow(c *fiber.Ctx) (time.Time, time.Time, error) {
	now := h.now().UTC()
	from := now.Add(-defaultStatisticsWindow)
	to := now

	if parsed, err := parseRFC3339Query(c.Query("from"), "from"); err != nil {
		return time.Time{}, time.Time{}, err
	} else if parsed != nil {
		from = *parsed
	}
	if parsed, err := parseRFC3339Query(c.Query("to"), "to"); err != nil {
		return time.Time{}, time.Time{}, err
	} else if parsed != nil {
		to = *parsed
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be before to", domain.ErrValidation)
	}

	return from, to, nil
}
