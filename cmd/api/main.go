package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/tkanat/notify-dispatch/internal/analytics"
	"github.com/tkanat/notify-dispatch/internal/config"
	"github.com/tkanat/notify-dispatch/internal/handler"
	"github.com/tkanat/notify-dispatch/internal/infra/postgresql"
	"github.com/tkanat/notify-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/tkanat/notify-dispatch/internal/infra/redis"
	"github.com/tkanat/notify-dispatch/internal/observability"
	"github.com/tkanat/notify-dispatch/internal/provider"
	"github.com/tkanat/notify-dispatch/internal/queue"
	"github.com/tkanat/notify-dispatch/internal/ratelimit"
	"github.com/tkanat/notify-dispatch/internal/repository"
	"github.com/tkanat/notify-dispatch/internal/service"
	"github.com/tkanat/notify-dispatch/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	notificationRepo := repository.NewGormNotificationRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)

	limits := ratelimit.DefaultLimits()
	if cfg.UserRateLimitPerMinute > 0 {
		for channel := range limits.UserPerMinute {
			limits.UserPerMinute[channel] = cfg.UserRateLimitPerMinute
		}
	}
	if cfg.BurstLimit > 0 {
		limits.BurstLimit = cfg.BurstLimit
	}
	if cfg.BurstWindow() > 0 {
		limits.BurstWindow = cfg.BurstWindow()
	}

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, limits)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	counterStore, err := infraredis.NewCounterStore(rdb)
	if err != nil {
		logger.Fatal("counter store initialization failed", zap.Error(err))
	}
	analyticsService, err := analytics.NewService(counterStore)
	if err != nil {
		logger.Fatal("analytics initialization failed", zap.Error(err))
	}

	inboxStore, err := infraredis.NewInboxStore(rdb)
	if err != nil {
		logger.Fatal("inbox store initialization failed", zap.Error(err))
	}

	registry, err := buildProviderRegistry(cfg, inboxStore)
	if err != nil {
		logger.Fatal("provider registry initialization failed", zap.Error(err))
	}

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

	router, err := queue.NewRouter(publisher, logger)
	if err != nil {
		logger.Fatal("queue router initialization failed", zap.Error(err))
	}

	orchestrator, err := service.NewOrchestrator(
		notificationRepo,
		attemptRepo,
		registry,
		rateLimiter,
		analyticsService,
		router,
		logger,
	)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	orchestrator.SetMetrics(metrics)
	orchestrator.SetProviderTimeout(cfg.ProviderTimeout())

	notificationService, err := service.NewNotificationService(notificationRepo, attemptRepo, router, logger)
	if err != nil {
		logger.Fatal("notification service initialization failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(consumer, orchestrator, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	retryScanner, err := service.NewRetryScanner(orchestrator, cfg.RetryScanInterval(), logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}

	pendingScanner, err := service.NewPendingScanner(orchestrator, cfg.PendingScanInterval(), logger)
	if err != nil {
		logger.Fatal("pending scanner initialization failed", zap.Error(err))
	}

	scheduler, err := service.NewScheduler(notificationRepo, router, cfg.ScheduleScanInterval(), 0, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	statusChecker, err := service.NewStatusChecker(orchestrator, cfg.StatusCheckInterval(), logger)
	if err != nil {
		logger.Fatal("status checker initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		logger.Fatal("notification routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterAnalyticsRoutes(app, analyticsService); err != nil {
		logger.Fatal("analytics routes registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pending scanner's initial sweep drains anything left PENDING or
	// QUEUED from a previous run; its ticks recover notifications the broker
	// never redelivers.
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(groupCtx) })
	g.Go(func() error { return retryScanner.Start(groupCtx) })
	g.Go(func() error { return pendingScanner.Start(groupCtx) })
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return statusChecker.Start(groupCtx) })
	g.Go(func() error {
		logger.Info("notify-dispatch api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("notify-dispatch stopped")
}

func buildProviderRegistry(cfg *config.Config, inboxStore provider.InboxStore) (*provider.Registry, error) {
	providers := make([]provider.Provider, 0, 3)

	webhookProvider, err := provider.NewWebhookProvider(cfg.WebhookEndpointURL)
	if err != nil {
		return nil, err
	}
	providers = append(providers, webhookProvider)

	if cfg.EmailGatewayURL != "" {
		emailProvider, err := provider.NewEmailGatewayProvider(cfg.EmailGatewayURL, cfg.EmailGatewayAPIKey, cfg.EmailSenderAddress)
		if err != nil {
			return nil, err
		}
		providers = append(providers, emailProvider)
	}

	inAppProvider, err := provider.NewInAppProvider(inboxStore)
	if err != nil {
		return nil, err
	}
	providers = append(providers, inAppProvider)

	return provider.NewRegistry(providers...), nil
}
