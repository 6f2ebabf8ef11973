package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openedx/ecommerce-worker/internal/cache"
	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/dispatch"
	"github.com/openedx/ecommerce-worker/internal/ecommerce"
	infraredis "github.com/openedx/ecommerce-worker/internal/infra/redis"
	"github.com/openedx/ecommerce-worker/internal/observability"
	"github.com/openedx/ecommerce-worker/internal/provider"
	"github.com/openedx/ecommerce-worker/internal/provider/braze"
	"github.com/openedx/ecommerce-worker/internal/provider/sailthru"
	"github.com/openedx/ecommerce-worker/internal/taskqueue"
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sites, err := config.LoadSites(cfg.SitesPath)
	if err != nil {
		return err
	}

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	limiter, err := infraredis.NewSendRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return err
	}

	broker, err := taskqueue.NewRabbitMQ(cfg.BrokerURL)
	if err != nil {
		return err
	}
	defer broker.Close()

	publisher := taskqueue.NewRabbitMQPublisher(broker)
	consumer := taskqueue.NewRabbitMQConsumer(broker, cfg.WorkerPrefetch, logger)

	// One cache instance per process: course content and order API tokens
	// share it under distinct key prefixes.
	sharedCache := cache.New()

	router := provider.NewRouter(sites)
	router.Register(provider.KindBraze, braze.NewDeliveryClient(logger))
	router.Register(provider.KindSailthru, sailthru.NewDeliveryClient(logger))

	orders := func(siteCode string) (dispatch.OrderClient, error) {
		return ecommerce.New(siteCode, sites.Site(siteCode), sharedCache, logger)
	}
	content := func(siteCode string, site config.Site) (dispatch.ContentClient, error) {
		return sailthru.New(siteCode, site, logger)
	}

	dispatcher, err := dispatch.NewDispatcher(sites, router, orders, content, sharedCache, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	worker, err := taskqueue.NewWorker(consumer, publisher, limiter, metrics, logger, cfg.WorkerConcurrency)
	if err != nil {
		return err
	}
	taskqueue.RegisterDispatchHandlers(worker, dispatcher)

	app := opsApp(metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Int("prefetch", cfg.WorkerPrefetch))
		return worker.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("ops server started", zap.Int("port", cfg.OpsPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.OpsPort))
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})

	return g.Wait()
}

func opsApp(metrics *observability.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	return app
}
