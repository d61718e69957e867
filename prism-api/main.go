package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"prism-board/auth"
	"prism-board/broadcast"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/internal/consts"
	"prism-board/prism-api/api"
	"prism-board/storage"
)

func main() {
	logger := log.New()
	cfg, err := config.Load("8080")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	cfg.ApplyLogging(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	store, release, err := storage.Open(ctx, storage.Selection{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Migrate:     true,
	}, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer release()

	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	opts := []domain.Option{
		domain.WithCacheTTL(cfg.CacheTTL),
		domain.WithTimeouts(cfg.CacheTimeout, cfg.BroadcastTimeout),
		domain.WithNotifyTimeout(cfg.NotifyTimeout),
	}
	checks := []api.HealthCheck{store.Ping}

	var (
		deduper    api.Deduper
		inbox      api.Inbox
		dispatcher *broadcast.Dispatcher
		rc         *redis.Client
	)
	if cfg.RedisConnectionString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		defer rc.Close()

		dispatcher = broadcast.NewDispatcher(
			broadcast.NewBus(rc, consts.BoardEventsChannel, logger),
			logger,
			broadcast.DispatcherOptions{
				Workers:         cfg.BroadcastWorkers,
				Buffer:          cfg.BroadcastBuffer,
				DeliveryTimeout: cfg.BroadcastTimeout,
			},
		)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		opts = append(opts,
			domain.WithCache(storage.NewRedisCache(rc, consts.CacheKeyPrefix, cfg.CacheTimeout)),
			domain.WithPublisher(dispatcher),
		)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, running without cache, deduplication or broadcast")
	}

	if cfg.StorageConnectionString != "" {
		queue, err := storage.NewQueueNotifier(cfg.StorageConnectionString, cfg.NotificationsQueue)
		if err != nil {
			logger.Fatalf("notification queue: %v", err)
		}
		table, err := storage.NewTableInbox(cfg.StorageConnectionString, cfg.NotificationsTable)
		if err != nil {
			logger.Fatalf("notification inbox: %v", err)
		}
		inbox = table
		opts = append(opts, domain.WithNotifier(storage.Notifiers{queue, table}))
	}

	board := domain.NewBoard(store, logger, opts...)

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.DecompressRequests())
	if cfg.PprofEnabled {
		pprof.Register(e)
		logger.Info("pprof endpoints enabled")
	}

	api.Register(e, board, authn, deduper, inbox, logger, checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("prism-api listening on :%s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped")
	}

	// Pending notifications and broadcasts are flushed before the clients close.
	board.Wait()
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info("prism-api stopped")
}
