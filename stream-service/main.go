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
	"golang.org/x/sync/errgroup"

	"prism-board/auth"
	"prism-board/broadcast"
	"prism-board/config"
	"prism-board/internal/consts"
	"prism-board/storage"
	"prism-board/stream-service/api"
	"prism-board/stream-service/subscription"
)

func main() {
	logger := log.New()
	cfg, err := config.Load("9000")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	cfg.ApplyLogging(logger)

	redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store only answers project access checks here.
	store, release, err := storage.Open(ctx, storage.Selection{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer release()

	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	hub := broadcast.NewHub(logger)
	relay := subscription.NewRelay(broadcast.NewBus(rc, consts.BoardEventsChannel, logger), hub, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if cfg.PprofEnabled {
		pprof.Register(e)
	}
	api.Register(e, hub, authn, store, logger, api.Options{
		Buffer:    cfg.StreamBuffer,
		KeepAlive: cfg.KeepAlive,
		Ready:     relay.IsReady,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Infof("stream-service listening on :%s", cfg.Port)
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
		logger.WithError(err).Error("stream-service stopped")
	}
	logger.Info("stream-service stopped")
}
