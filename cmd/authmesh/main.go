// Command authmesh runs the hybrid authentication layer as a standalone service:
// token validation for upstream proxies, the WebSocket handshake gateway, health
// and metrics.
//
// Configuration comes from an optional file passed with -config and AUTHMESH_*
// environment variables; see [authmesh.LoadConfig].
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/durable"
	"github.com/MrEthical07/authmesh/metrics/export/prometheus"
	"github.com/MrEthical07/authmesh/wsgateway"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or TOML config file")
		devLogin   = flag.Bool("dev-login", false, "expose POST /auth/login without upstream authentication")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *devLogin, logger); err != nil {
		logger.Error("authmesh exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, devLogin bool, logger *slog.Logger) error {
	cfg, err := authmesh.LoadConfig(configPath)
	if err != nil {
		return err
	}

	b := authmesh.New().WithConfig(cfg).WithLogger(logger)

	// nil interface when no cache is configured
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		b.WithRedis(rdb)
	}

	if cfg.Durable.Driver != "" {
		store, err := durable.Open(ctx, durable.Options{
			Driver: cfg.Durable.Driver,
			DSN:    cfg.Durable.DSN,
			Pool: durable.PoolConfig{
				MaxConns:        cfg.Durable.MaxConns,
				MinConns:        cfg.Durable.MinConns,
				MaxConnIdleTime: cfg.Durable.MaxConnIdleTime,
			},
			AutoMigrate: cfg.Durable.AutoMigrate,
		}, logger)
		if err != nil {
			return fmt.Errorf("open durable store: %w", err)
		}
		defer func() { _ = store.Close() }()
		b.WithDurable(store)
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	for _, w := range engine.SecurityReport().Warnings {
		logger.Warn("security posture", "warning", w)
	}

	s := &server{
		engine:  engine,
		gateway: wsgateway.New(engine, rdb),
		metrics: prometheus.NewPrometheusExporter(engine),
		logger:  logger.With("component", "http"),
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.routes(devLogin),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("authmesh listening", "addr", httpServer.Addr, "dev_login", devLogin)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
