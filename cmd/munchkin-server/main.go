package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"munchkin/internal/config"
	"munchkin/internal/game"
	"munchkin/internal/logging"
	"munchkin/internal/metrics"
	"munchkin/internal/microservices/admin"
	"munchkin/internal/microservices/tcp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("server_error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("server_stopped_gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	roster := game.NewRoster(logger)
	m := metrics.New()

	server, err := tcp.NewServer(cfg.Addr(), tcp.Options{
		Timeout:        cfg.MessageTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Passcode:       cfg.Passcode,
		Version:        cfg.Version,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		TokenSecret:    cfg.TokenSecret,
		TokenTTL:       cfg.TokenTTL,
		Logger:         logger,
	}, roster, store, m)
	if err != nil {
		return err
	}

	router := admin.NewRouter(admin.NewHandler(roster, server, cfg.Version), m, logger)
	adminServer := admin.NewServer(cfg.AdminAddr(), router, logger)

	logger.Info("starting_munchkin_server",
		"tcp_addr", cfg.Addr(),
		"admin_addr", cfg.AdminAddr(),
		"protected", cfg.IsProtected(),
		"redis", cfg.RedisURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(adminServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received_shutdown_signal")
		server.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore connects Redis when configured and falls back to memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (game.RosterStore, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("roster_store", "backend", "memory")
		return game.NewMemoryStore(), func() {}, nil
	}

	store, err := game.NewRedisStore(ctx, game.RedisOptions{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		Key:      cfg.RosterKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("roster store: %w", err)
	}
	logger.Info("roster_store", "backend", "redis", "key", cfg.RosterKey)
	return store, func() { store.Close() }, nil
}
