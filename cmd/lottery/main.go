// Package main запускает HTTP-сервер сервиса розыгрышей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/lottery-pool/internal/beacon"
	"github.com/mmeshcher/lottery-pool/internal/config"
	"github.com/mmeshcher/lottery-pool/internal/handler"
	"github.com/mmeshcher/lottery-pool/internal/middleware"
	"github.com/mmeshcher/lottery-pool/internal/repository"
	"github.com/mmeshcher/lottery-pool/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	maxDeposit, err := cfg.MaxDepositAmount()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []service.Option{
		service.WithRoundDuration(cfg.RoundDuration),
		service.WithMaxDeposit(maxDeposit),
		service.WithMetrics(service.NewMetrics(registry)),
	}
	if cfg.BeaconURL != "" {
		opts = append(opts, service.WithRNG(service.NewBeaconRNG(beacon.NewClient(cfg.BeaconURL))))
		sugar.Infow("drawing winners from randomness beacon", "url", cfg.BeaconURL)
	}

	svc, err := service.NewService(repo, logger, opts...)
	if err != nil {
		_ = repo.Close()
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, issued tokens are valid until restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, maxDeposit)

	r := h.SetupRouter(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая проверка истечения раунда
	g.Go(func() error {
		sugar.Infow("starting round expiry checks", "interval", cfg.ExpiryCheckInterval)
		return svc.StartExpiryChecks(ctx, cfg.ExpiryCheckInterval)
	})

	g.Go(func() error {
		sugar.Infow("starting lottery server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
