// Package main запускает HTTP-сервер сервиса приёма платежей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wanjala/till-system/internal/config"
	"github.com/wanjala/till-system/internal/gateway"
	"github.com/wanjala/till-system/internal/handler"
	"github.com/wanjala/till-system/internal/inbound"
	"github.com/wanjala/till-system/internal/ledger"
	"github.com/wanjala/till-system/internal/middleware"
	"github.com/wanjala/till-system/internal/operators"
	"github.com/wanjala/till-system/internal/repository"
	"github.com/wanjala/till-system/internal/settlement"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gatewayClient := gateway.NewClient(cfg.GatewayAddress, cfg.GatewayShortcode)
	paymentLedger := ledger.New(repo)
	matcher := inbound.NewMatcher(repo)
	coordinator := settlement.NewCoordinator(gatewayClient, paymentLedger, repo, matcher, logger, cfg.PollInterval, cfg.PollMaxAttempts)
	operatorService := operators.NewService(repo)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(operatorService, repo, coordinator, matcher, logger, authMiddleware)

	r := handler.SetupRouter(h, authMiddleware, logger)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Опросы шлюза наследуют контекст процесса.
	coordinator.Start(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting till server", "addr", cfg.RunAddress)
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
