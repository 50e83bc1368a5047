package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/app"
	"github.com/Dhoini/proposalkraft-billing/internal/config"
	"github.com/Dhoini/proposalkraft-billing/internal/http/routes"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.New(logger.INFO).Fatalw("Failed to load configuration", "error", err)
	}

	log := initLogger(cfg)
	defer func() { _ = log.Sync() }()
	log.Infow("Billing service starting up...", "env", cfg.App.Env)

	if cfg.Stripe.WebhookSecret == "" {
		log.Warnw("Stripe webhook secret is not set, Stripe webhooks will be rejected")
	}

	// Устанавливаем режим Gin в зависимости от окружения
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}
	defer application.Close()

	router := gin.New()
	routes.SetupRoutes(router, application, log)

	// WriteTimeout не задан: /session/watch держит поток SSE
	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server failed", "error", err)
			stop()
		}
	}()

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		log.Fatalw("Failed to listen for gRPC", "error", err)
	}
	go func() {
		if err := application.GRPCServer.Serve(grpcListener); err != nil {
			log.Errorw("gRPC server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infow("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Infow("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	}

	log.Infow("Shutting down gRPC server")
	application.GRPCServer.GracefulStop()

	log.Infow("Cleanup finished. Goodbye!")
}

func initLogger(cfg *config.Config) *logger.Logger {
	level := logger.ParseLevel(cfg.App.LogLevel)
	if os.Getenv("LOG_LEVEL") != "" {
		level = logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	}
	if cfg.IsProduction() {
		return logger.NewProduction(level).Named("billing")
	}
	return logger.New(level).Named("billing")
}
