package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-fin/be-approvals/internal/client"
	"github.com/meridian-fin/be-approvals/internal/config"
	"github.com/meridian-fin/be-approvals/internal/database"
	"github.com/meridian-fin/be-approvals/internal/handler"
	"github.com/meridian-fin/be-approvals/internal/logger"
	"github.com/meridian-fin/be-approvals/internal/middleware"
	"github.com/meridian-fin/be-approvals/internal/repository"
	"github.com/meridian-fin/be-approvals/internal/service"
	"github.com/meridian-fin/be-approvals/migrations"
)

// slaSweepInterval bounds how stale an overdue task can be between reads.
const slaSweepInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting approvals service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(migrations.FS, "."); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	log.Info().Msg("Database ready")

	// Repositories
	requestRepo := repository.NewRequestRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	userRepo := repository.NewUserRepository(db)

	// Outbound clients
	var publisher *client.NotificationPublisher
	if cfg.NATS.Enabled {
		publisher, err = client.NewNotificationPublisher(ctx, cfg.NATS.URL, cfg.NATS.Stream, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher initialized")
	} else {
		log.Info().Msg("NATS disabled; workflow events will not be published")
	}

	llmClient := client.NewLLMClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout, log)

	// Services
	dispatcher := service.NewDispatcher(taskRepo, notificationRepo, publisher, log)
	requestService := service.NewRequestService(requestRepo, workflowRepo, userRepo, auditRepo, dispatcher, log)
	approvalService := service.NewApprovalService(requestRepo, workflowRepo, approvalRepo, taskRepo, userRepo, auditRepo, dispatcher, log)
	documentService := service.NewDocumentService(documentRepo, requestRepo, llmClient, log)

	sweeper := service.NewSLASweeper(taskRepo, slaSweepInterval, log)
	go sweeper.Run(ctx)

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(
		requestService, approvalService, documentService,
		taskRepo, notificationRepo, userRepo, workflowRepo, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	httpHandler.Register(mux)

	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Recovery(&log)(h)
	h = middleware.Logger(&log)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
