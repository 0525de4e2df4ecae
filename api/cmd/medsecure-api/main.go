package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/irgordon/medsecure/api/internal/api/handlers"
	"github.com/irgordon/medsecure/api/internal/api/middleware"
	"github.com/irgordon/medsecure/api/internal/api/router"
	"github.com/irgordon/medsecure/api/internal/config"
	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/core/services"
	"github.com/irgordon/medsecure/api/internal/db/postgres"
	"github.com/irgordon/medsecure/api/internal/infrastructure/cipher"
	"github.com/irgordon/medsecure/api/internal/infrastructure/objectstore"
	"github.com/irgordon/medsecure/api/internal/telemetry"
	"github.com/irgordon/medsecure/api/internal/workers"
)

func main() {
	// --- 1. Configuration & Logging ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("🚀 Booting MedSecure API...", "environment", cfg.Environment)

	metrics := telemetry.NewMetrics()

	// --- 2. Outbound Infrastructure ---
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	dbPool, err := postgres.NewPool(bootCtx, cfg.DatabaseURL, cfg.DBTimeout)
	if err != nil {
		logger.Error("FATAL: DB failed", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := postgres.Migrate(bootCtx, dbPool); err != nil {
		logger.Error("FATAL: schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	directoryDB, err := postgres.OpenDirectory(bootCtx, cfg.DatabaseURL, cfg.DBTimeout)
	if err != nil {
		logger.Error("FATAL: user directory failed", "error", err)
		os.Exit(1)
	}
	defer directoryDB.Close()

	cipherClient, err := cipher.NewClient(cipher.Config{
		BaseURL: cfg.CipherServiceURL,
		Timeout: cfg.CipherTimeout,
	}, metrics)
	if err != nil {
		logger.Error("FATAL: cipher client misconfigured", "error", err)
		os.Exit(1)
	}

	// Artifacts are kept inline unless a bucket is configured.
	var store domain.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := objectstore.NewS3Store(bootCtx, objectstore.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicBaseURL,
		}, logger)
		if err != nil {
			logger.Error("FATAL: object store failed", "error", err)
			os.Exit(1)
		}
		store = s3Store
	} else {
		logger.Warn("No S3_BUCKET configured, artifacts will be stored inline")
	}

	// --- 3. Dependency Injection ---
	messageRepo := postgres.NewMessageRepository(dbPool, cfg.DBTimeout)
	auditRepo := postgres.NewAuditRepository(dbPool)
	userDirectory := postgres.NewUserDirectory(directoryDB, cfg.DBTimeout)

	auditRecorder := services.NewAuditRecorder(auditRepo, logger, metrics, cfg.AuditTimeout)
	tokenService := services.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	authService := services.NewAuthService(userDirectory, tokenService, auditRecorder)
	dispatcher := services.NewMessageDispatcher(
		messageRepo,
		cipherClient,
		services.NewIdentityResolver(userDirectory, cfg.LookupTimeout),
		services.NewPayloadPackager(store, logger, metrics, cfg.UploadTimeout),
		services.NewAccessController(),
		auditRecorder,
		cfg.VigenereKey,
		logger,
		metrics,
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	authMiddleware := middleware.NewAuthMiddleware(workerCtx, authService, cfg.CookieName, logger)

	// --- 4. Background Workers ---
	healthServer := health.NewServer()
	cipherMonitor := workers.NewCipherMonitor(cipherClient, healthServer, metrics, logger, cfg.CipherMonitorInterval)
	go cipherMonitor.Start(workerCtx)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		logger.Error("FATAL: gRPC health listener failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC health server stopped", "error", err)
		}
	}()

	// --- 5. HTTP Gateway ---
	mux := router.NewRouter(router.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.RequestTimeout,
		AuthHandler: handlers.NewAuthHandler(authService, handlers.CookieConfig{
			Name:   cfg.CookieName,
			Secure: cfg.CookieSecure,
			TTL:    tokenService.TTL(),
		}, logger),
		MessageHandler: handlers.NewMessageHandler(dispatcher, logger),
		AuditHandler:   handlers.NewAuditHandler(auditRecorder, logger),
		StatusHandler: handlers.NewStatusHandler(dbPool, cipherClient, handlers.StatusConfig{
			CipherServiceURL: cfg.CipherServiceURL,
			AllowedOrigins:   cfg.AllowedOrigins,
			CookieName:       cfg.CookieName,
			CookieSecure:     cfg.CookieSecure,
			Environment:      cfg.Environment,
		}),
		AuthMiddleware: authMiddleware,
		Metrics:        metrics.Handler(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	// --- 6. Graceful Exit ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("🌐 MedSecure API active", "port", cfg.Port, "grpc_health_port", cfg.GRPCHealthPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("CRITICAL: Server crashed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ERROR: Forced shutdown", "error", err)
	}

	cancelWorkers()
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	// Audit writes run detached from requests; let in-flight ones land.
	auditRecorder.Wait()
	logger.Info("✅ MedSecure API shutdown complete")
}
