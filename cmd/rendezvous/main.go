package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	httphandlers "deskbridge/internal/handlers/http"
	"deskbridge/internal/infrastructure/distributed"
	"deskbridge/internal/infrastructure/middleware"
	"deskbridge/internal/infrastructure/repositories"
	"deskbridge/internal/infrastructure/signal"
	"deskbridge/pkg/config"
	"deskbridge/pkg/logger"
	"deskbridge/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/deskbridge/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-rendezvous",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	presence := repoFactory.CreatePresenceRepository()

	serverCfg := signal.DefaultServerConfig(cfg.Auth.JWTSecret)
	serverCfg.PingInterval = cfg.Signaling.PingInterval
	serverCfg.ReadTimeout = cfg.Signaling.PongTimeout
	serverCfg.WriteTimeout = cfg.Signaling.WriteTimeout
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		serverCfg.MessageBurst = cfg.RateLimiting.Burst
	}
	wsServer := signal.NewServer(serverCfg, presence, log)

	// With Redis enabled, instances share presence and relay signaling to
	// whichever instance holds the target peer's connection.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewBus(client, uuid.NewString(), log)
		bus.OnSignal(wsServer.DeliverLocal)
		wsServer.SetRelay(bus)
		go func() {
			if err := bus.Listen(busCtx); err != nil && busCtx.Err() == nil {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.TracingMiddleware())

	apiHandler := httphandlers.NewRendezvousHandler(cfg, presence)
	apiHandler.SetupRoutes(router)

	router.GET("/ws", middleware.NewConnectionRateLimitMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Signaling.Address,
		Handler:      router,
		ReadTimeout:  cfg.Signaling.PongTimeout,
		WriteTimeout: cfg.Signaling.PongTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting deskbridge rendezvous server on %s", cfg.Signaling.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down rendezvous server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signaling.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("Rendezvous server stopped")
}
