/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config.yaml, .env and DUES_* variables
  2. Build the logger
  3. Open the store and event sinks (app.New)
  4. Optionally load the demo scenario
  5. Start the auto-extension scheduler
  6. Start the HTTP server

COMMAND-LINE FLAGS:
  -config  Directory containing config.yaml (default: ./configs)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the scheduler
  4. Close event sinks and the store

EXAMPLES:
  # Run with the default SQLite database
  ./server

  # Run against Postgres with admin tokens enabled
  DUES_STORE_DRIVER=postgres DUES_STORE_POSTGRES_DSN=postgres://... \
  DUES_AUTH_JWT_SECRET=change-me ./server

  # Demo mode on an in-memory store
  DUES_STORE_DRIVER=memory DUES_SERVER_DEMO=true ./server

SEE ALSO:
  - app/app.go: Component wiring
  - api/server.go: Router configuration
  - config/config.go: Settings and environment variables
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/app"
	"github.com/warp/dues-engine/config"
	"go.uber.org/zap"
)

const demoScenario = "small-association"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs", "Path to the configuration directory")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	handler := api.NewHandler(a.Backend, a.Engine, a.Reconciler, logger)
	handler.MaxUploadBytes = cfg.Import.MaxUploadBytes

	if cfg.Server.Demo {
		if err := handler.LoadScenarioByID(context.Background(), demoScenario); err != nil {
			logger.Warn("Failed to load demo scenario", zap.Error(err))
		}
	}

	scheduler := api.NewExtensionScheduler(a.Engine, logger.Named("scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if !auth.Enabled() {
		logger.Warn("auth.jwt_secret is empty; administrative routes are unprotected")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           auth,
		ImportLimiter:  api.NewImportLimiter(cfg.Import.RatePerMinute, cfg.Import.Burst),
		Logger:         logger.Named("http"),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("timezone", cfg.Calendar.Timezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()

	logger.Info("Server stopped")
}
