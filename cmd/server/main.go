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

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pilab-dev/docid-auth/config"
	"github.com/pilab-dev/docid-auth/internal/server"
	"github.com/pilab-dev/docid-auth/log"
	"github.com/pilab-dev/docid-auth/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: search /etc/docid-auth, $HOME/.docid-auth and .)")
	flag.Parse()

	var (
		cfg *config.ServerConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel := log.ParseLevel(cfg.LogLevel)
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)

	// Request-scoped loggers in middleware derive from the global logger.
	zerolog.SetGlobalLevel(logLevel)
	zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	appLogger.Info(context.Background(), "Starting docid-auth gateway...", log.Fields{
		"http_port":      cfg.HTTPPort,
		"http_framework": cfg.HTTPFramework,
		"dedup_store":    cfg.DedupStore,
		"dedup_window":   cfg.DedupWindow.String(),
		"backend_url":    cfg.BackendURL,
		"log_level":      logLevel.String(),
		"tracing":        cfg.TracingEnabled,
	})

	if cfg.TracingEnabled {
		tracerProvider, err = tracing.InitTracerProvider(cfg.OtelServiceName, os.Stdout)
		if err != nil {
			appLogger.Fatal(context.Background(), "Failed to initialize TracerProvider", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 15*time.Second)
	gw, err := server.Build(startupCtx, cfg, appLogger)
	cancelStartup()
	if err != nil {
		appLogger.Fatal(ctx, "Failed to build gateway", err)
	}
	gw.Start(ctx)

	httpServer = server.NewServer(cfg, appLogger, gw)

	go func() {
		appLogger.Info(ctx, fmt.Sprintf("HTTP server listening on %s", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(context.Background(), "Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(context.Background(), fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}

	if err := gw.Close(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Failed to close dedup store", err)
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
		}
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}
