package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"localmesh/metrics"
	"localmesh/registry"
	"localmesh/registry/handlers"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
)

func main() {
	// Initialize logger
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	logger = log.WithPrefix(logger, "caller", log.DefaultCaller)

	level.Info(logger).Log("msg", "Starting registry service")

	// Load configuration
	config, err := LoadConfig()
	if err != nil {
		level.Error(logger).Log("msg", "Failed to load configuration", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log(
		"msg", "Configuration loaded",
		"service_port_http", config.HTTPPort,
		"heartbeat_timeout", config.Registry.HeartbeatTimeout,
		"sweep_interval", config.Registry.SweepInterval,
		"max_instances", config.Registry.MaxInstances,
	)

	// Create the registry core and start its liveness sweep
	promRegistry := metrics.NewRegistry()
	core := registry.New(config.Registry, service.WallClock(), logger, metrics.NewRegistryMetrics(promRegistry))
	core.Start()

	// Create HTTP server (Echo)
	var e *echo.Echo
	{
		e = echo.New()
		e.HideBanner = true
		service.RegisterErrorHandler(e, logger)
		e.Use(service.RequestLogger(logger))
		e.Use(service.CORS(config.Env, config.AllowedOrigins))
		e.Use(service.BodyLimit(config.BodyLimit))
		handlers.RegisterRoutes(e, handlers.NewHTTPServer(core, logger))
		e.GET("/metrics", metrics.EchoHandler(promRegistry))
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%d", config.HTTPPort)
		level.Info(logger).Log("msg", "Starting HTTP server", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "HTTP server error", "err", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	level.Info(logger).Log("msg", "Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "Error during server shutdown", "err", err)
	}
	if err := core.Stop(); err != nil {
		level.Error(logger).Log("msg", "Error stopping registry core", "err", err)
	}

	level.Info(logger).Log("msg", "Server stopped")
}
