package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"localmesh/dnsfront"
	"localmesh/metrics"
	"localmesh/registryclient"
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

	level.Info(logger).Log("msg", "Starting DNS front-end")

	// Load configuration
	config, err := LoadConfig()
	if err != nil {
		level.Error(logger).Log("msg", "Failed to load configuration", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log(
		"msg", "Configuration loaded",
		"dns_host", config.DNS.Host,
		"dns_port", config.DNS.Port,
		"registry_url", config.RegistryURL,
		"cache_ttl", config.DNS.CacheTTL,
	)

	// Create the DNS server over the registry HTTP client
	promRegistry := metrics.NewRegistry()
	registry := registryclient.HTTP(config.RegistryURL, &http.Client{Timeout: config.DNS.RegistryTimeout})
	server := dnsfront.New(config.DNS, registry, service.WallClock(), logger, metrics.NewDNSMetrics(promRegistry))
	server.Start()

	// Small HTTP sidecar for scraping and liveness probes
	var e *echo.Echo
	if config.MetricsPort > 0 {
		e = echo.New()
		e.HideBanner = true
		service.RegisterErrorHandler(e, logger)
		e.GET("/metrics", metrics.EchoHandler(promRegistry))
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
		go func() {
			addr := fmt.Sprintf(":%d", config.MetricsPort)
			level.Info(logger).Log("msg", "Starting metrics server", "addr", addr)
			if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
				level.Error(logger).Log("msg", "Metrics server error", "err", err)
			}
		}()
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Wait for interrupt signal
	<-quit
	level.Info(logger).Log("msg", "Shutting down server...")

	if err := server.Stop(); err != nil {
		level.Error(logger).Log("msg", "Error stopping DNS server", "err", err)
	}
	if e != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "Error during metrics server shutdown", "err", err)
		}
	}

	level.Info(logger).Log("msg", "Server stopped")
}
