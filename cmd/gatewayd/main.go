package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"localmesh/gateway/auth"
	"localmesh/gateway/proxy"
	"localmesh/gateway/resolver"
	"localmesh/metrics"
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

	level.Info(logger).Log("msg", "Starting API gateway")

	// Load configuration
	config, err := LoadConfig()
	if err != nil {
		level.Error(logger).Log("msg", "Failed to load configuration", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log(
		"msg", "Configuration loaded",
		"service_port_http", config.HTTPPort,
		"dns_addr", config.Resolver.DNSAddr,
		"request_timeout", config.Proxy.RequestTimeout,
		"public_prefixes", len(config.Proxy.PublicPrefixes),
	)

	clock := service.WallClock()
	promRegistry := metrics.NewRegistry()
	prom := metrics.NewGatewayMetrics(promRegistry)

	// Create the token verifier
	var verifier *auth.Verifier
	{
		if config.PublicKeyPath != "" {
			pub, err := auth.LoadRSAPublicKey(config.PublicKeyPath)
			if err != nil {
				level.Error(logger).Log("msg", "Failed to load RSA public key", "path", config.PublicKeyPath, "err", err)
				os.Exit(1)
			}
			verifier = auth.NewRS256Verifier(pub, clock)
			level.Info(logger).Log("msg", "Token verification uses RS256", "public_key_path", config.PublicKeyPath)
		} else {
			verifier = auth.NewHS256Verifier(config.JWTSecret, clock)
			level.Info(logger).Log("msg", "Token verification uses HS256")
		}
	}

	// Create the caching DNS resolver and the dispatcher
	res := resolver.New(config.Resolver, clock, logger, prom)
	res.Start()
	dispatcher := proxy.New(config.Proxy, res, verifier, clock, logger, prom)
	dispatcher.Start()

	// Create HTTP server (Echo)
	var e *echo.Echo
	{
		e = echo.New()
		e.HideBanner = true
		service.RegisterErrorHandler(e, logger)
		e.Use(service.RequestLogger(logger))
		e.Use(service.CORS(config.Env, config.AllowedOrigins))
		e.Use(service.BodyLimit(config.BodyLimit))
		proxy.NewAdmin(dispatcher, res, clock, logger).RegisterRoutes(e)
		e.GET("/metrics", metrics.EchoHandler(promRegistry))
		e.Any("/*", dispatcher.Handle)
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
	if err := dispatcher.Stop(); err != nil {
		level.Error(logger).Log("msg", "Error stopping dispatcher", "err", err)
	}
	if err := res.Stop(); err != nil {
		level.Error(logger).Log("msg", "Error stopping resolver", "err", err)
	}

	level.Info(logger).Log("msg", "Server stopped")
}
