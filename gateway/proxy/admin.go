package proxy

import (
	"context"
	"net/http"
	"time"

	"localmesh/helpers"
	"localmesh/interfaces"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
)

// healthProbeTimeout bounds the DNS connectivity probe on /gateway/health.
const healthProbeTimeout = 2 * time.Second

// Admin serves the gateway operational surface under /gateway/*.
type Admin struct {
	dispatcher *Dispatcher
	resolver   interfaces.Resolver
	clock      interfaces.Clock
	logger     log.Logger
	startedAt  time.Time
}

// NewAdmin creates the admin surface. Panics on nil arguments.
func NewAdmin(d *Dispatcher, res interfaces.Resolver, clock interfaces.Clock, logger log.Logger) *Admin {
	clock = helpers.NilPanic(clock, "proxy.admin.go: clock is required")
	return &Admin{
		dispatcher: helpers.NilPanic(d, "proxy.admin.go: dispatcher is required"),
		resolver:   helpers.NilPanic(res, "proxy.admin.go: resolver is required"),
		clock:      clock,
		logger:     log.WithPrefix(helpers.NilPanic(logger, "proxy.admin.go: logger is required"), "component", "admin"),
		startedAt:  clock.Now(),
	}
}

// RegisterRoutes mounts the admin endpoints. Static routes take precedence
// over the dispatcher catch-all in the echo router.
func (a *Admin) RegisterRoutes(e *echo.Echo) {
	e.GET("/gateway/health", a.handleHealth)
	e.GET("/gateway/stats", a.handleStats)
	e.GET("/gateway/dns-cache", a.handleCacheDump)
	e.DELETE("/gateway/dns-cache", a.handleCachePurge)
	e.GET("/gateway/dns-test/:name", a.handleDNSTest)
}

func (a *Admin) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
	defer cancel()

	status := map[string]any{
		"status":        "ok",
		"dns":           "connected",
		"uptimeSeconds": int64(a.clock.Now().Sub(a.startedAt).Seconds()),
	}
	if err := a.resolver.Healthy(ctx); err != nil {
		level.Warn(a.logger).Log("msg", "DNS health probe failed", "err", err)
		status["status"] = "degraded"
		status["dns"] = "unreachable"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

func (a *Admin) handleStats(c echo.Context) error {
	inFlight := a.dispatcher.InFlight()
	return c.JSON(http.StatusOK, map[string]any{
		"stats":         a.dispatcher.Stats(),
		"inFlightCount": len(inFlight),
		"inFlight":      inFlight,
	})
}

func (a *Admin) handleCacheDump(c echo.Context) error {
	entries := a.resolver.CacheDump()
	return c.JSON(http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (a *Admin) handleCachePurge(c echo.Context) error {
	service := c.QueryParam("service")
	purged := a.resolver.Purge(service)
	level.Info(a.logger).Log("msg", "purged resolver cache", "service", service, "purged", purged)
	return c.JSON(http.StatusOK, map[string]any{
		"purged": purged,
	})
}

// handleDNSTest resolves a name on demand, bypassing nothing: the regular
// resolver path runs, cache included.
func (a *Admin) handleDNSTest(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
	defer cancel()

	name := c.Param("name")
	ep, err := a.resolver.Resolve(ctx, name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"service":    name,
		"ip":         ep.IP,
		"port":       ep.Port,
		"ttlSeconds": ep.TTLSeconds,
	})
}
