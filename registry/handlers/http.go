// Package handlers exposes the registry core as a small JSON API over HTTP.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"localmesh/helpers"
	"localmesh/registry"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/labstack/echo/v4"
)

// HTTPServer holds the handlers of the registry HTTP surface.
type HTTPServer struct {
	core   *registry.Registry
	logger log.Logger
}

// NewHTTPServer creates a new HTTPServer. Panics on nil core or logger.
func NewHTTPServer(core *registry.Registry, logger log.Logger) *HTTPServer {
	logger = log.WithPrefix(helpers.NilPanic(logger, "handlers.http.go: logger is required"), "component", "HTTPServer")
	return &HTTPServer{
		core:   helpers.NilPanic(core, "handlers.http.go: registry core is required"),
		logger: logger,
	}
}

// RegisterRoutes wires the registry endpoints onto the echo instance.
func RegisterRoutes(e *echo.Echo, h *HTTPServer) {
	e.POST("/register", h.RegisterInstance)
	e.POST("/heartbeat", h.Heartbeat)
	e.GET("/resolve/:name", h.ResolveService)
	e.GET("/services", h.ListServices)
	e.GET("/stats", h.Stats)
	e.DELETE("/services/:name/instances", h.DeregisterInstance)
	e.GET("/health", h.Health)
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Name     string         `json:"name"`
	IP       string         `json:"ip"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// RegisterInstance (POST /register) creates or refreshes an instance.
// Returns 201 on success, 400 on validation error.
func (h *HTTPServer) RegisterInstance(ectx echo.Context) error {
	var req RegisterRequest
	if err := ectx.Bind(&req); err != nil {
		return service.NewValidationError("invalid request body", err)
	}

	inst, err := h.core.Register(req.Name, req.IP, req.Port, req.Metadata)
	if err != nil {
		return fmt.Errorf("registerInstance failed, err: %w", err)
	}

	return ectx.JSON(http.StatusCreated, echo.Map{"instance": inst})
}

// Heartbeat (POST /heartbeat) refreshes the liveness clock of an instance.
// Returns 200 on success, 404 when the instance is unknown, which signals
// the client to re-register.
func (h *HTTPServer) Heartbeat(ectx echo.Context) error {
	var req HeartbeatRequest
	if err := ectx.Bind(&req); err != nil {
		return service.NewValidationError("invalid request body", err)
	}

	inst, err := h.core.Heartbeat(req.Name, req.IP, req.Port)
	if err != nil {
		return fmt.Errorf("heartbeat failed, err: %w", err)
	}

	return ectx.JSON(http.StatusOK, echo.Map{"instance": inst})
}

// ResolveService (GET /resolve/:name) returns the healthy instances of a
// service, 404 when none are healthy.
func (h *HTTPServer) ResolveService(ectx echo.Context) error {
	name := ectx.Param("name")
	instances := h.core.Resolve(name)
	if len(instances) == 0 {
		return service.NewEntityNotFoundError(fmt.Sprintf("no healthy instances for service %s", name), nil)
	}

	return ectx.JSON(http.StatusOK, echo.Map{
		"serviceName":   name,
		"instanceCount": len(instances),
		"instances":     instances,
	})
}

// ListServices (GET /services) returns the full snapshot.
func (h *HTTPServer) ListServices(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, echo.Map{"services": h.core.Snapshot()})
}

// Stats (GET /stats) returns the registry counters.
func (h *HTTPServer) Stats(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, h.core.Stats())
}

// DeregisterInstance (DELETE /services/:name/instances?ip=&port=) removes one
// instance. Returns 200 on success, 404 when unknown.
func (h *HTTPServer) DeregisterInstance(ectx echo.Context) error {
	name := ectx.Param("name")
	ip := ectx.QueryParam("ip")
	portStr := ectx.QueryParam("port")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return service.NewValidationError(fmt.Sprintf("port %q must be an integer", portStr), err)
	}

	inst, err := h.core.Deregister(name, ip, port)
	if err != nil {
		return fmt.Errorf("deregisterInstance failed, err: %w", err)
	}

	return ectx.JSON(http.StatusOK, echo.Map{"instance": inst})
}

// Health (GET /health) is the liveness endpoint.
func (h *HTTPServer) Health(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
