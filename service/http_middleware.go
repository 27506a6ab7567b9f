package service

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequestLogger logs one line per request with the client IP taken from the
// standard forwarded header when present.
func RequestLogger(logger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			clientIP := c.Request().Header.Get(echo.HeaderXForwardedFor)
			if clientIP == "" {
				clientIP = c.RealIP()
			} else if i := strings.IndexByte(clientIP, ','); i >= 0 {
				clientIP = strings.TrimSpace(clientIP[:i])
			}
			level.Info(logger).Log(
				"msg", "request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"client", clientIP,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

// CORS returns the CORS middleware: any origin outside production, the
// enumerated allow-list in production.
func CORS(env string, allowedOrigins []string) echo.MiddlewareFunc {
	cfg := middleware.DefaultCORSConfig
	if env == "production" && len(allowedOrigins) > 0 {
		cfg.AllowOrigins = allowedOrigins
	} else {
		cfg.AllowOrigins = []string{"*"}
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	return middleware.CORSWithConfig(cfg)
}

// BodyLimit bounds request body size (echo syntax, e.g. "1M").
func BodyLimit(limit string) echo.MiddlewareFunc {
	if limit == "" {
		limit = "1M"
	}
	return middleware.BodyLimit(limit)
}
