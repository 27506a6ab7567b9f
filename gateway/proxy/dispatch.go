// Package proxy implements the gateway dispatch pipeline: parse the service
// name from the path, classify public vs authenticated, verify the bearer
// token, rewrite headers, resolve the service through DNS, forward the
// request and relay the response back, with per-request accounting.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"localmesh/domain"
	"localmesh/gateway/auth"
	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/metrics"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Defaults for Config fields left at zero.
const (
	DefaultUserService    = "user-service"
	DefaultRequestTimeout = 15 * time.Second
)

// RouteLimit is a token-bucket limit applied to one path prefix.
type RouteLimit struct {
	Prefix string  `yaml:"prefix"`
	RPS    float64 `yaml:"rps"`
	Burst  int     `yaml:"burst"`
}

// Config controls the dispatcher.
type Config struct {
	// UserService is the service owning the auth bootstrap endpoints.
	UserService string
	// RequestTimeout bounds one forwarded request end to end.
	RequestTimeout time.Duration
	// PublicPrefixes are extra full-path prefixes that bypass authentication.
	PublicPrefixes []string
	// RouteLimits are optional per-prefix rate limits.
	RouteLimits []RouteLimit
}

func (c Config) withDefaults() Config {
	if c.UserService == "" {
		c.UserService = DefaultUserService
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// errorBody is the gateway-generated JSON error shape.
type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type prefixLimiter struct {
	prefix  string
	limiter *rate.Limiter
}

// Dispatcher forwards inbound requests to resolved service instances.
type Dispatcher struct {
	cfg      Config
	resolver interfaces.Resolver
	verifier *auth.Verifier
	clock    interfaces.Clock
	logger   log.Logger
	prom     *metrics.GatewayMetrics
	stats    *statsBook
	tracker  *Tracker
	limiters []prefixLimiter

	// primary is the keep-alive pooled client; fallback is a fresh-connection
	// client tried once when the primary fails below the HTTP layer.
	primary  *http.Client
	fallback *http.Client

	newID func() string
}

// New creates a Dispatcher. Panics on nil resolver, verifier, clock, logger
// or prom.
func New(cfg Config, res interfaces.Resolver, verifier *auth.Verifier, clock interfaces.Clock, logger log.Logger, prom *metrics.GatewayMetrics) *Dispatcher {
	cfg = cfg.withDefaults()
	logger = log.WithPrefix(helpers.NilPanic(logger, "proxy.dispatch.go: logger is required"), "component", "dispatch")

	limiters := make([]prefixLimiter, 0, len(cfg.RouteLimits))
	for _, rl := range cfg.RouteLimits {
		if rl.Prefix == "" || rl.RPS <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters = append(limiters, prefixLimiter{prefix: rl.Prefix, limiter: rate.NewLimiter(rate.Limit(rl.RPS), burst)})
	}

	clock = helpers.NilPanic(clock, "proxy.dispatch.go: clock is required")
	prom = helpers.NilPanic(prom, "proxy.dispatch.go: metrics are required")
	return &Dispatcher{
		cfg:      cfg,
		resolver: helpers.NilPanic(res, "proxy.dispatch.go: resolver is required"),
		verifier: helpers.NilPanic(verifier, "proxy.dispatch.go: verifier is required"),
		clock:    clock,
		logger:   logger,
		prom:     prom,
		stats:    newStatsBook(prom),
		tracker:  NewTracker(cfg.RequestTimeout, clock, logger, prom),
		limiters: limiters,
		primary: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		fallback: &http.Client{
			Transport: &http.Transport{
				DialContext:       (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
				DisableKeepAlives: true,
			},
		},
		newID: uuid.NewString,
	}
}

// Start launches the in-flight stale sweeper.
func (d *Dispatcher) Start() {
	d.tracker.Start()
}

// Stop terminates the background loops.
func (d *Dispatcher) Stop() error {
	return d.tracker.Stop()
}

// Stats returns the counter snapshot.
func (d *Dispatcher) Stats() Stats {
	return d.stats.snapshot()
}

// InFlight returns the current in-flight set, oldest first.
func (d *Dispatcher) InFlight() []Flight {
	return d.tracker.List()
}

// Handle dispatches one inbound request. Registered as the catch-all route
// of the gateway echo server.
func (d *Dispatcher) Handle(c echo.Context) error {
	req := c.Request()
	start := d.clock.Now()
	requestID := d.newID()
	d.stats.request()

	serviceName, remaining := splitServicePath(req.URL.Path)
	if serviceName == "" || domain.ValidateServiceName(serviceName) != nil {
		return d.writeError(c, requestID, "", start, http.StatusNotFound,
			"Not Found", "request path carries no routable service name")
	}

	// The flight enters the in-flight set on entry; rejected requests pass
	// through it too and detach on the way out.
	d.tracker.Add(Flight{
		RequestID:   requestID,
		Method:      req.Method,
		OriginalURL: req.URL.RequestURI(),
		Service:     serviceName,
		StartTime:   start,
	})
	defer d.tracker.Remove(requestID)

	var principal *domain.Principal
	if !d.isPublic(serviceName, remaining) {
		p, err := d.authenticate(req)
		if err != nil {
			d.stats.authError()
			return d.writeError(c, requestID, serviceName, start, http.StatusUnauthorized,
				"Unauthorized", authMessage(err))
		}
		principal = &p
		d.tracker.SetUser(requestID, p.UserID)
	}

	if !d.allow(req.URL.Path) {
		d.stats.proxyError()
		return d.writeError(c, requestID, serviceName, start, http.StatusTooManyRequests,
			"Too Many Requests", "rate limit exceeded for this route")
	}

	ctx, cancel := context.WithTimeout(req.Context(), d.cfg.RequestTimeout)
	defer cancel()

	ep, err := d.resolver.Resolve(ctx, serviceName)
	if err != nil {
		d.stats.dnsError()
		level.Warn(d.logger).Log("msg", "resolution failed", "service", serviceName, "requestId", requestID, "err", err)
		return d.writeError(c, requestID, serviceName, start, http.StatusServiceUnavailable,
			"Service Unavailable", fmt.Sprintf("service %s could not be resolved", serviceName))
	}

	targetURL := buildTargetURL(ep, remaining, req.URL.RawQuery)
	d.tracker.SetTarget(requestID, targetURL)

	body, err := requestBody(req)
	if err != nil {
		d.stats.proxyError()
		return d.writeError(c, requestID, serviceName, start, http.StatusBadGateway,
			"Bad Gateway", "request body could not be read")
	}

	resp, err := d.forward(ctx, req, targetURL, requestID, principal, body)
	if err != nil {
		d.stats.proxyError()
		status, message := classifyForwardError(err, serviceName)
		level.Warn(d.logger).Log("msg", "forward failed", "service", serviceName, "requestId", requestID, "err", err)
		return d.writeError(c, requestID, serviceName, start, status, http.StatusText(status), message)
	}
	defer resp.Body.Close()

	// Relay the downstream response verbatim, hop-by-hop headers stripped.
	h := c.Response().Header()
	relayHeaders(h, resp.Header)
	d.stamp(h, requestID, serviceName, start)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		level.Warn(d.logger).Log("msg", "response relay interrupted", "requestId", requestID, "err", err)
	}

	d.prom.Duration.Observe(d.clock.Now().Sub(start).Seconds())
	d.stats.success()
	return nil
}

// authenticate extracts and verifies the bearer token.
func (d *Dispatcher) authenticate(req *http.Request) (domain.Principal, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		return domain.Principal{}, errTokenMissing
	}
	token := header
	if len(header) >= 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		return domain.Principal{}, errTokenMissing
	}
	return d.verifier.Verify(token)
}

var errTokenMissing = errors.New("access token is required")

func authMessage(err error) string {
	if errors.Is(err, errTokenMissing) {
		return "Access token is required"
	}
	return "Invalid or expired token"
}

// isPublic reports whether the path bypasses authentication: every service
// health endpoint, the user-service auth bootstrap endpoints, and any
// configured extra prefix.
func (d *Dispatcher) isPublic(serviceName, remaining string) bool {
	if remaining == "/health" {
		return true
	}
	if serviceName == d.cfg.UserService {
		switch remaining {
		case "/auth/register", "/auth/login", "/auth/refresh":
			return true
		}
	}
	full := "/" + serviceName + remaining
	for _, prefix := range d.cfg.PublicPrefixes {
		if strings.HasPrefix(full, prefix) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) allow(path string) bool {
	for _, pl := range d.limiters {
		if strings.HasPrefix(path, pl.prefix) {
			return pl.limiter.Allow()
		}
	}
	return true
}

// forward sends the request on the primary client and retries once on the
// fallback client when the failure happened below the HTTP layer. Timeouts
// are never retried.
func (d *Dispatcher) forward(ctx context.Context, req *http.Request, targetURL, requestID string, principal *domain.Principal, body []byte) (*http.Response, error) {
	outReq, err := d.buildRequest(ctx, req, targetURL, requestID, principal, body)
	if err != nil {
		return nil, err
	}
	resp, err := d.primary.Do(outReq)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	level.Debug(d.logger).Log("msg", "primary transport failed, retrying on fallback", "requestId", requestID, "err", err)
	outReq, buildErr := d.buildRequest(ctx, req, targetURL, requestID, principal, body)
	if buildErr != nil {
		return nil, buildErr
	}
	return d.fallback.Do(outReq)
}

func (d *Dispatcher) buildRequest(ctx context.Context, req *http.Request, targetURL, requestID string, principal *domain.Principal, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, reader)
	if err != nil {
		return nil, err
	}
	outReq.Header = buildForwardHeaders(req, requestID, principal)
	return outReq, nil
}

// stamp adds the gateway response headers.
func (d *Dispatcher) stamp(h http.Header, requestID, serviceName string, start time.Time) {
	h.Set(HeaderProcessed, "true")
	h.Set(HeaderDuration, strconv.FormatInt(d.clock.Now().Sub(start).Milliseconds(), 10))
	if serviceName != "" {
		h.Set(HeaderService, serviceName)
	}
	h.Set(HeaderRequestID, requestID)
}

func (d *Dispatcher) writeError(c echo.Context, requestID, serviceName string, start time.Time, status int, title, message string) error {
	d.stamp(c.Response().Header(), requestID, serviceName, start)
	return c.JSON(status, errorBody{
		Error:     title,
		Message:   message,
		Service:   serviceName,
		Timestamp: d.clock.Now(),
	})
}

// classifyForwardError maps a transport failure to a gateway status:
// deadline → 504, anything else (connection refused, reset, DNS) → 502.
func classifyForwardError(err error, serviceName string) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, fmt.Sprintf("service %s timed out", serviceName)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, fmt.Sprintf("service %s timed out", serviceName)
	}
	return http.StatusBadGateway, fmt.Sprintf("could not connect to service %s", serviceName)
}

// requestBody buffers the inbound body for write methods so the fallback
// transport can replay it; DELETE is forwarded with an explicitly empty body.
func requestBody(req *http.Request) ([]byte, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if req.Body == nil {
			return nil, nil
		}
		defer req.Body.Close()
		return io.ReadAll(req.Body)
	default:
		return nil, nil
	}
}

// splitServicePath splits a URL path (no query string) into the service name
// and the remaining path forwarded downstream.
func splitServicePath(path string) (serviceName, remaining string) {
	trimmed := strings.TrimLeft(path, "/")
	if trimmed == "" {
		return "", "/"
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}

// buildTargetURL assembles the downstream URL. Loopback addresses are
// rewritten to localhost to sidestep dual-stack resolution quirks.
func buildTargetURL(ep domain.Endpoint, remaining, rawQuery string) string {
	host := ep.IP
	if host == "127.0.0.1" {
		host = "localhost"
	}
	target := "http://" + net.JoinHostPort(host, strconv.Itoa(ep.Port)) + remaining
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
