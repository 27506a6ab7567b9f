package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"localmesh/gateway/proxy"
	"localmesh/gateway/resolver"

	"gopkg.in/yaml.v3"
)

// Env variable names.
const (
	envHTTPPort       = "SERVICE_PORT_HTTP"
	envDNSAddr        = "DNS_ADDR"
	envDefaultPort    = "DEFAULT_SERVICE_PORT"
	envRequestTimeout = "REQUEST_TIMEOUT"
	envJWTSecret      = "JWT_SECRET"
	envPublicKeyPath  = "PUBLIC_KEY_PATH"
	envUserService    = "USER_SERVICE_NAME"
	envConfigPath     = "CONFIG_PATH"
	envEnv            = "ENV"
	envAllowedOrigins = "ALLOWED_ORIGINS"
	envBodyLimit      = "BODY_LIMIT"
)

// GatewaydConfig is the full gateway configuration: environment variables
// plus the optional YAML route file at CONFIG_PATH.
type GatewaydConfig struct {
	HTTPPort       int
	Resolver       resolver.Config
	Proxy          proxy.Config
	JWTSecret      []byte
	PublicKeyPath  string
	Env            string
	AllowedOrigins []string
	BodyLimit      string
}

// routesFile is the YAML route file shape: extra public path prefixes and
// per-prefix rate limits.
type routesFile struct {
	PublicPrefixes []string           `yaml:"public_prefixes"`
	RateLimits     []proxy.RouteLimit `yaml:"rate_limits"`
}

func loadRoutesFile(path string) (*routesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out routesFile
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadConfig builds the gateway config. One of JWT_SECRET or PUBLIC_KEY_PATH
// is required; PUBLIC_KEY_PATH wins when both are set. The YAML file at
// CONFIG_PATH is optional.
func LoadConfig() (*GatewaydConfig, error) {
	httpPort, err := envInt(envHTTPPort, 8080)
	if err != nil {
		return nil, err
	}
	defaultPort, err := envInt(envDefaultPort, resolver.DefaultServicePort)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := envDuration(envRequestTimeout, proxy.DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}

	jwtSecret := []byte(strings.TrimSpace(os.Getenv(envJWTSecret)))
	publicKeyPath := strings.TrimSpace(os.Getenv(envPublicKeyPath))
	if len(jwtSecret) == 0 && publicKeyPath == "" {
		return nil, fmt.Errorf("one of %s or %s is required", envJWTSecret, envPublicKeyPath)
	}

	proxyCfg := proxy.Config{
		UserService:    envString(envUserService, proxy.DefaultUserService),
		RequestTimeout: requestTimeout,
	}
	if configPath := strings.TrimSpace(os.Getenv(envConfigPath)); configPath != "" {
		if !filepath.IsAbs(configPath) {
			abs, absErr := filepath.Abs(configPath)
			if absErr != nil {
				return nil, absErr
			}
			configPath = abs
		}
		routes, err := loadRoutesFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		for i, prefix := range routes.PublicPrefixes {
			routes.PublicPrefixes[i] = normalizePrefix(prefix)
		}
		for i, rl := range routes.RateLimits {
			routes.RateLimits[i].Prefix = normalizePrefix(rl.Prefix)
			if rl.RPS <= 0 {
				return nil, fmt.Errorf("rate limit %q: rps must be positive", rl.Prefix)
			}
		}
		proxyCfg.PublicPrefixes = routes.PublicPrefixes
		proxyCfg.RouteLimits = routes.RateLimits
	}

	return &GatewaydConfig{
		HTTPPort: httpPort,
		Resolver: resolver.Config{
			DNSAddr:            envString(envDNSAddr, resolver.DefaultDNSAddr),
			DefaultServicePort: defaultPort,
		},
		Proxy:          proxyCfg,
		JWTSecret:      jwtSecret,
		PublicKeyPath:  publicKeyPath,
		Env:            envString(envEnv, "development"),
		AllowedOrigins: envList(envAllowedOrigins),
		BodyLimit:      envString(envBodyLimit, "1M"),
	}, nil
}

// normalizePrefix trims spaces and a trailing "*" and ensures a leading "/"
// so prefix matching works.
func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	p = strings.TrimSuffix(p, "*")
	if p != "" && p[0] != '/' {
		p = "/" + p
	}
	return p
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func envList(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
