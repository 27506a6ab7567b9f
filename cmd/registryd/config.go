package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"localmesh/registry"
)

// RegistrydConfig is the environment-driven configuration of the registry
// process.
type RegistrydConfig struct {
	Registry       registry.Config
	HTTPPort       int
	Env            string
	AllowedOrigins []string
	BodyLimit      string
}

// LoadConfig loads configuration from environment variables. Every variable
// has a default; set ones must parse.
func LoadConfig() (*RegistrydConfig, error) {
	httpPort, err := envInt("SERVICE_PORT_HTTP", 3100)
	if err != nil {
		return nil, err
	}
	heartbeatTimeout, err := envDuration("HEARTBEAT_TIMEOUT", registry.DefaultHeartbeatTimeout)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envDuration("SWEEP_INTERVAL", registry.DefaultSweepInterval)
	if err != nil {
		return nil, err
	}
	maxInstances, err := envInt("MAX_INSTANCES_PER_SERVICE", registry.DefaultMaxInstances)
	if err != nil {
		return nil, err
	}

	return &RegistrydConfig{
		Registry: registry.Config{
			HeartbeatTimeout: heartbeatTimeout,
			SweepInterval:    sweepInterval,
			MaxInstances:     maxInstances,
		},
		HTTPPort:       httpPort,
		Env:            envString("ENV", "development"),
		AllowedOrigins: envList("ALLOWED_ORIGINS"),
		BodyLimit:      envString("BODY_LIMIT", "1M"),
	}, nil
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
