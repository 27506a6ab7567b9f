package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"localmesh/dnsfront"
)

// DnsdConfig is the environment-driven configuration of the DNS front-end
// process.
type DnsdConfig struct {
	DNS         dnsfront.Config
	RegistryURL string
	// MetricsPort serves /metrics and /health over HTTP; 0 disables it.
	MetricsPort int
}

// LoadConfig loads configuration from environment variables. Every variable
// has a default; set ones must parse.
func LoadConfig() (*DnsdConfig, error) {
	dnsPort, err := envInt("DNS_PORT", dnsfront.DefaultPort)
	if err != nil {
		return nil, err
	}
	answerTTL, err := envInt("ANSWER_TTL", int(dnsfront.DefaultAnswerTTL))
	if err != nil {
		return nil, err
	}
	if answerTTL < 0 {
		return nil, fmt.Errorf("invalid ANSWER_TTL: must not be negative")
	}
	cacheTTL, err := envDuration("CACHE_TTL", dnsfront.DefaultCacheTTL)
	if err != nil {
		return nil, err
	}
	registryTimeout, err := envDuration("REGISTRY_TIMEOUT", dnsfront.DefaultRegistryTimeout)
	if err != nil {
		return nil, err
	}
	metricsPort, err := envInt("METRICS_PORT", 9153)
	if err != nil {
		return nil, err
	}

	return &DnsdConfig{
		DNS: dnsfront.Config{
			Host:            envString("DNS_HOST", dnsfront.DefaultHost),
			Port:            dnsPort,
			AnswerTTL:       uint32(answerTTL),
			CacheTTL:        cacheTTL,
			RegistryTimeout: registryTimeout,
		},
		RegistryURL: envString("REGISTRY_URL", "http://127.0.0.1:3100"),
		MetricsPort: metricsPort,
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
