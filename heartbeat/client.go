// Package heartbeat keeps one service instance alive in the registry:
// register on start, beat on a fixed interval, re-register when the registry
// forgot us, deregister on shutdown.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/tomb.v2"
)

// Defaults for Config fields left at zero.
const (
	DefaultInterval      = 5 * time.Second
	DefaultRetryInterval = 2 * time.Second
	DefaultCallTimeout   = 3 * time.Second
)

// Config identifies the instance being kept alive.
type Config struct {
	ServiceName string
	IP          string
	Port        int
	Metadata    map[string]any

	// Interval between heartbeats. Half the registry liveness timeout by
	// default, so a single lost beat does not evict the instance.
	Interval time.Duration
	// RetryInterval between registration attempts while the registry is down.
	RetryInterval time.Duration
	// CallTimeout bounds each registry call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Client is the keep-alive loop for one instance.
type Client struct {
	cfg      Config
	registry interfaces.RegistryClient
	logger   log.Logger

	registered atomic.Bool
	t          tomb.Tomb
}

// New creates a Client. Panics on nil registry or logger, and on an empty
// service name.
func New(cfg Config, registry interfaces.RegistryClient, logger log.Logger) *Client {
	helpers.StrPanic(cfg.ServiceName, "heartbeat.client.go: service name is required")
	return &Client{
		cfg:      cfg.withDefaults(),
		registry: helpers.NilPanic(registry, "heartbeat.client.go: registry client is required"),
		logger:   log.WithPrefix(helpers.NilPanic(logger, "heartbeat.client.go: logger is required"), "component", "heartbeat"),
	}
}

// Start launches the keep-alive loop. Registration itself happens inside the
// loop so a down registry delays readiness instead of failing startup.
func (c *Client) Start() {
	c.t.Go(c.run)
}

// Stop terminates the loop and deregisters the instance. The deregister is
// best effort: a dead registry forgets us through the liveness sweep anyway.
// An instance that never managed to register has nothing to deregister.
func (c *Client) Stop() error {
	c.t.Kill(nil)
	err := c.t.Wait()

	if !c.registered.Load() {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if _, dErr := c.registry.Deregister(ctx, c.cfg.ServiceName, c.cfg.IP, c.cfg.Port); dErr != nil {
		level.Warn(c.logger).Log("msg", "deregister on shutdown failed", "service", c.cfg.ServiceName, "err", dErr)
	}
	return err
}

func (c *Client) run() error {
	if !c.registerUntilAccepted() {
		return nil
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.beat()
		case <-c.t.Dying():
			return nil
		}
	}
}

// registerUntilAccepted retries registration until it lands or the client is
// stopped. Returns false when stopped first.
func (c *Client) registerUntilAccepted() bool {
	for {
		err := c.register()
		if err == nil {
			return true
		}
		level.Warn(c.logger).Log("msg", "registration failed, will retry", "service", c.cfg.ServiceName, "err", err)
		select {
		case <-time.After(c.cfg.RetryInterval):
		case <-c.t.Dying():
			return false
		}
	}
}

func (c *Client) register() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	inst, err := c.registry.Register(ctx, c.cfg.ServiceName, c.cfg.IP, c.cfg.Port, c.cfg.Metadata)
	if err != nil {
		return err
	}
	c.registered.Store(true)
	level.Info(c.logger).Log("msg", "registered", "service", c.cfg.ServiceName, "instanceId", inst.ID)
	return nil
}

// beat sends one heartbeat. A not-found answer means the registry evicted or
// lost the instance, so the next action is a fresh registration, not a retry
// of the beat.
func (c *Client) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	_, err := c.registry.Heartbeat(ctx, c.cfg.ServiceName, c.cfg.IP, c.cfg.Port)
	if err == nil {
		return
	}
	if service.IsEntityNotFoundError(err) {
		level.Info(c.logger).Log("msg", "registry lost the instance, re-registering", "service", c.cfg.ServiceName)
		if rErr := c.register(); rErr != nil {
			level.Warn(c.logger).Log("msg", "re-registration failed", "service", c.cfg.ServiceName, "err", rErr)
		}
		return
	}
	level.Warn(c.logger).Log("msg", "heartbeat failed", "service", c.cfg.ServiceName, "err", err)
}
