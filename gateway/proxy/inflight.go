package proxy

import (
	"sync"
	"time"

	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/metrics"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/tomb.v2"
)

// Flight is one in-flight gateway request as shown on /gateway/stats.
type Flight struct {
	RequestID   string    `json:"requestId"`
	Method      string    `json:"method"`
	OriginalURL string    `json:"originalUrl"`
	TargetURL   string    `json:"targetUrl,omitempty"`
	Service     string    `json:"service"`
	UserID      string    `json:"userId,omitempty"`
	StartTime   time.Time `json:"startTime"`
}

// Defaults for the tracker.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleGrace    = 5 * time.Second
)

// Tracker holds the in-flight request set. Entries are removed on response
// completion; a periodic sweep drops anything older than the request timeout
// plus grace, so a leaked entry cannot live forever.
type Tracker struct {
	clock         interfaces.Clock
	logger        log.Logger
	prom          *metrics.GatewayMetrics
	maxAge        time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	flights map[string]Flight

	t tomb.Tomb
}

// NewTracker creates a Tracker dropping entries older than requestTimeout
// plus DefaultStaleGrace. Panics on nil clock, logger or prom.
func NewTracker(requestTimeout time.Duration, clock interfaces.Clock, logger log.Logger, prom *metrics.GatewayMetrics) *Tracker {
	return &Tracker{
		clock:         helpers.NilPanic(clock, "proxy.inflight.go: clock is required"),
		logger:        log.WithPrefix(helpers.NilPanic(logger, "proxy.inflight.go: logger is required"), "component", "inflight"),
		prom:          helpers.NilPanic(prom, "proxy.inflight.go: metrics are required"),
		maxAge:        requestTimeout + DefaultStaleGrace,
		sweepInterval: DefaultSweepInterval,
		flights:       make(map[string]Flight),
	}
}

// Start launches the stale sweep loop.
func (tr *Tracker) Start() {
	tr.t.Go(tr.sweepLoop)
}

// Stop terminates the sweep loop and waits for it.
func (tr *Tracker) Stop() error {
	tr.t.Kill(nil)
	return tr.t.Wait()
}

// Add inserts a flight.
func (tr *Tracker) Add(f Flight) {
	tr.mu.Lock()
	tr.flights[f.RequestID] = f
	tr.prom.InFlight.Set(float64(len(tr.flights)))
	tr.mu.Unlock()
}

// SetTarget records the resolved target URL of a flight.
func (tr *Tracker) SetTarget(requestID, targetURL string) {
	tr.mu.Lock()
	if f, ok := tr.flights[requestID]; ok {
		f.TargetURL = targetURL
		tr.flights[requestID] = f
	}
	tr.mu.Unlock()
}

// SetUser records the authenticated user of a flight.
func (tr *Tracker) SetUser(requestID, userID string) {
	tr.mu.Lock()
	if f, ok := tr.flights[requestID]; ok {
		f.UserID = userID
		tr.flights[requestID] = f
	}
	tr.mu.Unlock()
}

// Remove drops a flight on response completion.
func (tr *Tracker) Remove(requestID string) {
	tr.mu.Lock()
	delete(tr.flights, requestID)
	tr.prom.InFlight.Set(float64(len(tr.flights)))
	tr.mu.Unlock()
}

// List returns the current flights, oldest first.
func (tr *Tracker) List() []Flight {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Flight, 0, len(tr.flights))
	for _, f := range tr.flights {
		out = append(out, f)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartTime.Before(out[j-1].StartTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Len returns the number of in-flight requests.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.flights)
}

func (tr *Tracker) sweepLoop() error {
	ticker := time.NewTicker(tr.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tr.sweep()
		case <-tr.t.Dying():
			return nil
		}
	}
}

// sweep drops flights older than maxAge. Such an entry means the response
// path failed to detach it; losing the entry is preferable to growing the
// set without bound.
func (tr *Tracker) sweep() {
	now := tr.clock.Now()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id, f := range tr.flights {
		if now.Sub(f.StartTime) > tr.maxAge {
			delete(tr.flights, id)
			level.Warn(tr.logger).Log("msg", "dropped stale in-flight request", "requestId", id, "service", f.Service)
		}
	}
	tr.prom.InFlight.Set(float64(len(tr.flights)))
}
