package proxy

import (
	"testing"
	"time"

	"localmesh/interfaces/mock"
	"localmesh/metrics"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestTracker(now *time.Time) (*Tracker, *metrics.GatewayMetrics) {
	clock := &mock.ClockMock{NowFunc: func() time.Time { return *now }}
	prom := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	return NewTracker(15*time.Second, clock, log.NewNopLogger(), prom), prom
}

func TestTracker_AddSetTargetRemove(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	tr, prom := newTestTracker(&now)

	tr.Add(Flight{RequestID: "r1", Method: "GET", Service: "todo-service", StartTime: now})
	tr.SetTarget("r1", "http://localhost:3001/api/todos")
	tr.SetUser("r1", "user-42")
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(prom.InFlight))

	flights := tr.List()
	assert.Len(t, flights, 1)
	assert.Equal(t, "http://localhost:3001/api/todos", flights[0].TargetURL)
	assert.Equal(t, "user-42", flights[0].UserID)

	tr.Remove("r1")
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(prom.InFlight))
}

func TestTracker_SetOnUnknownIDIsNoop(t *testing.T) {
	now := time.Now().UTC()
	tr, _ := newTestTracker(&now)
	tr.SetTarget("ghost", "http://localhost:1/")
	tr.SetUser("ghost", "user-1")
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ListIsOldestFirst(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)

	tr.Add(Flight{RequestID: "late", StartTime: now.Add(2 * time.Second)})
	tr.Add(Flight{RequestID: "early", StartTime: now})
	tr.Add(Flight{RequestID: "middle", StartTime: now.Add(time.Second)})

	flights := tr.List()
	ids := []string{flights[0].RequestID, flights[1].RequestID, flights[2].RequestID}
	assert.Equal(t, []string{"early", "middle", "late"}, ids)
}

func TestTracker_SweepDropsOnlyStaleFlights(t *testing.T) {
	start := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	now := start
	tr, prom := newTestTracker(&now)

	tr.Add(Flight{RequestID: "old", StartTime: start})
	tr.Add(Flight{RequestID: "fresh", StartTime: start.Add(19 * time.Second)})

	// maxAge is the 15s request timeout plus the 5s grace.
	now = start.Add(21 * time.Second)
	tr.sweep()

	flights := tr.List()
	assert.Len(t, flights, 1)
	assert.Equal(t, "fresh", flights[0].RequestID)
	assert.Equal(t, float64(1), testutil.ToFloat64(prom.InFlight))
}
