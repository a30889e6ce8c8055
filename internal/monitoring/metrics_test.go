package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), zap.NewNop())

	m.ElectionWon()
	m.SetLeader(true)
	m.TopologyUnassigned("dead_worker")
	m.TopologyUnassigned("dead_worker")
	m.RebalanceMoved(3)
	m.Ping(nil)
	m.Ping(errors.New("boom"))
	m.SetFleetWorkers(map[string]int{"alive": 2, "dead": 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ElectionsWon))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsLeader))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TopologiesUnassigned.WithLabelValues("dead_worker")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RebalanceMoves))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pings.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pings.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FleetWorkers.WithLabelValues("alive")))

	m.SetLeader(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IsLeader))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ElectionWon()
		m.SetLeader(true)
		m.MessageHandled("shutdown", "ok")
		m.StorageError("ping")
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	h.AddCheck("storage", HealthFunc(func(ctx context.Context) error { return nil }))

	status := h.CheckHealth(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["storage"])

	h.AddCheck("redis", HealthFunc(func(ctx context.Context) error { return errors.New("connection refused") }))

	status = h.CheckHealth(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "unhealthy: connection refused", status.Checks["redis"])
}
