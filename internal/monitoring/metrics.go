package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	// Leader metrics
	LeaderPasses         prometheus.Counter
	LeaderPassDuration   prometheus.Histogram
	ElectionsWon         prometheus.Counter
	IsLeader             prometheus.Gauge
	WorkersMarkedDead    prometheus.Counter
	TopologiesUnassigned *prometheus.CounterVec
	TopologiesAssigned   prometheus.Counter
	RebalanceMoves       prometheus.Counter
	FleetWorkers         *prometheus.GaugeVec
	FleetTopologies      *prometheus.GaugeVec

	// Coordinator metrics
	MessagesHandled *prometheus.CounterVec
	Pings           *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec

	// Engine metrics
	TopologiesRunning prometheus.Gauge

	// System metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
	server   *http.Server
}

// NewMetrics registers the fleet metrics on registry, or on the default
// registry when registry is nil.
func NewMetrics(registry *prometheus.Registry, logger *zap.Logger) *Metrics {
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		reg, gatherer = registry, registry
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Leader metrics
		LeaderPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "topo_leader_passes_total",
			Help: "Total number of completed leader passes",
		}),
		LeaderPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "topo_leader_pass_duration_seconds",
			Help:    "Leader pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		ElectionsWon: factory.NewCounter(prometheus.CounterOpts{
			Name: "topo_leader_elections_won_total",
			Help: "Total number of leader elections won by this worker",
		}),
		IsLeader: factory.NewGauge(prometheus.GaugeOpts{
			Name: "topo_leader_active",
			Help: "1 when this worker is the fleet leader",
		}),
		WorkersMarkedDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "topo_workers_marked_dead_total",
			Help: "Total number of workers marked dead by the leader",
		}),
		TopologiesUnassigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topo_topologies_unassigned_total",
			Help: "Total number of topologies reset to unassigned by reason",
		}, []string{"reason"}),
		TopologiesAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "topo_topologies_assigned_total",
			Help: "Total number of topology assignments",
		}),
		RebalanceMoves: factory.NewCounter(prometheus.CounterOpts{
			Name: "topo_rebalance_moves_total",
			Help: "Total number of topologies moved by rebalancing",
		}),
		FleetWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "topo_fleet_workers",
			Help: "Number of workers by status as seen by the leader",
		}, []string{"status"}),
		FleetTopologies: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "topo_fleet_topologies",
			Help: "Number of topologies by status as seen by the leader",
		}, []string{"status"}),

		// Coordinator metrics
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topo_messages_handled_total",
			Help: "Total number of mailbox messages handled by command and result",
		}, []string{"cmd", "result"}),
		Pings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topo_worker_pings_total",
			Help: "Total number of worker pings by result",
		}, []string{"result"}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topo_storage_errors_total",
			Help: "Total number of failed storage calls by operation",
		}, []string{"operation"}),

		// Engine metrics
		TopologiesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "topo_engine_topologies_running",
			Help: "Number of topologies running in this worker process",
		}),

		// System metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "topo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		gatherer: gatherer,
		logger:   logger,
	}
}

// StartServer serves /metrics and /health until Stop is called
func (m *Metrics) StartServer(addr string, health *HealthChecker) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{Status: "healthy"}
		if health != nil {
			status = health.CheckHealth(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	m.logger.Info("Starting metrics server", zap.String("addr", addr))
	return m.server.ListenAndServe()
}

func (m *Metrics) Stop(ctx context.Context) error {
	if m.server != nil {
		m.logger.Info("Stopping metrics server")
		return m.server.Shutdown(ctx)
	}
	return nil
}

// The recorders below tolerate a nil *Metrics so components can run without
// a registry.

func (m *Metrics) LeaderPassCompleted(duration time.Duration) {
	if m == nil {
		return
	}
	m.LeaderPasses.Inc()
	m.LeaderPassDuration.Observe(duration.Seconds())
}

func (m *Metrics) ElectionWon() {
	if m == nil {
		return
	}
	m.ElectionsWon.Inc()
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.IsLeader.Set(1)
	} else {
		m.IsLeader.Set(0)
	}
}

func (m *Metrics) WorkerMarkedDead() {
	if m == nil {
		return
	}
	m.WorkersMarkedDead.Inc()
}

func (m *Metrics) TopologyUnassigned(reason string) {
	if m == nil {
		return
	}
	m.TopologiesUnassigned.WithLabelValues(reason).Inc()
}

func (m *Metrics) TopologyAssigned() {
	if m == nil {
		return
	}
	m.TopologiesAssigned.Inc()
}

func (m *Metrics) RebalanceMoved(count int) {
	if m == nil {
		return
	}
	m.RebalanceMoves.Add(float64(count))
}

// SetFleetWorkers replaces the per-status worker gauge
func (m *Metrics) SetFleetWorkers(counts map[string]int) {
	if m == nil {
		return
	}
	m.FleetWorkers.Reset()
	for status, count := range counts {
		m.FleetWorkers.WithLabelValues(status).Set(float64(count))
	}
}

// SetFleetTopologies replaces the per-status topology gauge
func (m *Metrics) SetFleetTopologies(counts map[string]int) {
	if m == nil {
		return
	}
	m.FleetTopologies.Reset()
	for status, count := range counts {
		m.FleetTopologies.WithLabelValues(status).Set(float64(count))
	}
}

func (m *Metrics) MessageHandled(cmd, result string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(cmd, result).Inc()
}

func (m *Metrics) Ping(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Pings.WithLabelValues("error").Inc()
		return
	}
	m.Pings.WithLabelValues("ok").Inc()
}

func (m *Metrics) StorageError(operation string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetTopologiesRunning(count int) {
	if m == nil {
		return
	}
	m.TopologiesRunning.Set(float64(count))
}

func (m *Metrics) HTTPRequest(method, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

type HealthChecker struct {
	checks map[string]HealthCheck
	logger *zap.Logger
}

type HealthCheck interface {
	HealthCheck(ctx context.Context) error
}

// HealthFunc adapts a plain function, e.g. database.DB.HealthCheck
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheck),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

func (h *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "healthy",
		Checks: make(map[string]string),
	}

	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			status.Checks[name] = "unhealthy: " + err.Error()
			status.Status = "unhealthy"
			h.logger.Warn("Health check failed",
				zap.String("check", name),
				zap.Error(err))
		} else {
			status.Checks[name] = "healthy"
		}
	}

	return status
}
