package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"topology-coordinator/internal/audit"
	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/leader"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/storage"
	"topology-coordinator/internal/tracing"
	"topology-coordinator/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminHandler performs the registration and operator actions that happen
// outside the fleet. Everything goes through shared storage; workers pick
// changes up on their next pass.
type AdminHandler struct {
	store             storage.AdminStorage
	healthCheck       *monitoring.HealthChecker
	audit             *audit.AuditLogger
	messageTTL        time.Duration
	workerIdleTimeout time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

func NewAdminHandler(
	store storage.AdminStorage,
	healthCheck *monitoring.HealthChecker,
	auditLogger *audit.AuditLogger,
	leaderConfig leader.Config,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		store:             store,
		healthCheck:       healthCheck,
		audit:             auditLogger,
		messageTTL:        leaderConfig.MessageTTL,
		workerIdleTimeout: leaderConfig.WorkerIdleTimeout,
		logger:            logger,
		now:               time.Now,
	}
}

func (h *AdminHandler) log(c *gin.Context) *zap.Logger {
	return tracing.LoggerFor(c, h.logger)
}

func (h *AdminHandler) record(c *gin.Context, event audit.AuditEvent, resourceID string, err error, details map[string]interface{}) {
	if h.audit == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	h.audit.LogFromGin(c, event, resourceID, result, details)
}

func (h *AdminHandler) ListWorkers(c *gin.Context) {
	workers, err := h.store.GetWorkerStatus(c.Request.Context())
	if err != nil {
		h.log(c).Error("Failed to list workers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list workers"})
		return
	}

	c.JSON(http.StatusOK, types.WorkerListResponse{Workers: workers, Total: len(workers)})
}

// GetLeader reports the worker currently acting as leader, if any
func (h *AdminHandler) GetLeader(c *gin.Context) {
	leaderRecord, err := h.activeLeader(c.Request.Context())
	if err != nil {
		h.log(c).Error("Failed to read workers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read workers"})
		return
	}
	if leaderRecord == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active leader"})
		return
	}
	c.JSON(http.StatusOK, leaderRecord)
}

func (h *AdminHandler) activeLeader(ctx context.Context) (*types.WorkerRecord, error) {
	workers, err := h.store.GetWorkerStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := h.now()
	for i := range workers {
		if workers[i].IsActiveLeader(now, h.workerIdleTimeout) {
			return &workers[i], nil
		}
	}
	return nil, nil
}

// ListTopologies accepts optional status and worker filters
func (h *AdminHandler) ListTopologies(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		topologies []types.TopologyRecord
		err        error
	)
	if worker := c.Query("worker"); worker != "" {
		topologies, err = h.store.GetTopologiesForWorker(ctx, worker)
	} else {
		topologies, err = h.store.GetTopologyStatus(ctx)
	}
	if err != nil {
		h.log(c).Error("Failed to list topologies", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list topologies"})
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := topologies[:0]
		for _, t := range topologies {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		topologies = filtered
	}

	c.JSON(http.StatusOK, types.TopologyListResponse{Topologies: topologies, Total: len(topologies)})
}

func (h *AdminHandler) GetTopology(c *gin.Context) {
	info, err := h.store.GetTopologyInfo(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		h.storageError(c, err, "Failed to get topology")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *AdminHandler) RegisterTopology(c *gin.Context) {
	var req types.TopologyRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	if req.UUID == "" {
		req.UUID = uuid.New().String()
	}
	if req.Weight < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Weight must not be negative"})
		return
	}

	err := h.store.RegisterTopology(c.Request.Context(), req)
	h.record(c, audit.EventTopologyRegistered, req.UUID, err, map[string]interface{}{
		"weight":          req.Weight,
		"worker_affinity": req.WorkerAffinity,
		"enabled":         req.Enabled,
	})
	if err != nil {
		h.log(c).Error("Failed to register topology", zap.String("topology_uuid", req.UUID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register topology"})
		return
	}

	h.log(c).Info("Topology registered", zap.String("topology_uuid", req.UUID))
	c.JSON(http.StatusCreated, gin.H{"uuid": req.UUID, "message": "Topology registered"})
}

func (h *AdminHandler) EnableTopology(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *AdminHandler) DisableTopology(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AdminHandler) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("uuid")
	event := audit.EventTopologyDisabled
	if enabled {
		event = audit.EventTopologyEnabled
	}

	err := h.store.SetTopologyEnabled(c.Request.Context(), id, enabled)
	h.record(c, event, id, err, nil)
	if err != nil {
		h.storageError(c, err, "Failed to update topology")
		return
	}

	c.JSON(http.StatusOK, gin.H{"uuid": id, "enabled": enabled})
}

func (h *AdminHandler) ClearTopologyError(c *gin.Context) {
	id := c.Param("uuid")

	err := leader.ClearTopologyError(c.Request.Context(), h.store, id, h.messageTTL)
	h.record(c, audit.EventTopologyErrorCleared, id, err, nil)
	if err != nil {
		if errors.Is(err, leader.ErrTopologyNotInError) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.storageError(c, err, "Failed to clear topology error")
		return
	}

	c.JSON(http.StatusOK, gin.H{"uuid": id, "message": "Topology error cleared"})
}

// SendWorkerCommand drops a command into a worker's mailbox
func (h *AdminHandler) SendWorkerCommand(c *gin.Context) {
	name := c.Param("name")

	var req types.WorkerCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}
	if !req.Cmd.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown command", "details": string(req.Cmd)})
		return
	}

	var content interface{}
	if len(req.Content) > 0 {
		content = req.Content
	}

	err := h.store.SendMessageToWorker(c.Request.Context(), name, req.Cmd, content, h.messageTTL)
	h.record(c, audit.EventWorkerCommand, name, err, map[string]interface{}{"cmd": string(req.Cmd)})
	if err != nil {
		h.log(c).Error("Failed to send worker command",
			zap.String("worker", name),
			zap.String("cmd", string(req.Cmd)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"worker": name, "cmd": req.Cmd})
}

// Rebalance asks the current leader for an immediate rebalance
func (h *AdminHandler) Rebalance(c *gin.Context) {
	ctx := c.Request.Context()

	leaderRecord, err := h.activeLeader(ctx)
	if err != nil {
		h.log(c).Error("Failed to read workers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read workers"})
		return
	}
	if leaderRecord == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "No active leader"})
		return
	}

	err = h.store.SendMessageToWorker(ctx, leaderRecord.Name, types.CmdRebalance, nil, h.messageTTL)
	h.record(c, audit.EventRebalanceRequested, leaderRecord.Name, err, nil)
	if err != nil {
		h.log(c).Error("Failed to request rebalance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to request rebalance"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"leader": leaderRecord.Name, "message": "Rebalance requested"})
}

func (h *AdminHandler) Profile(c *gin.Context) {
	claims := auth.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID, "roles": claims.Roles})
}

func (h *AdminHandler) HealthCheck(c *gin.Context) {
	status := h.healthCheck.CheckHealth(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *AdminHandler) storageError(c *gin.Context, err error, message string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Topology not found"})
		return
	}
	h.log(c).Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func MetricsMiddleware(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequest(c.Request.Method, c.FullPath(), status, duration)
	}
}
