// Package audit records who changed the fleet through the admin API.
package audit

import (
	"context"
	"net/http"
	"time"

	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AuditEvent string

const (
	EventTopologyRegistered   AuditEvent = "topology.registered"
	EventTopologyEnabled      AuditEvent = "topology.enabled"
	EventTopologyDisabled     AuditEvent = "topology.disabled"
	EventTopologyErrorCleared AuditEvent = "topology.error_cleared"
	EventWorkerCommand        AuditEvent = "worker.command"
	EventRebalanceRequested   AuditEvent = "fleet.rebalance"
	EventUnauthorized         AuditEvent = "access.unauthorized"
	EventPermissionDenied     AuditEvent = "access.permission_denied"
)

type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

type AuditLog struct {
	ID            uuid.UUID              `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Event         AuditEvent             `json:"event"`
	Severity      AuditSeverity          `json:"severity"`
	UserID        string                 `json:"user_id,omitempty"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	Result        string                 `json:"result"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Sink receives every audit entry after it was logged
type Sink func(entry *AuditLog)

type AuditLogger struct {
	logger *zap.Logger
	sinks  []Sink
	now    func() time.Time
}

func NewAuditLogger(logger *zap.Logger, sinks ...Sink) *AuditLogger {
	return &AuditLogger{
		logger: logger.Named("audit"),
		sinks:  sinks,
		now:    time.Now,
	}
}

func (al *AuditLogger) Log(ctx context.Context, event AuditEvent, severity AuditSeverity, userID, resourceID, result string, details map[string]interface{}) {
	al.record(&AuditLog{
		ID:            uuid.New(),
		Timestamp:     al.now(),
		Event:         event,
		Severity:      severity,
		UserID:        userID,
		ResourceID:    resourceID,
		Result:        result,
		CorrelationID: tracing.GetCorrelationID(ctx),
		Details:       details,
	})
}

// LogFromGin fills user, address and correlation id from the request
func (al *AuditLogger) LogFromGin(c *gin.Context, event AuditEvent, resourceID, result string, details map[string]interface{}) {
	severity := SeverityInfo
	if result != "success" {
		severity = SeverityWarning
	}

	al.record(&AuditLog{
		ID:            uuid.New(),
		Timestamp:     al.now(),
		Event:         event,
		Severity:      severity,
		UserID:        auth.GetUserID(c),
		ResourceID:    resourceID,
		Result:        result,
		IPAddress:     c.ClientIP(),
		CorrelationID: tracing.GetCorrelationIDFromGin(c),
		Details:       details,
	})
}

func (al *AuditLogger) record(entry *AuditLog) {
	fields := []zap.Field{
		zap.String("audit_id", entry.ID.String()),
		zap.String("event", string(entry.Event)),
		zap.String("result", entry.Result),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", entry.ResourceID))
	}
	if entry.IPAddress != "" {
		fields = append(fields, zap.String("ip", entry.IPAddress))
	}
	if entry.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", entry.CorrelationID))
	}
	if len(entry.Details) > 0 {
		fields = append(fields, zap.Any("details", entry.Details))
	}

	switch entry.Severity {
	case SeverityError:
		al.logger.Error("Audit event", fields...)
	case SeverityWarning:
		al.logger.Warn("Audit event", fields...)
	default:
		al.logger.Info("Audit event", fields...)
	}

	for _, sink := range al.sinks {
		sink(entry)
	}
}

// AuditMiddleware records rejected authentication and authorization attempts
func (al *AuditLogger) AuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		details := map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}
		switch c.Writer.Status() {
		case http.StatusUnauthorized:
			al.LogFromGin(c, EventUnauthorized, "", "denied", details)
		case http.StatusForbidden:
			al.LogFromGin(c, EventPermissionDenied, "", "denied", details)
		}
	}
}
