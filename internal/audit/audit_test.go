package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"topology-coordinator/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWritesEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var entries []*AuditLog
	al := NewAuditLogger(zap.New(core), func(e *AuditLog) { entries = append(entries, e) })

	ctx := tracing.WithCorrelationID(context.Background(), "corr-1")
	al.Log(ctx, EventTopologyRegistered, SeverityInfo, "alice", "t1", "success", map[string]interface{}{"weight": 2.0})

	require.Len(t, entries, 1)
	assert.Equal(t, "corr-1", entries[0].CorrelationID)
	assert.Equal(t, "t1", entries[0].ResourceID)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "topology.registered", fields["event"])
	assert.Equal(t, "alice", fields["user_id"])
}

func TestAuditMiddlewareRecordsDenials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var entries []*AuditLog
	al := NewAuditLogger(zap.NewNop(), func(e *AuditLog) { entries = append(entries, e) })

	router := gin.New()
	router.Use(al.AuditMiddleware())
	router.GET("/open", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/closed", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })
	router.GET("/forbidden", func(c *gin.Context) { c.Status(http.StatusForbidden) })

	for _, path := range []string{"/open", "/closed", "/forbidden"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, entries, 2)
	assert.Equal(t, EventUnauthorized, entries[0].Event)
	assert.Equal(t, EventPermissionDenied, entries[1].Event)
	assert.Equal(t, SeverityWarning, entries[1].Severity)
}
