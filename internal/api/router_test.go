package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"topology-coordinator/internal/audit"
	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/config"
	"topology-coordinator/internal/leader"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/storage"
	"topology-coordinator/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiFixture struct {
	store   *storage.MemoryStorage
	router  *gin.Engine
	jwt     *auth.JWTManager
	audited []*audit.AuditLog
	health  *monitoring.HealthChecker
}

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			CORSEnabled:           true,
			CORSAllowedOrigins:    []string{"*"},
			EnableSecurityHeaders: true,
			MaxRequestSize:        1 << 20,
		},
		Auth: config.AuthConfig{Enabled: true},
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		store:  storage.NewMemoryStorage(),
		jwt:    auth.NewJWTManager("secret", time.Hour, zap.NewNop()),
		health: monitoring.NewHealthChecker(zap.NewNop()),
	}
	auditLogger := audit.NewAuditLogger(zap.NewNop(), func(e *audit.AuditLog) {
		f.audited = append(f.audited, e)
	})
	metrics := monitoring.NewMetrics(prometheus.NewRegistry(), zap.NewNop())

	handler := NewAdminHandler(f.store, f.health, auditLogger, leader.DefaultConfig(), zap.NewNop())
	f.router = NewRouter(handler, metrics, testConfig(), RouterOptions{
		Audit: auditLogger,
		Auth:  auth.NewAuthMiddleware(f.jwt, zap.NewNop()),
	}, zap.NewNop())
	return f
}

func (f *apiFixture) token(t *testing.T, roles ...string) string {
	token, err := f.jwt.GenerateToken("tester", roles)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.AuthorizationHeader, auth.BearerPrefix+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRegisterAndListTopologies(t *testing.T) {
	f := newAPIFixture(t)
	operator := f.token(t, auth.RoleOperator)

	w := f.do(t, http.MethodPost, "/api/v1/topologies", operator, types.TopologyRegistration{
		UUID:           "t1",
		Config:         json.RawMessage(`{"type":"stream"}`),
		Weight:         2,
		WorkerAffinity: []string{"w1"},
		Enabled:        true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/topologies", operator, types.TopologyRegistration{
		Config:  json.RawMessage(`{}`),
		Enabled: true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created["uuid"])

	w = f.do(t, http.MethodGet, "/api/v1/topologies?status=unassigned", f.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list types.TopologyListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)

	w = f.do(t, http.MethodGet, "/api/v1/topologies/t1", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info types.TopologyInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, 2.0, info.Weight)
	assert.Equal(t, []string{"w1"}, info.WorkerAffinity)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/topologies/missing", operator, nil).Code)

	require.NotEmpty(t, f.audited)
	assert.Equal(t, audit.EventTopologyRegistered, f.audited[0].Event)
	assert.Equal(t, "tester", f.audited[0].UserID)
}

func TestRegisterTopologyValidation(t *testing.T) {
	f := newAPIFixture(t)
	operator := f.token(t, auth.RoleOperator)

	w := f.do(t, http.MethodPost, "/api/v1/topologies", operator, map[string]interface{}{"uuid": "t1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/topologies", operator, types.TopologyRegistration{
		Config: json.RawMessage(`{}`),
		Weight: -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorization(t *testing.T) {
	f := newAPIFixture(t)
	viewer := f.token(t, auth.RoleViewer)
	body := types.TopologyRegistration{Config: json.RawMessage(`{}`)}

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/workers", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/workers", viewer, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/topologies", viewer, body).Code)

	operator := f.token(t, auth.RoleOperator)
	cmd := types.WorkerCommandRequest{Cmd: types.CmdSetDisabled}
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/workers/w1/commands", operator, cmd).Code)

	var denied int
	for _, e := range f.audited {
		if e.Event == audit.EventPermissionDenied || e.Event == audit.EventUnauthorized {
			denied++
		}
	}
	assert.Equal(t, 3, denied)
}

func TestEnableDisableTopology(t *testing.T) {
	f := newAPIFixture(t)
	operator := f.token(t, auth.RoleOperator)
	ctx := context.Background()

	f.store.SeedTopology(types.TopologyRecord{
		UUID:    "t1",
		Status:  types.TopologyStatusStopped,
		Worker:  "w1",
		Enabled: false,
	}, json.RawMessage(`{}`))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/topologies/t1/enable", operator, nil).Code)
	info, err := f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, info.Enabled)
	assert.Equal(t, types.TopologyStatusUnassigned, info.Status)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/topologies/t1/disable", operator, nil).Code)
	info, err = f.store.GetTopologyInfo(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, info.Enabled)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/topologies/missing/enable", operator, nil).Code)
}

func TestClearTopologyError(t *testing.T) {
	f := newAPIFixture(t)
	operator := f.token(t, auth.RoleOperator)

	f.store.SeedWorker(types.WorkerRecord{Name: "w1", Status: types.WorkerStatusAlive, LStatus: types.LeadershipNormal, LastPing: time.Now()})
	f.store.SeedTopology(types.TopologyRecord{UUID: "bad", Status: types.TopologyStatusError, Worker: "w1", Enabled: true}, nil)
	f.store.SeedTopology(types.TopologyRecord{UUID: "fine", Status: types.TopologyStatusRunning, Worker: "w1", Enabled: true}, nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/topologies/bad/clear-error", operator, nil).Code)
	info, err := f.store.GetTopologyInfo(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, types.TopologyStatusWaiting, info.Status)

	pending := f.store.PendingMessages("w1")
	require.Len(t, pending, 1)
	assert.Equal(t, types.CmdStartTopology, pending[0].Cmd)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/topologies/fine/clear-error", operator, nil).Code)
}

func TestSendWorkerCommand(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	w := f.do(t, http.MethodPost, "/api/v1/workers/w1/commands", admin, types.WorkerCommandRequest{
		Cmd:     types.CmdKillTopology,
		Content: json.RawMessage(`{"uuid":"t1"}`),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	pending := f.store.PendingMessages("w1")
	require.Len(t, pending, 1)
	var content types.TopologyContent
	require.NoError(t, pending[0].Decode(&content))
	assert.Equal(t, "t1", content.UUID)

	w = f.do(t, http.MethodPost, "/api/v1/workers/w1/commands", admin, types.WorkerCommandRequest{Cmd: "reboot"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRebalanceAndLeader(t *testing.T) {
	f := newAPIFixture(t)
	operator := f.token(t, auth.RoleOperator)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/rebalance", operator, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/leader", operator, nil).Code)

	f.store.SeedWorker(types.WorkerRecord{Name: "w2", Status: types.WorkerStatusAlive, LStatus: types.LeadershipLeader, LastPing: time.Now()})

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/rebalance", operator, nil).Code)
	pending := f.store.PendingMessages("w2")
	require.Len(t, pending, 1)
	assert.Equal(t, types.CmdRebalance, pending[0].Cmd)

	w := f.do(t, http.MethodGet, "/api/v1/leader", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var record types.WorkerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, "w2", record.Name)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	f.health.AddCheck("storage", monitoring.HealthFunc(func(ctx context.Context) error {
		return errors.New("down")
	}))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "", nil).Code)
}

func TestProfile(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/auth/profile", f.token(t, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var profile struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &profile))
	assert.Equal(t, "tester", profile.UserID)
	assert.Equal(t, []string{auth.RoleAdmin}, profile.Roles)
}
