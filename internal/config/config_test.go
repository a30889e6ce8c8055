package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "worker:\n  name: w1\n")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "w1", cfg.Worker.Name)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Storage.CandidacyTTL)
	assert.Equal(t, 3*time.Second, cfg.Leader.LoopInterval)
	assert.Equal(t, time.Hour, cfg.Leader.RebalanceInterval)
	assert.Equal(t, 5.0, cfg.Leader.AffinityFactor)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.LoopInterval)
	assert.Equal(t, 5, cfg.Coordinator.SanityEvery)
	assert.Equal(t, 1000, cfg.Coordinator.MaxErrorLength)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddr())
}

func TestLoadFromOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: postgres
database:
  host: db.internal
  port: 6432
leader:
  rebalance_interval: 10m
  affinity_factor: 2.5
engine:
  dormant_start: "22:00"
  dormant_end: "06:00"
`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "db.internal", cfg.Database.ToDatabase().Host)
	assert.Equal(t, 6432, cfg.Database.ToDatabase().Port)

	leaderCfg := cfg.Leader.ToLeader()
	assert.Equal(t, 10*time.Minute, leaderCfg.RebalanceInterval)
	assert.Equal(t, 2.5, leaderCfg.AffinityFactor)

	engineCfg := cfg.Engine.ToEngine()
	assert.Equal(t, "22:00", engineCfg.DormantStart)
	assert.Equal(t, "06:00", engineCfg.DormantEnd)

	assert.NotEmpty(t, cfg.Worker.Name)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: redis\n")
	t.Setenv("TOPO_STORAGE_BACKEND", "memory")
	t.Setenv("TOPO_WORKER_NAME", "from-env")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "from-env", cfg.Worker.Name)
}

func TestLoadFromRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: etcd\n"},
		{"server port", "server:\n  port: 70000\n"},
		{"idle timeout below ping interval", "leader:\n  worker_idle_timeout: 5s\ncoordinator:\n  ping_interval: 10s\n"},
		{"affinity factor", "leader:\n  affinity_factor: 0.5\n"},
		{"tls without files", "security:\n  tls_enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCoordinatorConversion(t *testing.T) {
	cfg := CoordinatorConfig{
		LoopInterval:   time.Second,
		PingInterval:   5 * time.Second,
		SanityEvery:    3,
		MaxErrorLength: 200,
	}

	converted := cfg.ToCoordinator()
	assert.Equal(t, time.Second, converted.LoopInterval)
	assert.Equal(t, 5*time.Second, converted.PingInterval)
	assert.Equal(t, 3, converted.SanityEvery)
	assert.Equal(t, 200, converted.MaxErrorLength)
}
