package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"topology-coordinator/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTagsWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := NewLogger(config.LoggerConfig{Level: "info", Format: "json", OutputPath: path}, "w1")
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("Worker registered")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry), "exactly one JSON line is written")
	assert.Equal(t, "Worker registered", entry["msg"])
	assert.Equal(t, "w1", entry["process"])
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggerConfig{Level: "loud", Format: "json"}, "")
	assert.Error(t, err)
}
