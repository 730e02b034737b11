package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 5679, cfg.Port)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
	assert.Contains(t, cfg.DataDir, ".polybugger-mcp")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "python3", cfg.Adapters.Python)
	assert.Equal(t, "dlv", cfg.Adapters.Delve)
	assert.Equal(t, "node", cfg.Adapters.Node)
	assert.Equal(t, "docker", cfg.Adapters.Docker)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PYBUGGER_MCP_HOST", "0.0.0.0")
	t.Setenv("PYBUGGER_MCP_PORT", "7000")
	t.Setenv("PYBUGGER_MCP_MAX_SESSIONS", "3")
	t.Setenv("PYBUGGER_MCP_SESSION_TIMEOUT_SECONDS", "120")
	t.Setenv("PYBUGGER_MCP_DATA_DIR", "/tmp/bugger-data")
	t.Setenv("PYBUGGER_MCP_LOG_LEVEL", "debug")
	t.Setenv("PYBUGGER_MCP_PYTHON", "/opt/venv/bin/python")
	t.Setenv("PYBUGGER_MCP_DLV", "/usr/local/bin/dlv")

	cfg := Load()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, 2*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "/tmp/bugger-data", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/opt/venv/bin/python", cfg.Adapters.Python)
	assert.Equal(t, "/usr/local/bin/dlv", cfg.Adapters.Delve)
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("PYBUGGER_MCP_MAX_SESSIONS", "lots")
	cfg := Load()
	assert.Equal(t, 10, cfg.MaxSessions)
}
