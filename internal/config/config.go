// Package config provides environment-based configuration for the broker.
//
// All settings come from environment variables with the PYBUGGER_MCP_
// prefix; a .env file in the working directory is picked up first when
// present. Adapter binary paths can be overridden per backend.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix is applied to every configuration variable.
const envPrefix = "PYBUGGER_MCP_"

// Config holds the broker configuration.
type Config struct {
	// Host and Port bind the HTTP surface.
	Host string
	Port int

	// MaxSessions caps concurrent sessions in the registry.
	MaxSessions int
	// SessionTimeout is the idle timeout enforced by the sweeper.
	SessionTimeout time.Duration
	// DataDir holds persisted session snapshots.
	DataDir string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Adapters holds per-backend binary paths.
	Adapters AdapterConfig
}

// AdapterConfig holds adapter binary locations and flags.
type AdapterConfig struct {
	Python       string // Python interpreter used to run debugpy
	Delve        string // dlv binary
	GoBuildFlags string // extra build flags passed to dlv
	Node         string // node binary
	JSDebug      string // path to vscode-js-debug dapDebugServer.js
	LLDBDap      string // lldb-dap binary

	Docker  string
	Podman  string
	Kubectl string
}

// findLLDBDap searches for lldb-dap in common locations across platforms.
func findLLDBDap() string {
	if path, err := exec.LookPath("lldb-dap"); err == nil {
		return path
	}

	locations := []string{
		// macOS - Xcode Command Line Tools and Xcode.app
		"/Library/Developer/CommandLineTools/usr/bin/lldb-dap",
		"/Applications/Xcode.app/Contents/Developer/usr/bin/lldb-dap",
		"/opt/homebrew/bin/lldb-dap",
		"/usr/local/bin/lldb-dap",

		// Linux - LLVM/Clang package installations
		"/usr/bin/lldb-dap",
		"/usr/bin/lldb-dap-18",
		"/usr/bin/lldb-dap-17",
		"/usr/bin/lldb-dap-16",
		"/usr/lib/llvm-18/bin/lldb-dap",
		"/usr/lib/llvm-17/bin/lldb-dap",
		"/usr/lib/llvm-16/bin/lldb-dap",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	// Older name, pre-LLVM 16.
	if path, err := exec.LookPath("lldb-vscode"); err == nil {
		return path
	}
	return "lldb-dap"
}

// Default returns the configuration defaults.
func Default() *Config {
	dataDir := ".polybugger-mcp"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".polybugger-mcp")
	}
	return &Config{
		Host:           "127.0.0.1",
		Port:           5679,
		MaxSessions:    10,
		SessionTimeout: time.Hour,
		DataDir:        dataDir,
		LogLevel:       "info",
		Adapters: AdapterConfig{
			Python:  "python3",
			Delve:   "dlv",
			Node:    "node",
			LLDBDap: findLLDBDap(),
			Docker:  "docker",
			Podman:  "podman",
			Kubectl: "kubectl",
		},
	}
}

// Load builds the configuration from a .env file (when present) and the
// process environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Host = getString("HOST", cfg.Host)
	cfg.Port = getInt("PORT", cfg.Port)
	cfg.MaxSessions = getInt("MAX_SESSIONS", cfg.MaxSessions)
	if secs := getInt("SESSION_TIMEOUT_SECONDS", int(cfg.SessionTimeout/time.Second)); secs > 0 {
		cfg.SessionTimeout = time.Duration(secs) * time.Second
	}
	cfg.DataDir = getString("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)

	cfg.Adapters.Python = getString("PYTHON", cfg.Adapters.Python)
	cfg.Adapters.Delve = getString("DLV", cfg.Adapters.Delve)
	cfg.Adapters.GoBuildFlags = getString("GO_BUILD_FLAGS", cfg.Adapters.GoBuildFlags)
	cfg.Adapters.Node = getString("NODE", cfg.Adapters.Node)
	cfg.Adapters.JSDebug = getString("JS_DEBUG", cfg.Adapters.JSDebug)
	cfg.Adapters.LLDBDap = getString("LLDB_DAP", cfg.Adapters.LLDBDap)
	cfg.Adapters.Docker = getString("DOCKER", cfg.Adapters.Docker)
	cfg.Adapters.Podman = getString("PODMAN", cfg.Adapters.Podman)
	cfg.Adapters.Kubectl = getString("KUBECTL", cfg.Adapters.Kubectl)

	return cfg
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
