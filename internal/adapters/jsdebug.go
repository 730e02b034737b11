package adapters

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// jsDebugProfile drives JavaScript/TypeScript debugging through the
// vscode-js-debug DAP server, which bridges to the Node inspector.
// Quirks: smartStep defaults on, source maps are resolved via outFiles.
type jsDebugProfile struct {
	nodePath    string
	jsDebugPath string
	opts        Options
}

func newJSDebugProfile(cfg *config.Config, opts Options) *jsDebugProfile {
	nodePath := cfg.Adapters.Node
	if nodePath == "" {
		nodePath = "node"
	}
	return &jsDebugProfile{nodePath: nodePath, jsDebugPath: cfg.Adapters.JSDebug, opts: opts}
}

func (p *jsDebugProfile) Language() types.Language { return types.LanguageJS }

func (p *jsDebugProfile) InitializeArguments() dap.InitializeRequestArguments {
	return baseInitializeArguments("js-debug")
}

func (p *jsDebugProfile) SupportsStopOnEntry() bool { return true }

func (p *jsDebugProfile) ExceptionFilters(bool) []string { return nil }

// LaunchConn spawns the js-debug DAP server (node dapDebugServer.js
// <port> <host>) and connects to it.
func (p *jsDebugProfile) LaunchConn(ctx context.Context, req types.LaunchRequest) (*Conn, error) {
	if p.jsDebugPath == "" {
		return nil, errors.New(errors.KindInvalidArgument,
			"js-debug path not configured: install vscode-js-debug and set PYBUGGER_MCP_JS_DEBUG to its dapDebugServer.js")
	}

	port, err := findAvailablePort()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.nodePath, p.jsDebugPath, fmt.Sprintf("%d", port), "127.0.0.1")
	cmd.Env = buildEnv(req.Env)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	} else if p.opts.ProjectRoot != "" {
		cmd.Dir = p.opts.ProjectRoot
	}

	return spawnTCPAdapter(ctx, cmd, fmt.Sprintf("127.0.0.1:%d", port))
}

// AttachConn dials a Node process started with --inspect directly.
func (p *jsDebugProfile) AttachConn(ctx context.Context, req types.AttachRequest) (*Conn, error) {
	port := req.Port
	if port == 0 {
		port = 9229
	}
	return dialConn(ctx, req.Host, port)
}

func (p *jsDebugProfile) LaunchArguments(req types.LaunchRequest) map[string]any {
	cwd := req.Cwd
	if cwd == "" {
		cwd = p.opts.ProjectRoot
	}
	args := map[string]any{
		"type":       "pwa-node",
		"request":    "launch",
		"program":    req.Program,
		"console":    "internalConsole",
		"smartStep":  true,
		"sourceMaps": true,
	}
	if len(req.Args) > 0 {
		args["args"] = req.Args
	}
	if cwd != "" {
		args["cwd"] = cwd
		args["outFiles"] = []string{cwd + "/**/*.js", "!**/node_modules/**"}
	}
	if len(req.Env) > 0 {
		args["env"] = req.Env
	}
	if req.StopOnEntry {
		args["stopOnEntry"] = true
	}
	args["runtimeExecutable"] = p.nodePath
	return args
}

func (p *jsDebugProfile) AttachArguments(req types.AttachRequest) map[string]any {
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := req.Port
	if port == 0 {
		port = 9229
	}
	args := map[string]any{
		"type":    "pwa-node",
		"request": "attach",
		"address": host,
		"port":    port,
	}
	if req.ProcessID != 0 {
		args["processId"] = req.ProcessID
	}
	return args
}
