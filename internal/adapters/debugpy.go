package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// debugpyProfile drives Python debugging via the debugpy adapter.
// Quirks: reverse runInTerminal requests are answered but never acted
// on (console is forced to internalConsole), and stopOnEntry is
// supported.
type debugpyProfile struct {
	pythonPath string
	opts       Options
}

func newDebugpyProfile(cfg *config.Config, opts Options) *debugpyProfile {
	pythonPath := opts.PythonPath
	if pythonPath == "" {
		pythonPath = cfg.Adapters.Python
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &debugpyProfile{pythonPath: pythonPath, opts: opts}
}

func (p *debugpyProfile) Language() types.Language { return types.LanguagePython }

func (p *debugpyProfile) InitializeArguments() dap.InitializeRequestArguments {
	return baseInitializeArguments("debugpy")
}

func (p *debugpyProfile) SupportsStopOnEntry() bool { return true }

func (p *debugpyProfile) ExceptionFilters(stopOnException bool) []string {
	if stopOnException {
		return []string{"uncaught"}
	}
	return nil
}

// detectVenvRoot reports the venv root when the interpreter lives in
// one, identified by the pyvenv.cfg marker.
func (p *debugpyProfile) detectVenvRoot() string {
	binDir := filepath.Dir(p.pythonPath)
	venvRoot := filepath.Dir(binDir)
	if _, err := os.Stat(filepath.Join(venvRoot, "pyvenv.cfg")); err == nil {
		return venvRoot
	}
	return ""
}

// LaunchConn spawns `python -m debugpy.adapter` listening on a fresh
// port and connects to it.
func (p *debugpyProfile) LaunchConn(ctx context.Context, req types.LaunchRequest) (*Conn, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.pythonPath,
		"-m", "debugpy.adapter",
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
	)
	cmd.Env = buildEnv(req.Env)

	// Surface venv interpreters to the adapter and its subprocesses.
	if venvRoot := p.detectVenvRoot(); venvRoot != "" {
		cmd.Env = append(cmd.Env, "VIRTUAL_ENV="+venvRoot)
		binDir := filepath.Dir(p.pythonPath)
		for i, env := range cmd.Env {
			if strings.HasPrefix(env, "PATH=") {
				cmd.Env[i] = "PATH=" + binDir + string(os.PathListSeparator) + env[5:]
				break
			}
		}
	}

	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	} else if p.opts.ProjectRoot != "" {
		cmd.Dir = p.opts.ProjectRoot
	}

	return spawnTCPAdapter(ctx, cmd, fmt.Sprintf("127.0.0.1:%d", port))
}

// AttachConn dials a debugpy server that the target process is already
// running (debugpy.listen, --listen, or an injected stub).
func (p *debugpyProfile) AttachConn(ctx context.Context, req types.AttachRequest) (*Conn, error) {
	return dialConn(ctx, req.Host, req.Port)
}

func (p *debugpyProfile) LaunchArguments(req types.LaunchRequest) map[string]any {
	args := map[string]any{
		"type":       "python",
		"request":    "launch",
		"console":    "internalConsole",
		"justMyCode": true,
	}
	if req.Module != "" {
		args["module"] = req.Module
	} else {
		args["program"] = req.Program
	}
	if len(req.Args) > 0 {
		args["args"] = req.Args
	}
	if req.Cwd != "" {
		args["cwd"] = req.Cwd
	} else if p.opts.ProjectRoot != "" {
		args["cwd"] = p.opts.ProjectRoot
	}
	if len(req.Env) > 0 {
		args["env"] = req.Env
	}
	if req.StopOnEntry {
		args["stopOnEntry"] = true
	}
	if p.opts.PythonPath != "" {
		args["python"] = p.opts.PythonPath
	}
	return args
}

func (p *debugpyProfile) AttachArguments(req types.AttachRequest) map[string]any {
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	args := map[string]any{
		"type":    "python",
		"request": "attach",
		"host":    host,
		"port":    req.Port,
	}
	if len(req.PathMappings) > 0 {
		mappings := make([]map[string]string, 0, len(req.PathMappings))
		for _, m := range req.PathMappings {
			mappings = append(mappings, map[string]string{
				"localRoot":  m.LocalRoot,
				"remoteRoot": m.RemoteRoot,
			})
		}
		args["pathMappings"] = mappings
	}
	return args
}
