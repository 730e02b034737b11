package adapters

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// delveProfile drives Go debugging via `dlv dap`. Quirks: module paths
// need substitutePath when the binary was built elsewhere, and
// stopOnEntry is ignored.
type delveProfile struct {
	dlvPath    string
	buildFlags string
	opts       Options
}

func newDelveProfile(cfg *config.Config, opts Options) *delveProfile {
	dlvPath := cfg.Adapters.Delve
	if dlvPath == "" {
		dlvPath = "dlv"
	}
	return &delveProfile{dlvPath: dlvPath, buildFlags: cfg.Adapters.GoBuildFlags, opts: opts}
}

func (p *delveProfile) Language() types.Language { return types.LanguageGo }

func (p *delveProfile) InitializeArguments() dap.InitializeRequestArguments {
	return baseInitializeArguments("delve")
}

func (p *delveProfile) SupportsStopOnEntry() bool { return false }

func (p *delveProfile) ExceptionFilters(bool) []string { return nil }

func (p *delveProfile) spawn(ctx context.Context, cwd string) (*Conn, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, err
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	dlvArgs := []string{"dap", "--listen", address}
	if p.buildFlags != "" {
		dlvArgs = append(dlvArgs, "--build-flags", p.buildFlags)
	}

	cmd := exec.CommandContext(ctx, p.dlvPath, dlvArgs...)
	cmd.Env = buildEnv(nil)
	if cwd != "" {
		cmd.Dir = cwd
	} else if p.opts.ProjectRoot != "" {
		cmd.Dir = p.opts.ProjectRoot
	}

	return spawnTCPAdapter(ctx, cmd, address)
}

func (p *delveProfile) LaunchConn(ctx context.Context, req types.LaunchRequest) (*Conn, error) {
	return p.spawn(ctx, req.Cwd)
}

// AttachConn dials host:port when a port is given (an already running
// dlv dap server); otherwise it spawns a fresh dlv dap server and the
// attach envelope selects the local process by pid.
func (p *delveProfile) AttachConn(ctx context.Context, req types.AttachRequest) (*Conn, error) {
	if req.Port != 0 {
		return dialConn(ctx, req.Host, req.Port)
	}
	return p.spawn(ctx, "")
}

func (p *delveProfile) LaunchArguments(req types.LaunchRequest) map[string]any {
	args := map[string]any{
		"mode":    "debug",
		"program": req.Program,
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
	if req.BuildFlags != "" {
		args["buildFlags"] = req.BuildFlags
	}
	return args
}

func (p *delveProfile) AttachArguments(req types.AttachRequest) map[string]any {
	args := map[string]any{"mode": "local"}
	if req.ProcessID != 0 {
		args["processId"] = req.ProcessID
	}
	if len(req.PathMappings) > 0 {
		args["substitutePath"] = substitutePaths(req.PathMappings)
	}
	return args
}
