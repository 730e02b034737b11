package adapters

import (
	"context"
	"os/exec"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/transport"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// lldbProfile drives Rust and native (C/C++) debugging via lldb-dap
// over stdio. Quirks: no restart support, exception filters stay empty,
// stopOnEntry is ignored.
type lldbProfile struct {
	lldbDapPath string
	lang        types.Language
	opts        Options
}

func newLLDBProfile(cfg *config.Config, opts Options, lang types.Language) *lldbProfile {
	path := cfg.Adapters.LLDBDap
	if path == "" {
		path = "lldb-dap"
	}
	return &lldbProfile{lldbDapPath: path, lang: lang, opts: opts}
}

func (p *lldbProfile) Language() types.Language { return p.lang }

func (p *lldbProfile) InitializeArguments() dap.InitializeRequestArguments {
	return baseInitializeArguments("lldb-dap")
}

func (p *lldbProfile) SupportsStopOnEntry() bool { return false }

func (p *lldbProfile) ExceptionFilters(bool) []string { return nil }

// spawnStdio starts lldb-dap with piped stdio; the child transport owns
// the process.
func (p *lldbProfile) spawnStdio(ctx context.Context, cwd string) (*Conn, error) {
	cmd := exec.CommandContext(ctx, p.lldbDapPath)
	cmd.Env = buildEnv(nil)
	setProcAttr(cmd)
	if cwd != "" {
		cmd.Dir = cwd
	} else if p.opts.ProjectRoot != "" {
		cmd.Dir = p.opts.ProjectRoot
	}

	tr, err := transport.StartChild(cmd, p.opts.Log)
	if err != nil {
		return nil, err
	}
	return &Conn{Transport: tr}, nil
}

func (p *lldbProfile) LaunchConn(ctx context.Context, req types.LaunchRequest) (*Conn, error) {
	return p.spawnStdio(ctx, req.Cwd)
}

func (p *lldbProfile) AttachConn(ctx context.Context, req types.AttachRequest) (*Conn, error) {
	if req.Port != 0 {
		return dialConn(ctx, req.Host, req.Port)
	}
	return p.spawnStdio(ctx, "")
}

func (p *lldbProfile) LaunchArguments(req types.LaunchRequest) map[string]any {
	args := map[string]any{
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
		envList := make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			envList = append(envList, k+"="+v)
		}
		args["env"] = envList
	}
	return args
}

func (p *lldbProfile) AttachArguments(req types.AttachRequest) map[string]any {
	args := map[string]any{}
	if req.ProcessID != 0 {
		args["pid"] = req.ProcessID
	}
	if req.Program != "" {
		args["program"] = req.Program
	}
	if len(req.PathMappings) > 0 {
		sourceMap := make([][]string, 0, len(req.PathMappings))
		for _, m := range req.PathMappings {
			sourceMap = append(sourceMap, []string{m.RemoteRoot, m.LocalRoot})
		}
		args["sourceMap"] = sourceMap
	}
	return args
}
