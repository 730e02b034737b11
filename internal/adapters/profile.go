// Package adapters provides the per-language debug adapter profiles.
//
// A profile knows three things about its backend: how to obtain a
// transport (spawn-and-connect over TCP, or spawn-and-pipe over stdio),
// which initialize arguments it needs, and how to build the launch and
// attach envelopes. Capability quirks (stopOnEntry support, exception
// filters, path substitution) live here so the session stays generic.
//
// Concrete profiles: debugpy (py), js-debug (js), Delve (go), and
// lldb-dap (rust and native).
package adapters

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/transport"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// clientID identifies this broker in initialize requests.
const clientID = "polybugger-mcp"

// connectWait bounds how long we retry connecting to a freshly spawned
// TCP adapter.
const connectWait = 5 * time.Second

// Conn bundles a connected transport with the adapter process that
// backs it, when one was spawned. Closing kills the whole process group.
type Conn struct {
	Transport transport.Transport
	Cmd       *exec.Cmd
}

// PID returns the adapter process id, or 0 when none was spawned.
func (c *Conn) PID() int {
	if c.Cmd != nil && c.Cmd.Process != nil {
		return c.Cmd.Process.Pid
	}
	return 0
}

// Close tears down the transport and the adapter process group.
func (c *Conn) Close() error {
	var err error
	if c.Transport != nil {
		err = c.Transport.Close()
	}
	if c.Cmd != nil && c.Cmd.Process != nil {
		_ = killProcessGroup(c.Cmd.Process.Pid, c.Cmd)
	}
	return err
}

// Options carries per-session settings a profile may need when spawning.
type Options struct {
	ProjectRoot string
	PythonPath  string
	Log         logr.Logger
}

// Profile is the per-language strategy for one debug backend.
type Profile interface {
	// Language returns the tag this profile serves.
	Language() types.Language

	// InitializeArguments returns the initialize payload for this backend.
	InitializeArguments() dap.InitializeRequestArguments

	// LaunchConn obtains a transport for a launch.
	LaunchConn(ctx context.Context, req types.LaunchRequest) (*Conn, error)

	// AttachConn obtains a transport for an attach. For backends where
	// the debuggee itself serves DAP (debugpy, node inspector) this
	// dials the target endpoint directly.
	AttachConn(ctx context.Context, req types.AttachRequest) (*Conn, error)

	// LaunchArguments builds the launch envelope.
	LaunchArguments(req types.LaunchRequest) map[string]any

	// AttachArguments builds the attach envelope.
	AttachArguments(req types.AttachRequest) map[string]any

	// ExceptionFilters returns the setExceptionBreakpoints filters to
	// apply; empty for backends without usable filters.
	ExceptionFilters(stopOnException bool) []string

	// SupportsStopOnEntry reports whether the backend honours
	// stopOnEntry. Profiles that return false drop the flag silently.
	SupportsStopOnEntry() bool
}

// Registry resolves language tags to profile constructors.
type Registry struct {
	cfg *config.Config
}

// NewRegistry builds the profile registry from configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Profile returns a profile instance bound to per-session options.
func (r *Registry) Profile(lang types.Language, opts Options) (Profile, error) {
	switch lang {
	case types.LanguagePython:
		return newDebugpyProfile(r.cfg, opts), nil
	case types.LanguageJS:
		return newJSDebugProfile(r.cfg, opts), nil
	case types.LanguageGo:
		return newDelveProfile(r.cfg, opts), nil
	case types.LanguageRust, types.LanguageNative:
		return newLLDBProfile(r.cfg, opts, lang), nil
	default:
		return nil, errors.InvalidArgument("no debug adapter for language %q", lang)
	}
}

// baseInitializeArguments is shared by every profile: path format is
// "path", lines and columns start at 1.
func baseInitializeArguments(adapterID string) dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:                     clientID,
		ClientName:                   "Polybugger MCP",
		AdapterID:                    adapterID,
		Locale:                       "en-US",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		PathFormat:                   "path",
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: false,
	}
}

// spawnTCPAdapter starts cmd as a process-group leader with stdin
// disconnected, then connects to address with retry. The process is
// killed if the connection never comes up.
func spawnTCPAdapter(ctx context.Context, cmd *exec.Cmd, address string) (*Conn, error) {
	cmd.Stdin = nil
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.IO(err, "failed to start %s", cmd.Path)
	}

	tr, err := transport.DialTCP(ctx, address, connectWait)
	if err != nil {
		if cmd.Process != nil {
			_ = killProcessGroup(cmd.Process.Pid, cmd)
		}
		return nil, err
	}
	go func() { _ = cmd.Wait() }()

	return &Conn{Transport: tr, Cmd: cmd}, nil
}

// dialConn connects to an already-listening DAP endpoint.
func dialConn(ctx context.Context, host string, port int) (*Conn, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	address := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	tr, err := transport.DialTCP(ctx, address, connectWait)
	if err != nil {
		return nil, err
	}
	return &Conn{Transport: tr}, nil
}

// findAvailablePort binds port 0 to reserve a free TCP port.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.PortAllocationFailed(err)
	}
	defer listener.Close()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.PortAllocationFailed(fmt.Errorf("unexpected listener address %T", listener.Addr()))
	}
	return addr.Port, nil
}

// buildEnv extends the process environment with extra variables.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// substitutePaths converts path mappings to the delve substitutePath shape.
func substitutePaths(mappings []types.PathMapping) []map[string]string {
	out := make([]map[string]string, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, map[string]string{"from": m.LocalRoot, "to": m.RemoteRoot})
	}
	return out
}
