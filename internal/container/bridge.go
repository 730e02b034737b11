package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// defaultStubPort is where the injected debug stub listens inside the
// container.
const defaultStubPort = 5678

// Bridge resolves runtime names and orchestrates the attach/launch
// flows: enumerate, inject, forward, hand back a TCP endpoint.
type Bridge struct {
	cfg *config.Config
	log logr.Logger
}

// NewBridge builds the bridge from configuration.
func NewBridge(cfg *config.Config, log logr.Logger) *Bridge {
	return &Bridge{cfg: cfg, log: log}
}

// runtime resolves a runtime tag to its adapter.
func (b *Bridge) runtime(name string) (Runtime, error) {
	switch strings.ToLower(name) {
	case "docker":
		return NewDocker(b.cfg.Adapters.Docker, b.log.WithName("docker")), nil
	case "podman":
		return NewPodman(b.cfg.Adapters.Podman, b.log.WithName("podman")), nil
	case "kubernetes", "k8s":
		return NewKubernetes(b.cfg.Adapters.Kubectl, b.log.WithName("kubernetes")), nil
	default:
		return nil, errors.InvalidArgument("unsupported runtime %q: use docker, podman, or kubernetes", name)
	}
}

// ListProcesses enumerates processes inside a container with their
// command lines, flagging target-language candidates.
func (b *Bridge) ListProcesses(ctx context.Context, runtimeName string, target Target, lang types.Language) ([]types.ProcessInfo, error) {
	rt, err := b.runtime(runtimeName)
	if err != nil {
		return nil, err
	}
	if !rt.Available(ctx) {
		return nil, errors.RuntimeUnavailable(rt.Name())
	}
	return rt.ListProcesses(ctx, target, lang)
}

// Endpoint is a host-reachable TCP address plus the forward that backs
// it. The forward is owned by the session and torn down on terminate.
type Endpoint struct {
	Host    string
	Port    int
	Forward PortForward
}

// AttachInContainer injects the debug stub into pid inside the
// container, forwards a local port to it, and returns the endpoint the
// transport should dial. Only Python targets are injectable.
func (b *Bridge) AttachInContainer(ctx context.Context, runtimeName string, target Target, pid int, lang types.Language) (*Endpoint, error) {
	if lang != types.LanguagePython {
		return nil, errors.InvalidArgument("container attach supports py only; %q has no injectable stub", lang)
	}
	rt, err := b.runtime(runtimeName)
	if err != nil {
		return nil, err
	}
	if !rt.Available(ctx) {
		return nil, errors.RuntimeUnavailable(rt.Name())
	}

	if err := b.injectDebugpy(ctx, rt, target, pid); err != nil {
		return nil, err
	}

	fw, err := rt.Forward(ctx, target, defaultStubPort)
	if err != nil {
		return nil, err
	}
	if err := waitReachable(ctx, "127.0.0.1", fw.LocalPort(), 15*time.Second); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Endpoint{Host: "127.0.0.1", Port: fw.LocalPort(), Forward: fw}, nil
}

// LaunchInContainer starts program under the debug stub inside the
// container (stub waits for a client), forwards a port, and returns the
// endpoint.
func (b *Bridge) LaunchInContainer(ctx context.Context, runtimeName string, target Target, program string, args []string, env map[string]string, workdir string, lang types.Language) (*Endpoint, error) {
	if lang != types.LanguagePython {
		return nil, errors.InvalidArgument("container launch supports py only; %q has no injectable stub", lang)
	}
	rt, err := b.runtime(runtimeName)
	if err != nil {
		return nil, err
	}
	if !rt.Available(ctx) {
		return nil, errors.RuntimeUnavailable(rt.Name())
	}

	if err := b.ensureDebugpy(ctx, rt, target); err != nil {
		return nil, err
	}

	command := []string{
		"python", "-m", "debugpy",
		"--listen", fmt.Sprintf("0.0.0.0:%d", defaultStubPort),
		"--wait-for-client",
		program,
	}
	command = append(command, args...)

	res, err := rt.Exec(ctx, target, command, env, workdir, true)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, errors.InjectionFailed(res.Stderr)
	}

	fw, err := rt.Forward(ctx, target, defaultStubPort)
	if err != nil {
		return nil, err
	}
	if err := waitReachable(ctx, "127.0.0.1", fw.LocalPort(), 15*time.Second); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Endpoint{Host: "127.0.0.1", Port: fw.LocalPort(), Forward: fw}, nil
}

// ensureDebugpy installs the stub when the container image lacks it.
func (b *Bridge) ensureDebugpy(ctx context.Context, rt Runtime, target Target) error {
	res, err := rt.Exec(ctx, target, []string{"python", "-c", "import debugpy"}, nil, "", false)
	if err != nil {
		return err
	}
	if res.Success() {
		return nil
	}

	for _, installer := range [][]string{
		{"pip", "install", "--quiet", "debugpy"},
		{"pip3", "install", "--quiet", "debugpy"},
		{"python", "-m", "pip", "install", "--quiet", "debugpy"},
	} {
		res, err = rt.Exec(ctx, target, installer, nil, "", false)
		if err != nil {
			return err
		}
		if res.Success() {
			return nil
		}
	}
	return errors.InjectionFailed(res.Stderr)
}

// injectDebugpy attaches the stub to a running process via ptrace.
func (b *Bridge) injectDebugpy(ctx context.Context, rt Runtime, target Target, pid int) error {
	if err := b.ensureDebugpy(ctx, rt, target); err != nil {
		return err
	}

	res, err := rt.Exec(ctx, target, []string{
		"python", "-m", "debugpy",
		"--listen", fmt.Sprintf("0.0.0.0:%d", defaultStubPort),
		"--pid", fmt.Sprintf("%d", pid),
	}, nil, "", false)
	if err != nil {
		return err
	}
	if !res.Success() {
		lower := strings.ToLower(res.Stderr)
		if strings.Contains(lower, "operation not permitted") || strings.Contains(lower, "ptrace") || strings.Contains(lower, "eperm") {
			e := errors.InjectionFailed(res.Stderr)
			e.Hint = "Container lacks the SYS_PTRACE capability. Restart it with --cap-add=SYS_PTRACE, or use container launch instead of attach."
			return e
		}
		return errors.InjectionFailed(res.Stderr)
	}
	b.log.Info("injected debug stub", "pid", pid, "container", target.Container)
	return nil
}
