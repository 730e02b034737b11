package container

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// dockerRuntime drives Docker through its CLI. Podman provides a
// Docker-compatible CLI, so the podman runtime is the same adapter with
// a different binary and name.
type dockerRuntime struct {
	cli  string
	name string
	log  logr.Logger
}

// NewDocker builds the docker runtime adapter.
func NewDocker(cli string, log logr.Logger) Runtime {
	if cli == "" {
		cli = "docker"
	}
	return &dockerRuntime{cli: cli, name: "docker", log: log}
}

// NewPodman builds the podman runtime adapter over the Docker CLI shape.
func NewPodman(cli string, log logr.Logger) Runtime {
	if cli == "" {
		cli = "podman"
	}
	return &dockerRuntime{cli: cli, name: "podman", log: log}
}

func (d *dockerRuntime) Name() string { return d.name }

func (d *dockerRuntime) Available(ctx context.Context) bool {
	res := runCLI(ctx, d.log, d.cli, "version", "--format", "{{.Server.Version}}")
	return res.Success()
}

// inspect returns the container's parsed `docker inspect` document.
func (d *dockerRuntime) inspect(ctx context.Context, target Target) (map[string]any, error) {
	res := runCLI(ctx, d.log, d.cli, "inspect", "--format", "{{json .}}", target.Container)
	if !res.Success() {
		if strings.Contains(res.Stderr, "No such") || strings.Contains(strings.ToLower(res.Stderr), "not found") {
			return nil, errors.ContainerNotFound(target.Container)
		}
		return nil, errors.New(errors.KindIO, "failed to inspect container %s: %s", target.Container, strings.TrimSpace(res.Stderr))
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(res.Stdout), &doc); err != nil {
		return nil, errors.IO(err, "failed to parse container info for %s", target.Container)
	}
	return doc, nil
}

// containerIP extracts the first network address from an inspect doc.
func containerIP(doc map[string]any) string {
	settings, _ := doc["NetworkSettings"].(map[string]any)
	if settings == nil {
		return ""
	}
	if ip, _ := settings["IPAddress"].(string); ip != "" {
		return ip
	}
	networks, _ := settings["Networks"].(map[string]any)
	for _, net := range networks {
		if m, ok := net.(map[string]any); ok {
			if ip, _ := m["IPAddress"].(string); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func (d *dockerRuntime) ListProcesses(ctx context.Context, target Target, lang types.Language) ([]types.ProcessInfo, error) {
	res, err := d.Exec(ctx, target, []string{"ps", "aux"}, nil, "", false)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		// Minimal images often lack ps; walk /proc instead.
		res, err = d.Exec(ctx, target, []string{
			"sh", "-c",
			`for p in /proc/[0-9]*; do printf "%s %s\n" "${p#/proc/}" "$(tr '\0' ' ' < $p/cmdline 2>/dev/null)"; done`,
		}, nil, "", false)
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, errors.New(errors.KindIO, "failed to list processes in %s: %s", target.Container, strings.TrimSpace(res.Stderr))
		}
		return parseProcScan(res.Stdout, lang), nil
	}
	return parsePS(res.Stdout, lang), nil
}

// parseProcScan parses the /proc fallback: "<pid> <cmdline>" per line.
func parseProcScan(output string, lang types.Language) []types.ProcessInfo {
	var out []types.ProcessInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		pid, cmdline, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || strings.TrimSpace(cmdline) == "" {
			continue
		}
		n, err := strconv.Atoi(pid)
		if err != nil {
			continue
		}
		out = append(out, types.ProcessInfo{
			PID:       n,
			Command:   strings.TrimSpace(cmdline),
			Candidate: isCandidate(cmdline, lang),
		})
	}
	return out
}

func (d *dockerRuntime) Exec(ctx context.Context, target Target, command []string, env map[string]string, workdir string, detach bool) (ExecResult, error) {
	args := []string{"exec"}
	if detach {
		args = append(args, "-d")
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, target.Container)
	args = append(args, command...)

	res := runCLI(ctx, d.log, d.cli, args...)
	if !res.Success() && (strings.Contains(res.Stderr, "No such container") || strings.Contains(strings.ToLower(res.Stderr), "not found")) {
		return res, errors.ContainerNotFound(target.Container)
	}
	return res, nil
}

// Forward proxies a fresh local port to the container's IP. Docker has
// no native forward command for running containers, so the broker
// bridges the bytes itself.
func (d *dockerRuntime) Forward(ctx context.Context, target Target, remotePort int) (PortForward, error) {
	doc, err := d.inspect(ctx, target)
	if err != nil {
		return nil, err
	}
	ip := containerIP(doc)
	if ip == "" {
		return nil, errors.New(errors.KindIO, "container %s exposes no network address", target.Container)
	}
	return newTCPProxyForward(ip, remotePort, d.name, target.Container, d.log)
}
