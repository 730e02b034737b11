package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// kubernetesRuntime drives Kubernetes through kubectl. Target.Container
// is the pod name; Target.PodContainer selects a container in
// multi-container pods.
type kubernetesRuntime struct {
	cli string
	log logr.Logger
}

// NewKubernetes builds the kubectl runtime adapter.
func NewKubernetes(cli string, log logr.Logger) Runtime {
	if cli == "" {
		cli = "kubectl"
	}
	return &kubernetesRuntime{cli: cli, log: log}
}

func (k *kubernetesRuntime) Name() string { return "kubernetes" }

func (k *kubernetesRuntime) Available(ctx context.Context) bool {
	res := runCLI(ctx, k.log, k.cli, "version", "--client", "--output=yaml")
	return res.Success()
}

func (k *kubernetesRuntime) namespace(target Target) string {
	if target.Namespace == "" {
		return "default"
	}
	return target.Namespace
}

func (k *kubernetesRuntime) execArgs(target Target) []string {
	args := []string{"exec", "-n", k.namespace(target)}
	if target.PodContainer != "" {
		args = append(args, "-c", target.PodContainer)
	}
	return append(args, target.Container, "--")
}

func (k *kubernetesRuntime) ListProcesses(ctx context.Context, target Target, lang types.Language) ([]types.ProcessInfo, error) {
	res, err := k.Exec(ctx, target, []string{"ps", "aux"}, nil, "", false)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		res, err = k.Exec(ctx, target, []string{
			"sh", "-c",
			`for p in /proc/[0-9]*; do printf "%s %s\n" "${p#/proc/}" "$(tr '\0' ' ' < $p/cmdline 2>/dev/null)"; done`,
		}, nil, "", false)
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, errors.New(errors.KindIO, "failed to list processes in pod %s: %s", target.Container, strings.TrimSpace(res.Stderr))
		}
		return parseProcScan(res.Stdout, lang), nil
	}
	return parsePS(res.Stdout, lang), nil
}

func (k *kubernetesRuntime) Exec(ctx context.Context, target Target, command []string, env map[string]string, workdir string, detach bool) (ExecResult, error) {
	// kubectl exec has no -e/-w/-d flags; wrap in sh when needed.
	if len(env) > 0 || workdir != "" || detach {
		var sb strings.Builder
		for key, v := range env {
			sb.WriteString(fmt.Sprintf("export %s=%q; ", key, v))
		}
		if workdir != "" {
			sb.WriteString(fmt.Sprintf("cd %q && ", workdir))
		}
		sb.WriteString(shellJoin(command))
		if detach {
			sb.WriteString(" >/dev/null 2>&1 &")
		}
		command = []string{"sh", "-c", sb.String()}
	}

	args := append(k.execArgs(target), command...)
	res := runCLI(ctx, k.log, k.cli, args...)
	if !res.Success() && strings.Contains(strings.ToLower(res.Stderr), "not found") {
		return res, errors.ContainerNotFound(target.Container)
	}
	return res, nil
}

func shellJoin(command []string) string {
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, " ")
}

// Forward runs `kubectl port-forward` as an owned child; killing it
// releases the local port.
func (k *kubernetesRuntime) Forward(ctx context.Context, target Target, remotePort int) (PortForward, error) {
	local, err := freePort()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(k.cli,
		"port-forward",
		"-n", k.namespace(target),
		"pod/"+target.Container,
		fmt.Sprintf("%d:%d", local, remotePort),
	)
	if err := cmd.Start(); err != nil {
		return nil, errors.IO(err, "failed to start kubectl port-forward")
	}
	go func() { _ = cmd.Wait() }()

	fw := &processForward{
		cmd: cmd,
		desc: types.ForwardedPort{
			LocalPort:     local,
			RemotePort:    remotePort,
			Runtime:       "kubernetes",
			ContainerName: target.Container,
		},
	}

	if err := waitReachable(ctx, "127.0.0.1", local, 15*time.Second); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}
