// Package container enumerates processes inside container runtimes,
// injects debug stubs, and forwards ports so a session can attach over
// TCP. Runtimes are driven at the CLI level (docker, podman, kubectl);
// contracts are command lines and exit codes, nothing deeper.
package container

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// cliTimeout bounds ordinary runtime CLI invocations.
const cliTimeout = 30 * time.Second

// Target identifies one container (or pod container) to operate on.
type Target struct {
	Container    string
	Namespace    string // kubernetes only
	PodContainer string // kubernetes only: container within the pod
}

// ExecResult is the outcome of one CLI invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Success reports a zero exit.
func (r ExecResult) Success() bool { return r.ExitCode == 0 && !r.TimedOut }

// PortForward is an established local→container forward.
type PortForward interface {
	LocalPort() int
	Descriptor() types.ForwardedPort
	Close() error
}

// Runtime is one container runtime driven through its CLI.
type Runtime interface {
	// Name returns the runtime tag (docker, podman, kubernetes).
	Name() string
	// Available probes whether the CLI is installed and responding.
	Available(ctx context.Context) bool
	// ListProcesses enumerates processes inside the target with command
	// lines, flagging debug candidates for the language.
	ListProcesses(ctx context.Context, target Target, lang types.Language) ([]types.ProcessInfo, error)
	// Exec runs a command inside the target.
	Exec(ctx context.Context, target Target, command []string, env map[string]string, workdir string, detach bool) (ExecResult, error)
	// Forward establishes a local forward to remotePort inside the target.
	Forward(ctx context.Context, target Target, remotePort int) (PortForward, error)
}

// runCLI executes one runtime CLI command with a timeout.
func runCLI(ctx context.Context, log logr.Logger, bin string, args ...string) ExecResult {
	cctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	log.V(1).Info("running runtime CLI", "command", bin, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(cctx, bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

// languageMarkers maps a language tag to command-line substrings that
// mark a process as a debug candidate.
var languageMarkers = map[types.Language][]string{
	types.LanguagePython: {"python", "gunicorn", "uwsgi", "celery"},
	types.LanguageJS:     {"node", "deno", "bun"},
	types.LanguageGo:     {},
	types.LanguageRust:   {},
	types.LanguageNative: {},
}

// isCandidate reports whether cmdline looks like a target-language process.
func isCandidate(cmdline string, lang types.Language) bool {
	lower := strings.ToLower(cmdline)
	for _, marker := range languageMarkers[lang] {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parsePSLine parses one `ps aux` line into a ProcessInfo.
func parsePSLine(line string, lang types.Language) (types.ProcessInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 11 {
		return types.ProcessInfo{}, false
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return types.ProcessInfo{}, false
	}
	cmdline := strings.Join(fields[10:], " ")
	return types.ProcessInfo{
		PID:       pid,
		User:      fields[0],
		Command:   cmdline,
		Candidate: isCandidate(cmdline, lang),
	}, true
}

// parsePS parses `ps aux` output, skipping the header.
func parsePS(output string, lang types.Language) []types.ProcessInfo {
	var out []types.ProcessInfo
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i, line := range lines {
		if i == 0 && strings.Contains(line, "PID") {
			continue
		}
		if p, ok := parsePSLine(line, lang); ok {
			out = append(out, p)
		}
	}
	return out
}
