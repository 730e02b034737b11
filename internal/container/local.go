package container

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// ListHostProcesses enumerates host processes, flagging candidate
// interpreters for the language. Feeds local attach-by-pid.
func ListHostProcesses(ctx context.Context, lang types.Language) ([]types.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.IO(err, "failed to list host processes")
	}

	var out []types.ProcessInfo
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || strings.TrimSpace(cmdline) == "" {
			continue
		}
		user, _ := p.UsernameWithContext(ctx)
		out = append(out, types.ProcessInfo{
			PID:       int(p.Pid),
			User:      user,
			Command:   cmdline,
			Candidate: isCandidate(cmdline, lang),
		})
	}
	return out, nil
}
