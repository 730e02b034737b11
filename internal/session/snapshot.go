package session

import (
	"time"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// Snapshot is the persistable view of a session: descriptor fields minus
// the volatile stop context, plus the user-intent tables.
type Snapshot struct {
	ID          string
	Language    types.Language
	ProjectRoot string
	Name        string
	PythonPath  string
	State       types.SessionState
	CreatedAt   time.Time
	Breakpoints map[string][]types.SourceBreakpoint
	Watches     []string
	Launch      *types.LaunchRequest
	Attach      *types.AttachRequest
}

// Snapshot captures the session for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	bps := make(map[string][]types.SourceBreakpoint, len(s.breakpoints))
	for path, list := range s.breakpoints {
		bps[path] = append([]types.SourceBreakpoint(nil), list...)
	}
	watches := make([]string, len(s.watches))
	for i, w := range s.watches {
		watches[i] = w.Expression
	}

	snap := Snapshot{
		ID:          s.id,
		Language:    s.language,
		ProjectRoot: s.projectRoot,
		Name:        s.name,
		PythonPath:  s.pythonPath,
		State:       s.state,
		CreatedAt:   s.createdAt,
		Breakpoints: bps,
		Watches:     watches,
	}
	if s.launchReq != nil {
		cp := *s.launchReq
		snap.Launch = &cp
	}
	if s.attachReq != nil {
		cp := *s.attachReq
		snap.Attach = &cp
	}
	return snap
}
