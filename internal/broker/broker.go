// Package broker is the front-end shim: it maps the uniform tool API
// onto session operations and is shared by the MCP and HTTP surfaces.
// Results are plain JSON-shaped maps so both fronts stay thin.
package broker

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/adapters"
	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/container"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/persist"
	"github.com/polybugger/polybugger-mcp/internal/session"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// Broker owns the registry, persistence store, and container bridge.
type Broker struct {
	cfg      *config.Config
	registry *session.Registry
	store    *persist.Store
	bridge   *container.Bridge
	log      logr.Logger
}

// New wires the broker together: profiles, registry, persistence
// write-through, and the container bridge.
func New(cfg *config.Config, log logr.Logger) (*Broker, error) {
	store, err := persist.NewStore(cfg.DataDir, log.WithName("persist"))
	if err != nil {
		return nil, err
	}

	profiles := adapters.NewRegistry(cfg)
	registry := session.NewRegistry(profiles, cfg.MaxSessions, cfg.SessionTimeout, log)

	b := &Broker{
		cfg:      cfg,
		registry: registry,
		store:    store,
		bridge:   container.NewBridge(cfg, log.WithName("container")),
		log:      log,
	}

	registry.SetChangeHandler(func(s *session.Session) {
		snap := s.Snapshot()
		if err := store.Save(persist.Record{
			ID:          snap.ID,
			Language:    snap.Language,
			ProjectRoot: snap.ProjectRoot,
			Name:        snap.Name,
			PythonPath:  snap.PythonPath,
			State:       snap.State,
			CreatedAt:   snap.CreatedAt,
			Breakpoints: snap.Breakpoints,
			Watches:     snap.Watches,
			Launch:      snap.Launch,
			Attach:      snap.Attach,
		}); err != nil {
			log.V(1).Info("session snapshot failed", "session", snap.ID, "error", err)
		}
	})
	registry.SetRemoveHandler(func(id string) {
		if err := store.Remove(id); err != nil {
			log.V(1).Info("session file removal failed", "session", id, "error", err)
		}
	})

	return b, nil
}

// Close shuts down every session.
func (b *Broker) Close() { b.registry.Close() }

// Registry exposes the session registry to the fronts that need direct
// event access (websocket streaming).
func (b *Broker) Registry() *session.Registry { return b.registry }

// --- Session management ---

// CreateSession adds a session in CREATED.
func (b *Broker) CreateSession(lang types.Language, projectRoot, name, pythonPath string) (map[string]any, error) {
	if projectRoot == "" {
		return nil, errors.InvalidArgument("project_root is required")
	}
	s, err := b.registry.Create(session.CreateOptions{
		Language:    lang,
		ProjectRoot: projectRoot,
		Name:        name,
		PythonPath:  pythonPath,
	})
	if err != nil {
		return nil, err
	}
	desc := s.Descriptor()
	return map[string]any{
		"session_id":   desc.ID,
		"language":     string(desc.Language),
		"project_root": desc.ProjectRoot,
		"name":         desc.Name,
		"state":        string(desc.State),
	}, nil
}

// ListLanguages enumerates the supported language tags.
func (b *Broker) ListLanguages() map[string]any {
	langs := types.Languages()
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = string(l)
	}
	return map[string]any{"languages": out, "default": string(types.LanguagePython)}
}

// ListSessions snapshots the registry.
func (b *Broker) ListSessions() map[string]any {
	sessions := b.registry.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, descriptorMap(s))
	}
	return map[string]any{"sessions": out, "total": len(out)}
}

// GetSession returns one session's descriptor and stop context.
func (b *Broker) GetSession(id string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	out := descriptorMap(s)
	if ctx := s.StopContext(); ctx != nil {
		out["stop_context"] = map[string]any{
			"thread_id": ctx.ThreadID,
			"reason":    string(ctx.Reason),
			"top_frame": ctx.TopFrameID,
		}
	}
	return out, nil
}

func descriptorMap(s *session.Session) map[string]any {
	desc := s.Descriptor()
	out := map[string]any{
		"session_id":    desc.ID,
		"language":      string(desc.Language),
		"project_root":  desc.ProjectRoot,
		"state":         string(desc.State),
		"created_at":    desc.CreatedAt.Format(time.RFC3339),
		"last_activity": desc.LastActivity.Format(time.RFC3339),
	}
	if desc.Name != "" {
		out["name"] = desc.Name
	}
	if desc.PythonPath != "" {
		out["python_path"] = desc.PythonPath
	}
	if desc.AttachedPID != 0 {
		out["pid"] = desc.AttachedPID
	}
	if desc.ForwardedPort != nil {
		out["forwarded_port"] = desc.ForwardedPort
	}
	return out
}

// TerminateSession terminates a session; idempotent. The persisted
// record is removed so the session is not re-announced after restart.
func (b *Broker) TerminateSession(id string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Terminate(); err != nil {
		return nil, err
	}
	if err := b.store.Remove(id); err != nil {
		b.log.V(1).Info("failed to remove persisted session", "session", id, "error", err)
	}
	return map[string]any{"session_id": id, "status": "terminated"}, nil
}

// --- Breakpoints ---

// SetBreakpoints replaces the set for one path.
func (b *Broker) SetBreakpoints(id, path string, bps []types.SourceBreakpoint) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	bound, err := s.SetBreakpoints(path, bps)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file": path, "breakpoints": bound}, nil
}

// GetBreakpoints returns the per-file breakpoint table (user intent).
func (b *Broker) GetBreakpoints(id string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": s.Breakpoints()}, nil
}

// ClearBreakpoints clears one path or all.
func (b *Broker) ClearBreakpoints(id, path string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	count, err := s.ClearBreakpoints(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "cleared", "removed": count}, nil
}

// --- Execution ---

// Launch starts the debuggee.
func (b *Broker) Launch(ctx context.Context, id string, req types.LaunchRequest) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Launch(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": id,
		"status":     "launched",
		"state":      string(s.State()),
	}, nil
}

// Attach connects to a running target.
func (b *Broker) Attach(ctx context.Context, id string, req types.AttachRequest) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": id,
		"status":     "attached",
		"state":      string(s.State()),
	}, nil
}

// Continue resumes execution.
func (b *Broker) Continue(id string, threadID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Continue(threadID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "continued", "state": string(s.State())}, nil
}

// Step executes one step of the given mode.
func (b *Broker) Step(id string, mode types.StepMode, threadID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Step(mode, threadID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "stepping", "mode": string(mode)}, nil
}

// Pause interrupts a running session.
func (b *Broker) Pause(id string, threadID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Pause(threadID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "pausing"}, nil
}

// --- Inspection ---

// StackTrace returns frames for a thread.
func (b *Broker) StackTrace(id string, threadID, startFrame, levels int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	frames, err := s.StackTrace(threadID, startFrame, levels)
	if err != nil {
		return nil, err
	}
	return map[string]any{"frames": frames, "total": len(frames)}, nil
}

// Scopes returns the scopes of a frame.
func (b *Broker) Scopes(id string, frameID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	scopes, err := s.Scopes(frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scopes": scopes}, nil
}

// Variables expands a variablesReference.
func (b *Broker) Variables(id string, ref int, filter string, start, count int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	vars, err := s.Variables(ref, filter, start, count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"variables": vars}, nil
}

// Evaluate evaluates an expression.
func (b *Broker) Evaluate(id, expression string, frameID int, context string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	res, err := s.Evaluate(expression, frameID, context)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"expression":          expression,
		"result":              res.Result,
		"type":                res.Type,
		"variables_reference": res.VariablesReference,
	}, nil
}

// SmartInspect renders a structured preview of a value.
func (b *Broker) SmartInspect(id, expression string, ref, frameID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	res, err := s.SmartInspect(expression, ref, frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"inspection": res}, nil
}

// CallChain returns frames with inline source context.
func (b *Broker) CallChain(id string, threadID, max, contextLines int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	chain, err := s.CallChain(threadID, max, contextLines)
	if err != nil {
		return nil, err
	}
	return map[string]any{"call_chain": chain, "total_frames": len(chain)}, nil
}

// --- Watches ---

// WatchAdd registers a watch expression.
func (b *Broker) WatchAdd(id, expression string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	w, err := s.WatchAdd(expression)
	if err != nil {
		return nil, err
	}
	return map[string]any{"watch": w}, nil
}

// WatchRemove deletes a watch.
func (b *Broker) WatchRemove(id, watchID string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.WatchRemove(watchID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "removed", "watch_id": watchID}, nil
}

// WatchList returns all watches with last results.
func (b *Broker) WatchList(id string) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"watches": s.WatchList()}, nil
}

// WatchEvalAll evaluates every watch in a frame.
func (b *Broker) WatchEvalAll(id string, frameID int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	results, err := s.WatchEvalAll(frameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

// --- Events and output ---

// PollEvents drains event records, optionally blocking for the first.
func (b *Broker) PollEvents(id string, since uint64, max int, waitMS int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	recs, next, dropped := s.PollEvents(since, max, time.Duration(waitMS)*time.Millisecond)
	return map[string]any{
		"events":        recs,
		"next_offset":   next,
		"dropped":       dropped,
		"session_state": string(s.State()),
	}, nil
}

// GetOutput returns buffered debuggee output.
func (b *Broker) GetOutput(id string, stream types.OutputStream, since uint64, max int) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	recs, next, dropped := s.GetOutput(stream, since, max)
	return map[string]any{
		"output":      recs,
		"next_offset": next,
		"dropped":     dropped,
	}, nil
}

// --- Recovery ---

// ListRecoverable scans the persistence directory.
func (b *Broker) ListRecoverable() map[string]any {
	records := b.store.List()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		bpCount := 0
		for _, bps := range rec.Breakpoints {
			bpCount += len(bps)
		}
		out = append(out, map[string]any{
			"session_id":       rec.ID,
			"name":             rec.Name,
			"language":         string(rec.Language),
			"project_root":     rec.ProjectRoot,
			"previous_state":   string(rec.State),
			"saved_at":         rec.SavedAt.Format(time.RFC3339),
			"breakpoint_count": bpCount,
			"watch_count":      len(rec.Watches),
		})
	}
	return map[string]any{"sessions": out, "total": len(out)}
}

// RecoverSession re-instantiates a persisted session in CREATED with its
// stored breakpoints and watches, ready to re-launch or re-attach.
func (b *Broker) RecoverSession(id string) (map[string]any, error) {
	rec, err := b.store.Load(id)
	if err != nil {
		return nil, err
	}
	s, err := b.registry.Recover(rec.ID, session.CreateOptions{
		Language:    rec.Language,
		ProjectRoot: rec.ProjectRoot,
		Name:        rec.Name,
		PythonPath:  rec.PythonPath,
	}, rec.Breakpoints, rec.Watches)
	if err != nil {
		return nil, err
	}

	bpCount := 0
	for _, bps := range rec.Breakpoints {
		bpCount += len(bps)
	}
	return map[string]any{
		"session_id":           s.ID(),
		"state":                string(s.State()),
		"breakpoints_restored": bpCount,
		"watches_restored":     len(rec.Watches),
	}, nil
}

// --- Containers and processes ---

// ListProcesses lists processes inside a container, or on the host when
// runtime is empty.
func (b *Broker) ListProcesses(ctx context.Context, runtime, containerName, namespace, podContainer string, lang types.Language) (map[string]any, error) {
	if lang == "" {
		lang = types.LanguagePython
	}
	var (
		procs []types.ProcessInfo
		err   error
	)
	if runtime == "" {
		procs, err = container.ListHostProcesses(ctx, lang)
	} else {
		procs, err = b.bridge.ListProcesses(ctx, runtime, container.Target{
			Container:    containerName,
			Namespace:    namespace,
			PodContainer: podContainer,
		}, lang)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"processes": procs, "total": len(procs)}, nil
}

// ContainerAttach injects the debug stub into a containerised process,
// forwards a port, and attaches the session over it.
func (b *Broker) ContainerAttach(ctx context.Context, id, runtime, containerName, namespace, podContainer string, pid int, mappings []types.PathMapping) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}

	target := container.Target{Container: containerName, Namespace: namespace, PodContainer: podContainer}
	endpoint, err := b.bridge.AttachInContainer(ctx, runtime, target, pid, s.Language())
	if err != nil {
		return nil, err
	}
	s.SetPortForward(endpoint.Forward)

	if err := s.Attach(ctx, types.AttachRequest{
		Host:         endpoint.Host,
		Port:         endpoint.Port,
		ProcessID:    pid,
		PathMappings: mappings,
	}); err != nil {
		_ = endpoint.Forward.Close()
		return nil, err
	}
	return map[string]any{
		"session_id": id,
		"status":     "attached",
		"state":      string(s.State()),
		"container":  containerName,
		"runtime":    runtime,
		"process_id": pid,
		"endpoint":   map[string]any{"host": endpoint.Host, "port": endpoint.Port},
	}, nil
}

// ContainerLaunch starts a program under the debug stub inside a
// container and attaches to it.
func (b *Broker) ContainerLaunch(ctx context.Context, id, runtime, containerName, namespace, podContainer, program string, args []string, env map[string]string, workdir string, mappings []types.PathMapping) (map[string]any, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if program == "" {
		return nil, errors.InvalidArgument("program is required")
	}

	target := container.Target{Container: containerName, Namespace: namespace, PodContainer: podContainer}
	endpoint, err := b.bridge.LaunchInContainer(ctx, runtime, target, program, args, env, workdir, s.Language())
	if err != nil {
		return nil, err
	}
	s.SetPortForward(endpoint.Forward)

	if err := s.Attach(ctx, types.AttachRequest{
		Host:         endpoint.Host,
		Port:         endpoint.Port,
		PathMappings: mappings,
	}); err != nil {
		_ = endpoint.Forward.Close()
		return nil, err
	}
	return map[string]any{
		"session_id": id,
		"status":     "launched",
		"state":      string(s.State()),
		"container":  containerName,
		"runtime":    runtime,
		"program":    program,
		"endpoint":   map[string]any{"host": endpoint.Host, "port": endpoint.Port},
	}, nil
}
