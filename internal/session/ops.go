package session

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/go-dap"

	dapclient "github.com/polybugger/polybugger-mcp/internal/dap"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// valuePreviewLimit bounds variable value previews.
const valuePreviewLimit = 256

// disconnectTimeout bounds the disconnect round trip during terminate.
const disconnectTimeout = 5 * time.Second

// Launch starts the debuggee. Valid only from CREATED; blocks until the
// session is RUNNING (or STOPPED for stopOnEntry) or fails.
func (s *Session) Launch(ctx context.Context, req types.LaunchRequest) error {
	s.touch()
	if req.Program == "" && req.Module == "" {
		return errors.InvalidArgument("either program or module must be specified").WithSession(s.id)
	}
	if req.Module != "" && s.language != types.LanguagePython {
		return errors.InvalidArgument("module launch is only supported for python").WithSession(s.id)
	}

	if !s.transition([]types.SessionState{types.StateCreated}, types.StateLaunching) {
		return errors.FailedPrecondition(s.State(), types.StateCreated).WithSession(s.id)
	}
	s.mu.Lock()
	s.launchReq = &req
	s.mu.Unlock()
	s.notifyChange()

	if !s.profile.SupportsStopOnEntry() {
		req.StopOnEntry = false
	}

	conn, err := s.profile.LaunchConn(ctx, req)
	if err != nil {
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}
	s.connect(conn)

	if err := s.handshake(req.StopOnException, func() (*dapclient.Pending, error) {
		return s.client.LaunchAsync(s.profile.LaunchArguments(req))
	}); err != nil {
		return err
	}

	s.transition([]types.SessionState{types.StateLaunching}, types.StateRunning)
	s.notifyChange()
	return nil
}

// Attach connects to an already-running target. Valid only from CREATED.
func (s *Session) Attach(ctx context.Context, req types.AttachRequest) error {
	s.touch()
	if req.Port == 0 && req.ProcessID == 0 {
		return errors.InvalidArgument("either port or processId must be specified").WithSession(s.id)
	}

	if !s.transition([]types.SessionState{types.StateCreated}, types.StateLaunching) {
		return errors.FailedPrecondition(s.State(), types.StateCreated).WithSession(s.id)
	}
	s.mu.Lock()
	s.attachReq = &req
	if req.ProcessID != 0 {
		s.attachedPID = req.ProcessID
	}
	s.mu.Unlock()
	s.notifyChange()

	conn, err := s.profile.AttachConn(ctx, req)
	if err != nil {
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}
	s.connect(conn)

	if err := s.handshake(false, func() (*dapclient.Pending, error) {
		return s.client.AttachAsync(s.profile.AttachArguments(req))
	}); err != nil {
		return err
	}

	s.transition([]types.SessionState{types.StateLaunching}, types.StateRunning)
	s.notifyChange()
	return nil
}

// handshake drives the shared post-connect sequence: initialize, send
// launch/attach, wait for initialized, replay breakpoints, exception
// filters, configurationDone, then the deferred launch/attach response.
func (s *Session) handshake(stopOnException bool, start func() (*dapclient.Pending, error)) error {
	if _, err := s.client.Initialize(s.profile.InitializeArguments()); err != nil {
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}

	pending, err := start()
	if err != nil {
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}

	if err := s.waitInitialized(initializedTimeout); err != nil {
		pending.Cancel()
		s.failLaunch()
		return err
	}

	// Replay the known breakpoint table in path order.
	s.mu.Lock()
	paths := make([]string, 0, len(s.breakpoints))
	for path := range s.breakpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	tables := make(map[string][]types.SourceBreakpoint, len(paths))
	for _, path := range paths {
		tables[path] = append([]types.SourceBreakpoint(nil), s.breakpoints[path]...)
	}
	s.mu.Unlock()

	for _, path := range paths {
		if _, err := s.sendBreakpoints(path, tables[path]); err != nil {
			s.log.V(1).Info("breakpoint replay failed", "path", path, "error", err)
		}
	}

	if err := s.client.SetExceptionBreakpoints(s.profile.ExceptionFilters(stopOnException)); err != nil {
		s.log.V(1).Info("setExceptionBreakpoints failed", "error", err)
	}

	if err := s.client.ConfigurationDone(); err != nil {
		pending.Cancel()
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}

	if _, err := pending.Await(dapclient.LaunchTimeout); err != nil {
		s.failLaunch()
		return errors.FromError(err).WithSession(s.id)
	}
	return nil
}

// failLaunch moves a failed launch into FAILED and tears the wire down.
func (s *Session) failLaunch() {
	if !s.transition([]types.SessionState{types.StateLaunching}, types.StateFailed) {
		return
	}
	s.notifyChange()
	s.mu.Lock()
	conn := s.conn
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.CancelAll()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.events.close()
}

// SetBreakpoints replaces the full set for one source path. Valid in any
// non-terminal state; with a live adapter it takes effect immediately.
func (s *Session) SetBreakpoints(path string, bps []types.SourceBreakpoint) ([]types.BoundBreakpoint, error) {
	s.touch()
	if path == "" {
		return nil, errors.InvalidArgument("source path is required").WithSession(s.id)
	}
	if err := s.requireState(types.StateCreated, types.StateLaunching, types.StateRunning, types.StateStopped); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(bps) == 0 {
		delete(s.breakpoints, path)
	} else {
		s.breakpoints[path] = append([]types.SourceBreakpoint(nil), bps...)
	}
	client := s.client
	live := client != nil && (s.state == types.StateRunning || s.state == types.StateStopped || s.state == types.StateLaunching)
	s.mu.Unlock()

	var bound []types.BoundBreakpoint
	var err error
	if live {
		bound, err = s.sendBreakpoints(path, bps)
		if err != nil {
			return nil, errors.FromError(err).WithSession(s.id)
		}
	} else {
		// No adapter yet; report the user's intent unverified.
		bound = make([]types.BoundBreakpoint, len(bps))
		for i, bp := range bps {
			bound[i] = types.BoundBreakpoint{Line: bp.Line}
		}
		s.mu.Lock()
		s.bound[path] = bound
		s.mu.Unlock()
	}

	s.notifyChange()
	return bound, nil
}

// sendBreakpoints pushes one path's set to the adapter and records the
// adapter-assigned bindings.
func (s *Session) sendBreakpoints(path string, bps []types.SourceBreakpoint) ([]types.BoundBreakpoint, error) {
	dapBps := make([]dap.SourceBreakpoint, len(bps))
	for i, bp := range bps {
		dapBps[i] = dap.SourceBreakpoint{
			Line:         bp.Line,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}
	results, err := s.client.SetBreakpoints(dap.Source{Path: path}, dapBps)
	if err != nil {
		return nil, err
	}

	bound := make([]types.BoundBreakpoint, len(results))
	for i, r := range results {
		line := r.Line
		if line == 0 && i < len(bps) {
			line = bps[i].Line
		}
		bound[i] = types.BoundBreakpoint{
			Line:     line,
			Verified: r.Verified,
			ID:       r.Id,
			Message:  r.Message,
		}
	}
	s.mu.Lock()
	if len(bound) == 0 {
		delete(s.bound, path)
	} else {
		s.bound[path] = bound
	}
	s.mu.Unlock()
	return bound, nil
}

// ClearBreakpoints removes breakpoints for one path, or all paths when
// path is empty. Returns the number of breakpoints removed.
func (s *Session) ClearBreakpoints(path string) (int, error) {
	s.touch()
	if err := s.requireState(types.StateCreated, types.StateLaunching, types.StateRunning, types.StateStopped); err != nil {
		return 0, err
	}

	s.mu.Lock()
	var paths []string
	count := 0
	if path != "" {
		count = len(s.breakpoints[path])
		if count > 0 {
			paths = []string{path}
		}
	} else {
		for p, bps := range s.breakpoints {
			count += len(bps)
			paths = append(paths, p)
		}
	}
	s.mu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		if _, err := s.SetBreakpoints(p, nil); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Breakpoints returns the user-intent breakpoint table.
func (s *Session) Breakpoints() map[string][]types.SourceBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]types.SourceBreakpoint, len(s.breakpoints))
	for path, bps := range s.breakpoints {
		out[path] = append([]types.SourceBreakpoint(nil), bps...)
	}
	return out
}

// Continue resumes execution. Requires STOPPED.
func (s *Session) Continue(threadID int) error {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return err
	}
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	if threadID == 0 {
		threadID = s.currentThread()
	}

	// Transition before the round trip: the adapter may stop again
	// before the continue response is processed.
	saved := s.StopContext()
	if !s.transition([]types.SessionState{types.StateStopped}, types.StateRunning) {
		return errors.FailedPrecondition(s.State(), types.StateStopped).WithSession(s.id)
	}
	s.events.append(types.EventContinued, map[string]any{"threadId": threadID})
	s.notifyChange()

	if _, err := client.Continue(threadID); err != nil {
		s.revertToStopped(saved)
		return errors.FromError(err).WithSession(s.id)
	}
	return nil
}

// revertToStopped undoes an optimistic RUNNING transition after a
// failed resume request, restoring the stop context.
func (s *Session) revertToStopped(saved *types.StopContext) {
	s.mu.Lock()
	if s.state == types.StateRunning {
		s.state = types.StateStopped
		s.stopCtx = saved
	}
	s.mu.Unlock()
}

// Step executes one step. Requires STOPPED; a stopped event follows when
// the step completes (the program may also terminate).
func (s *Session) Step(mode types.StepMode, threadID int) error {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return err
	}
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	current := s.currentThread()
	if threadID == 0 {
		threadID = current
	}
	if threadID == 0 {
		return errors.InvalidArgument("threadId is required for step").WithSession(s.id)
	}
	if threadID != current {
		threads, err := client.Threads()
		if err != nil {
			return errors.FromError(err).WithSession(s.id)
		}
		known := false
		for _, th := range threads {
			if th.Id == threadID {
				known = true
				break
			}
		}
		if !known {
			return errors.NotFound("thread", threadID).WithSession(s.id)
		}
	}

	switch mode {
	case types.StepOver, types.StepInto, types.StepOut:
	default:
		return errors.InvalidArgument("invalid step mode %q: use over, into, or out", mode).WithSession(s.id)
	}

	// As with continue, transition first: the step's stopped event can
	// beat the step response.
	saved := s.StopContext()
	if !s.transition([]types.SessionState{types.StateStopped}, types.StateRunning) {
		return errors.FailedPrecondition(s.State(), types.StateStopped).WithSession(s.id)
	}
	s.notifyChange()

	switch mode {
	case types.StepOver:
		err = client.Next(threadID)
	case types.StepInto:
		err = client.StepIn(threadID)
	case types.StepOut:
		err = client.StepOut(threadID)
	}
	if err != nil {
		s.revertToStopped(saved)
		return errors.FromError(err).WithSession(s.id)
	}
	return nil
}

// Pause interrupts execution. Requires RUNNING; a stopped event with
// reason pause follows.
func (s *Session) Pause(threadID int) error {
	s.touch()
	if err := s.requireState(types.StateRunning); err != nil {
		return err
	}
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	if threadID == 0 {
		threadID = 1
	}
	if err := client.Pause(threadID); err != nil {
		return errors.FromError(err).WithSession(s.id)
	}
	return nil
}

// currentThread returns the stop context's thread, or 0.
func (s *Session) currentThread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCtx == nil {
		return 0
	}
	return s.stopCtx.ThreadID
}

// Threads lists debuggee threads. Requires a live adapter.
func (s *Session) Threads() ([]dap.Thread, error) {
	s.touch()
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	threads, err := client.Threads()
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}
	return threads, nil
}

// StackTrace returns frames for a stopped thread.
func (s *Session) StackTrace(threadID, startFrame, levels int) ([]types.Frame, error) {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	if threadID == 0 {
		threadID = s.currentThread()
	}
	if levels <= 0 {
		levels = 20
	}

	frames, _, err := client.StackTrace(threadID, startFrame, levels)
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}

	out := make([]types.Frame, len(frames))
	for i, f := range frames {
		frame := types.Frame{
			ID:               f.Id,
			Name:             f.Name,
			Line:             f.Line,
			Column:           f.Column,
			PresentationHint: f.PresentationHint,
		}
		if f.Source != nil {
			frame.Path = f.Source.Path
		}
		out[i] = frame
	}

	// Remember the top frame for watch evaluation defaults.
	if startFrame == 0 && len(out) > 0 {
		s.mu.Lock()
		if s.stopCtx != nil && s.stopCtx.ThreadID == threadID {
			s.stopCtx.TopFrameID = out[0].ID
		}
		s.mu.Unlock()
	}
	return out, nil
}

// Scopes lists the scopes of a frame. Requires STOPPED.
func (s *Session) Scopes(frameID int) ([]types.Scope, error) {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	scopes, err := client.Scopes(frameID)
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}
	out := make([]types.Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = types.Scope{
			Name:               sc.Name,
			VariablesReference: sc.VariablesReference,
			Expensive:          sc.Expensive,
		}
	}
	return out, nil
}

// Variables expands a variablesReference. Requires STOPPED. Value
// previews are bounded.
func (s *Session) Variables(ref int, filter string, start, count int) ([]types.Variable, error) {
	s.touch()
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	vars, err := client.Variables(ref, filter, start, count)
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}
	out := make([]types.Variable, len(vars))
	for i, v := range vars {
		hint := ""
		if v.PresentationHint != nil {
			hint = v.PresentationHint.Kind
		}
		out[i] = types.Variable{
			Name:               v.Name,
			Value:              truncate(v.Value, valuePreviewLimit),
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
			PresentationHint:   hint,
		}
	}
	return out, nil
}

// Evaluate evaluates an expression. Requires STOPPED. Context must be
// watch, repl, or hover.
func (s *Session) Evaluate(expression string, frameID int, context string) (*types.EvaluateResult, error) {
	s.touch()
	if expression == "" {
		return nil, errors.InvalidArgument("expression is required").WithSession(s.id)
	}
	switch context {
	case "":
		context = "repl"
	case "watch", "repl", "hover":
	default:
		return nil, errors.InvalidArgument("invalid context %q: use watch, repl, or hover", context).WithSession(s.id)
	}
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	if frameID == 0 {
		frameID = s.topFrameID()
	}

	body, err := client.Evaluate(expression, frameID, context)
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}
	return &types.EvaluateResult{
		Result:             truncate(body.Result, valuePreviewLimit),
		Type:               body.Type,
		VariablesReference: body.VariablesReference,
	}, nil
}

// topFrameID resolves the stop context's top frame, fetching a one-frame
// stack when it has not been cached yet.
func (s *Session) topFrameID() int {
	s.mu.Lock()
	ctx := s.stopCtx
	var cached int
	if ctx != nil {
		cached = ctx.TopFrameID
	}
	threadID := 0
	if ctx != nil {
		threadID = ctx.ThreadID
	}
	client := s.client
	s.mu.Unlock()

	if cached != 0 || client == nil || threadID == 0 {
		return cached
	}
	frames, _, err := client.StackTrace(threadID, 0, 1)
	if err != nil || len(frames) == 0 {
		return 0
	}
	s.mu.Lock()
	if s.stopCtx != nil && s.stopCtx.ThreadID == threadID {
		s.stopCtx.TopFrameID = frames[0].Id
	}
	s.mu.Unlock()
	return frames[0].Id
}

// CallChain returns frames with an inline source context window for each.
// Requires STOPPED.
func (s *Session) CallChain(threadID, max, contextLines int) ([]types.ChainFrame, error) {
	s.touch()
	if max <= 0 {
		max = 20
	}
	if contextLines <= 0 {
		contextLines = 2
	}
	frames, err := s.StackTrace(threadID, 0, max)
	if err != nil {
		return nil, err
	}

	chain := make([]types.ChainFrame, len(frames))
	for i, f := range frames {
		cf := types.ChainFrame{
			Depth:    i,
			Function: f.Name,
			Path:     f.Path,
			Line:     f.Line,
		}
		if f.Path != "" {
			cf.Context = s.sourceContext(f.Path, f.Line, contextLines)
		}
		chain[i] = cf
	}
	return chain, nil
}

// sourceContext reads a ±n line window around line, via the LRU cache.
func (s *Session) sourceContext(path string, line, n int) []string {
	lines, ok := s.srcCache.Get(path)
	if !ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lines = strings.Split(string(data), "\n")
		s.srcCache.Add(path, lines)
	}

	start := line - 1 - n
	if start < 0 {
		start = 0
	}
	end := line - 1 + n
	if end >= len(lines) {
		end = len(lines) - 1
	}
	if start > end {
		return nil
	}
	return append([]string(nil), lines[start:end+1]...)
}

// PollEvents returns events at or after since, optionally blocking up to
// wait for the first record.
func (s *Session) PollEvents(since uint64, max int, wait time.Duration) ([]types.EventRecord, uint64, uint64) {
	s.touch()
	return s.events.poll(since, max, wait)
}

// GetOutput returns output records at or after since.
func (s *Session) GetOutput(stream types.OutputStream, since uint64, max int) ([]types.OutputRecord, uint64, uint64) {
	s.touch()
	return s.output.get(stream, since, max)
}

// AppendOutput lets owners (e.g. the container bridge) inject output.
func (s *Session) AppendOutput(stream types.OutputStream, content string) {
	s.output.append(stream, content)
}

// Terminate ends the session. Idempotent; the state is TERMINATED
// regardless of how the adapter responds.
func (s *Session) Terminate() error {
	s.touch()

	s.mu.Lock()
	if s.state == types.StateTerminated {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	conn := s.conn
	fw := s.forward
	s.forward = nil
	s.state = types.StateTerminated
	s.stopCtx = nil
	s.mu.Unlock()

	if client != nil {
		client.CancelAll()
		_ = client.Disconnect(true, disconnectTimeout)
		_ = client.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if fw != nil {
		_ = fw.Close()
	}

	s.events.append(types.EventTerminated, nil)
	s.notifyChange()
	s.events.close()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
