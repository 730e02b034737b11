// Package session implements the debug session broker core: the
// per-session state machine, the event pump and output buffer, the
// watch list, and the process-wide registry.
//
// A session owns its transport, DAP client, buffers, breakpoint table,
// watch list, and stop context. The registry owns sessions. All public
// operations are safe for concurrent use; no lock is held across a DAP
// request.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polybugger/polybugger-mcp/internal/adapters"
	dapclient "github.com/polybugger/polybugger-mcp/internal/dap"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/transport"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// initializedTimeout bounds the wait for the adapter's initialized event.
const initializedTimeout = 10 * time.Second

// sourceCacheSize bounds the per-session cache of source file lines used
// for call-chain context windows.
const sourceCacheSize = 64

// PortForward is a container port forward owned by the session, torn
// down on terminate.
type PortForward interface {
	Descriptor() types.ForwardedPort
	Close() error
}

// Session is one debugging conversation with one adapter.
type Session struct {
	id          string
	language    types.Language
	projectRoot string
	name        string
	pythonPath  string
	profile     adapters.Profile
	log         logr.Logger

	mu           sync.Mutex
	state        types.SessionState
	breakpoints  map[string][]types.SourceBreakpoint
	bound        map[string][]types.BoundBreakpoint
	watches      []*types.Watch
	watchSeq     int
	stopCtx      *types.StopContext
	createdAt    time.Time
	lastActivity time.Time
	attachedPID  int
	forward      PortForward
	launchReq    *types.LaunchRequest
	attachReq    *types.AttachRequest

	conn   *adapters.Conn
	client *dapclient.Client

	events *eventQueue
	output *outputBuffer

	initOnce    sync.Once
	initialized chan struct{}

	srcCache *lru.Cache[string, []string]

	// onChange fires after state transitions and breakpoint changes so
	// the persistence layer can snapshot.
	onChange func(*Session)
}

func newSession(id string, lang types.Language, projectRoot, name, pythonPath string, profile adapters.Profile, log logr.Logger) *Session {
	cache, _ := lru.New[string, []string](sourceCacheSize)
	now := time.Now().UTC()
	return &Session{
		id:           id,
		language:     lang,
		projectRoot:  projectRoot,
		name:         name,
		pythonPath:   pythonPath,
		profile:      profile,
		log:          log,
		state:        types.StateCreated,
		breakpoints:  make(map[string][]types.SourceBreakpoint),
		bound:        make(map[string][]types.BoundBreakpoint),
		createdAt:    now,
		lastActivity: now,
		events:       newEventQueue(0),
		output:       newOutputBuffer(0, 0),
		initialized:  make(chan struct{}),
		srcCache:     cache,
	}
}

// ID returns the session's stable id.
func (s *Session) ID() string { return s.id }

// Language returns the session's language tag.
func (s *Session) Language() types.Language { return s.language }

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Descriptor returns the registry view of the session.
func (s *Session) Descriptor() types.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc := types.SessionDescriptor{
		ID:           s.id,
		Language:     s.language,
		ProjectRoot:  s.projectRoot,
		Name:         s.name,
		PythonPath:   s.pythonPath,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		AttachedPID:  s.attachedPID,
		Persisted:    s.onChange != nil,
	}
	if s.forward != nil {
		fp := s.forward.Descriptor()
		desc.ForwardedPort = &fp
	}
	return desc
}

// StopContext returns a copy of the current stop context, or nil.
func (s *Session) StopContext() *types.StopContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCtx == nil {
		return nil
	}
	cp := *s.stopCtx
	return &cp
}

// SetPortForward hands the session ownership of a container port forward.
func (s *Session) SetPortForward(fw PortForward) {
	s.mu.Lock()
	s.forward = fw
	s.mu.Unlock()
}

// touch updates last-activity; called at the top of every public op.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) notifyChange() {
	if s.onChange != nil {
		s.onChange(s)
	}
}

// requireState fails with FailedPrecondition unless the current state is
// one of the allowed states.
func (s *Session) requireState(allowed ...types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return errors.FailedPrecondition(s.state, allowed...).WithSession(s.id)
}

// activeClient returns the client when the adapter conversation is live.
func (s *Session) activeClient() (*dapclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.state.Terminal() || s.state == types.StateCreated {
		return nil, errors.FailedPrecondition(s.state, types.StateRunning, types.StateStopped).WithSession(s.id)
	}
	return s.client, nil
}

// transition moves the state machine, returning false for a no-op.
// Callers hold no lock.
func (s *Session) transition(from []types.SessionState, to types.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(from, to)
}

func (s *Session) transitionLocked(from []types.SessionState, to types.SessionState) bool {
	for _, f := range from {
		if s.state == f {
			s.state = to
			if to != types.StateStopped {
				s.stopCtx = nil
			}
			return true
		}
	}
	return false
}

// --- Adapter conversation setup ---

// connect wires a fresh Conn into the session: stderr drain, exit
// observer, event handler, reader loop.
func (s *Session) connect(conn *adapters.Conn) {
	if child, ok := conn.Transport.(*transport.ChildTransport); ok {
		child.SetStderrHandler(func(line string) {
			s.output.append(types.StreamAdapterStderr, line+"\n")
		})
	}

	client := dapclient.NewClient(conn.Transport, s.log.WithName("dap"))
	client.SetEventHandler(s.handleEvent)
	client.SetDisconnectHandler(s.handleDisconnect)

	s.mu.Lock()
	s.conn = conn
	s.client = client
	if pid := conn.PID(); pid > 0 {
		s.attachedPID = pid
	}
	s.mu.Unlock()

	client.Start()
}

// waitInitialized blocks for the adapter's initialized event.
func (s *Session) waitInitialized(timeout time.Duration) error {
	select {
	case <-s.initialized:
		return nil
	case <-time.After(timeout):
		return errors.Timeout("initialized", timeout.Seconds()).WithSession(s.id)
	}
}

// --- Event pump ---

// handleEvent runs on the client's reader goroutine and writes the event
// queue, output buffer, and stop context. It is not their only writer:
// Continue, Terminate, and the stack-trace path also write them, under
// the same locks. It must never issue a DAP request (the response would
// be read by this same goroutine).
func (s *Session) handleEvent(ev dap.EventMessage) {
	switch e := ev.(type) {
	case *dap.InitializedEvent:
		s.initOnce.Do(func() { close(s.initialized) })

	case *dap.StoppedEvent:
		s.onStopped(e)

	case *dap.ContinuedEvent:
		if s.transition([]types.SessionState{types.StateStopped}, types.StateRunning) {
			s.events.append(types.EventContinued, map[string]any{
				"threadId":            e.Body.ThreadId,
				"allThreadsContinued": e.Body.AllThreadsContinued,
			})
			s.notifyChange()
		}

	case *dap.TerminatedEvent:
		s.onTerminated()

	case *dap.ExitedEvent:
		s.events.append(types.EventExited, map[string]any{"exitCode": e.Body.ExitCode})

	case *dap.ThreadEvent:
		s.events.append(types.EventThread, map[string]any{
			"reason":   e.Body.Reason,
			"threadId": e.Body.ThreadId,
		})

	case *dap.OutputEvent:
		s.onOutput(e)

	case *dap.BreakpointEvent:
		s.events.append(types.EventBreakpointChanged, map[string]any{
			"reason":   e.Body.Reason,
			"id":       e.Body.Breakpoint.Id,
			"verified": e.Body.Breakpoint.Verified,
			"line":     e.Body.Breakpoint.Line,
		})

	case *dap.ModuleEvent:
		s.events.append(types.EventModule, map[string]any{
			"reason": e.Body.Reason,
			"name":   e.Body.Module.Name,
		})

	default:
		s.log.V(1).Info("ignoring event", "event", ev.GetEvent().Event)
	}
}

func (s *Session) onStopped(e *dap.StoppedEvent) {
	ctx := &types.StopContext{
		ThreadID:         e.Body.ThreadId,
		Reason:           normalizeStopReason(e.Body.Reason),
		Description:      e.Body.Description,
		HitBreakpointIDs: e.Body.HitBreakpointIds,
	}

	s.mu.Lock()
	moved := s.transitionLocked([]types.SessionState{types.StateRunning, types.StateLaunching, types.StateStopped}, types.StateStopped)
	if moved {
		s.stopCtx = ctx
	}
	s.mu.Unlock()
	if !moved {
		return
	}

	s.events.append(types.EventStopped, map[string]any{
		"reason":            string(ctx.Reason),
		"threadId":          ctx.ThreadID,
		"description":       ctx.Description,
		"hitBreakpointIds":  ctx.HitBreakpointIDs,
		"allThreadsStopped": e.Body.AllThreadsStopped,
	})
	s.notifyChange()

	// Watches re-evaluate on every stop. This needs DAP round trips, so
	// it cannot run on the reader goroutine.
	if s.watchCount() > 0 {
		go s.refreshWatches()
	}
}

func normalizeStopReason(reason string) types.StopReason {
	switch {
	case strings.Contains(reason, "breakpoint"):
		return types.StopReasonBreakpoint
	case strings.Contains(reason, "step"):
		return types.StopReasonStep
	case strings.Contains(reason, "pause"):
		return types.StopReasonPause
	case strings.Contains(reason, "exception"):
		return types.StopReasonException
	case strings.Contains(reason, "entry"):
		return types.StopReasonEntry
	default:
		return types.StopReason(reason)
	}
}

func (s *Session) onOutput(e *dap.OutputEvent) {
	stream := types.StreamConsole
	switch e.Body.Category {
	case "stdout":
		stream = types.StreamStdout
	case "stderr":
		stream = types.StreamStderr
	case "telemetry":
		stream = types.StreamTelemetry
	}
	s.output.append(stream, e.Body.Output)

	// A coalesced marker wakes pollers without letting a verbose
	// debuggee flood the event queue.
	if s.events.lastKind() != types.EventOutputAvailable {
		s.events.append(types.EventOutputAvailable, nil)
	}
}

func (s *Session) onTerminated() {
	s.mu.Lock()
	moved := s.transitionLocked([]types.SessionState{
		types.StateCreated, types.StateLaunching, types.StateRunning, types.StateStopped,
	}, types.StateTerminated)
	conn := s.conn
	fw := s.forward
	s.forward = nil
	s.mu.Unlock()
	if !moved {
		return
	}

	s.events.append(types.EventTerminated, nil)
	s.notifyChange()
	s.events.close()

	if fw != nil {
		_ = fw.Close()
	}
	if conn != nil {
		// The reader goroutine delivered this event; close elsewhere.
		go func() { _ = conn.Close() }()
	}
}

// handleDisconnect fires when the transport dies underneath us: adapter
// exit during LAUNCHING means FAILED, during RUNNING/STOPPED means
// TERMINATED with a synthetic terminated event for pollers.
func (s *Session) handleDisconnect(cause error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case types.StateLaunching, types.StateCreated:
		if s.transition([]types.SessionState{types.StateLaunching, types.StateCreated}, types.StateFailed) {
			payload := map[string]any{}
			if cause != nil {
				payload["error"] = cause.Error()
			}
			s.events.append(types.EventFailure, payload)
			s.notifyChange()
			s.events.close()
		}
	case types.StateRunning, types.StateStopped:
		s.onTerminated()
	}
}

func (s *Session) watchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}
