package session

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/adapters"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// memTransport is the client half of an in-memory wire; the fake adapter
// reads what the session sends and pushes responses/events back.
type memTransport struct {
	toAdapter chan dap.Message
	toClient  chan dap.Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newMemTransport() *memTransport {
	return &memTransport{
		toAdapter: make(chan dap.Message, 128),
		toClient:  make(chan dap.Message, 128),
		done:      make(chan struct{}),
	}
}

func (t *memTransport) Send(msg dap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return stderrors.New("transport closed")
	}
	t.toAdapter <- msg
	return nil
}

func (t *memTransport) Receive() (dap.Message, error) {
	select {
	case msg := <-t.toClient:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// fakeAdapter speaks just enough DAP to drive the session handshake and
// the inspection operations used in tests.
type fakeAdapter struct {
	tr *memTransport

	mu          sync.Mutex
	seq         int
	breakpoints map[string][]dap.SourceBreakpoint
	// dieOnInitialize simulates the adapter crashing before init.
	dieOnInitialize bool
	// nextBreakpointID numbers adapter-assigned breakpoint ids.
	nextBreakpointID int
	launchSeq        int
	threads          []dap.Thread
	frames           []dap.StackFrame
	variables        map[int][]dap.Variable
	evalResults      map[string]dap.EvaluateResponseBody
	evalErrors       map[string]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		tr:               newMemTransport(),
		breakpoints:      make(map[string][]dap.SourceBreakpoint),
		nextBreakpointID: 1,
		threads:          []dap.Thread{{Id: 1, Name: "main"}},
		variables:        make(map[int][]dap.Variable),
		evalResults:      make(map[string]dap.EvaluateResponseBody),
		evalErrors:       make(map[string]string),
	}
}

func (f *fakeAdapter) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeAdapter) push(msg dap.Message) {
	select {
	case f.tr.toClient <- msg:
	case <-f.tr.done:
	}
}

func (f *fakeAdapter) response(requestSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: f.nextSeq(), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         true,
		Command:         command,
	}
}

func (f *fakeAdapter) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: f.nextSeq(), Type: "event"},
		Event:           name,
	}
}

func (f *fakeAdapter) sendStopped(reason string, threadID int) {
	f.push(&dap.StoppedEvent{
		Event: f.event("stopped"),
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: threadID, AllThreadsStopped: true},
	})
}

func (f *fakeAdapter) sendOutput(category, text string) {
	f.push(&dap.OutputEvent{
		Event: f.event("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text},
	})
}

func (f *fakeAdapter) sendTerminated() {
	f.push(&dap.TerminatedEvent{Event: f.event("terminated")})
}

// run services requests until the transport closes.
func (f *fakeAdapter) run() {
	for {
		select {
		case msg := <-f.tr.toAdapter:
			f.handle(msg)
		case <-f.tr.done:
			return
		}
	}
}

func (f *fakeAdapter) handle(msg dap.Message) {
	switch m := msg.(type) {
	case *dap.InitializeRequest:
		if f.dieOnInitialize {
			_ = f.tr.Close()
			return
		}
		f.push(&dap.InitializeResponse{
			Response: f.response(m.Seq, "initialize"),
			Body:     dap.Capabilities{SupportsConfigurationDoneRequest: true},
		})

	case *dap.LaunchRequest:
		f.mu.Lock()
		f.launchSeq = m.Seq
		f.mu.Unlock()
		f.push(&dap.InitializedEvent{Event: f.event("initialized")})

	case *dap.AttachRequest:
		f.mu.Lock()
		f.launchSeq = m.Seq
		f.mu.Unlock()
		f.push(&dap.InitializedEvent{Event: f.event("initialized")})

	case *dap.SetBreakpointsRequest:
		f.mu.Lock()
		f.breakpoints[m.Arguments.Source.Path] = m.Arguments.Breakpoints
		bound := make([]dap.Breakpoint, len(m.Arguments.Breakpoints))
		for i, bp := range m.Arguments.Breakpoints {
			bound[i] = dap.Breakpoint{Id: f.nextBreakpointID, Verified: true, Line: bp.Line}
			f.nextBreakpointID++
		}
		f.mu.Unlock()
		f.push(&dap.SetBreakpointsResponse{
			Response: f.response(m.Seq, "setBreakpoints"),
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: bound},
		})

	case *dap.SetExceptionBreakpointsRequest:
		f.push(&dap.SetExceptionBreakpointsResponse{
			Response: f.response(m.Seq, "setExceptionBreakpoints"),
		})

	case *dap.ConfigurationDoneRequest:
		f.push(&dap.ConfigurationDoneResponse{Response: f.response(m.Seq, "configurationDone")})
		f.mu.Lock()
		launchSeq := f.launchSeq
		f.mu.Unlock()
		if launchSeq != 0 {
			f.push(&dap.LaunchResponse{Response: f.response(launchSeq, "launch")})
		}

	case *dap.ThreadsRequest:
		f.mu.Lock()
		threads := append([]dap.Thread(nil), f.threads...)
		f.mu.Unlock()
		f.push(&dap.ThreadsResponse{
			Response: f.response(m.Seq, "threads"),
			Body:     dap.ThreadsResponseBody{Threads: threads},
		})

	case *dap.StackTraceRequest:
		f.mu.Lock()
		frames := append([]dap.StackFrame(nil), f.frames...)
		f.mu.Unlock()
		f.push(&dap.StackTraceResponse{
			Response: f.response(m.Seq, "stackTrace"),
			Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: len(frames)},
		})

	case *dap.ScopesRequest:
		f.push(&dap.ScopesResponse{
			Response: f.response(m.Seq, "scopes"),
			Body: dap.ScopesResponseBody{Scopes: []dap.Scope{
				{Name: "Locals", VariablesReference: 100},
			}},
		})

	case *dap.VariablesRequest:
		f.mu.Lock()
		vars := append([]dap.Variable(nil), f.variables[m.Arguments.VariablesReference]...)
		f.mu.Unlock()
		f.push(&dap.VariablesResponse{
			Response: f.response(m.Seq, "variables"),
			Body:     dap.VariablesResponseBody{Variables: vars},
		})

	case *dap.EvaluateRequest:
		f.mu.Lock()
		errMsg, hasErr := f.evalErrors[m.Arguments.Expression]
		body, hasBody := f.evalResults[m.Arguments.Expression]
		f.mu.Unlock()
		if hasErr {
			resp := f.response(m.Seq, "evaluate")
			resp.Success = false
			f.push(&dap.ErrorResponse{
				Response: resp,
				Body:     dap.ErrorResponseBody{Error: &dap.ErrorMessage{Format: errMsg}},
			})
			return
		}
		if !hasBody {
			body = dap.EvaluateResponseBody{Result: "None"}
		}
		f.push(&dap.EvaluateResponse{
			Response: f.response(m.Seq, "evaluate"),
			Body:     body,
		})

	case *dap.ContinueRequest:
		f.push(&dap.ContinueResponse{
			Response: f.response(m.Seq, "continue"),
			Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
		})

	case *dap.NextRequest:
		f.push(&dap.NextResponse{Response: f.response(m.Seq, "next")})
		f.sendStopped("step", m.Arguments.ThreadId)

	case *dap.StepInRequest:
		f.push(&dap.StepInResponse{Response: f.response(m.Seq, "stepIn")})
		f.sendStopped("step", m.Arguments.ThreadId)

	case *dap.StepOutRequest:
		f.push(&dap.StepOutResponse{Response: f.response(m.Seq, "stepOut")})
		f.sendStopped("step", m.Arguments.ThreadId)

	case *dap.PauseRequest:
		f.push(&dap.PauseResponse{Response: f.response(m.Seq, "pause")})
		f.sendStopped("pause", m.Arguments.ThreadId)

	case *dap.DisconnectRequest:
		f.push(&dap.DisconnectResponse{Response: f.response(m.Seq, "disconnect")})
		f.sendTerminated()
	}
}

// fakeProfile hands the session a memTransport wired to a fakeAdapter.
type fakeProfile struct {
	adapter *fakeAdapter
}

func newFakeProfile() *fakeProfile {
	return &fakeProfile{adapter: newFakeAdapter()}
}

func (p *fakeProfile) Language() types.Language { return types.LanguagePython }

func (p *fakeProfile) InitializeArguments() dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{ClientID: "test", LinesStartAt1: true, ColumnsStartAt1: true, PathFormat: "path"}
}

func (p *fakeProfile) LaunchConn(ctx context.Context, req types.LaunchRequest) (*adapters.Conn, error) {
	go p.adapter.run()
	return &adapters.Conn{Transport: p.adapter.tr}, nil
}

func (p *fakeProfile) AttachConn(ctx context.Context, req types.AttachRequest) (*adapters.Conn, error) {
	go p.adapter.run()
	return &adapters.Conn{Transport: p.adapter.tr}, nil
}

func (p *fakeProfile) LaunchArguments(req types.LaunchRequest) map[string]any {
	return map[string]any{"program": req.Program}
}

func (p *fakeProfile) AttachArguments(req types.AttachRequest) map[string]any {
	return map[string]any{"port": req.Port}
}

func (p *fakeProfile) ExceptionFilters(stopOnException bool) []string { return nil }

func (p *fakeProfile) SupportsStopOnEntry() bool { return true }
