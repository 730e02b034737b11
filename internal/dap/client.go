// Package dap implements the client half of the Debug Adapter Protocol.
//
// The Client correlates requests with responses via sequence numbers,
// dispatches events to the owning session, and answers reverse requests
// (adapter->client, e.g. runInTerminal) so they never stall the wire.
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/transport"
)

// EventHandler receives adapter events in arrival order.
type EventHandler func(ev dap.EventMessage)

// DefaultTimeout applies to ordinary requests; launch and attach use
// LaunchTimeout.
const (
	DefaultTimeout = 10 * time.Second
	LaunchTimeout  = 30 * time.Second
)

type pendingCall struct {
	command string
	ch      chan dap.ResponseMessage

	mu        sync.Mutex
	cancelled bool
}

func (p *pendingCall) cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *pendingCall) deliver(resp dap.ResponseMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		// Late response for a cancelled request; drop it.
		return
	}
	select {
	case p.ch <- resp:
	default:
	}
}

// Client drives one DAP conversation over a transport. A single reader
// goroutine owns all incoming traffic, so responses and events are
// delivered strictly in arrival order.
type Client struct {
	tr  transport.Transport
	log logr.Logger

	mu      sync.Mutex
	seq     int
	pending map[int]*pendingCall
	closed  bool

	eventHandler EventHandler
	// onDisconnect fires once when the reader loop ends for any reason
	// other than Close.
	onDisconnect func(err error)
	discOnce     sync.Once

	capabilities dap.Capabilities

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient wraps a transport. Start must be called after the event
// handler is installed.
func NewClient(tr transport.Transport, log logr.Logger) *Client {
	return &Client{
		tr:      tr,
		log:     log,
		seq:     1,
		pending: make(map[int]*pendingCall),
		done:    make(chan struct{}),
	}
}

// SetEventHandler installs the event sink. Must be called before Start.
func (c *Client) SetEventHandler(h EventHandler) { c.eventHandler = h }

// SetDisconnectHandler installs the disconnect observer. Must be called
// before Start.
func (c *Client) SetDisconnectHandler(h func(err error)) { c.onDisconnect = h }

// Start launches the reader loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// Capabilities returns the adapter capabilities from initialize.
func (c *Client) Capabilities() dap.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

func (c *Client) nextSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.tr.Receive()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if err != io.EOF {
				c.log.V(1).Info("transport read failed", "error", err)
			}
			c.disconnect(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg dap.Message) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		resp := m.GetResponse()
		c.mu.Lock()
		call, ok := c.pending[resp.RequestSeq]
		if ok {
			delete(c.pending, resp.RequestSeq)
		}
		c.mu.Unlock()
		if !ok {
			// Unmatched response (cancelled or spurious); discard.
			c.log.V(1).Info("discarding unmatched response", "requestSeq", resp.RequestSeq, "command", resp.Command)
			return
		}
		call.deliver(m)
	case dap.EventMessage:
		if c.eventHandler != nil {
			c.eventHandler(m)
		}
	case dap.RequestMessage:
		c.answerReverseRequest(m)
	default:
		c.log.V(1).Info("ignoring unexpected message", "type", msg)
	}
}

// answerReverseRequest replies success to adapter-initiated requests.
// Treating a reverse request as an error would wedge adapters that wait
// for the reply before continuing.
func (c *Client) answerReverseRequest(req dap.RequestMessage) {
	r := req.GetRequest()
	c.log.V(1).Info("answering reverse request", "command", r.Command)

	var resp dap.Message
	switch r.Command {
	case "runInTerminal":
		resp = &dap.RunInTerminalResponse{
			Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "response"},
				RequestSeq:      r.Seq,
				Success:         true,
				Command:         r.Command,
			},
			Body: dap.RunInTerminalResponseBody{ProcessId: -1},
		}
	default:
		resp = &dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "response"},
			RequestSeq:      r.Seq,
			Success:         true,
			Command:         r.Command,
		}
	}
	if err := c.tr.Send(resp); err != nil {
		c.log.V(1).Info("failed to answer reverse request", "command", r.Command, "error", err)
	}
}

// disconnect fails all pending requests and notifies the owner once.
func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.deliver(nil)
	}
	c.discOnce.Do(func() {
		if c.onDisconnect != nil {
			c.onDisconnect(cause)
		}
	})
}

// send registers a pending slot and writes the request. The returned
// call must be awaited or cancelled by the caller.
func (c *Client) send(req dap.RequestMessage) (*pendingCall, int, error) {
	r := req.GetRequest()
	seq := c.nextSeq()
	r.Seq = seq
	r.Type = "request"

	call := &pendingCall{command: r.Command, ch: make(chan dap.ResponseMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, errors.Disconnected(r.Command)
	}
	c.pending[seq] = call
	c.mu.Unlock()

	if err := c.tr.Send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, 0, errors.Wrap(errors.KindDisconnected, err, "failed to send %s request", r.Command)
	}
	return call, seq, nil
}

func (c *Client) await(call *pendingCall, seq int, timeout time.Duration) (dap.ResponseMessage, error) {
	select {
	case resp := <-call.ch:
		if resp == nil {
			call.mu.Lock()
			cancelled := call.cancelled
			call.mu.Unlock()
			if cancelled {
				return nil, errors.Cancelled(call.command)
			}
			return nil, errors.Disconnected(call.command)
		}
		r := resp.GetResponse()
		if !r.Success {
			return nil, errors.Adapter(call.command, adapterMessage(resp))
		}
		return resp, nil
	case <-time.After(timeout):
		call.cancel()
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, errors.Timeout(call.command, timeout.Seconds())
	case <-c.done:
		return nil, errors.Cancelled(call.command)
	}
}

// adapterMessage extracts the most specific error text a failed response
// carries: the ErrorResponse body format when present, else the short
// message field.
func adapterMessage(resp dap.ResponseMessage) string {
	if er, ok := resp.(*dap.ErrorResponse); ok {
		if er.Body.Error != nil && er.Body.Error.Format != "" {
			return er.Body.Error.Format
		}
	}
	r := resp.GetResponse()
	if r.Message != "" {
		return r.Message
	}
	return r.Command + " failed"
}

// roundTrip sends a request and waits for its response.
func (c *Client) roundTrip(req dap.RequestMessage, timeout time.Duration) (dap.ResponseMessage, error) {
	call, seq, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return c.await(call, seq, timeout)
}

// Pending is an in-flight request whose response will arrive later,
// used for launch/attach where the adapter replies only after
// configurationDone.
type Pending struct {
	client *Client
	call   *pendingCall
	seq    int
}

// Await blocks for the response.
func (p *Pending) Await(timeout time.Duration) (dap.ResponseMessage, error) {
	return p.client.await(p.call, p.seq, timeout)
}

// Cancel abandons the request; a late response is discarded.
func (p *Pending) Cancel() {
	p.call.cancel()
	p.client.mu.Lock()
	delete(p.client.pending, p.seq)
	p.client.mu.Unlock()
}

// CancelAll cancels every pending request with Cancelled semantics.
func (c *Client) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingCall)
	c.mu.Unlock()
	for _, call := range pending {
		call.cancel()
		// Bypass deliver: a cancelled slot still has to wake its waiter.
		select {
		case call.ch <- nil:
		default:
		}
	}
}

// Close shuts the client down and closes the transport. Pending
// requests fail immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.CancelAll()
	err := c.tr.Close()
	c.wg.Wait()
	return err
}

// --- Typed operations ---

// Initialize performs the initialize handshake and records capabilities.
func (c *Client) Initialize(args dap.InitializeRequestArguments) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request:   dap.Request{Command: "initialize"},
		Arguments: args,
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		return nil, errors.Adapter("initialize", "unexpected response type")
	}
	c.mu.Lock()
	c.capabilities = initResp.Body
	c.mu.Unlock()
	return initResp, nil
}

// LaunchAsync sends a launch request without waiting: most adapters do
// not respond until after configurationDone.
func (c *Client) LaunchAsync(args map[string]any) (*Pending, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errors.InvalidArgument("failed to marshal launch args: %v", err)
	}
	req := &dap.LaunchRequest{
		Request:   dap.Request{Command: "launch"},
		Arguments: json.RawMessage(raw),
	}
	call, seq, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return &Pending{client: c, call: call, seq: seq}, nil
}

// AttachAsync sends an attach request without waiting, mirroring
// LaunchAsync.
func (c *Client) AttachAsync(args map[string]any) (*Pending, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errors.InvalidArgument("failed to marshal attach args: %v", err)
	}
	req := &dap.AttachRequest{
		Request:   dap.Request{Command: "attach"},
		Arguments: json.RawMessage(raw),
	}
	call, seq, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return &Pending{client: c, call: call, seq: seq}, nil
}

// ConfigurationDone signals that breakpoint configuration is complete.
func (c *Client) ConfigurationDone() error {
	req := &dap.ConfigurationDoneRequest{Request: dap.Request{Command: "configurationDone"}}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// SetBreakpoints replaces the breakpoint set for one source.
func (c *Client) SetBreakpoints(source dap.Source, bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	req := &dap.SetBreakpointsRequest{
		Request: dap.Request{Command: "setBreakpoints"},
		Arguments: dap.SetBreakpointsArguments{
			Source:      source,
			Breakpoints: bps,
		},
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	bpResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		return nil, errors.Adapter("setBreakpoints", "unexpected response type")
	}
	return bpResp.Body.Breakpoints, nil
}

// SetExceptionBreakpoints configures exception filters (empty by default).
func (c *Client) SetExceptionBreakpoints(filters []string) error {
	if filters == nil {
		filters = []string{}
	}
	req := &dap.SetExceptionBreakpointsRequest{
		Request:   dap.Request{Command: "setExceptionBreakpoints"},
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// Threads lists the debuggee's threads.
func (c *Client) Threads() ([]dap.Thread, error) {
	req := &dap.ThreadsRequest{Request: dap.Request{Command: "threads"}}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	tResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, errors.Adapter("threads", "unexpected response type")
	}
	return tResp.Body.Threads, nil
}

// StackTrace fetches frames for a stopped thread.
func (c *Client) StackTrace(threadID, startFrame, levels int) ([]dap.StackFrame, int, error) {
	req := &dap.StackTraceRequest{
		Request: dap.Request{Command: "stackTrace"},
		Arguments: dap.StackTraceArguments{
			ThreadId:   threadID,
			StartFrame: startFrame,
			Levels:     levels,
		},
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, 0, err
	}
	sResp, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil, 0, errors.Adapter("stackTrace", "unexpected response type")
	}
	return sResp.Body.StackFrames, sResp.Body.TotalFrames, nil
}

// Scopes fetches the scopes of a frame.
func (c *Client) Scopes(frameID int) ([]dap.Scope, error) {
	req := &dap.ScopesRequest{
		Request:   dap.Request{Command: "scopes"},
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	sResp, ok := resp.(*dap.ScopesResponse)
	if !ok {
		return nil, errors.Adapter("scopes", "unexpected response type")
	}
	return sResp.Body.Scopes, nil
}

// Variables expands a variablesReference.
func (c *Client) Variables(ref int, filter string, start, count int) ([]dap.Variable, error) {
	args := dap.VariablesArguments{VariablesReference: ref}
	if filter != "" {
		args.Filter = filter
	}
	if start > 0 {
		args.Start = start
	}
	if count > 0 {
		args.Count = count
	}
	req := &dap.VariablesRequest{
		Request:   dap.Request{Command: "variables"},
		Arguments: args,
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	vResp, ok := resp.(*dap.VariablesResponse)
	if !ok {
		return nil, errors.Adapter("variables", "unexpected response type")
	}
	return vResp.Body.Variables, nil
}

// Evaluate evaluates an expression in a frame context.
func (c *Client) Evaluate(expression string, frameID int, context string) (*dap.EvaluateResponseBody, error) {
	req := &dap.EvaluateRequest{
		Request: dap.Request{Command: "evaluate"},
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    context,
		},
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	eResp, ok := resp.(*dap.EvaluateResponse)
	if !ok {
		return nil, errors.Adapter("evaluate", "unexpected response type")
	}
	return &eResp.Body, nil
}

// Continue resumes one thread or all.
func (c *Client) Continue(threadID int) (bool, error) {
	req := &dap.ContinueRequest{
		Request:   dap.Request{Command: "continue"},
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	resp, err := c.roundTrip(req, DefaultTimeout)
	if err != nil {
		return false, err
	}
	cResp, ok := resp.(*dap.ContinueResponse)
	if !ok {
		return false, errors.Adapter("continue", "unexpected response type")
	}
	return cResp.Body.AllThreadsContinued, nil
}

// Next steps over the current line.
func (c *Client) Next(threadID int) error {
	req := &dap.NextRequest{
		Request:   dap.Request{Command: "next"},
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// StepIn steps into the call on the current line.
func (c *Client) StepIn(threadID int) error {
	req := &dap.StepInRequest{
		Request:   dap.Request{Command: "stepIn"},
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// StepOut runs until the current function returns.
func (c *Client) StepOut(threadID int) error {
	req := &dap.StepOutRequest{
		Request:   dap.Request{Command: "stepOut"},
		Arguments: dap.StepOutArguments{ThreadId: threadID},
	}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// Pause interrupts a running thread; a stopped event follows.
func (c *Client) Pause(threadID int) error {
	req := &dap.PauseRequest{
		Request:   dap.Request{Command: "pause"},
		Arguments: dap.PauseArguments{ThreadId: threadID},
	}
	_, err := c.roundTrip(req, DefaultTimeout)
	return err
}

// Disconnect ends the conversation, optionally terminating the debuggee.
func (c *Client) Disconnect(terminateDebuggee bool, timeout time.Duration) error {
	req := &dap.DisconnectRequest{
		Request:   dap.Request{Command: "disconnect"},
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	}
	_, err := c.roundTrip(req, timeout)
	return err
}
