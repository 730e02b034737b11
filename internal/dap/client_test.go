package dap

import (
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/polybugger/polybugger-mcp/internal/errors"
)

// chanTransport is an in-memory transport: the test plays the adapter by
// reading from sent and pushing into recv.
type chanTransport struct {
	sent chan dap.Message
	recv chan dap.Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		sent: make(chan dap.Message, 64),
		recv: make(chan dap.Message, 64),
		done: make(chan struct{}),
	}
}

func (t *chanTransport) Send(msg dap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return stderrors.New("transport closed")
	}
	t.sent <- msg
	return nil
}

func (t *chanTransport) Receive() (dap.Message, error) {
	select {
	case msg := <-t.recv:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *chanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// takeSent waits for the next outgoing request.
func (t *chanTransport) takeSent(tb testing.TB) dap.Message {
	tb.Helper()
	select {
	case msg := <-t.sent:
		return msg
	case <-time.After(2 * time.Second):
		tb.Fatal("no request sent")
		return nil
	}
}

func response(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      requestSeq,
		Success:         true,
		Command:         command,
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	go func() {
		msg := <-tr.sent
		req := msg.(*dap.ThreadsRequest)
		tr.recv <- &dap.ThreadsResponse{
			Response: *response(req.Seq, "threads"),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}}},
		}
	}()

	threads, err := c.Threads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "main", threads[0].Name)
}

func TestAdapterErrorPassesMessageThrough(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	go func() {
		msg := <-tr.sent
		req := msg.(*dap.EvaluateRequest)
		tr.recv <- &dap.ErrorResponse{
			Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Type: "response"},
				RequestSeq:      req.Seq,
				Success:         false,
				Command:         "evaluate",
				Message:         "short message",
			},
			Body: dap.ErrorResponseBody{
				Error: &dap.ErrorMessage{Format: "ZeroDivisionError: division by zero"},
			},
		}
	}()

	_, err := c.Evaluate("1/0", 3, "repl")
	require.Error(t, err)
	assert.Equal(t, brokererrors.KindAdapterError, brokererrors.KindOf(err))
	assert.Contains(t, err.Error(), "division")
}

func TestUnmatchedResponseDiscarded(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	// A response nobody asked for must not disturb the next request.
	tr.recv <- response(9999, "threads")

	go func() {
		msg := <-tr.sent
		req := msg.(*dap.ThreadsRequest)
		tr.recv <- &dap.ThreadsResponse{Response: *response(req.Seq, "threads")}
	}()

	_, err := c.Threads()
	assert.NoError(t, err)
}

func TestRequestTimeoutCancelsSlot(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	req := &dap.ThreadsRequest{Request: dap.Request{Command: "threads"}}
	_, err := c.roundTrip(req, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, brokererrors.KindTimeout, brokererrors.KindOf(err))

	// A late response for the cancelled slot is discarded.
	sent := tr.takeSent(t).(*dap.ThreadsRequest)
	tr.recv <- &dap.ThreadsResponse{Response: *response(sent.Seq, "threads")}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())

	var mu sync.Mutex
	var got []string
	c.SetEventHandler(func(ev dap.EventMessage) {
		mu.Lock()
		got = append(got, ev.GetEvent().Event)
		mu.Unlock()
	})
	c.Start()
	defer c.Close()

	for _, name := range []string{"stopped", "continued", "terminated"} {
		tr.recv <- &dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           name,
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stopped", "continued", "terminated"}, got)
}

func TestReverseRequestAnsweredWithSuccess(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	tr.recv <- &dap.RunInTerminalRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: 42, Type: "request"},
			Command:         "runInTerminal",
		},
	}

	reply := tr.takeSent(t)
	resp, ok := reply.(*dap.RunInTerminalResponse)
	require.True(t, ok, "reply %T", reply)
	assert.True(t, resp.Success)
	assert.Equal(t, 42, resp.RequestSeq)
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())

	disconnected := make(chan struct{})
	c.SetDisconnectHandler(func(err error) { close(disconnected) })
	c.Start()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Threads()
		errCh <- err
	}()
	tr.takeSent(t)

	// Kill the wire underneath the client.
	_ = tr.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, brokererrors.KindDisconnected, brokererrors.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired")
	}
}

func TestLaunchAsyncResolvesAfterConfigurationDone(t *testing.T) {
	tr := newChanTransport()
	c := NewClient(tr, logr.Discard())
	c.Start()
	defer c.Close()

	pending, err := c.LaunchAsync(map[string]any{"program": "/tmp/p/s.py"})
	require.NoError(t, err)
	launchReq := tr.takeSent(t).(*dap.LaunchRequest)

	// The adapter holds the launch response until configurationDone.
	go func() {
		msg := <-tr.sent
		cfg := msg.(*dap.ConfigurationDoneRequest)
		tr.recv <- &dap.ConfigurationDoneResponse{Response: *response(cfg.Seq, "configurationDone")}
		tr.recv <- &dap.LaunchResponse{Response: *response(launchReq.Seq, "launch")}
	}()

	require.NoError(t, c.ConfigurationDone())

	resp, err := pending.Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "launch", resp.GetResponse().Command)
}
