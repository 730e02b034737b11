package transport

import (
	"context"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminatedEvent(seq int) *dap.TerminatedEvent {
	return &dap.TerminatedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
			Event:           "terminated",
		},
	}
}

// echoServer accepts one connection and echoes every frame back.
func echoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	return l.Addr().String()
}

func TestTCPTransportRoundTrip(t *testing.T) {
	addr := echoServer(t)

	tr, err := DialTCP(context.Background(), addr, 2*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(terminatedEvent(5)))

	msg, err := tr.Receive()
	require.NoError(t, err)
	ev, ok := msg.(*dap.TerminatedEvent)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 5, ev.Seq)
}

func TestDialTCPRetriesUntilListening(t *testing.T) {
	// Reserve an address, start listening only after a delay.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	go func() {
		time.Sleep(300 * time.Millisecond)
		l2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		conn, err := l2.Accept()
		if err == nil {
			_ = conn.Close()
		}
		_ = l2.Close()
	}()

	tr, err := DialTCP(context.Background(), addr, 3*time.Second)
	require.NoError(t, err)
	_ = tr.Close()
}

func TestDialTCPFailsWhenNeverListening(t *testing.T) {
	_, err := DialTCP(context.Background(), "127.0.0.1:1", 300*time.Millisecond)
	assert.Error(t, err)
}

func TestTCPSendAfterCloseFails(t *testing.T) {
	addr := echoServer(t)
	tr, err := DialTCP(context.Background(), addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Send(terminatedEvent(1)))
}

func TestChildTransportRoundTripOverCat(t *testing.T) {
	// cat echoes stdin to stdout, so the child sees our frames back.
	tr, err := StartChild(exec.Command("cat"), logr.Discard())
	require.NoError(t, err)
	defer tr.Close()

	assert.Greater(t, tr.PID(), 0)

	require.NoError(t, tr.Send(terminatedEvent(9)))
	msg, err := tr.Receive()
	require.NoError(t, err)
	ev, ok := msg.(*dap.TerminatedEvent)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 9, ev.Seq)
}

func TestChildExitObserverFires(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	exited := make(chan struct{})

	tr, err := StartChild(cmd, logr.Discard())
	require.NoError(t, err)
	// SetExitHandler fires immediately when the child already exited.
	tr.SetExitHandler(func(err error) { close(exited) })

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit observer never fired")
	}
	_ = tr.Close()
}

func TestChildStderrDrained(t *testing.T) {
	lines := make(chan string, 8)

	cmd := exec.Command("sh", "-c", `sleep 0.1; echo "warning: something" 1>&2; sleep 0.2`)
	tr, err := StartChild(cmd, logr.Discard())
	require.NoError(t, err)
	tr.SetStderrHandler(func(line string) { lines <- line })
	defer tr.Close()

	select {
	case line := <-lines:
		assert.Contains(t, line, "warning: something")
	case <-time.After(5 * time.Second):
		t.Fatal("stderr never drained")
	}
}
