// Package transport moves framed DAP messages between the broker and a
// debug adapter, either over a spawned child's stdio or a TCP socket.
// The transport does not interpret message contents.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/wire"
)

// Transport is a bidirectional framed-message stream to a DAP adapter.
// Send is safe for concurrent use; Receive must be called from a single
// reader goroutine.
type Transport interface {
	Send(msg dap.Message) error
	// Receive blocks for the next message. Returns io.EOF when the peer
	// goes away cleanly.
	Receive() (dap.Message, error)
	Close() error
}

// TCPTransport speaks DAP over a TCP connection.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// DialTCP connects to a DAP server, retrying with exponential backoff
// until the adapter is accepting connections or the context expires.
func DialTCP(ctx context.Context, address string, maxWait time.Duration) (*TCPTransport, error) {
	var conn net.Conn

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = maxWait

	dial := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
		return nil, errors.IO(err, "failed to connect to debug adapter at %s", address)
	}

	return &TCPTransport{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (t *TCPTransport) Send(msg dap.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Disconnected("")
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	frame, err := wire.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	if _, err := t.conn.Write(frame); err != nil {
		return errors.IO(err, "failed to write DAP message")
	}
	return nil
}

func (t *TCPTransport) Receive() (dap.Message, error) {
	msg, err := wire.Decode(t.reader)
	if err == io.EOF {
		return nil, io.EOF
	}
	return msg, err
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// ChildTransport speaks DAP over a spawned adapter process's stdio.
// Stderr is drained line by line into the stderr handler, and the exit
// handler fires once when the child terminates.
type ChildTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	log    logr.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	onStderr func(line string)
	onExit   func(err error)
	exited   bool
	exitErr  error

	wg sync.WaitGroup
}

// StartChild starts cmd with piped stdio and returns a transport bound
// to it. The pipes must not have been configured by the caller.
func StartChild(cmd *exec.Cmd, log logr.Logger) (*ChildTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.IO(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, errors.IO(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, errors.IO(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, errors.IO(err, "failed to start adapter %s", cmd.Path)
	}

	t := &ChildTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		log:    log,
	}

	t.wg.Add(1)
	go t.drainStderr(stderr)
	go t.waitExit()

	return t, nil
}

// SetStderrHandler routes adapter stderr lines; lines arriving before a
// handler is installed go to the debug log.
func (t *ChildTransport) SetStderrHandler(h func(line string)) {
	t.mu.Lock()
	t.onStderr = h
	t.mu.Unlock()
}

// SetExitHandler installs the exit observer. If the child already
// terminated, the handler fires immediately.
func (t *ChildTransport) SetExitHandler(h func(err error)) {
	t.mu.Lock()
	exited, exitErr := t.exited, t.exitErr
	t.onExit = h
	t.mu.Unlock()
	if exited && h != nil {
		h(exitErr)
	}
}

func (t *ChildTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.mu.Lock()
		h := t.onStderr
		t.mu.Unlock()
		if h != nil {
			h(line)
		} else {
			t.log.V(1).Info("adapter stderr", "line", line)
		}
	}
}

func (t *ChildTransport) waitExit() {
	err := t.cmd.Wait()
	t.mu.Lock()
	t.exited = true
	t.exitErr = err
	h := t.onExit
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// PID returns the child's process id, or 0 before start.
func (t *ChildTransport) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *ChildTransport) Send(msg dap.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Disconnected("")
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var buf bytes.Buffer
	if err := wire.Encode(&buf, msg); err != nil {
		return err
	}
	if _, err := t.stdin.Write(buf.Bytes()); err != nil {
		return errors.IO(err, "failed to write to adapter stdin")
	}
	return nil
}

func (t *ChildTransport) Receive() (dap.Message, error) {
	msg, err := wire.Decode(t.reader)
	if err == io.EOF {
		return nil, io.EOF
	}
	return msg, err
}

// Close closes stdin and kills the child if it is still running. The
// exit observer still fires exactly once.
func (t *ChildTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
