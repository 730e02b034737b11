package container

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// tcpProxyForward forwards 127.0.0.1:L to a directly reachable remote
// address (a docker/podman container IP). The listener closes on
// Close, freeing the local port.
type tcpProxyForward struct {
	listener   net.Listener
	remoteAddr string
	desc       types.ForwardedPort
	log        logr.Logger

	mu     sync.Mutex
	closed bool
	conns  []net.Conn
}

// newTCPProxyForward binds a free local port and starts proxying.
func newTCPProxyForward(remoteHost string, remotePort int, runtime, container string, log logr.Logger) (*tcpProxyForward, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.PortAllocationFailed(err)
	}
	local := listener.Addr().(*net.TCPAddr).Port

	f := &tcpProxyForward{
		listener:   listener,
		remoteAddr: net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort)),
		desc: types.ForwardedPort{
			LocalPort:     local,
			RemotePort:    remotePort,
			Runtime:       runtime,
			ContainerName: container,
		},
		log: log,
	}
	go f.acceptLoop()
	return f, nil
}

func (f *tcpProxyForward) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		remote, err := net.DialTimeout("tcp", f.remoteAddr, 5*time.Second)
		if err != nil {
			f.log.V(1).Info("port forward dial failed", "remote", f.remoteAddr, "error", err)
			_ = conn.Close()
			continue
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = conn.Close()
			_ = remote.Close()
			return
		}
		f.conns = append(f.conns, conn, remote)
		f.mu.Unlock()

		go func() { _, _ = io.Copy(remote, conn); _ = remote.Close() }()
		go func() { _, _ = io.Copy(conn, remote); _ = conn.Close() }()
	}
}

func (f *tcpProxyForward) LocalPort() int                  { return f.desc.LocalPort }
func (f *tcpProxyForward) Descriptor() types.ForwardedPort { return f.desc }

func (f *tcpProxyForward) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()

	err := f.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}

// processForward owns a child process (kubectl port-forward) bound to a
// local port; killing the child frees the port.
type processForward struct {
	cmd  *exec.Cmd
	desc types.ForwardedPort

	mu     sync.Mutex
	closed bool
}

func (f *processForward) LocalPort() int                  { return f.desc.LocalPort }
func (f *processForward) Descriptor() types.ForwardedPort { return f.desc }

func (f *processForward) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	return nil
}

// freePort reserves an unused local TCP port.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.PortAllocationFailed(err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitReachable dials the endpoint with backoff until it accepts.
func waitReachable(ctx context.Context, host string, port int, maxWait time.Duration) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = maxWait

	dial := func() error {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
		return errors.IO(err, "forwarded endpoint %s never became reachable", addr)
	}
	return nil
}
