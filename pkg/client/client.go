package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// DefaultExecuteTimeout is the protocol default for execute requests;
// callers may override it per call.
const DefaultExecuteTimeout = 300 * time.Second

const defaultCallTimeout = 10 * time.Second

// Client talks to one supervisor over its local-domain socket. It holds
// no connection state between calls — every method dials, sends one
// request, reads one response, and closes.
type Client struct {
	socketPath string

	// daemonBin and autoStart distinguish connect-to-what's-there from
	// bootstrap-if-needed: with autoStart set, a failed dial spawns
	// daemonBin and retries instead of surfacing immediately.
	daemonBin string
	autoStart bool

	dialRetryFor time.Duration
}

// NewClient connects to a supervisor already listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialRetryFor: 5 * time.Second}
}

// NewClientAutoStart behaves like NewClient, but if the initial dial
// fails it spawns daemonBin as a detached child (`serve`) and retries
// the dial for a bounded window before giving up.
func NewClientAutoStart(socketPath, daemonBin string) *Client {
	return &Client{socketPath: socketPath, daemonBin: daemonBin, autoStart: true, dialRetryFor: 5 * time.Second}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err == nil {
		return conn, nil
	}
	if !c.autoStart || c.daemonBin == "" {
		return nil, omnierr.Wrap(omnierr.WorkerLaunchFailed, "cannot reach supervisor at "+c.socketPath, err)
	}

	if spawnErr := c.spawnDaemon(); spawnErr != nil {
		return nil, omnierr.Wrap(omnierr.WorkerLaunchFailed, "cannot auto-start supervisor", spawnErr)
	}

	deadline := time.Now().Add(c.dialRetryFor)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, lastErr = d.DialContext(ctx, "unix", c.socketPath)
		if lastErr == nil {
			return conn, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, omnierr.Wrap(omnierr.WorkerLaunchFailed, "supervisor did not come up after auto-start", lastErr)
}

// spawnDaemon launches the supervisor detached from this process's
// session, so it outlives a short-lived CLI invocation.
func (c *Client) spawnDaemon() error {
	cmd := exec.Command(c.daemonBin, "serve")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func (c *Client) call(ctx context.Context, req types.Request, timeout time.Duration) (types.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return types.Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return types.Response{}, omnierr.Wrap(omnierr.ProtocolError, "cannot send request", err)
	}

	var resp types.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return types.Response{}, omnierr.Wrap(omnierr.ProtocolError, "cannot read response", err)
	}
	return resp, nil
}

// Execute hands code to the supervisor for dispatch to the worker
// pinned to spec. timeout <= 0 uses DefaultExecuteTimeout.
func (c *Client) Execute(ctx context.Context, spec types.Spec, code string, timeout time.Duration) (types.Response, error) {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return c.call(ctx, types.Request{Type: types.RequestExecute, Spec: &spec, Code: code}, timeout)
}

// GetVersion asks the worker pinned to spec which version of pkg it
// resolves.
func (c *Client) GetVersion(ctx context.Context, spec types.Spec, pkg string) (types.Response, error) {
	return c.call(ctx, types.Request{Type: types.RequestGetVersion, Spec: &spec, Package: pkg}, defaultCallTimeout)
}

// Status asks the supervisor to report its own health, independent of
// any particular spec.
func (c *Client) Status(ctx context.Context) (types.Response, error) {
	return c.call(ctx, types.Request{Type: types.RequestStatus}, defaultCallTimeout)
}

// Shutdown asks the worker pinned to spec to exit cleanly.
func (c *Client) Shutdown(ctx context.Context, spec types.Spec) (types.Response, error) {
	return c.call(ctx, types.Request{Type: types.RequestShutdown, Spec: &spec}, defaultCallTimeout)
}
