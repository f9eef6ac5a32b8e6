package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

func newTestSocket(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, path
}

// serveOnce accepts a single connection, decodes one Request, reports it
// on the returned channel, then encodes handle's Response back.
func serveOnce(ln net.Listener, handle func(types.Request) types.Response) <-chan types.Request {
	gotCh := make(chan types.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req types.Request
		if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
			return
		}
		gotCh <- req
		_ = json.NewEncoder(conn).Encode(handle(req))
	}()
	return gotCh
}

func TestClientExecuteRoundTrip(t *testing.T) {
	ln, path := newTestSocket(t)
	gotCh := serveOnce(ln, func(types.Request) types.Response {
		return types.Response{Success: true, Stdout: "13.5.3"}
	})

	c := NewClient(path)
	spec := types.Spec{Name: "rich", Version: "13.5.3"}
	resp, err := c.Execute(context.Background(), spec, "print(1)", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Success || resp.Stdout != "13.5.3" {
		t.Fatalf("Execute() = %+v", resp)
	}

	select {
	case req := <-gotCh:
		if req.Type != types.RequestExecute || req.Spec == nil || *req.Spec != spec {
			t.Fatalf("server saw request = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received a request")
	}
}

func TestClientGetVersionRoundTrip(t *testing.T) {
	ln, path := newTestSocket(t)
	serveOnce(ln, func(types.Request) types.Response {
		return types.Response{Success: true, Version: "13.4.2"}
	})

	c := NewClient(path)
	resp, err := c.GetVersion(context.Background(), types.Spec{Name: "rich", Version: "13.4.2"}, "rich")
	if err != nil || !resp.Success || resp.Version != "13.4.2" {
		t.Fatalf("GetVersion() = %+v, %v", resp, err)
	}
}

func TestClientStatusAndShutdown(t *testing.T) {
	ln, path := newTestSocket(t)
	gotCh := serveOnce(ln, func(types.Request) types.Response {
		return types.Response{Success: true}
	})

	c := NewClient(path)
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("Status: %v", err)
	}

	select {
	case req := <-gotCh:
		if req.Type != types.RequestStatus {
			t.Fatalf("server saw request type %q, want status", req.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received a request")
	}

	ln2, path2 := newTestSocket(t)
	gotCh2 := serveOnce(ln2, func(types.Request) types.Response {
		return types.Response{Success: true}
	})
	c2 := NewClient(path2)
	spec := types.Spec{Name: "rich", Version: "13.5.3"}
	if _, err := c2.Shutdown(context.Background(), spec); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case req := <-gotCh2:
		if req.Type != types.RequestShutdown || req.Spec == nil || *req.Spec != spec {
			t.Fatalf("server saw request = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received a request")
	}
}

func TestClientDialFailureWithoutAutoStartReturnsError(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	_, err := c.Status(context.Background())
	if !omnierr.Is(err, omnierr.WorkerLaunchFailed) {
		t.Fatalf("Status() error = %v, want WorkerLaunchFailed", err)
	}
}
