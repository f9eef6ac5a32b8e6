package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/omnipkg/omnipkgd/pkg/bubble"
	"github.com/omnipkg/omnipkgd/pkg/cache/embedded"
	"github.com/omnipkg/omnipkgd/pkg/client"
	"github.com/omnipkg/omnipkgd/pkg/types"
	"github.com/omnipkg/omnipkgd/pkg/worker"
)

// singleVersionInstaller materializes one plain file per spec plus a
// "<name>-<version>.dist-info" directory, enough for the worker's
// resolver to see a distinguishing package version without touching a
// real package index.
type singleVersionInstaller struct{ t *testing.T }

func (i singleVersionInstaller) Install(ctx context.Context, spec types.Spec) (string, []string, error) {
	dir := i.t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, spec.Name+".py"), []byte("payload "+spec.String()), 0644); err != nil {
		i.t.Fatalf("write staged file: %v", err)
	}
	distInfo := filepath.Join(dir, spec.Name+"-"+spec.Version+".dist-info")
	if err := os.MkdirAll(distInfo, 0755); err != nil {
		i.t.Fatalf("create dist-info dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(distInfo, "METADATA"), []byte("Version: "+spec.Version), 0644); err != nil {
		i.t.Fatalf("write dist-info metadata: %v", err)
	}
	return dir, nil, nil
}

func (i singleVersionInstaller) Resolve(ctx context.Context, constraint string) (types.Spec, error) {
	return types.Spec{}, nil
}

// startTestDaemon wires a Bubble Store, Worker Supervisor (forced
// in-process so the test never forks a child binary) and this package's
// own connection handler around a real Unix socket, mirroring runServe
// without its signal handling and metrics server.
func startTestDaemon(t *testing.T) (socketPath string, sup *worker.Supervisor, bubbleStore *bubble.Store) {
	t.Helper()

	baseDir := t.TempDir()
	mainDir := t.TempDir()

	db, err := embedded.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bubbleStore, err = bubble.New(bubble.Config{
		BaseDir:     baseDir,
		MainSiteDir: mainDir,
		Cache:       db,
		Namespace:   "test",
		Installer:   singleVersionInstaller{t: t},
	})
	if err != nil {
		t.Fatalf("bubble.New() error = %v", err)
	}

	sup, err = worker.New(worker.Config{
		Bubbles:        bubbleStore,
		MainSiteDir:    mainDir,
		BaseDir:        baseDir,
		ForceInProcess: true,
	})
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	socketPath = filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, sup)
		}
	}()

	return socketPath, sup, bubbleStore
}

// TestDaemonVersionSwitchAcrossWorkers exercises the version switch
// end to end: two bubbles for the same package at different pinned
// versions route to two isolated workers over the real socket.
func TestDaemonVersionSwitchAcrossWorkers(t *testing.T) {
	socketPath, _, bubbleStore := startTestDaemon(t)
	ctx := context.Background()

	specA := types.Spec{Name: "rich", Version: "13.5.3"}
	specB := types.Spec{Name: "rich", Version: "13.4.2"}
	if _, err := bubbleStore.Build(ctx, specA); err != nil {
		t.Fatalf("Build(%s) error = %v", specA, err)
	}
	if _, err := bubbleStore.Build(ctx, specB); err != nil {
		t.Fatalf("Build(%s) error = %v", specB, err)
	}

	c := client.NewClient(socketPath)

	respA, err := c.GetVersion(ctx, specA, "rich")
	if err != nil || !respA.Success || respA.Version != "13.5.3" {
		t.Fatalf("GetVersion(specA) = %+v, %v", respA, err)
	}

	respB, err := c.GetVersion(ctx, specB, "rich")
	if err != nil || !respB.Success || respB.Version != "13.4.2" {
		t.Fatalf("GetVersion(specB) = %+v, %v", respB, err)
	}
}

// TestDaemonConcurrentDispatchIsolatesWorkers checks that two clients
// dispatching to different specs at the same time never observe each
// other's pinned version.
func TestDaemonConcurrentDispatchIsolatesWorkers(t *testing.T) {
	socketPath, _, bubbleStore := startTestDaemon(t)
	ctx := context.Background()

	specA := types.Spec{Name: "rich", Version: "13.5.3"}
	specB := types.Spec{Name: "rich", Version: "13.4.2"}
	if _, err := bubbleStore.Build(ctx, specA); err != nil {
		t.Fatalf("Build(%s) error = %v", specA, err)
	}
	if _, err := bubbleStore.Build(ctx, specB); err != nil {
		t.Fatalf("Build(%s) error = %v", specB, err)
	}

	var wg sync.WaitGroup
	results := make([]types.Response, 2)
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		c := client.NewClient(socketPath)
		results[0], errs[0] = c.GetVersion(ctx, specA, "rich")
	}()
	go func() {
		defer wg.Done()
		c := client.NewClient(socketPath)
		results[1], errs[1] = c.GetVersion(ctx, specB, "rich")
	}()
	wg.Wait()

	if errs[0] != nil || !results[0].Success || results[0].Version != "13.5.3" {
		t.Fatalf("specA result = %+v, %v", results[0], errs[0])
	}
	if errs[1] != nil || !results[1].Success || results[1].Version != "13.4.2" {
		t.Fatalf("specB result = %+v, %v", results[1], errs[1])
	}
}

// TestDaemonStatusReportsActiveWorkerCounts exercises the status
// request path handleConn answers without touching the Supervisor's
// Dispatch, after at least one worker has been spawned.
func TestDaemonStatusReportsActiveWorkerCounts(t *testing.T) {
	socketPath, _, bubbleStore := startTestDaemon(t)
	ctx := context.Background()

	spec := types.Spec{Name: "rich", Version: "13.5.3"}
	if _, err := bubbleStore.Build(ctx, spec); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	c := client.NewClient(socketPath)
	if _, err := c.GetVersion(ctx, spec, "rich"); err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}

	resp, err := c.Status(ctx)
	if err != nil || !resp.Success {
		t.Fatalf("Status() = %+v, %v", resp, err)
	}
	if resp.Stdout == "" {
		t.Fatalf("Status() returned empty counts")
	}
}
