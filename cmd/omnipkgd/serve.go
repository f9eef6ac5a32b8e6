package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkgd/pkg/bubble"
	"github.com/omnipkg/omnipkgd/pkg/cache"
	"github.com/omnipkg/omnipkgd/pkg/cache/embedded"
	"github.com/omnipkg/omnipkgd/pkg/cache/networked"
	"github.com/omnipkg/omnipkgd/pkg/client"
	"github.com/omnipkg/omnipkgd/pkg/loader"
	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/types"
	"github.com/omnipkg/omnipkgd/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the omnipkgd supervisor in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("base", "", "root directory for bubbles (required)")
	serveCmd.Flags().String("main-site-dir", "", "main environment's package directory (required)")
	serveCmd.Flags().String("main-meta-dir", "", "main environment's distribution-metadata directory")
	serveCmd.Flags().String("cache-backend", "embedded", "embedded or networked")
	serveCmd.Flags().String("cache-endpoint", "", "connection string when cache-backend=networked")
	serveCmd.Flags().String("install-strategy", "stable-main", "stable-main or multiversion")
	serveCmd.Flags().Int("worker-idle-timeout-s", 0, "evict workers idle past this many seconds (0 disables)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics HTTP endpoint")
	serveCmd.MarkFlagRequired("base")
	serveCmd.MarkFlagRequired("main-site-dir")
}

func runServe(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("base")
	mainSiteDir, _ := cmd.Flags().GetString("main-site-dir")
	mainMetaDir, _ := cmd.Flags().GetString("main-meta-dir")
	cacheBackend, _ := cmd.Flags().GetString("cache-backend")
	cacheEndpoint, _ := cmd.Flags().GetString("cache-endpoint")
	installStrategy, _ := cmd.Flags().GetString("install-strategy")
	idleTimeoutS, _ := cmd.Flags().GetInt("worker-idle-timeout-s")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	switch types.InstallStrategy(installStrategy) {
	case types.StableMain, types.Multiversion:
	default:
		return fmt.Errorf("unknown install strategy %q (want stable-main or multiversion)", installStrategy)
	}

	log := obslog.WithComponent("daemon")

	// A crashed prior run may have left main-environment entries cloaked;
	// unroll them before anything resolves against the main site dir.
	if recovered, err := loader.RecoverStaleCloaks(mainSiteDir); err != nil {
		return fmt.Errorf("stale cloak recovery: %w", err)
	} else if len(recovered) > 0 {
		log.Warn().Strs("recovered", recovered).Msg("unrolled stale cloak entries from a prior run")
	}

	omnipkgDir := filepath.Join(base, ".omnipkg")
	if err := os.MkdirAll(omnipkgDir, 0755); err != nil {
		return fmt.Errorf("cannot create %s: %w", omnipkgDir, err)
	}
	socketPath := filepath.Join(omnipkgDir, "daemon.sock")
	pidPath := filepath.Join(omnipkgDir, "daemon.pid")

	if err := claimPIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	var cacheStore cache.Store
	var err error
	switch cacheBackend {
	case "networked":
		cacheStore, err = networked.NewHTTPStore(cacheEndpoint)
	default:
		cacheStore, err = embedded.NewBoltStore(omnipkgDir)
	}
	if err != nil {
		return fmt.Errorf("cannot open metadata cache: %w", err)
	}
	defer cacheStore.Close()

	bubbleStore, err := bubble.New(bubble.Config{
		BaseDir:     base,
		MainSiteDir: mainSiteDir,
		Cache:       cacheStore,
		Strategy:    types.InstallStrategy(installStrategy),
	})
	if err != nil {
		return fmt.Errorf("cannot open bubble store: %w", err)
	}

	sup, err := worker.New(worker.Config{
		Bubbles:     bubbleStore,
		MainSiteDir: mainSiteDir,
		MainMetaDir: mainMetaDir,
		BaseDir:     base,
		IdleTimeout: time.Duration(idleTimeoutS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("cannot start worker supervisor: %w", err)
	}

	collector := metrics.NewCollector(bubbleStore, sup)
	collector.Start()
	defer collector.Stop()

	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("cache", true, "")
	metrics.RegisterComponent("bubble_store", true, "")
	metrics.RegisterComponent("worker_supervisor", true, "")
	metrics.SetCriticalComponents("cache", "bubble_store", "worker_supervisor")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("socket", socketPath).Str("metrics_addr", metricsAddr).Msg("omnipkgd ready")

	acceptCh := make(chan net.Conn)
	go acceptLoop(ln, acceptCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case conn, ok := <-acceptCh:
			if !ok {
				sup.Shutdown(cmd.Context())
				return nil
			}
			go handleConn(conn, sup)
		case <-sigCh:
			log.Info().Msg("shutting down")
			ln.Close()
			sup.Shutdown(cmd.Context())
			return nil
		}
	}
}

func acceptLoop(ln net.Listener, out chan<- net.Conn) {
	defer close(out)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		out <- conn
	}
}

// getVersionTimeout bounds non-execute dispatches; execute uses
// client.DefaultExecuteTimeout, the same budget pkg/client gives its
// callers for running arbitrary code.
const getVersionTimeout = 10 * time.Second

// handleConn serves exactly one request per connection, matching
// pkg/client's dial-send-receive-close contract.
func handleConn(conn net.Conn, sup *worker.Supervisor) {
	defer conn.Close()

	var req types.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	var resp types.Response
	switch {
	case req.Type == types.RequestStatus:
		counts := sup.ActiveCounts()
		resp = types.Response{
			Success: true,
			Stdout:  fmt.Sprintf("process=%d fake=%d", counts["process"], counts["fake"]),
		}
	case req.Spec == nil:
		resp = types.Response{Success: false, Error: "request requires a spec"}
	default:
		timeout := getVersionTimeout
		if req.Type == types.RequestExecute {
			timeout = client.DefaultExecuteTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		r, err := sup.Dispatch(ctx, *req.Spec, req)
		cancel()
		if err != nil {
			resp = types.Response{Success: false, Error: err.Error()}
		} else {
			resp = r
		}
	}

	_ = json.NewEncoder(conn).Encode(resp)
}

// claimPIDFile refuses to start if a live daemon already owns pidPath,
// and otherwise writes this process's PID, so a stale daemon's PID file
// never blocks a fresh start.
func claimPIDFile(pidPath string) error {
	if data, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("omnipkgd already running (pid %d)", pid)
				}
			}
		}
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}
