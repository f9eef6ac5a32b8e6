package worker

import (
	"context"
	"sync"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// Worker is one spec-pinned execution backend, process or in-process.
type Worker interface {
	Spec() types.Spec
	State() types.WorkerState
	LastUsed() time.Time
	Execute(ctx context.Context, code string) (types.Response, error)
	GetVersion(ctx context.Context, pkg string) (types.Response, error)
	Shutdown(ctx context.Context) error
}

// BubbleLocator resolves a spec to its built bubble's root directory,
// satisfied by *bubble.Store without this package importing it.
type BubbleLocator interface {
	Locate(spec types.Spec) (root string, err error)
}

// Config configures a Supervisor. The cross-component knobs (base dir,
// main site dir, idle timeout) are passed in explicitly here rather
// than read from any package-level state.
type Config struct {
	Bubbles     BubbleLocator
	MainSiteDir string // main environment package directory
	MainMetaDir string // main environment distribution-metadata directory

	BaseDir     string // Bubble Store root, watched for external deletion
	IdleTimeout time.Duration

	HandshakeTimeout time.Duration // default 10s

	// ForceInProcess pins the fake variant regardless of CanUseUnixSockets,
	// for tests that must run without spawning real child processes.
	ForceInProcess bool

	// Executor backs the fake variant's "execute" requests; nil
	// defaults to an InterpreterExecutor over the worker's own resolved
	// search paths. Unused by the process variant, which delegates
	// execution to the worker-boot subcommand's own runtime.
	Executor Executor
}

// Supervisor owns every live Worker and routes Dispatch calls to the
// right one, spawning on demand and evicting on death, idle timeout, or
// the worker's bubble disappearing from disk.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	workers map[types.Spec]Worker

	spawn func(spec types.Spec, bubbleRoot string) (Worker, error)

	watcher *bubbleWatcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Supervisor. It does not spawn any workers; they are
// created lazily on first Dispatch.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Bubbles == nil {
		return nil, omnierr.New(omnierr.SpecInvalid, "supervisor requires a bubble locator")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	sup := &Supervisor{
		cfg:     cfg,
		workers: make(map[types.Spec]Worker),
		stopCh:  make(chan struct{}),
	}

	useProcess := !cfg.ForceInProcess && CanUseUnixSockets()
	if useProcess {
		sup.spawn = sup.spawnProcessWorker
	} else {
		sup.spawn = sup.spawnFakeWorker
	}

	if cfg.BaseDir != "" {
		w, err := newBubbleWatcher(cfg.BaseDir, sup.onBubbleRemoved)
		if err != nil {
			obslog.WithComponent("supervisor").Warn().Err(err).Msg("bubble deletion watch disabled")
		} else {
			sup.watcher = w
		}
	}

	sup.wg.Add(1)
	go sup.reapLoop()

	return sup, nil
}

// Dispatch routes req to the worker pinned to spec, spawning one if
// none exists yet. A WorkerDied error triggers exactly one automatic
// retry against a freshly spawned worker; a second failure surfaces to
// the caller.
func (sup *Supervisor) Dispatch(ctx context.Context, spec types.Spec, req types.Request) (types.Response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, string(req.Type))

	w, err := sup.getOrSpawn(spec)
	if err != nil {
		return types.Response{}, err
	}

	resp, err := send(ctx, w, req)
	if err != nil && omnierr.Is(err, omnierr.WorkerDied) {
		sup.evict(spec, "died")
		w, err = sup.getOrSpawn(spec)
		if err != nil {
			return types.Response{}, err
		}
		return send(ctx, w, req)
	}
	return resp, err
}

func send(ctx context.Context, w Worker, req types.Request) (types.Response, error) {
	switch req.Type {
	case types.RequestExecute:
		return w.Execute(ctx, req.Code)
	case types.RequestGetVersion:
		return w.GetVersion(ctx, req.Package)
	case types.RequestShutdown:
		err := w.Shutdown(ctx)
		return types.Response{Success: err == nil}, err
	default:
		return types.Response{}, omnierr.New(omnierr.ProtocolError, "unknown request type: "+string(req.Type))
	}
}

// getOrSpawn returns the live worker for spec, spawning one if absent
// or if the previously held one has died.
func (sup *Supervisor) getOrSpawn(spec types.Spec) (Worker, error) {
	spec = spec.Canonical()

	sup.mu.Lock()
	if w, ok := sup.workers[spec]; ok {
		if w.State() != types.WorkerDead {
			sup.mu.Unlock()
			return w, nil
		}
		delete(sup.workers, spec)
	}
	sup.mu.Unlock()

	root, err := sup.cfg.Bubbles.Locate(spec)
	if err != nil {
		return nil, err
	}

	w, err := sup.spawn(spec, root)
	if err != nil {
		metrics.WorkerSpawnsTotal.WithLabelValues("launch_failed").Inc()
		return nil, omnierr.Wrap(omnierr.WorkerLaunchFailed, "cannot start worker for "+spec.String(), err)
	}
	metrics.WorkerSpawnsTotal.WithLabelValues("success").Inc()

	sup.mu.Lock()
	sup.workers[spec] = w
	sup.mu.Unlock()
	return w, nil
}

// evict removes spec's worker from the map and shuts it down. Safe to
// call when no worker is present.
func (sup *Supervisor) evict(spec types.Spec, reason string) {
	sup.mu.Lock()
	w, ok := sup.workers[spec]
	delete(sup.workers, spec)
	sup.mu.Unlock()

	if !ok {
		return
	}
	metrics.WorkerEvictionsTotal.WithLabelValues(reason).Inc()
	_ = w.Shutdown(context.Background())
}

// ActiveCounts reports the number of live workers by variant, for
// pkg/metrics' Collector.
func (sup *Supervisor) ActiveCounts() map[string]int {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	counts := map[string]int{"process": 0, "fake": 0}
	for _, w := range sup.workers {
		switch w.(type) {
		case *processWorker:
			counts["process"]++
		case *fakeWorker:
			counts["fake"]++
		}
	}
	return counts
}

// Shutdown stops the reap loop and the bubble watcher, and shuts down
// every live worker.
func (sup *Supervisor) Shutdown(ctx context.Context) {
	close(sup.stopCh)
	sup.wg.Wait()
	if sup.watcher != nil {
		sup.watcher.close()
	}

	sup.mu.Lock()
	specs := make([]types.Spec, 0, len(sup.workers))
	for spec := range sup.workers {
		specs = append(specs, spec)
	}
	sup.mu.Unlock()

	for _, spec := range specs {
		sup.evict(spec, "shutdown")
	}
}
