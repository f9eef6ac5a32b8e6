package worker

import (
	"context"
	"sync"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/loader/fsresolver"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// Executor runs "execute" request code and captures its stdout, the
// in-process analogue of the subprocess worker's redirect-stdout-then-
// exec step. Config.Executor is nil in production; a fakeWorker then
// defaults to an InterpreterExecutor pointed at its own resolver's
// search paths, so "execute" actually runs the pinned version's code
// instead of silently no-opping.
type Executor interface {
	Execute(ctx context.Context, code string) (stdout string, err error)
}

// fakeWorker is the in-process fallback variant: one goroutine per
// spec, each holding a private fsresolver.Resolver scoped to its own
// bubble root instead of a shared Loader scope. A shared Loader would
// mutate one process-wide resolver
// and one shared main-environment directory, which two concurrently
// live fake workers for different specs cannot do without racing each
// other's cloak renames; a private resolver per worker keeps the
// isolation concurrent dispatch requires without a process boundary.
type fakeWorker struct {
	spec     types.Spec
	resolver *fsresolver.Resolver
	executor Executor

	reqCh chan fakeRequest

	mu       sync.Mutex
	state    types.WorkerState
	lastUsed time.Time

	done chan struct{}
}

type fakeRequest struct {
	ctx    context.Context
	req    types.Request
	respCh chan types.Response
}

func (sup *Supervisor) spawnFakeWorker(spec types.Spec, bubbleRoot string) (Worker, error) {
	return newFakeWorker(spec, bubbleRoot, sup.cfg.MainMetaDir, sup.cfg.Executor)
}

func newFakeWorker(spec types.Spec, bubbleRoot, mainMetaDir string, executor Executor) (*fakeWorker, error) {
	var searchPaths, metaPaths []string
	if bubbleRoot != "" {
		searchPaths = append(searchPaths, bubbleRoot)
		metaPaths = append(metaPaths, bubbleRoot)
	}
	if mainMetaDir != "" {
		metaPaths = append(metaPaths, mainMetaDir)
	}

	if executor == nil {
		executor = InterpreterExecutor{PythonPath: searchPaths}
	}

	fw := &fakeWorker{
		spec:     spec,
		resolver: fsresolver.New(searchPaths, metaPaths),
		executor: executor,
		reqCh:    make(chan fakeRequest),
		state:    types.WorkerReady,
		lastUsed: time.Now(),
		done:     make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

func (fw *fakeWorker) loop() {
	for r := range fw.reqCh {
		fw.setState(types.WorkerBusy)
		resp := fw.handle(r.ctx, r.req)
		fw.setState(types.WorkerReady)
		r.respCh <- resp
		if r.req.Type == types.RequestShutdown {
			close(fw.done)
			return
		}
	}
}

func (fw *fakeWorker) setState(s types.WorkerState) {
	fw.mu.Lock()
	fw.state = s
	fw.mu.Unlock()
}

func (fw *fakeWorker) handle(ctx context.Context, req types.Request) types.Response {
	switch req.Type {
	case types.RequestExecute:
		stdout, err := fw.executor.Execute(ctx, req.Code)
		if err != nil {
			return types.Response{Success: false, Error: err.Error()}
		}
		return types.Response{Success: true, Stdout: stdout}
	case types.RequestGetVersion:
		version, ok := fw.resolver.Version(req.Package)
		if !ok {
			return types.Response{Success: false, Error: "no version found for " + req.Package}
		}
		path, _ := fw.resolver.Resolve(req.Package)
		return types.Response{Success: true, Version: version, Path: path}
	case types.RequestShutdown:
		return types.Response{Success: true}
	default:
		return types.Response{Success: false, Error: "unknown request type: " + string(req.Type)}
	}
}

func (fw *fakeWorker) Spec() types.Spec { return fw.spec }

func (fw *fakeWorker) State() types.WorkerState {
	select {
	case <-fw.done:
		return types.WorkerDead
	default:
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.state
}

func (fw *fakeWorker) LastUsed() time.Time {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.lastUsed
}

func (fw *fakeWorker) Execute(ctx context.Context, code string) (types.Response, error) {
	return fw.call(ctx, types.Request{Type: types.RequestExecute, Code: code})
}

func (fw *fakeWorker) GetVersion(ctx context.Context, pkg string) (types.Response, error) {
	return fw.call(ctx, types.Request{Type: types.RequestGetVersion, Package: pkg})
}

func (fw *fakeWorker) Shutdown(ctx context.Context) error {
	_, err := fw.call(ctx, types.Request{Type: types.RequestShutdown})
	return err
}

func (fw *fakeWorker) call(ctx context.Context, req types.Request) (types.Response, error) {
	select {
	case <-fw.done:
		if req.Type == types.RequestShutdown {
			return types.Response{Success: true}, nil
		}
		return types.Response{}, omnierr.New(omnierr.WorkerDied, "worker already shut down")
	default:
	}

	respCh := make(chan types.Response, 1)
	select {
	case fw.reqCh <- fakeRequest{ctx: ctx, req: req, respCh: respCh}:
	case <-fw.done:
		return types.Response{}, omnierr.New(omnierr.WorkerDied, "worker already shut down")
	case <-ctx.Done():
		return types.Response{}, omnierr.Wrap(omnierr.WorkerTimeout, "request cancelled", ctx.Err())
	}

	select {
	case resp := <-respCh:
		fw.mu.Lock()
		fw.lastUsed = time.Now()
		fw.mu.Unlock()
		return resp, nil
	case <-ctx.Done():
		return types.Response{}, omnierr.Wrap(omnierr.WorkerTimeout, "request cancelled", ctx.Err())
	}
}
