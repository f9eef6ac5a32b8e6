package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// WorkerBootSubcommand is the hidden cobra subcommand name procworker
// spawns on os.Executable(), re-execing the daemon binary as its own worker
// child rather than shelling out to a second built binary.
const WorkerBootSubcommand = "internal-worker-boot"

// processWorker is a child process pinned to one spec: stdin carries
// inbound JSON-line commands, a dedicated ExtraFiles pipe carries
// outbound JSON-line responses, and stdout/stderr are left free for the
// worker's own human-readable logs.
type processWorker struct {
	spec types.Spec

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	resp     *bufio.Reader
	respFile *os.File

	mu       sync.Mutex
	state    types.WorkerState
	lastUsed time.Time

	done chan struct{}
}

func (sup *Supervisor) spawnProcessWorker(spec types.Spec, bubbleRoot string) (Worker, error) {
	return newProcessWorker(spec, bubbleRoot, sup.cfg.MainSiteDir, sup.cfg.MainMetaDir, sup.cfg.HandshakeTimeout)
}

func newProcessWorker(spec types.Spec, bubbleRoot, mainSiteDir, mainMetaDir string, handshakeTimeout time.Duration) (*processWorker, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}

	respRead, respWrite, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exePath, WorkerBootSubcommand, spec.String(), bubbleRoot)
	cmd.Env = append(os.Environ(),
		"OMNIPKG_MAIN_SITE_DIR="+mainSiteDir,
		"OMNIPKG_MAIN_META_DIR="+mainMetaDir,
	)
	cmd.ExtraFiles = []*os.File{respWrite}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		respRead.Close()
		respWrite.Close()
		return nil, err
	}
	stdoutLogs, err := cmd.StdoutPipe()
	if err != nil {
		respRead.Close()
		respWrite.Close()
		return nil, err
	}
	stderrLogs, err := cmd.StderrPipe()
	if err != nil {
		respRead.Close()
		respWrite.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		respRead.Close()
		respWrite.Close()
		return nil, err
	}
	// The child inherited respWrite; the parent only ever reads.
	respWrite.Close()

	go streamLogs(spec, stdoutLogs)
	go streamLogs(spec, stderrLogs)

	p := &processWorker{
		spec:     spec,
		cmd:      cmd,
		stdin:    stdin,
		resp:     bufio.NewReader(respRead),
		respFile: respRead,
		state:    types.WorkerStarting,
		lastUsed: time.Now(),
		done:     make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		close(p.done)
		respRead.Close()
	}()

	if err := p.awaitHandshake(handshakeTimeout); err != nil {
		p.kill()
		return nil, err
	}

	p.mu.Lock()
	p.state = types.WorkerReady
	p.mu.Unlock()
	return p, nil
}

func (p *processWorker) awaitHandshake(timeout time.Duration) error {
	type result struct {
		hs  types.Handshake
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.resp.ReadString('\n')
		if err != nil {
			ch <- result{err: err}
			return
		}
		var hs types.Handshake
		if err := json.Unmarshal([]byte(line), &hs); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{hs: hs}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return omnierr.Wrap(omnierr.WorkerLaunchFailed, "worker handshake read failed", r.err)
		}
		if r.hs.Status != "ready" {
			return omnierr.New(omnierr.WorkerLaunchFailed, "worker handshake error: "+r.hs.Message)
		}
		return nil
	case <-p.done:
		return omnierr.New(omnierr.WorkerLaunchFailed, "worker exited before handshake")
	case <-time.After(timeout):
		return omnierr.New(omnierr.WorkerLaunchFailed, "worker handshake timed out")
	}
}

func (p *processWorker) Spec() types.Spec { return p.spec }

func (p *processWorker) State() types.WorkerState {
	select {
	case <-p.done:
		return types.WorkerDead
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *processWorker) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func (p *processWorker) Execute(ctx context.Context, code string) (types.Response, error) {
	return p.call(ctx, types.Request{Type: types.RequestExecute, Code: code})
}

func (p *processWorker) GetVersion(ctx context.Context, pkg string) (types.Response, error) {
	return p.call(ctx, types.Request{Type: types.RequestGetVersion, Package: pkg})
}

// call writes req to stdin and reads exactly one response line,
// serializing access via mu so requests to this worker are strictly
// FIFO. It checks for a dead process before sending rather than
// discovering the death on a failed write.
func (p *processWorker) call(ctx context.Context, req types.Request) (types.Response, error) {
	select {
	case <-p.done:
		return types.Response{}, omnierr.New(omnierr.WorkerDied, "worker process already exited")
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = types.WorkerBusy
	defer func() {
		p.state = types.WorkerReady
		p.lastUsed = time.Now()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return types.Response{}, omnierr.Wrap(omnierr.ProtocolError, "cannot encode request", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return types.Response{}, omnierr.Wrap(omnierr.WorkerDied, "cannot write to worker stdin", err)
	}

	type result struct {
		resp types.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		respLine, err := p.resp.ReadString('\n')
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp types.Response
		if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{resp: resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return types.Response{}, omnierr.Wrap(omnierr.WorkerDied, "worker response read failed", r.err)
		}
		return r.resp, nil
	case <-p.done:
		return types.Response{}, omnierr.New(omnierr.WorkerDied, "worker process exited mid-request")
	case <-ctx.Done():
		// The response reader goroutine above is still blocked on
		// p.resp.ReadString for this request's reply. Leaving the
		// worker alive would let a later call() write a new request
		// and start reading the same respRead concurrently with that
		// orphaned goroutine, scrambling which response line answers
		// which request. Killing the process closes respRead, so the
		// orphaned read unblocks with an error instead of racing the
		// next request; the worker is gone either way once it has
		// missed a deadline, matching the died-worker retry Dispatch
		// already does.
		go p.kill()
		return types.Response{}, omnierr.Wrap(omnierr.WorkerTimeout, "request cancelled", ctx.Err())
	}
}

// Shutdown sends a shutdown command and waits briefly for the process
// to exit on its own, falling back to SIGTERM then SIGKILL.
func (p *processWorker) Shutdown(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	line, _ := json.Marshal(types.Request{Type: types.RequestShutdown})
	_, _ = p.stdin.Write(append(line, '\n'))
	p.mu.Unlock()

	if p.waitExit(time.Second) {
		return nil
	}

	_ = unix.Kill(p.cmd.Process.Pid, unix.SIGTERM)
	if p.waitExit(time.Second) {
		return nil
	}

	p.kill()
	return nil
}

func (p *processWorker) waitExit(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *processWorker) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.waitExit(5 * time.Second)
}

func streamLogs(spec types.Spec, r io.Reader) {
	log := obslog.WithSpec(spec.String())
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info().Msg(scanner.Text())
	}
}
