// Package supervisor runs backends as child processes and binds them to a
// channel endpoint.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/channel"
	"github.com/mattjoyce/pt2/internal/protocol"
)

// ProviderPlaceholder in an executable template is replaced by the backend
// runtime invocation.
const ProviderPlaceholder = "$PROVIDER"

const (
	defaultWaitTimeout = 5 * time.Second
	defaultKillTimeout = 10 * time.Second
	maxLineBytes       = 64 * 1024
)

// Options configures how processes are launched.
type Options struct {
	// SocketDir holds the channel endpoints. Required.
	SocketDir string
	// ProviderPath is the backend runtime binary substituted for $PROVIDER.
	ProviderPath string
	// WorkDir is the working directory of every child.
	WorkDir string
	// Env is appended to the manager's environment.
	Env []string
	// RegisterTimeout kills a backend that has not registered in time. Zero disables.
	RegisterTimeout time.Duration
	// WaitTimeout bounds WaitForStopped when the context has no deadline.
	WaitTimeout time.Duration
	// KillTimeout bounds how long Kill waits for the process to exit.
	KillTimeout time.Duration
	// SendTimeout is how long a backend may leave a message unread before it
	// is killed. Zero uses channel.DefaultWriteTimeout.
	SendTimeout time.Duration
	// Operations overrides the operation table.
	Operations protocol.Table
}

// running is one launched child.
type running struct {
	cmd      *exec.Cmd
	endpoint *channel.Endpoint
	exited   chan struct{}
	killing  bool
}

// Process is a backend running as a child process.
type Process struct {
	*backend.Wrapper
	opts Options

	mu      sync.Mutex
	current *running
}

// New returns a stopped process backend.
func New(desc backend.Descriptor, opts Options) *Process {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = defaultKillTimeout
	}
	if opts.ProviderPath == "" {
		opts.ProviderPath = "pt2-provider"
	}
	p := &Process{
		Wrapper: backend.NewWrapper(desc, opts.Operations),
		opts:    opts,
	}
	p.SetDriver(p)
	return p
}

// Launch binds the endpoint and starts the child. Launch failures leave the
// backend Invalid with no process running.
func (p *Process) Launch(ctx context.Context) error {
	if p.Identifier() == "" {
		p.Fail("No identifier was set")
		return fmt.Errorf("launch: no identifier was set")
	}
	if err := p.BeginLaunch(); err != nil {
		return err
	}
	logger := p.Logger()

	// Faults are handled once Launch has settled p.current.
	ready := make(chan struct{})
	defer close(ready)

	var ep *channel.Endpoint
	name := channel.Name(p.Identifier())
	ep, err := channel.Listen(p.opts.SocketDir, name, p.HandleMessage,
		channel.WithWriteTimeout(p.opts.SendTimeout),
		channel.WithFaultHandler(func(err error) {
			go func() {
				<-ready
				p.channelFault(ep, err)
			}()
		}))
	if err != nil {
		p.Fail(fmt.Sprintf("Failed to bind endpoint: %v", err))
		return fmt.Errorf("launch %s: %w", p.Identifier(), err)
	}

	argv, err := p.commandLine(name)
	if err != nil {
		_ = ep.Close()
		p.Fail(fmt.Sprintf("Invalid executable: %v", err))
		return fmt.Errorf("launch %s: %w", p.Identifier(), err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.opts.WorkDir
	cmd.Env = append(os.Environ(), channel.SocketDirEnv+"="+p.opts.SocketDir)
	cmd.Env = append(cmd.Env, p.opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = ep.Close()
		p.Fail(fmt.Sprintf("Failed to start backend: %v", err))
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = ep.Close()
		p.Fail(fmt.Sprintf("Failed to start backend: %v", err))
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	logger.Debug("starting backend", "argv", argv, "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		_ = ep.Close()
		p.Fail(fmt.Sprintf("Failed to start backend: %v", err))
		return fmt.Errorf("start process: %w", err)
	}

	r := &running{cmd: cmd, endpoint: ep, exited: make(chan struct{})}
	p.mu.Lock()
	p.current = r
	p.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go p.drain(&streams, "stdout", stdout)
	go p.drain(&streams, "stderr", stderr)
	go p.watch(r, &streams)

	if p.opts.RegisterTimeout > 0 {
		go p.registrationDeadline(r, p.opts.RegisterTimeout)
	}
	return nil
}

// commandLine expands the executable template and appends the identifier
// and configured arguments.
func (p *Process) commandLine(endpointName string) ([]string, error) {
	desc := p.Descriptor()
	provider := shellQuote(p.opts.ProviderPath) + " --plugin"
	expanded := strings.ReplaceAll(desc.Executable, ProviderPlaceholder, provider)

	argv, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse executable %q: %w", desc.Executable, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("executable is empty")
	}
	argv = append(argv, "--identifier", endpointName)
	return append(argv, desc.ArgumentList()...), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// drain forwards a child stream to the log line by line. Over-long lines are
// discarded so the child never blocks on a full pipe.
func (p *Process) drain(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	logger := p.Logger()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for s.Scan() {
		logger.Info("backend output", "stream", stream, "line", s.Text())
	}
	if err := s.Err(); err != nil {
		logger.Warn("backend output unreadable, discarding", "stream", stream, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) watch(r *running, streams *sync.WaitGroup) {
	streams.Wait()
	err := r.cmd.Wait()

	if cerr := r.endpoint.Close(); cerr != nil {
		p.Logger().Warn("failed to unbind endpoint", "error", cerr)
	}

	p.mu.Lock()
	killing := r.killing
	p.mu.Unlock()

	switch status := p.Status(); {
	case status == backend.StatusStopping || killing:
		p.CompareAndSetStatus(backend.StatusStopped,
			backend.StatusLaunching, backend.StatusLaunched, backend.StatusStopping)
	case err != nil && (status == backend.StatusLaunching || status == backend.StatusLaunched):
		p.Fail(describeExit(err))
	default:
		p.CompareAndSetStatus(backend.StatusStopped, backend.StatusLaunching, backend.StatusLaunched)
	}
	p.Logger().Info("backend exited", "error", errString(err))

	close(r.exited)
	p.mu.Lock()
	if p.current == r {
		p.current = nil
	}
	p.mu.Unlock()
}

func (p *Process) registrationDeadline(r *running, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.exited:
		return
	case <-t.C:
	}

	p.mu.Lock()
	same := p.current == r
	p.mu.Unlock()
	if !same || p.Status() != backend.StatusLaunching {
		return
	}
	reason := fmt.Sprintf("backend did not register within %s", d)
	p.Logger().Warn("registration deadline expired", "timeout", d)
	if err := p.Kill(); err != nil {
		p.Logger().Error("failed to kill unregistered backend", "error", err)
	}
	p.Fail(reason)
}

// channelFault kills a backend whose channel broke because it sent garbage
// or stopped reading.
func (p *Process) channelFault(ep *channel.Endpoint, err error) {
	p.mu.Lock()
	same := p.current != nil && p.current.endpoint == ep
	p.mu.Unlock()
	if !same {
		return
	}

	var reason string
	switch {
	case errors.Is(err, channel.ErrMalformed):
		reason = "Malformed message: " + strings.TrimPrefix(err.Error(), channel.ErrMalformed.Error()+": ")
	case errors.Is(err, channel.ErrStalled):
		reason = fmt.Sprintf("Channel stalled: %v", err)
	default:
		reason = fmt.Sprintf("Channel failed: %v", err)
	}
	p.Logger().Warn("protocol violation", "error", err)
	if kerr := p.Kill(); kerr != nil {
		p.Logger().Error("failed to kill faulted backend", "error", kerr)
	}
	p.Fail(reason)
}

func describeExit(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("Backend crashed: %s", ws.Signal())
		}
		return fmt.Sprintf("Backend exited with status %d", exitErr.ExitCode())
	}
	return fmt.Sprintf("Backend failed: %v", err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Send delivers msg to the child's endpoint.
func (p *Process) Send(msg protocol.Message) error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return channel.ErrClosed
	}
	return r.endpoint.Send(msg)
}

// Stop sends SIGTERM. It is a no-op when no process is running.
func (p *Process) Stop() error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	if !p.CompareAndSetStatus(backend.StatusStopping, backend.StatusLaunching, backend.StatusLaunched) {
		return nil
	}
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	return nil
}

// WaitForStopped blocks until the child has exited. Without a context
// deadline it waits at most Options.WaitTimeout.
func (p *Process) WaitForStopped(ctx context.Context) error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.WaitTimeout)
		defer cancel()
	}
	select {
	case <-r.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", p.Identifier(), ctx.Err())
	}
}

// Kill sends SIGKILL and waits for the child to exit. The status is Stopped
// afterwards unless the backend was marked invalid meanwhile.
func (p *Process) Kill() error {
	p.mu.Lock()
	r := p.current
	if r != nil {
		r.killing = true
	}
	p.mu.Unlock()
	if r == nil {
		return nil
	}

	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.Logger().Error("failed to send SIGKILL", "error", err)
	}

	t := time.NewTimer(p.opts.KillTimeout)
	defer t.Stop()
	select {
	case <-r.exited:
	case <-t.C:
		return fmt.Errorf("backend %s did not exit within %s after SIGKILL", p.Identifier(), p.opts.KillTimeout)
	}
	p.CompareAndSetStatus(backend.StatusStopped,
		backend.StatusLaunching, backend.StatusLaunched, backend.StatusStopping)
	return nil
}

var _ backend.Backend = (*Process)(nil)
