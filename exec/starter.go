package exec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ProcessHandle represents a live long-running process.
// The handle owns the process: callers terminate it via Signal/Kill and
// observe exit via Wait or Done.
type ProcessHandle interface {
	// PID returns the OS process ID.
	PID() int

	// Signal sends a signal to the process.
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait blocks until the process exits and returns its exit error, if any.
	// Safe to call from multiple goroutines.
	Wait() error

	// Done returns a channel that is closed when the process exits.
	Done() <-chan struct{}
}

// Starter abstracts spawning long-lived processes so the server pool can
// launch real coder servers in production while tests inject fakes.
type Starter interface {
	// Start launches a process in dir with extraEnv appended to the parent
	// environment. Combined stdout/stderr is written to output (may be nil).
	Start(dir string, extraEnv []string, output io.Writer, name string, args ...string) (ProcessHandle, error)
}

// RealStarter spawns processes using os/exec.
type RealStarter struct{}

// NewRealStarter returns a new RealStarter.
func NewRealStarter() *RealStarter {
	return &RealStarter{}
}

// Start launches the process and begins monitoring its exit.
func (s *RealStarter) Start(dir string, extraEnv []string, output io.Writer, name string, args ...string) (ProcessHandle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	if output != nil {
		cmd.Stdout = output
		cmd.Stderr = output
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	h := &realProcessHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Sole caller of cmd.Wait(). Wait() and Done() observe the result via
	// the done channel, so the exit status is consumed exactly once.
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

// realProcessHandle wraps a live exec.Cmd.
type realProcessHandle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (h *realProcessHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *realProcessHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *realProcessHandle) Kill() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Kill()
}

func (h *realProcessHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *realProcessHandle) Done() <-chan struct{} {
	return h.done
}

// StartCall records a Start invocation for verification.
type StartCall struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

// StartFunc lets a test hook into each spawn, e.g. to bind a listener on
// the port the pool allocated. Returning an error fails the spawn.
type StartFunc func(call StartCall) (ProcessHandle, error)

// MockStarter records spawns and returns fake process handles.
type MockStarter struct {
	mu    sync.Mutex
	calls []StartCall

	// OnStart, if set, is invoked for each spawn. When nil, a plain
	// FakeProcess is returned.
	OnStart StartFunc
}

// NewMockStarter creates a new MockStarter.
func NewMockStarter() *MockStarter {
	return &MockStarter{}
}

// Start records the call and delegates to OnStart (or returns a FakeProcess).
func (s *MockStarter) Start(dir string, extraEnv []string, output io.Writer, name string, args ...string) (ProcessHandle, error) {
	call := StartCall{Dir: dir, Env: extraEnv, Name: name, Args: args}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	onStart := s.OnStart
	s.mu.Unlock()

	if onStart != nil {
		return onStart(call)
	}
	return NewFakeProcess(), nil
}

// GetCalls returns all recorded spawn invocations.
func (s *MockStarter) GetCalls() []StartCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]StartCall, len(s.calls))
	copy(calls, s.calls)
	return calls
}

// StartCount returns the number of spawns so far.
func (s *MockStarter) StartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// FakeProcess is a ProcessHandle that exits only when told to.
type FakeProcess struct {
	mu       sync.Mutex
	pid      int
	done     chan struct{}
	exitErr  error
	signals  []os.Signal
	killed   bool
	exitOnce sync.Once
}

// NewFakeProcess creates a FakeProcess that is "running" until Exit is called.
func NewFakeProcess() *FakeProcess {
	return &FakeProcess{pid: 4242, done: make(chan struct{})}
}

func (p *FakeProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *FakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(nil)
	return nil
}

func (p *FakeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *FakeProcess) Done() <-chan struct{} {
	return p.done
}

// Exit simulates process termination with the given error.
func (p *FakeProcess) Exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Signals returns the signals delivered so far.
func (p *FakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	sigs := make([]os.Signal, len(p.signals))
	copy(sigs, p.signals)
	return sigs
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Compile-time interface satisfaction checks.
var (
	_ Starter       = (*RealStarter)(nil)
	_ Starter       = (*MockStarter)(nil)
	_ ProcessHandle = (*FakeProcess)(nil)
)
