package process

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Supervisor manages the child processes owned by debug sessions.
//
// It tracks running processes, notifies on exit, and performs graceful
// shutdown with a TERM then KILL escalation. Supervisor is safe for
// concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool

	// onExit is called from the monitor goroutine when a process exits.
	onExit func(p *Process)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithExitCallback sets a callback invoked whenever a managed process exits.
// The callback runs on the monitor goroutine; it must not block.
func WithExitCallback(fn func(p *Process)) Option {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts a new managed process with piped stdin/stdout and
// captured stderr.
//
// Returns ErrSupervisorClosed if the supervisor is shutting down.
func (s *Supervisor) Start(name string, cmd *exec.Cmd) (*Process, error) {
	return s.StartWithID(uuid.New().String(), name, cmd)
}

// StartWithID starts a managed process with a caller-chosen ID.
// Useful for deterministic testing.
func (s *Supervisor) StartWithID(id, name string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorClosed
	}

	if _, exists := s.processes[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	proc := newProcess(id, name, cmd)

	var createdPipes []interface{ Close() error }
	cleanupPipes := func() {
		for _, p := range createdPipes {
			_ = p.Close()
		}
	}

	if cmd.Stdin == nil {
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			cleanupPipes()
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}
		proc.Stdin = stdinPipe
		createdPipes = append(createdPipes, stdinPipe)
	}

	if cmd.Stdout == nil {
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			cleanupPipes()
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		proc.Stdout = stdoutPipe
		createdPipes = append(createdPipes, stdoutPipe)
	}

	if cmd.Stderr == nil {
		cmd.Stderr = stderrWriter{p: proc}
	}

	if err := proc.start(); err != nil {
		cleanupPipes()
		return nil, err
	}

	s.processes[id] = proc
	go s.monitor(proc)

	return proc, nil
}

// monitor watches for process exit and cleans up tracking.
func (s *Supervisor) monitor(proc *Process) {
	<-proc.Done()

	if s.onExit != nil {
		func() {
			defer func() {
				// Callback panics must not take down the supervisor.
				_ = recover()
			}()
			s.onExit(proc)
		}()
	}

	s.mu.Lock()
	delete(s.processes, proc.ID)
	s.mu.Unlock()
}

// Get returns a process by ID, or nil if not found.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// Count returns the number of managed processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Shutdown gracefully stops all managed processes.
//
// Sends SIGTERM to every process, waits up to timeout for them to exit,
// then kills any stragglers. Blocks until all processes have exited and
// been removed from tracking.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	if len(procs) == 0 {
		return
	}

	for _, p := range procs {
		if p.IsRunning() {
			_ = p.Terminate()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, p := range procs {
			if p.IsRunning() {
				_ = p.Kill()
			}
		}
		<-done
	}

	s.waitForCleanup()
}

// waitForCleanup waits for monitor goroutines to remove exited processes.
func (s *Supervisor) waitForCleanup() {
	for {
		s.mu.RLock()
		count := len(s.processes)
		s.mu.RUnlock()
		if count == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// IsShuttingDown returns true if the supervisor is shutting down.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}
