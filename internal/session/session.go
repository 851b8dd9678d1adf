// Package session coordinates a simulator and a debugger into one
// debug session, and manages multiple sessions through a Registry.
//
// A session owns two subprocesses (the simulator and the debugger), the
// control channel into the simulator, and the machine-interface bridge
// into the debugger. The lifecycle is strict: NotStarted -> Starting ->
// Ready -> Running/Stopped -> Terminated, with a failed Start rolling
// everything back to NotStarted.
package session

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"

	"github.com/dshills/faultline/internal/arch"
	"github.com/dshills/faultline/internal/logging"
	"github.com/dshills/faultline/internal/mi"
	"github.com/dshills/faultline/internal/process"
	"github.com/dshills/faultline/internal/qmp"
)

// Connection retry schedule for the control channel. The simulator
// needs a moment to open its listener after the process starts.
const (
	connectAttempts = 5
	connectBackoff  = 200 * time.Millisecond
)

// ControlChannel is the simulator control surface a session uses.
// Implemented by *qmp.Client and by test fakes.
type ControlChannel interface {
	Connect(ctx context.Context) error
	Stop(ctx context.Context) error
	Cont(ctx context.Context) error
	SystemReset(ctx context.Context) error
	QueryStatus(ctx context.Context) (qmp.Status, error)
	HumanMonitorCommand(ctx context.Context, cmdline string) (string, error)
	Close() error
}

// DebugBridge is the debugger surface a session uses. Implemented by
// *mi.Bridge and by test fakes.
type DebugBridge interface {
	ConnectRemote(ctx context.Context, addr string) error
	LoadSymbols(ctx context.Context, path string) error
	ContinueExecution(ctx context.Context) (mi.StopEvent, error)
	Halt(ctx context.Context) error
	Step(ctx context.Context, instruction bool) (mi.StopEvent, error)
	Next(ctx context.Context, instruction bool) (mi.StopEvent, error)
	Finish(ctx context.Context) (mi.StopEvent, error)
	ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error)
	ReadAllRegisters(ctx context.Context) (map[string]uint64, error)
	ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error)
	ReadMemoryWord(ctx context.Context, addr uint64) (uint32, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
	SetBreakpoint(ctx context.Context, location string, opts ...mi.BreakpointOption) (mi.Breakpoint, error)
	DeleteBreakpoint(ctx context.Context, number int) error
	EnableBreakpoint(ctx context.Context, number int) error
	DisableBreakpoint(ctx context.Context, number int) error
	Evaluate(ctx context.Context, expr string) (string, error)
	Backtrace(ctx context.Context, limit int) ([]mi.Frame, error)
	Close() error
}

// Config is one session's target configuration.
type Config struct {
	// ELFPath is the firmware image to load and debug.
	ELFPath string
	// Machine and CPU are the simulator's machine and CPU models.
	Machine string
	CPU     string
	// Memory is the simulated RAM size (e.g. "64M").
	Memory string
	// GDBPort and QMPPort are the simulator's debug-stub and control ports.
	GDBPort int
	QMPPort int
	// QEMUPath and GDBPath locate the binaries to spawn.
	QEMUPath string
	GDBPath  string
	// ExtraArgs is appended to the simulator command line.
	ExtraArgs []string
}

// SnapshotRecord tracks one saved VM snapshot.
type SnapshotRecord struct {
	// Name is the snapshot tag.
	Name string
	// Saved is when the snapshot was last saved or observed.
	Saved time.Time
}

// Session is one simulator + debugger debug session.
//
// All exported methods are safe for concurrent use; the session
// serializes its own state transitions, and the underlying channels
// serialize their commands.
type Session struct {
	// Name identifies the session in the registry.
	Name string

	cfg Config
	log *logging.Logger
	sup *process.Supervisor

	mu       sync.Mutex
	state    State
	faulted  bool
	stopping bool
	ctrl     ControlChannel
	dbg      DebugBridge
	qemu     *process.Process
	gdb      *process.Process
	lastStop *mi.StopEvent

	breakpoints map[int]mi.Breakpoint
	snapshots   map[string]SnapshotRecord

	symbolsStale atomic.Bool
	created      time.Time
	target       arch.Target

	// injectable collaborators, overridden in tests
	newControl  func(addr string) ControlChannel
	newBridge   func(p *process.Process) (DebugBridge, error)
	qemuCommand func(cfg Config) *exec.Cmd
	gdbCommand  func(cfg Config) *exec.Cmd
	backoff     time.Duration
	attempts    int
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithControlFactory overrides how the control channel is built.
func WithControlFactory(f func(addr string) ControlChannel) Option {
	return func(s *Session) {
		s.newControl = f
	}
}

// WithBridgeFactory overrides how the debugger bridge is built.
func WithBridgeFactory(f func(p *process.Process) (DebugBridge, error)) Option {
	return func(s *Session) {
		s.newBridge = f
	}
}

// WithQEMUCommand overrides the simulator command line.
func WithQEMUCommand(f func(cfg Config) *exec.Cmd) Option {
	return func(s *Session) {
		s.qemuCommand = f
	}
}

// WithGDBCommand overrides the debugger command line.
func WithGDBCommand(f func(cfg Config) *exec.Cmd) Option {
	return func(s *Session) {
		s.gdbCommand = f
	}
}

// WithConnectRetry overrides the control-channel retry schedule.
func WithConnectRetry(attempts int, backoff time.Duration) Option {
	return func(s *Session) {
		s.attempts = attempts
		s.backoff = backoff
	}
}

// New creates a session. The target architecture is inferred from the
// configured CPU and machine models.
func New(name string, cfg Config, opts ...Option) (*Session, error) {
	target, err := arch.Lookup(arch.Detect(cfg.CPU, cfg.Machine))
	if err != nil {
		return nil, err
	}

	s := &Session{
		Name:        name,
		cfg:         cfg,
		log:         logging.Null,
		state:       StateNotStarted,
		breakpoints: make(map[int]mi.Breakpoint),
		snapshots:   make(map[string]SnapshotRecord),
		created:     time.Now(),
		target:      target,
		backoff:     connectBackoff,
		attempts:    connectAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sup = process.NewSupervisor(process.WithExitCallback(s.onProcessExit))

	if s.newControl == nil {
		s.newControl = func(addr string) ControlChannel {
			return qmp.NewClient(addr, qmp.WithLogger(s.log))
		}
	}
	if s.newBridge == nil {
		s.newBridge = func(p *process.Process) (DebugBridge, error) {
			t, err := mi.NewProcessTransport(p)
			if err != nil {
				return nil, err
			}
			return mi.NewBridge(t, mi.WithLogger(s.log)), nil
		}
	}
	if s.qemuCommand == nil {
		s.qemuCommand = defaultQEMUCommand
	}
	if s.gdbCommand == nil {
		s.gdbCommand = defaultGDBCommand
	}
	return s, nil
}

// defaultQEMUCommand builds the simulator invocation: halted at reset
// (-S), debug stub and control channel listening, no display.
func defaultQEMUCommand(cfg Config) *exec.Cmd {
	args := []string{
		"-machine", cfg.Machine,
		"-cpu", cfg.CPU,
		"-m", cfg.Memory,
		"-kernel", cfg.ELFPath,
		"-gdb", "tcp::" + strconv.Itoa(cfg.GDBPort),
		"-qmp", fmt.Sprintf("tcp:127.0.0.1:%d,server,wait=off", cfg.QMPPort),
		"-nographic",
		"-S",
	}
	args = append(args, cfg.ExtraArgs...)
	return exec.Command(cfg.QEMUPath, args...)
}

// defaultGDBCommand builds the debugger invocation in machine-interface
// mode.
func defaultGDBCommand(cfg Config) *exec.Cmd {
	return exec.Command(cfg.GDBPath, "--interpreter=mi3", "-q", "-nx")
}

// Config returns the session's configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Target returns the session's architecture implementation.
func (s *Session) Target() arch.Target {
	return s.target
}

// Created returns the session creation time.
func (s *Session) Created() time.Time {
	return s.created
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Faulted reports whether the last halt looked like a fault. It is a
// sub-state of Stopped: State still reports Stopped.
func (s *Session) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

// LastStop returns the most recent stop event, or nil before any halt.
func (s *Session) LastStop() *mi.StopEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

// Start brings the session up: spawn the simulator halted at reset,
// connect and negotiate the control channel (with retries while the
// listener comes up), spawn the debugger, load symbols, and attach to
// the debug stub. Any failure tears down everything started so far and
// returns the session to NotStarted with the causing error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted:
		s.state = StateStarting
	case StateTerminated:
		s.mu.Unlock()
		return ErrNotReady
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	if err := s.startLocked(ctx); err != nil {
		s.rollback()
		return fmt.Errorf("start session %s: %w", s.Name, err)
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info("session started: elf=%s machine=%s cpu=%s gdb=%d qmp=%d",
		s.cfg.ELFPath, s.cfg.Machine, s.cfg.CPU, s.cfg.GDBPort, s.cfg.QMPPort)
	return nil
}

// startLocked runs the Start sequence. State is already Starting.
func (s *Session) startLocked(ctx context.Context) error {
	qemuProc, err := s.sup.Start("qemu", s.qemuCommand(s.cfg))
	if err != nil {
		return fmt.Errorf("spawn simulator: %w", err)
	}
	s.mu.Lock()
	s.qemu = qemuProc
	s.mu.Unlock()

	ctrl := s.newControl(fmt.Sprintf("127.0.0.1:%d", s.cfg.QMPPort))
	if err := s.connectControl(ctx, ctrl); err != nil {
		ctrl.Close()
		return fmt.Errorf("control channel: %w", err)
	}
	s.mu.Lock()
	s.ctrl = ctrl
	s.mu.Unlock()

	gdbProc, err := s.sup.Start("gdb", s.gdbCommand(s.cfg))
	if err != nil {
		return fmt.Errorf("spawn debugger: %w", err)
	}
	s.mu.Lock()
	s.gdb = gdbProc
	s.mu.Unlock()

	dbg, err := s.newBridge(gdbProc)
	if err != nil {
		return fmt.Errorf("debugger bridge: %w", err)
	}
	s.mu.Lock()
	s.dbg = dbg
	s.mu.Unlock()

	if err := dbg.LoadSymbols(ctx, s.cfg.ELFPath); err != nil {
		return err
	}
	if err := dbg.ConnectRemote(ctx, fmt.Sprintf("localhost:%d", s.cfg.GDBPort)); err != nil {
		return err
	}
	return nil
}

// connectControl retries the control-channel connect while the
// simulator's listener comes up, doubling the delay between attempts.
func (s *Session) connectControl(ctx context.Context, ctrl ControlChannel) error {
	backoff := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = ctrl.Connect(ctx); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.log.Debug("control connect attempt %d failed: %v", attempt, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("after %d attempts: %w", s.attempts, err)
}

// rollback tears down a partial Start and returns to NotStarted.
func (s *Session) rollback() {
	s.mu.Lock()
	s.stopping = true
	dbg, ctrl := s.dbg, s.ctrl
	s.dbg, s.ctrl = nil, nil
	s.qemu, s.gdb = nil, nil
	s.mu.Unlock()

	if dbg != nil {
		_ = dbg.Close()
	}
	if ctrl != nil {
		_ = ctrl.Close()
	}
	s.sup.Shutdown(2 * time.Second)

	s.mu.Lock()
	// A fresh supervisor so a later Start is not rejected by the
	// shut-down one.
	s.sup = process.NewSupervisor(process.WithExitCallback(s.onProcessExit))
	s.state = StateNotStarted
	s.stopping = false
	s.mu.Unlock()
}

// onProcessExit handles a child dying on its own. A simulator exit
// outside a deliberate teardown kills the session.
func (s *Session) onProcessExit(p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.state == StateTerminated || s.state == StateNotStarted {
		return
	}
	if p != s.qemu {
		return
	}

	s.log.Error("simulator exited unexpectedly (code %d): %s", p.ExitCode(), p.StderrOutput())
	s.state = StateTerminated
}

// ensureReady fails operations before Ready or after Terminated.
func (s *Session) ensureReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.usable() {
		return fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}
	return nil
}

// bridge returns the debugger bridge after a readiness check.
func (s *Session) bridge() (DebugBridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.usable() {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}
	return s.dbg, nil
}

// control returns the control channel after a readiness check.
func (s *Session) control() (ControlChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.usable() {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}
	return s.ctrl, nil
}

// recordStop updates state from a halt. Signal-delivered stops mark the
// session faulted; any other halt clears the flag.
func (s *Session) recordStop(ev mi.StopEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return
	}
	s.state = StateStopped
	s.lastStop = &ev
	s.faulted = ev.Reason == mi.ReasonSignal
}

// setRunning marks the target as executing.
func (s *Session) setRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = StateRunning
		s.faulted = false
	}
}

// ContinueExecution resumes the target and blocks until it halts. A
// deadline on ctx bounds the run: on expiry the target is interrupted
// and the returned event carries the synthetic timeout reason.
func (s *Session) ContinueExecution(ctx context.Context) (mi.StopEvent, error) {
	dbg, err := s.bridge()
	if err != nil {
		return mi.StopEvent{}, err
	}

	s.setRunning()
	ev, err := dbg.ContinueExecution(ctx)
	if err != nil {
		return mi.StopEvent{}, err
	}
	s.recordStop(ev)
	return ev, nil
}

// Halt interrupts a running target.
func (s *Session) Halt(ctx context.Context) error {
	dbg, err := s.bridge()
	if err != nil {
		return err
	}
	if err := dbg.Halt(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopped
	}
	s.mu.Unlock()
	return nil
}

// Step executes one source line (or one instruction), stepping into calls.
func (s *Session) Step(ctx context.Context, instruction bool) (mi.StopEvent, error) {
	dbg, err := s.bridge()
	if err != nil {
		return mi.StopEvent{}, err
	}

	s.setRunning()
	ev, err := dbg.Step(ctx, instruction)
	if err != nil {
		return mi.StopEvent{}, err
	}
	s.recordStop(ev)
	return ev, nil
}

// StepOver executes one source line (or one instruction), stepping over
// calls.
func (s *Session) StepOver(ctx context.Context, instruction bool) (mi.StopEvent, error) {
	dbg, err := s.bridge()
	if err != nil {
		return mi.StopEvent{}, err
	}

	s.setRunning()
	ev, err := dbg.Next(ctx, instruction)
	if err != nil {
		return mi.StopEvent{}, err
	}
	s.recordStop(ev)
	return ev, nil
}

// Finish runs until the current function returns.
func (s *Session) Finish(ctx context.Context) (mi.StopEvent, error) {
	dbg, err := s.bridge()
	if err != nil {
		return mi.StopEvent{}, err
	}

	s.setRunning()
	ev, err := dbg.Finish(ctx)
	if err != nil {
		return mi.StopEvent{}, err
	}
	s.recordStop(ev)
	return ev, nil
}

// ReadRegisters reads the named registers. With no names it reads the
// architecture's full general-purpose set.
func (s *Session) ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error) {
	dbg, err := s.bridge()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = s.target.RegisterNames()
	}
	return dbg.ReadRegisters(ctx, names)
}

// ReadRegister reads one register.
func (s *Session) ReadRegister(ctx context.Context, name string) (uint64, error) {
	regs, err := s.ReadRegisters(ctx, []string{name})
	if err != nil {
		return 0, err
	}
	return regs[name], nil
}

// ReadAllRegisters reads every scalar register the debugger names.
func (s *Session) ReadAllRegisters(ctx context.Context) (map[string]uint64, error) {
	dbg, err := s.bridge()
	if err != nil {
		return nil, err
	}
	return dbg.ReadAllRegisters(ctx)
}

// ReadMemory reads size bytes of target memory at addr.
func (s *Session) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	dbg, err := s.bridge()
	if err != nil {
		return nil, err
	}
	return dbg.ReadMemory(ctx, addr, size)
}

// ReadMemoryWord reads one 32-bit little-endian word at addr.
func (s *Session) ReadMemoryWord(ctx context.Context, addr uint64) (uint32, error) {
	dbg, err := s.bridge()
	if err != nil {
		return 0, err
	}
	return dbg.ReadMemoryWord(ctx, addr)
}

// WriteMemory writes data to target memory at addr.
func (s *Session) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	dbg, err := s.bridge()
	if err != nil {
		return err
	}
	return dbg.WriteMemory(ctx, addr, data)
}

// Evaluate evaluates an expression in the current frame.
func (s *Session) Evaluate(ctx context.Context, expr string) (string, error) {
	dbg, err := s.bridge()
	if err != nil {
		return "", err
	}
	return dbg.Evaluate(ctx, expr)
}

// Backtrace returns up to limit stack frames.
func (s *Session) Backtrace(ctx context.Context, limit int) ([]mi.Frame, error) {
	dbg, err := s.bridge()
	if err != nil {
		return nil, err
	}
	return dbg.Backtrace(ctx, limit)
}

// SetBreakpoint inserts a breakpoint and records it.
func (s *Session) SetBreakpoint(ctx context.Context, location string, opts ...mi.BreakpointOption) (mi.Breakpoint, error) {
	dbg, err := s.bridge()
	if err != nil {
		return mi.Breakpoint{}, err
	}

	bp, err := dbg.SetBreakpoint(ctx, location, opts...)
	if err != nil {
		return mi.Breakpoint{}, err
	}

	s.mu.Lock()
	s.breakpoints[bp.Number] = bp
	s.mu.Unlock()
	return bp, nil
}

// DeleteBreakpoint removes a breakpoint and its record.
func (s *Session) DeleteBreakpoint(ctx context.Context, number int) error {
	dbg, err := s.bridge()
	if err != nil {
		return err
	}
	if err := dbg.DeleteBreakpoint(ctx, number); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.breakpoints, number)
	s.mu.Unlock()
	return nil
}

// Breakpoints lists the session's recorded breakpoints by number.
func (s *Session) Breakpoints() []mi.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := maps.Values(s.breakpoints)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Reset resets the simulated machine.
func (s *Session) Reset(ctx context.Context) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	return ctrl.SystemReset(ctx)
}

// Pause pauses the simulator itself (not the debug stub).
func (s *Session) Pause(ctx context.Context) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	return ctrl.Stop(ctx)
}

// Resume resumes a simulator paused with Pause.
func (s *Session) Resume(ctx context.Context) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	return ctrl.Cont(ctx)
}

// SimulatorStatus queries the simulator's own execution status.
func (s *Session) SimulatorStatus(ctx context.Context) (qmp.Status, error) {
	ctrl, err := s.control()
	if err != nil {
		return qmp.Status{}, err
	}
	return ctrl.QueryStatus(ctx)
}

// SaveSnapshot saves a named VM snapshot and records it on success.
func (s *Session) SaveSnapshot(ctx context.Context, name string) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	if _, err := ctrl.HumanMonitorCommand(ctx, "savevm "+name); err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}

	s.mu.Lock()
	s.snapshots[name] = SnapshotRecord{Name: name, Saved: time.Now()}
	s.mu.Unlock()
	return nil
}

// LoadSnapshot restores a named VM snapshot. Names without a local
// record are still attempted, since the simulator owns the truth; a
// record is created when the load succeeds.
func (s *Session) LoadSnapshot(ctx context.Context, name string) error {
	ctrl, err := s.control()
	if err != nil {
		return err
	}
	if _, err := ctrl.HumanMonitorCommand(ctx, "loadvm "+name); err != nil {
		return fmt.Errorf("load snapshot %s: %w", name, err)
	}

	s.mu.Lock()
	if _, ok := s.snapshots[name]; !ok {
		s.snapshots[name] = SnapshotRecord{Name: name, Saved: time.Now()}
	}
	s.mu.Unlock()
	return nil
}

// DeleteSnapshot deletes a recorded snapshot.
func (s *Session) DeleteSnapshot(ctx context.Context, name string) error {
	s.mu.Lock()
	_, known := s.snapshots[name]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrNoSnapshot, name)
	}

	ctrl, err := s.control()
	if err != nil {
		return err
	}
	if _, err := ctrl.HumanMonitorCommand(ctx, "delvm "+name); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.snapshots, name)
	s.mu.Unlock()
	return nil
}

// Snapshots lists recorded snapshots sorted by name.
func (s *Session) Snapshots() []SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := maps.Values(s.snapshots)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SymbolsStale reports whether the target binary changed on disk since
// symbols were loaded.
func (s *Session) SymbolsStale() bool {
	return s.symbolsStale.Load()
}

// MarkSymbolsStale flags the loaded symbols as outdated. Wired to the
// binary watcher.
func (s *Session) MarkSymbolsStale() {
	if !s.symbolsStale.Swap(true) {
		s.log.Warn("target binary changed on disk; symbols are stale")
	}
}

// ReloadSymbols re-reads the symbol file and clears the stale flag.
func (s *Session) ReloadSymbols(ctx context.Context) error {
	dbg, err := s.bridge()
	if err != nil {
		return err
	}
	if err := dbg.LoadSymbols(ctx, s.cfg.ELFPath); err != nil {
		return err
	}
	s.symbolsStale.Store(false)
	return nil
}

// ReadFaultState reads and decodes the architecture's fault registers.
func (s *Session) ReadFaultState(ctx context.Context) (arch.FaultState, error) {
	if err := s.ensureReady(); err != nil {
		return arch.FaultState{}, err
	}
	return s.target.ReadFaultState(ctx, s)
}

// DecodeExceptionFrame parses the exception frame at sp (0 = current).
func (s *Session) DecodeExceptionFrame(ctx context.Context, sp uint64) (arch.ExceptionFrame, error) {
	if err := s.ensureReady(); err != nil {
		return arch.ExceptionFrame{}, err
	}
	return s.target.DecodeExceptionFrame(ctx, s, sp)
}

// CheckInterruptConfig analyzes the interrupt controller configuration.
func (s *Session) CheckInterruptConfig(ctx context.Context) (arch.InterruptAnalysis, error) {
	if err := s.ensureReady(); err != nil {
		return arch.InterruptAnalysis{}, err
	}
	return s.target.CheckInterruptConfig(ctx, s)
}

// MemoryProtection reads the memory-protection configuration.
func (s *Session) MemoryProtection(ctx context.Context) (arch.MemoryProtectionConfig, error) {
	if err := s.ensureReady(); err != nil {
		return arch.MemoryProtectionConfig{}, err
	}
	return s.target.MemoryProtection(ctx, s)
}

// AnalyzeCrash gathers fault state, the exception frame, and interrupt
// configuration into one report.
func (s *Session) AnalyzeCrash(ctx context.Context) (arch.CrashReport, error) {
	if err := s.ensureReady(); err != nil {
		return arch.CrashReport{}, err
	}
	return arch.AnalyzeCrash(ctx, s.target, s)
}

// Stop tears the session down: debugger bridge, then control channel,
// then the child processes, each best-effort and independent. The
// session always ends Terminated. Stopping a terminated session is a
// no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated && s.ctrl == nil && s.dbg == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	dbg, ctrl := s.dbg, s.ctrl
	s.dbg, s.ctrl = nil, nil
	s.mu.Unlock()

	if dbg != nil {
		if err := dbg.Close(); err != nil {
			s.log.Warn("debugger teardown: %v", err)
		}
	}
	if ctrl != nil {
		if err := ctrl.Close(); err != nil {
			s.log.Warn("control teardown: %v", err)
		}
	}
	s.sup.Shutdown(2 * time.Second)

	s.mu.Lock()
	s.state = StateTerminated
	s.stopping = false
	s.mu.Unlock()

	s.log.Info("session stopped")
	return nil
}
