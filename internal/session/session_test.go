package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/dshills/faultline/internal/mi"
	"github.com/dshills/faultline/internal/process"
	"github.com/dshills/faultline/internal/qmp"
)

// fakeControl is a scripted ControlChannel.
type fakeControl struct {
	mu          sync.Mutex
	failConnect int // fail this many Connect calls before succeeding
	connects    int
	closed      bool
	monitorErr  error
	monitorLog  []string
}

func (f *fakeControl) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failConnect {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeControl) Stop(ctx context.Context) error        { return nil }
func (f *fakeControl) Cont(ctx context.Context) error        { return nil }
func (f *fakeControl) SystemReset(ctx context.Context) error { return nil }

func (f *fakeControl) QueryStatus(ctx context.Context) (qmp.Status, error) {
	return qmp.Status{Running: false, Status: "paused"}, nil
}

func (f *fakeControl) HumanMonitorCommand(ctx context.Context, cmdline string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitorLog = append(f.monitorLog, cmdline)
	if f.monitorErr != nil {
		return "", f.monitorErr
	}
	return "", nil
}

func (f *fakeControl) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControl) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeControl) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBridge is a scripted DebugBridge.
type fakeBridge struct {
	mu          sync.Mutex
	symbols     []string
	remoteAddr  string
	stopEvent   mi.StopEvent
	stopErr     error
	halts       int
	closed      bool
	breakNumber int
}

func (f *fakeBridge) ConnectRemote(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAddr = addr
	return nil
}

func (f *fakeBridge) LoadSymbols(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, path)
	return nil
}

func (f *fakeBridge) ContinueExecution(ctx context.Context) (mi.StopEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopEvent, f.stopErr
}

func (f *fakeBridge) Halt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	return nil
}

func (f *fakeBridge) Step(ctx context.Context, instruction bool) (mi.StopEvent, error) {
	return mi.StopEvent{Reason: mi.ReasonStep, PC: 0x100}, nil
}

func (f *fakeBridge) Next(ctx context.Context, instruction bool) (mi.StopEvent, error) {
	return mi.StopEvent{Reason: mi.ReasonStep, PC: 0x104}, nil
}

func (f *fakeBridge) Finish(ctx context.Context) (mi.StopEvent, error) {
	return mi.StopEvent{Reason: mi.ReasonFunction, PC: 0x200}, nil
}

func (f *fakeBridge) ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(names))
	for _, n := range names {
		out[n] = 0x42
	}
	return out, nil
}

func (f *fakeBridge) ReadAllRegisters(ctx context.Context) (map[string]uint64, error) {
	return map[string]uint64{"pc": 0x42}, nil
}

func (f *fakeBridge) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (f *fakeBridge) ReadMemoryWord(ctx context.Context, addr uint64) (uint32, error) {
	return 0, nil
}

func (f *fakeBridge) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	return nil
}

func (f *fakeBridge) SetBreakpoint(ctx context.Context, location string, opts ...mi.BreakpointOption) (mi.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakNumber++
	return mi.Breakpoint{Number: f.breakNumber, Function: location, Enabled: true}, nil
}

func (f *fakeBridge) DeleteBreakpoint(ctx context.Context, number int) error  { return nil }
func (f *fakeBridge) EnableBreakpoint(ctx context.Context, number int) error  { return nil }
func (f *fakeBridge) DisableBreakpoint(ctx context.Context, number int) error { return nil }

func (f *fakeBridge) Evaluate(ctx context.Context, expr string) (string, error) {
	return "0x42", nil
}

func (f *fakeBridge) Backtrace(ctx context.Context, limit int) ([]mi.Frame, error) {
	return []mi.Frame{{Level: 0, Function: "main"}}, nil
}

func (f *fakeBridge) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// testConfig builds a session config pointing at harmless commands.
func testConfig() Config {
	return Config{
		ELFPath: "/tmp/firmware.elf",
		Machine: "lm3s6965evb",
		CPU:     "cortex-m3",
		Memory:  "64M",
		GDBPort: 1234,
		QMPPort: 4444,
	}
}

// newTestSession wires a session to fakes and short-lived subprocesses.
func newTestSession(t *testing.T, ctrl *fakeControl, dbg *fakeBridge, opts ...Option) *Session {
	t.Helper()

	base := []Option{
		WithControlFactory(func(addr string) ControlChannel { return ctrl }),
		WithBridgeFactory(func(p *process.Process) (DebugBridge, error) { return dbg, nil }),
		WithQEMUCommand(func(cfg Config) *exec.Cmd { return exec.Command("sleep", "60") }),
		WithGDBCommand(func(cfg Config) *exec.Cmd { return exec.Command("cat") }),
		WithConnectRetry(5, time.Millisecond),
	}
	s, err := New("test", testConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestStartSequence(t *testing.T) {
	ctrl := &fakeControl{}
	dbg := &fakeBridge{}
	s := newTestSession(t, ctrl, dbg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if s.State() != StateReady {
		t.Errorf("expected Ready, got %s", s.State())
	}
	if len(dbg.symbols) != 1 || dbg.symbols[0] != "/tmp/firmware.elf" {
		t.Errorf("expected symbols loaded, got %v", dbg.symbols)
	}
	if dbg.remoteAddr != "localhost:1234" {
		t.Errorf("expected remote attach, got %q", dbg.remoteAddr)
	}
	if s.Target().Name() != "cortex-m3" {
		t.Errorf("expected cortex-m3 target, got %s", s.Target().Name())
	}
}

func TestStartTwiceRejected(t *testing.T) {
	s := newTestSession(t, &fakeControl{}, &fakeBridge{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestConnectRetrySucceeds(t *testing.T) {
	ctrl := &fakeControl{failConnect: 2}
	s := newTestSession(t, ctrl, &fakeBridge{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ctrl.connectCount(); got != 3 {
		t.Errorf("expected 3 connect attempts, got %d", got)
	}
}

func TestStartRollback(t *testing.T) {
	ctrl := &fakeControl{failConnect: 100} // never connects
	s := newTestSession(t, ctrl, &fakeBridge{})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected start failure")
	}

	if s.State() != StateNotStarted {
		t.Errorf("expected rollback to NotStarted, got %s", s.State())
	}
	if !ctrl.isClosed() {
		t.Error("expected control channel closed on rollback")
	}

	// A failed start leaves the session restartable.
	ctrl2 := &fakeControl{}
	s.newControl = func(addr string) ControlChannel { return ctrl2 }
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart after rollback: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("expected Ready after restart, got %s", s.State())
	}
}

func TestOpsRequireReady(t *testing.T) {
	s := newTestSession(t, &fakeControl{}, &fakeBridge{})

	ctx := context.Background()
	if _, err := s.ContinueExecution(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("continue: expected ErrNotReady, got %v", err)
	}
	if _, err := s.ReadRegisters(ctx, []string{"pc"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("read registers: expected ErrNotReady, got %v", err)
	}
	if err := s.Reset(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("reset: expected ErrNotReady, got %v", err)
	}
	if _, err := s.ReadFaultState(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("fault state: expected ErrNotReady, got %v", err)
	}
}

func TestFaultedSubState(t *testing.T) {
	dbg := &fakeBridge{stopEvent: mi.StopEvent{Reason: mi.ReasonSignal, Signal: "SIGSEGV", PC: 0x452}}
	s := newTestSession(t, &fakeControl{}, dbg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev, err := s.ContinueExecution(context.Background())
	if err != nil {
		t.Fatalf("continue: %v", err)
	}

	if ev.Signal != "SIGSEGV" {
		t.Errorf("unexpected event %+v", ev)
	}
	if s.State() != StateStopped {
		t.Errorf("expected Stopped, got %s", s.State())
	}
	if !s.Faulted() {
		t.Error("expected faulted sub-state")
	}

	// A clean step clears the fault flag.
	if _, err := s.Step(context.Background(), true); err != nil {
		t.Fatalf("step: %v", err)
	}
	if s.Faulted() {
		t.Error("expected fault flag cleared after clean stop")
	}
	if got := s.LastStop(); got == nil || got.Reason != mi.ReasonStep {
		t.Errorf("unexpected last stop %+v", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	ctrl := &fakeControl{}
	dbg := &fakeBridge{}
	s := newTestSession(t, ctrl, dbg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if s.State() != StateTerminated {
		t.Errorf("expected Terminated, got %s", s.State())
	}
	if !dbg.closed || !ctrl.isClosed() {
		t.Error("expected both channels closed")
	}
	if _, err := s.Evaluate(context.Background(), "$pc"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady after stop, got %v", err)
	}
}

func TestUnexpectedSimulatorExit(t *testing.T) {
	s := newTestSession(t, &fakeControl{}, &fakeBridge{},
		WithQEMUCommand(func(cfg Config) *exec.Cmd {
			return exec.Command("sh", "-c", "sleep 0.2; exit 1")
		}))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateTerminated {
		if time.Now().After(deadline) {
			t.Fatalf("expected Terminated after simulator death, got %s", s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := s.ContinueExecution(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestSnapshotRecords(t *testing.T) {
	ctrl := &fakeControl{}
	s := newTestSession(t, ctrl, &fakeBridge{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, "before-crash"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if snaps := s.Snapshots(); len(snaps) != 1 || snaps[0].Name != "before-crash" {
		t.Errorf("unexpected snapshots %+v", snaps)
	}

	// Loading a name with no local record still goes to the simulator
	// and records it on success.
	if err := s.LoadSnapshot(ctx, "external"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if snaps := s.Snapshots(); len(snaps) != 2 {
		t.Errorf("expected external snapshot recorded, got %+v", snaps)
	}

	if err := s.DeleteSnapshot(ctx, "missing"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
	if err := s.DeleteSnapshot(ctx, "before-crash"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if snaps := s.Snapshots(); len(snaps) != 1 {
		t.Errorf("expected one snapshot left, got %+v", snaps)
	}

	wantCmds := []string{"savevm before-crash", "loadvm external", "delvm before-crash"}
	for i, want := range wantCmds {
		if ctrl.monitorLog[i] != want {
			t.Errorf("monitor command %d: got %q, want %q", i, ctrl.monitorLog[i], want)
		}
	}
}

func TestSnapshotFailureNotRecorded(t *testing.T) {
	ctrl := &fakeControl{monitorErr: &qmp.RemoteError{Class: "MonitorError", Desc: "no block device can store vmstate"}}
	s := newTestSession(t, ctrl, &fakeBridge{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := s.SaveSnapshot(context.Background(), "x")
	var remote *qmp.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if len(s.Snapshots()) != 0 {
		t.Errorf("failed save must not be recorded, got %+v", s.Snapshots())
	}
}

func TestBreakpointRecords(t *testing.T) {
	s := newTestSession(t, &fakeControl{}, &fakeBridge{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()

	bp1, err := s.SetBreakpoint(ctx, "main")
	if err != nil {
		t.Fatalf("set breakpoint: %v", err)
	}
	if _, err := s.SetBreakpoint(ctx, "fault_handler"); err != nil {
		t.Fatalf("set breakpoint: %v", err)
	}

	if bps := s.Breakpoints(); len(bps) != 2 || bps[0].Number != bp1.Number {
		t.Errorf("unexpected breakpoints %+v", bps)
	}

	if err := s.DeleteBreakpoint(ctx, bp1.Number); err != nil {
		t.Fatalf("delete breakpoint: %v", err)
	}
	if bps := s.Breakpoints(); len(bps) != 1 || bps[0].Function != "fault_handler" {
		t.Errorf("unexpected breakpoints after delete %+v", bps)
	}
}

func TestReloadSymbolsClearsStale(t *testing.T) {
	dbg := &fakeBridge{}
	s := newTestSession(t, &fakeControl{}, dbg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.MarkSymbolsStale()
	if !s.SymbolsStale() {
		t.Fatal("expected stale flag set")
	}

	if err := s.ReloadSymbols(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.SymbolsStale() {
		t.Error("expected stale flag cleared")
	}
	if len(dbg.symbols) != 2 {
		t.Errorf("expected symbols loaded twice, got %v", dbg.symbols)
	}
}

func TestSessionIsArchMachine(t *testing.T) {
	// The fault surface feeds the session itself to the decoder.
	s := newTestSession(t, &fakeControl{}, &fakeBridge{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	regs, err := s.ReadRegisters(context.Background(), nil)
	if err != nil {
		t.Fatalf("read registers: %v", err)
	}
	// Nil names expand to the architecture's register set.
	if _, ok := regs["xpsr"]; !ok {
		t.Errorf("expected full cortex-m register set, got %v", regs)
	}
}

func TestQEMUCommandLine(t *testing.T) {
	cmd := defaultQEMUCommand(Config{
		ELFPath:  "/tmp/fw.elf",
		Machine:  "lm3s6965evb",
		CPU:      "cortex-m3",
		Memory:   "64M",
		GDBPort:  1234,
		QMPPort:  4444,
		QEMUPath: "qemu-system-arm",
	})

	want := []string{
		"-machine", "lm3s6965evb",
		"-cpu", "cortex-m3",
		"-m", "64M",
		"-kernel", "/tmp/fw.elf",
		"-gdb", "tcp::1234",
		"-qmp", "tcp:127.0.0.1:4444,server,wait=off",
		"-nographic",
		"-S",
	}
	got := cmd.Args[1:]
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("unexpected args:\n got %v\nwant %v", got, want)
	}
}
