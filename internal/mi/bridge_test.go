package mi

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted debugger endpoint. Each written command
// is passed to handle, which returns the output lines to emit.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	handle func(cmd string) []string
	delay  time.Duration // reply latency for handler output

	lines     chan string
	closeOnce sync.Once
}

func newFakeTransport(handle func(cmd string) []string) *fakeTransport {
	return &fakeTransport{
		handle: handle,
		lines:  make(chan string, 64),
	}
}

func (t *fakeTransport) WriteLine(line string) error {
	t.mu.Lock()
	t.sent = append(t.sent, line)
	t.mu.Unlock()

	if line == "-gdb-exit" {
		t.lines <- `^exit`
		return nil
	}
	if t.handle != nil {
		out := t.handle(line)
		if t.delay > 0 {
			go func() {
				time.Sleep(t.delay)
				for _, l := range out {
					t.lines <- l
				}
			}()
			return nil
		}
		for _, l := range out {
			t.lines <- l
		}
	}
	return nil
}

func (t *fakeTransport) Lines() <-chan string { return t.lines }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.lines) })
	return nil
}

func (t *fakeTransport) sentCommands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func TestConnectRemote(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-target-select remote ") {
			return []string{`^connected`, `(gdb)`}
		}
		t.Errorf("unexpected command %q", cmd)
		return []string{`^error,msg="unexpected"`}
	})
	b := NewBridge(ft)
	defer b.Close()

	if err := b.ConnectRemote(context.Background(), "localhost:1234"); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestEvaluateStripsAnnotation(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{`^done,value="0x452 <main+22>"`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	value, err := b.Evaluate(context.Background(), "$pc")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if value != "0x452" {
		t.Errorf("expected 0x452, got %q", value)
	}

	n, err := b.EvaluateInt(context.Background(), "$pc")
	if err != nil {
		t.Fatalf("evaluate int: %v", err)
	}
	if n != 0x452 {
		t.Errorf("expected 0x452, got 0x%x", n)
	}
}

func TestCommandErrorPreservedVerbatim(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{`^error,msg="Undefined MI command: flup"`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	_, err := b.Evaluate(context.Background(), "flup")

	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ce.Msg != "Undefined MI command: flup" {
		t.Errorf("expected verbatim message, got %q", ce.Msg)
	}
}

func TestSetBreakpointBeforeSymbols(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{`^error,msg="Function \"main\" not defined."`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	_, err := b.SetBreakpoint(context.Background(), "main")
	if !errors.Is(err, ErrUnresolvedSymbol) {
		t.Fatalf("expected ErrUnresolvedSymbol, got %v", err)
	}
	if !strings.Contains(err.Error(), "not defined") {
		t.Errorf("expected debugger message attached, got %v", err)
	}
}

func TestSetBreakpointParsesReply(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{
			`^done,bkpt={number="2",type="breakpoint",disp="keep",enabled="y",addr="0x00000452",func="fault_handler",file="main.c",line="42"}`,
			`(gdb)`,
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	bp, err := b.SetBreakpoint(context.Background(), "fault_handler", BreakCondition("x > 1"))
	if err != nil {
		t.Fatalf("set breakpoint: %v", err)
	}

	if bp.Number != 2 || bp.Address != 0x452 || !bp.Enabled {
		t.Errorf("unexpected breakpoint %+v", bp)
	}
	if bp.Function != "fault_handler" || bp.Line != 42 {
		t.Errorf("unexpected location %+v", bp)
	}

	sent := ft.sentCommands()
	if len(sent) != 1 || !strings.Contains(sent[0], `-c "x > 1"`) {
		t.Errorf("expected condition in command, got %v", sent)
	}
}

func TestContinueReturnsStopEvent(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if cmd != "-exec-continue" {
			t.Errorf("unexpected command %q", cmd)
		}
		return []string{
			`^running`,
			`(gdb)`,
			`*stopped,reason="breakpoint-hit",bkptno="1",frame={addr="0x00000452",func="main"}`,
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	ev, err := b.ContinueExecution(context.Background())
	if err != nil {
		t.Fatalf("continue: %v", err)
	}

	if ev.Reason != ReasonBreakpoint {
		t.Errorf("expected breakpoint-hit, got %s", ev.Reason)
	}
	if ev.PC != 0x452 || ev.Function != "main" || ev.Breakpoint != 1 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestContinueTimeoutInterrupts(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		switch cmd {
		case "-exec-continue":
			return []string{`^running`, `(gdb)`} // target never halts
		case "-exec-interrupt":
			return []string{
				`^done`,
				`(gdb)`,
				`*stopped,reason="signal-received",signal-name="SIGINT",frame={addr="0x00000100",func="loop"}`,
			}
		default:
			t.Errorf("unexpected command %q", cmd)
			return nil
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ev, err := b.ContinueExecution(ctx)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}

	if ev.Reason != ReasonTimeout {
		t.Errorf("expected synthetic timeout reason, got %s", ev.Reason)
	}
	if ev.PC != 0x100 {
		t.Errorf("expected halt PC from interrupt, got 0x%x", ev.PC)
	}

	// The interrupt's stop record must have been consumed.
	select {
	case stale := <-b.Stops():
		t.Errorf("stale stop event left queued: %+v", stale)
	default:
	}

	// The bridge must remain usable after the timeout path.
	if err := b.Halt(context.Background()); err != nil {
		t.Errorf("halt after timeout: %v", err)
	}
}

func TestStepWaitsForStop(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if cmd != "-exec-step-instruction" {
			t.Errorf("unexpected command %q", cmd)
		}
		return []string{
			`^running`,
			`(gdb)`,
			`*stopped,reason="end-stepping-range",frame={addr="0x00000454",func="main"}`,
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	ev, err := b.Step(context.Background(), true)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if ev.Reason != ReasonStep || ev.PC != 0x454 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestReadRegistersOrderedAndAllOrNothing(t *testing.T) {
	var asked []string
	ft := newFakeTransport(func(cmd string) []string {
		name := strings.Trim(strings.TrimPrefix(cmd, `-data-evaluate-expression `), `"$`)
		asked = append(asked, name)
		if name == "bogus" {
			return []string{`^error,msg="Invalid register"`, `(gdb)`}
		}
		return []string{`^done,value="7"`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	regs, err := b.ReadRegisters(context.Background(), []string{"r0", "pc"})
	if err != nil {
		t.Fatalf("read registers: %v", err)
	}
	if regs["r0"] != 7 || regs["pc"] != 7 {
		t.Errorf("unexpected values %+v", regs)
	}
	if len(asked) != 2 || asked[0] != "r0" || asked[1] != "pc" {
		t.Errorf("expected reads in request order, got %v", asked)
	}

	_, err = b.ReadRegisters(context.Background(), []string{"r0", "bogus"})
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected failure naming register, got %v", err)
	}
}

func TestReadAllRegisters(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "-data-list-register-names"):
			return []string{`^done,register-names=["r0","pc","","fpscr"]`, `(gdb)`}
		case strings.HasPrefix(cmd, "-data-list-register-values"):
			return []string{
				`^done,register-values=[{number="0",value="0x1"},{number="1",value="0x452"},{number="3",value="{f = 0}"}]`,
				`(gdb)`,
			}
		default:
			t.Errorf("unexpected command %q", cmd)
			return nil
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	regs, err := b.ReadAllRegisters(context.Background())
	if err != nil {
		t.Fatalf("read all registers: %v", err)
	}

	if regs["r0"] != 1 || regs["pc"] != 0x452 {
		t.Errorf("unexpected values %+v", regs)
	}
	// Non-scalar register values are skipped, not fatal.
	if _, ok := regs["fpscr"]; ok {
		t.Errorf("expected aggregate register to be skipped, got %+v", regs)
	}
}

func TestReadMemory(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if !strings.HasPrefix(cmd, "-data-read-memory-bytes 0x20000000 4") {
			t.Errorf("unexpected command %q", cmd)
		}
		return []string{
			`^done,memory=[{begin="0x20000000",offset="0x0",end="0x20000004",contents="efbeadde"}]`,
			`(gdb)`,
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	data, err := b.ReadMemory(context.Background(), 0x20000000, 4)
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if !bytes.Equal(data, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("unexpected data %x", data)
	}

	word, err := b.ReadMemoryWord(context.Background(), 0x20000000)
	if err != nil {
		t.Fatalf("read word: %v", err)
	}
	if word != 0xdeadbeef {
		t.Errorf("expected 0xdeadbeef, got 0x%x", word)
	}
}

func TestWriteMemoryRejectsEmpty(t *testing.T) {
	ft := newFakeTransport(nil)
	b := NewBridge(ft)
	defer b.Close()

	err := b.WriteMemory(context.Background(), 0x20000000, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(ft.sentCommands()) != 0 {
		t.Errorf("expected no command sent, got %v", ft.sentCommands())
	}
}

func TestWriteMemoryEncodesHex(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if cmd != "-data-write-memory-bytes 0x20000000 deadbeef" {
			t.Errorf("unexpected command %q", cmd)
		}
		return []string{`^done`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	if err := b.WriteMemory(context.Background(), 0x20000000, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write memory: %v", err)
	}
}

func TestBacktrace(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		if cmd != "-stack-list-frames 0 7" {
			t.Errorf("unexpected command %q", cmd)
		}
		return []string{
			`^done,stack=[frame={level="0",addr="0x00000452",func="fault_handler",file="main.c",line="10"},frame={level="1",addr="0x00000400",func="main",file="main.c",line="55"}]`,
			`(gdb)`,
		}
	})
	b := NewBridge(ft)
	defer b.Close()

	frames, err := b.Backtrace(context.Background(), 8)
	if err != nil {
		t.Fatalf("backtrace: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Function != "fault_handler" || frames[0].Address != 0x452 {
		t.Errorf("unexpected frame 0: %+v", frames[0])
	}
	if frames[1].Level != 1 || frames[1].Line != 55 {
		t.Errorf("unexpected frame 1: %+v", frames[1])
	}
}

func TestCallerDeadlineExtendsTimeout(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{`^done,value="0x452"`, `(gdb)`}
	})
	ft.delay = 150 * time.Millisecond
	b := NewBridge(ft, WithTimeout(50*time.Millisecond))
	defer b.Close()

	// A slow command with a generous caller deadline must be allowed
	// to finish, even past the default timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	value, err := b.Evaluate(ctx, "$pc")
	if err != nil {
		t.Fatalf("evaluate with deadline: %v", err)
	}
	if value != "0x452" {
		t.Errorf("expected 0x452, got %q", value)
	}
	if elapsed := time.Since(start); elapsed < ft.delay {
		t.Errorf("reply arrived impossibly early: %v", elapsed)
	}

	// Without a caller deadline the default timeout still applies.
	_, err = b.Evaluate(context.Background(), "$pc")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout without deadline, got %v", err)
	}

	// Let the late reply drain before teardown; it has no waiter left
	// and must be dropped.
	time.Sleep(2 * ft.delay)
}

func TestUnexpectedResultClass(t *testing.T) {
	ft := newFakeTransport(func(cmd string) []string {
		return []string{`^running`, `(gdb)`}
	})
	b := NewBridge(ft)
	defer b.Close()

	_, err := b.Evaluate(context.Background(), "$pc")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestClosedAfterStreamEnds(t *testing.T) {
	ft := newFakeTransport(nil)
	b := NewBridge(ft)

	ft.Close() // simulate debugger exit

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := b.Evaluate(context.Background(), "$pc")
		if errors.Is(err, ErrClosed) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrClosed after stream end, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
