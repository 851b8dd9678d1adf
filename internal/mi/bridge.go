// Package mi implements a client bridge for the debugger's line-oriented
// machine interface.
//
// The bridge owns a background reader that classifies every output line:
// synchronous result records are routed to the single in-flight command,
// asynchronous stop notifications are queued for the execution-control
// surface, and stream records are forwarded to the log. Commands are
// serialized on a mutex because result records carry no reliable
// correlation back to their command.
package mi

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/faultline/internal/logging"
)

// DefaultTimeout is the per-command result timeout.
const DefaultTimeout = 10 * time.Second

// StopReason identifies why the target halted. Reasons reported by the
// debugger are preserved verbatim.
type StopReason string

// Stop reasons.
const (
	ReasonBreakpoint StopReason = "breakpoint-hit"
	ReasonWatchpoint StopReason = "watchpoint-trigger"
	ReasonStep       StopReason = "end-stepping-range"
	ReasonFunction   StopReason = "function-finished"
	ReasonSignal     StopReason = "signal-received"
	ReasonExited     StopReason = "exited-normally"

	// ReasonTimeout is synthesized locally when a bounded continue
	// elapses and the target is interrupted. It never comes from the
	// debugger itself.
	ReasonTimeout StopReason = "timeout"
)

// StopEvent describes a target halt.
type StopEvent struct {
	// Reason is the halt reason, verbatim from the debugger (or the
	// synthetic ReasonTimeout).
	Reason StopReason
	// PC is the program counter at the halt, when reported.
	PC uint64
	// Function is the halted frame's function name, when reported.
	Function string
	// Signal is the delivering signal name for signal stops.
	Signal string
	// Breakpoint is the breakpoint number for breakpoint stops, 0 otherwise.
	Breakpoint int
	// Raw holds the full result payload of the stop record.
	Raw Tuple
}

// Breakpoint describes a breakpoint known to the debugger.
type Breakpoint struct {
	// Number is the debugger-assigned breakpoint number.
	Number int
	// Address is the resolved address, 0 if pending.
	Address uint64
	// Function is the containing function, when known.
	Function string
	// File and Line locate the breakpoint in source, when known.
	File string
	Line int
	// Enabled reports whether the breakpoint is active.
	Enabled bool
}

// Frame is one stack frame from a backtrace.
type Frame struct {
	// Level is the frame depth, 0 being the innermost.
	Level int
	// Address is the frame's program counter.
	Address uint64
	// Function is the frame's function name, when known.
	Function string
	// File and Line locate the frame in source, when known.
	File string
	Line int
}

// Bridge is a machine-interface debugger client.
//
// One command is in flight at a time; concurrent callers queue on the
// command mutex. The bridge must be backed by a live Transport; when the
// transport's line stream ends the bridge closes and all subsequent
// calls fail with ErrClosed.
type Bridge struct {
	transport Transport
	timeout   time.Duration
	log       *logging.Logger

	cmdMu sync.Mutex // one in-flight command

	pendingMu sync.Mutex
	pending   chan Record

	stops chan StopEvent

	done      chan struct{}
	closeOnce sync.Once
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTimeout sets the default per-command timeout.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithLogger sets the bridge's logger.
func WithLogger(log *logging.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = log
	}
}

// NewBridge creates a bridge over the given transport and starts its
// read loop.
func NewBridge(t Transport, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		transport: t,
		timeout:   DefaultTimeout,
		log:       logging.Null,
		stops:     make(chan StopEvent, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop()
	return b
}

// readLoop classifies every transport line until the stream ends.
func (b *Bridge) readLoop() {
	for line := range b.transport.Lines() {
		rec, err := ParseLine(line)
		if err != nil {
			b.log.Warn("unparseable debugger output: %v", err)
			continue
		}

		switch rec.Type {
		case RecordResult:
			b.deliverResult(rec)

		case RecordExecAsync:
			if rec.Class == "stopped" {
				b.deliverStop(parseStopEvent(rec))
			}

		case RecordConsole:
			b.log.Debug("gdb: %s", strings.TrimRight(rec.Stream, "\n"))

		case RecordLog:
			b.log.Debug("gdb log: %s", strings.TrimRight(rec.Stream, "\n"))
		}
	}

	// Stream ended: the debugger exited or the transport was closed.
	b.closeOnce.Do(func() { close(b.done) })
}

// deliverResult hands a result record to the waiting command, if any.
func (b *Bridge) deliverResult(rec Record) {
	b.pendingMu.Lock()
	pending := b.pending
	b.pendingMu.Unlock()

	if pending == nil {
		b.log.Warn("unsolicited result record %q dropped", rec.Class)
		return
	}
	select {
	case pending <- rec:
	default:
	}
}

// deliverStop queues a stop event, dropping the oldest when full.
func (b *Bridge) deliverStop(ev StopEvent) {
	for {
		select {
		case b.stops <- ev:
			return
		default:
			select {
			case <-b.stops:
			default:
			}
		}
	}
}

// parseStopEvent extracts the common fields of a *stopped record.
func parseStopEvent(rec Record) StopEvent {
	ev := StopEvent{
		Reason: StopReason(rec.Results.Field("reason")),
		Signal: rec.Results.Field("signal-name"),
		Raw:    rec.Results,
	}
	if frame, ok := rec.Results["frame"]; ok {
		ev.PC = parseAddr(frame.Field("addr"))
		ev.Function = frame.Field("func")
	}
	if bkpt := rec.Results.Field("bkptno"); bkpt != "" {
		ev.Breakpoint, _ = strconv.Atoi(bkpt)
	}
	return ev
}

// send issues one command and waits for its result record.
//
// accept lists the result classes that mean success for this command;
// the set varies per command ("connected" for target attach, "running"
// for execution resumption, "done" otherwise). An "error" class becomes
// a CommandError carrying the debugger's message verbatim; any other
// class outside the set is ErrProtocol.
func (b *Bridge) send(ctx context.Context, cmd string, accept ...string) (Record, error) {
	select {
	case <-b.done:
		return Record{}, ErrClosed
	default:
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	pending := make(chan Record, 1)
	b.pendingMu.Lock()
	b.pending = pending
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		b.pending = nil
		b.pendingMu.Unlock()
	}()

	b.log.Debug("gdb <- %s", cmd)
	if err := b.transport.WriteLine(cmd); err != nil {
		return Record{}, err
	}

	// A caller deadline overrides the default timeout in both
	// directions: slow commands (symbol loading, remote attach) get the
	// time their context allows. The default timer is armed only for
	// deadline-less contexts.
	var expired <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case rec := <-pending:
		return b.checkResult(cmd, rec, accept)
	case <-expired:
		return Record{}, fmt.Errorf("%w: %s", ErrTimeout, cmd)
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-b.done:
		return Record{}, ErrClosed
	}
}

// checkResult validates the result class against the per-command set.
func (b *Bridge) checkResult(cmd string, rec Record, accept []string) (Record, error) {
	if rec.Class == "error" {
		return Record{}, &CommandError{Command: firstWord(cmd), Msg: rec.Results.Field("msg")}
	}
	for _, class := range accept {
		if rec.Class == class {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s returned %q, expected %v", ErrProtocol, firstWord(cmd), rec.Class, accept)
}

func firstWord(cmd string) string {
	if idx := strings.IndexByte(cmd, ' '); idx >= 0 {
		return cmd[:idx]
	}
	return cmd
}

// ConnectRemote attaches the debugger to the simulator's debug stub.
func (b *Bridge) ConnectRemote(ctx context.Context, addr string) error {
	_, err := b.send(ctx, "-target-select remote "+addr, "connected", "done")
	if err != nil {
		return fmt.Errorf("connect remote %s: %w", addr, err)
	}
	return nil
}

// LoadSymbols points the debugger at the program's symbol file.
func (b *Bridge) LoadSymbols(ctx context.Context, path string) error {
	_, err := b.send(ctx, "-file-exec-and-symbols "+quoteArg(path), "done")
	if err != nil {
		return fmt.Errorf("load symbols %s: %w", path, err)
	}
	return nil
}

// ContinueExecution resumes the target and blocks until it halts or ctx
// expires. On expiry the target is interrupted and a synthetic
// ReasonTimeout event is returned; the interrupt's own stop notification
// is consumed so it cannot satisfy a later wait.
func (b *Bridge) ContinueExecution(ctx context.Context) (StopEvent, error) {
	if _, err := b.send(ctx, "-exec-continue", "running"); err != nil {
		return StopEvent{}, err
	}

	select {
	case ev := <-b.stops:
		return ev, nil
	case <-ctx.Done():
	case <-b.done:
		return StopEvent{}, ErrClosed
	}

	// Deadline elapsed while the target was running: interrupt it and
	// drain the resulting stop notification.
	if err := b.Halt(context.Background()); err != nil {
		return StopEvent{}, fmt.Errorf("interrupt after timeout: %w", err)
	}

	var ev StopEvent
	select {
	case ev = <-b.stops:
	case <-time.After(b.timeout):
		return StopEvent{}, fmt.Errorf("%w: no stop after interrupt", ErrTimeout)
	case <-b.done:
		return StopEvent{}, ErrClosed
	}

	ev.Reason = ReasonTimeout
	return ev, nil
}

// Halt interrupts a running target.
func (b *Bridge) Halt(ctx context.Context) error {
	_, err := b.send(ctx, "-exec-interrupt", "done")
	return err
}

// execAndWait issues an execution command and waits for the halt.
func (b *Bridge) execAndWait(ctx context.Context, cmd string) (StopEvent, error) {
	if _, err := b.send(ctx, cmd, "running"); err != nil {
		return StopEvent{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case ev := <-b.stops:
		return ev, nil
	case <-timer.C:
		return StopEvent{}, fmt.Errorf("%w: no stop after %s", ErrTimeout, firstWord(cmd))
	case <-ctx.Done():
		return StopEvent{}, ctx.Err()
	case <-b.done:
		return StopEvent{}, ErrClosed
	}
}

// Step executes one source line, stepping into calls. With instruction
// set, it executes one machine instruction instead.
func (b *Bridge) Step(ctx context.Context, instruction bool) (StopEvent, error) {
	cmd := "-exec-step"
	if instruction {
		cmd = "-exec-step-instruction"
	}
	return b.execAndWait(ctx, cmd)
}

// Next executes one source line, stepping over calls. With instruction
// set, it steps one machine instruction over calls.
func (b *Bridge) Next(ctx context.Context, instruction bool) (StopEvent, error) {
	cmd := "-exec-next"
	if instruction {
		cmd = "-exec-next-instruction"
	}
	return b.execAndWait(ctx, cmd)
}

// Finish runs until the current function returns.
func (b *Bridge) Finish(ctx context.Context) (StopEvent, error) {
	return b.execAndWait(ctx, "-exec-finish")
}

// ReadRegisters reads the named registers, issued in the order given.
// Any individual failure fails the whole call naming the register.
func (b *Bridge) ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error) {
	values := make(map[string]uint64, len(names))
	for _, name := range names {
		v, err := b.EvaluateInt(ctx, "$"+name)
		if err != nil {
			return nil, fmt.Errorf("read register %s: %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}

// ReadAllRegisters reads every register the debugger names for the
// target. Registers whose values are not scalar (vector and status
// aggregates) are skipped.
func (b *Bridge) ReadAllRegisters(ctx context.Context) (map[string]uint64, error) {
	namesRec, err := b.send(ctx, "-data-list-register-names", "done")
	if err != nil {
		return nil, err
	}
	valuesRec, err := b.send(ctx, "-data-list-register-values x", "done")
	if err != nil {
		return nil, err
	}

	names := namesRec.Results["register-names"].List
	values := make(map[string]uint64)
	for _, item := range valuesRec.Results["register-values"].List {
		num, err := strconv.Atoi(item.Field("number"))
		if err != nil || num < 0 || num >= len(names) {
			continue
		}
		name := names[num].Str
		if name == "" {
			continue
		}
		v, err := ParseInt(item.Field("value"))
		if err != nil {
			continue
		}
		values[name] = v
	}
	return values, nil
}

// ReadMemory reads size bytes from the target at addr.
func (b *Bridge) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: read size %d", ErrInvalidArgument, size)
	}

	cmd := fmt.Sprintf("-data-read-memory-bytes 0x%x %d", addr, size)
	rec, err := b.send(ctx, cmd, "done")
	if err != nil {
		return nil, fmt.Errorf("read memory 0x%x: %w", addr, err)
	}

	blocks := rec.Results["memory"].List
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: empty memory reply for 0x%x", ErrProtocol, addr)
	}
	data, err := hex.DecodeString(blocks[0].Field("contents"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad memory contents: %v", ErrProtocol, err)
	}
	return data, nil
}

// ReadMemoryWord reads one 32-bit little-endian word at addr.
func (b *Bridge) ReadMemoryWord(ctx context.Context, addr uint64) (uint32, error) {
	data, err := b.ReadMemory(ctx, addr, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: short word read at 0x%x", ErrProtocol, addr)
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

// WriteMemory writes data to the target at addr. An empty write is
// rejected before any command is sent.
func (b *Bridge) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty write", ErrInvalidArgument)
	}

	cmd := fmt.Sprintf("-data-write-memory-bytes 0x%x %s", addr, hex.EncodeToString(data))
	if _, err := b.send(ctx, cmd, "done"); err != nil {
		return fmt.Errorf("write memory 0x%x: %w", addr, err)
	}
	return nil
}

// BreakpointOption configures a breakpoint insertion.
type BreakpointOption func(*breakSpec)

type breakSpec struct {
	temporary bool
	hardware  bool
	condition string
}

// BreakTemporary makes the breakpoint one-shot.
func BreakTemporary() BreakpointOption {
	return func(s *breakSpec) { s.temporary = true }
}

// BreakHardware requests a hardware breakpoint.
func BreakHardware() BreakpointOption {
	return func(s *breakSpec) { s.hardware = true }
}

// BreakCondition makes the breakpoint conditional on expr.
func BreakCondition(expr string) BreakpointOption {
	return func(s *breakSpec) { s.condition = expr }
}

// SetBreakpoint inserts a breakpoint at location (a function name,
// file:line, or *address). A symbol-resolution failure is reported as
// ErrUnresolvedSymbol with the debugger's message attached.
func (b *Bridge) SetBreakpoint(ctx context.Context, location string, opts ...BreakpointOption) (Breakpoint, error) {
	var spec breakSpec
	for _, opt := range opts {
		opt(&spec)
	}

	var sb strings.Builder
	sb.WriteString("-break-insert")
	if spec.temporary {
		sb.WriteString(" -t")
	}
	if spec.hardware {
		sb.WriteString(" -h")
	}
	if spec.condition != "" {
		sb.WriteString(" -c ")
		sb.WriteString(quoteArg(spec.condition))
	}
	sb.WriteString(" ")
	sb.WriteString(quoteArg(location))

	rec, err := b.send(ctx, sb.String(), "done")
	if err != nil {
		var ce *CommandError
		if isUnresolvedSymbol(err, &ce) {
			return Breakpoint{}, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, ce.Msg)
		}
		return Breakpoint{}, fmt.Errorf("break at %s: %w", location, err)
	}

	bkpt, ok := rec.Results["bkpt"]
	if !ok {
		return Breakpoint{}, fmt.Errorf("%w: break-insert reply missing bkpt", ErrProtocol)
	}
	return parseBreakpoint(bkpt), nil
}

// isUnresolvedSymbol reports whether err is a debugger message about a
// missing symbol, filling ce when it is.
func isUnresolvedSymbol(err error, ce **CommandError) bool {
	var inner *CommandError
	if !errors.As(err, &inner) {
		return false
	}
	if strings.Contains(inner.Msg, "not defined") || strings.Contains(inner.Msg, "No symbol") {
		*ce = inner
		return true
	}
	return false
}

// parseBreakpoint maps a bkpt tuple into a Breakpoint.
func parseBreakpoint(v Value) Breakpoint {
	bp := Breakpoint{
		Address:  parseAddr(v.Field("addr")),
		Function: v.Field("func"),
		File:     v.Field("file"),
		Enabled:  v.Field("enabled") == "y",
	}
	bp.Number, _ = strconv.Atoi(v.Field("number"))
	bp.Line, _ = strconv.Atoi(v.Field("line"))
	return bp
}

// DeleteBreakpoint removes a breakpoint by number.
func (b *Bridge) DeleteBreakpoint(ctx context.Context, number int) error {
	_, err := b.send(ctx, fmt.Sprintf("-break-delete %d", number), "done")
	return err
}

// EnableBreakpoint activates a breakpoint by number.
func (b *Bridge) EnableBreakpoint(ctx context.Context, number int) error {
	_, err := b.send(ctx, fmt.Sprintf("-break-enable %d", number), "done")
	return err
}

// DisableBreakpoint deactivates a breakpoint by number.
func (b *Bridge) DisableBreakpoint(ctx context.Context, number int) error {
	_, err := b.send(ctx, fmt.Sprintf("-break-disable %d", number), "done")
	return err
}

// Evaluate evaluates an expression in the current frame and returns the
// textual result with any trailing symbol annotation stripped.
func (b *Bridge) Evaluate(ctx context.Context, expr string) (string, error) {
	rec, err := b.send(ctx, "-data-evaluate-expression "+quoteArg(expr), "done")
	if err != nil {
		return "", fmt.Errorf("evaluate %s: %w", expr, err)
	}
	return StripAnnotation(rec.Results.Field("value")), nil
}

// EvaluateInt evaluates an expression expected to yield an integer.
func (b *Bridge) EvaluateInt(ctx context.Context, expr string) (uint64, error) {
	value, err := b.Evaluate(ctx, expr)
	if err != nil {
		return 0, err
	}
	return ParseInt(value)
}

// Backtrace returns up to limit stack frames, innermost first.
func (b *Bridge) Backtrace(ctx context.Context, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 16
	}

	cmd := fmt.Sprintf("-stack-list-frames 0 %d", limit-1)
	rec, err := b.send(ctx, cmd, "done")
	if err != nil {
		return nil, fmt.Errorf("backtrace: %w", err)
	}

	var frames []Frame
	for _, item := range rec.Results["stack"].List {
		// Stack entries arrive as frame={...} keyed items.
		fv, ok := item.Get("frame")
		if !ok {
			continue
		}
		f := Frame{
			Address:  parseAddr(fv.Field("addr")),
			Function: fv.Field("func"),
			File:     fv.Field("file"),
		}
		f.Level, _ = strconv.Atoi(fv.Field("level"))
		f.Line, _ = strconv.Atoi(fv.Field("line"))
		frames = append(frames, f)
	}
	return frames, nil
}

// Stops returns the queue of asynchronous stop events for callers that
// watch for halts they did not request.
func (b *Bridge) Stops() <-chan StopEvent {
	return b.stops
}

// Close shuts the bridge down: a best-effort exit command, then the
// transport is closed. Close is idempotent.
func (b *Bridge) Close() error {
	select {
	case <-b.done:
		return b.transport.Close()
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, _ = b.send(ctx, "-gdb-exit", "exit", "done")
	cancel()

	b.closeOnce.Do(func() { close(b.done) })
	return b.transport.Close()
}

// quoteArg wraps an argument in double quotes, escaping embedded quotes
// and backslashes.
func quoteArg(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}
