// Package script runs Lua automation against a debug session.
//
// Scripts drive the session through a `session` module: set
// breakpoints, run to a stop, inspect registers and memory, and pull
// crash reports. Typical use is reproducing a fault and asserting on
// the decoded state without a human at the debugger.
package script

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/faultline/internal/arch"
	"github.com/dshills/faultline/internal/logging"
	"github.com/dshills/faultline/internal/mi"
)

// Target is the session surface scripts drive. Implemented by
// *session.Session and by test fakes.
type Target interface {
	ContinueExecution(ctx context.Context) (mi.StopEvent, error)
	Halt(ctx context.Context) error
	Step(ctx context.Context, instruction bool) (mi.StopEvent, error)
	StepOver(ctx context.Context, instruction bool) (mi.StopEvent, error)
	ReadRegister(ctx context.Context, name string) (uint64, error)
	ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error)
	ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
	SetBreakpoint(ctx context.Context, location string, opts ...mi.BreakpointOption) (mi.Breakpoint, error)
	DeleteBreakpoint(ctx context.Context, number int) error
	Evaluate(ctx context.Context, expr string) (string, error)
	Backtrace(ctx context.Context, limit int) ([]mi.Frame, error)
	Reset(ctx context.Context) error
	SaveSnapshot(ctx context.Context, name string) error
	LoadSnapshot(ctx context.Context, name string) error
	ReadFaultState(ctx context.Context) (arch.FaultState, error)
	AnalyzeCrash(ctx context.Context) (arch.CrashReport, error)
}

// Engine executes Lua scripts against one target.
//
// gopher-lua states are not goroutine-safe; the engine serializes
// script runs with a mutex. The dangerous standard libraries (io, os,
// debug, package) are never opened.
type Engine struct {
	target Target
	log    *logging.Logger

	mu     sync.Mutex
	L      *lua.LState
	ctx    context.Context // current run's context
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Script print output goes there.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates a script engine bound to a target.
func New(target Target, opts ...Option) *Engine {
	e := &Engine{
		target: target,
		log:    logging.Null,
	}
	for _, opt := range opts {
		opt(e)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	e.L = L
	e.install()
	return e
}

// install builds the session module and redirects print to the logger.
func (e *Engine) install() {
	mod := e.L.SetFuncs(e.L.NewTable(), map[string]lua.LGFunction{
		"continue_execution": e.luaContinue,
		"halt":               e.luaHalt,
		"step":               e.luaStep,
		"step_over":          e.luaStepOver,
		"read_reg":           e.luaReadReg,
		"read_regs":          e.luaReadRegs,
		"read_mem":           e.luaReadMem,
		"write_mem":          e.luaWriteMem,
		"set_breakpoint":     e.luaSetBreakpoint,
		"delete_breakpoint":  e.luaDeleteBreakpoint,
		"evaluate":           e.luaEvaluate,
		"backtrace":          e.luaBacktrace,
		"reset":              e.luaReset,
		"save_snapshot":      e.luaSaveSnapshot,
		"load_snapshot":      e.luaLoadSnapshot,
		"read_fault":         e.luaReadFault,
		"analyze_crash":      e.luaAnalyzeCrash,
	})
	e.L.SetGlobal("session", mod)

	e.L.SetGlobal("print", e.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]interface{}, top)
		for i := 1; i <= top; i++ {
			parts[i-1] = L.Get(i).String()
		}
		e.log.Info("script: %s", fmt.Sprintln(parts...))
		return 0
	}))
}

// RunFile executes a script from disk.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	return e.run(ctx, func() error { return e.L.DoFile(path) })
}

// RunString executes inline script source.
func (e *Engine) RunString(ctx context.Context, code string) error {
	return e.run(ctx, func() error { return e.L.DoString(code) })
}

func (e *Engine) run(ctx context.Context, do func() error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("script: engine closed")
	}

	e.ctx = ctx
	e.L.SetContext(ctx)
	defer func() {
		e.ctx = nil
		e.L.RemoveContext()
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()

	return do()
}

// Close releases the Lua state.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.L.Close()
	return nil
}

// runCtx is the context for session calls made from Lua.
func (e *Engine) runCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// fail raises a Lua error from a Go one.
func fail(L *lua.LState, err error) int {
	L.RaiseError("%s", err.Error())
	return 0
}

// pushStop converts a stop event for Lua.
func pushStop(L *lua.LState, ev mi.StopEvent) int {
	t := L.NewTable()
	t.RawSetString("reason", lua.LString(ev.Reason))
	t.RawSetString("pc", lua.LNumber(ev.PC))
	t.RawSetString("function", lua.LString(ev.Function))
	if ev.Signal != "" {
		t.RawSetString("signal", lua.LString(ev.Signal))
	}
	if ev.Breakpoint != 0 {
		t.RawSetString("breakpoint", lua.LNumber(ev.Breakpoint))
	}
	L.Push(t)
	return 1
}

func (e *Engine) luaContinue(L *lua.LState) int {
	ev, err := e.target.ContinueExecution(e.runCtx())
	if err != nil {
		return fail(L, err)
	}
	return pushStop(L, ev)
}

func (e *Engine) luaHalt(L *lua.LState) int {
	if err := e.target.Halt(e.runCtx()); err != nil {
		return fail(L, err)
	}
	return 0
}

// step([instruction]) steps one source line by default, one
// instruction if true.
func (e *Engine) luaStep(L *lua.LState) int {
	ev, err := e.target.Step(e.runCtx(), L.OptBool(1, false))
	if err != nil {
		return fail(L, err)
	}
	return pushStop(L, ev)
}

func (e *Engine) luaStepOver(L *lua.LState) int {
	ev, err := e.target.StepOver(e.runCtx(), L.OptBool(1, false))
	if err != nil {
		return fail(L, err)
	}
	return pushStop(L, ev)
}

func (e *Engine) luaReadReg(L *lua.LState) int {
	val, err := e.target.ReadRegister(e.runCtx(), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(val))
	return 1
}

func (e *Engine) luaReadRegs(L *lua.LState) int {
	var names []string
	if L.GetTop() >= 1 {
		tbl := L.CheckTable(1)
		tbl.ForEach(func(_, v lua.LValue) {
			names = append(names, v.String())
		})
	}
	regs, err := e.target.ReadRegisters(e.runCtx(), names)
	if err != nil {
		return fail(L, err)
	}
	t := L.NewTable()
	for name, val := range regs {
		t.RawSetString(name, lua.LNumber(val))
	}
	L.Push(t)
	return 1
}

// read_mem(addr, size) returns a byte array (1-based Lua table).
func (e *Engine) luaReadMem(L *lua.LState) int {
	addr := uint64(L.CheckNumber(1))
	size := L.CheckInt(2)
	data, err := e.target.ReadMemory(e.runCtx(), addr, size)
	if err != nil {
		return fail(L, err)
	}
	t := L.NewTable()
	for i, b := range data {
		t.RawSetInt(i+1, lua.LNumber(b))
	}
	L.Push(t)
	return 1
}

// write_mem(addr, bytes) accepts a byte table or a string.
func (e *Engine) luaWriteMem(L *lua.LState) int {
	addr := uint64(L.CheckNumber(1))

	var data []byte
	switch v := L.Get(2).(type) {
	case lua.LString:
		data = []byte(v)
	case *lua.LTable:
		v.ForEach(func(_, b lua.LValue) {
			if n, ok := b.(lua.LNumber); ok {
				data = append(data, byte(n))
			}
		})
	default:
		L.ArgError(2, "expected string or byte table")
		return 0
	}

	if err := e.target.WriteMemory(e.runCtx(), addr, data); err != nil {
		return fail(L, err)
	}
	return 0
}

// set_breakpoint(location [, opts]) takes an optional options table:
// {temporary=, hardware=, condition=}.
func (e *Engine) luaSetBreakpoint(L *lua.LState) int {
	location := L.CheckString(1)

	var opts []mi.BreakpointOption
	if L.GetTop() >= 2 {
		tbl := L.CheckTable(2)
		if lua.LVAsBool(tbl.RawGetString("temporary")) {
			opts = append(opts, mi.BreakTemporary())
		}
		if lua.LVAsBool(tbl.RawGetString("hardware")) {
			opts = append(opts, mi.BreakHardware())
		}
		if cond, ok := tbl.RawGetString("condition").(lua.LString); ok {
			opts = append(opts, mi.BreakCondition(string(cond)))
		}
	}

	bp, err := e.target.SetBreakpoint(e.runCtx(), location, opts...)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(bp.Number))
	return 1
}

func (e *Engine) luaDeleteBreakpoint(L *lua.LState) int {
	if err := e.target.DeleteBreakpoint(e.runCtx(), L.CheckInt(1)); err != nil {
		return fail(L, err)
	}
	return 0
}

func (e *Engine) luaEvaluate(L *lua.LState) int {
	result, err := e.target.Evaluate(e.runCtx(), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(result))
	return 1
}

func (e *Engine) luaBacktrace(L *lua.LState) int {
	frames, err := e.target.Backtrace(e.runCtx(), L.OptInt(1, 32))
	if err != nil {
		return fail(L, err)
	}
	list := L.NewTable()
	for i, f := range frames {
		t := L.NewTable()
		t.RawSetString("level", lua.LNumber(f.Level))
		t.RawSetString("address", lua.LNumber(f.Address))
		t.RawSetString("function", lua.LString(f.Function))
		t.RawSetString("file", lua.LString(f.File))
		t.RawSetString("line", lua.LNumber(f.Line))
		list.RawSetInt(i+1, t)
	}
	L.Push(list)
	return 1
}

func (e *Engine) luaReset(L *lua.LState) int {
	if err := e.target.Reset(e.runCtx()); err != nil {
		return fail(L, err)
	}
	return 0
}

func (e *Engine) luaSaveSnapshot(L *lua.LState) int {
	if err := e.target.SaveSnapshot(e.runCtx(), L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return 0
}

func (e *Engine) luaLoadSnapshot(L *lua.LState) int {
	if err := e.target.LoadSnapshot(e.runCtx(), L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return 0
}

func (e *Engine) luaReadFault(L *lua.LState) int {
	fs, err := e.target.ReadFaultState(e.runCtx())
	if err != nil {
		return fail(L, err)
	}
	L.Push(faultToTable(L, fs))
	return 1
}

func faultToTable(L *lua.LState, fs arch.FaultState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(fs.Type))
	if fs.AddressValid {
		t.RawSetString("address", lua.LNumber(fs.Address))
	}
	regs := L.NewTable()
	for name, val := range fs.Registers {
		regs.RawSetString(name, lua.LNumber(val))
	}
	t.RawSetString("registers", regs)
	decoded := L.NewTable()
	for k, v := range fs.Decoded {
		decoded.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("decoded", decoded)
	return t
}

func (e *Engine) luaAnalyzeCrash(L *lua.LState) int {
	report, err := e.target.AnalyzeCrash(e.runCtx())
	if err != nil {
		return fail(L, err)
	}

	t := L.NewTable()
	t.RawSetString("fault", faultToTable(L, report.Fault))

	frame := L.NewTable()
	frame.RawSetString("return_address", lua.LNumber(report.Frame.ReturnAddress))
	frame.RawSetString("stack_pointer", lua.LNumber(report.Frame.StackPointer))
	frame.RawSetString("frame_type", lua.LString(report.Frame.FrameType))
	regs := L.NewTable()
	for name, val := range report.Frame.Registers {
		regs.RawSetString(name, lua.LNumber(val))
	}
	frame.RawSetString("registers", regs)
	t.RawSetString("frame", frame)

	warnings := L.NewTable()
	for i, w := range report.Interrupts.Warnings {
		warnings.RawSetInt(i+1, lua.LString(w))
	}
	t.RawSetString("warnings", warnings)

	L.Push(t)
	return 1
}
