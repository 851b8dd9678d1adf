// Package qmp implements a client for the QEMU Machine Protocol, the
// simulator's JSON control channel.
//
// The protocol is strictly request/response on one connection with no
// request IDs, so the client serializes commands: concurrent callers
// queue on a mutex rather than interleaving. Asynchronous event lines
// received while waiting for a reply are routed to an events channel.
package qmp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/faultline/internal/logging"
)

// DefaultTimeout is the per-command response timeout.
const DefaultTimeout = 5 * time.Second

// minVersion is the oldest simulator version the client accepts.
// QMP semantics for stop/cont/savevm are stable from 4.0 on.
var minVersion = semver.MustParse("4.0.0")

// Event is an asynchronous notification emitted by the simulator.
type Event struct {
	// Name is the event name (e.g. "RESUME", "STOP").
	Name string
	// Raw is the full event JSON.
	Raw []byte
}

// Status describes the simulator's execution state.
type Status struct {
	// Running reports whether the VM is executing.
	Running bool
	// Status is the simulator's status string (e.g. "running", "paused").
	Status string
}

// CPUInfo describes one virtual CPU.
type CPUInfo struct {
	// Index is the CPU index.
	Index int
	// Target is the target architecture name reported by the simulator.
	Target string
}

// Client is a QMP control-channel client.
//
// Connect must succeed before any Execute call; commands issued before
// negotiation completes fail with ErrNotNegotiated.
type Client struct {
	addr    string
	timeout time.Duration
	log     *logging.Logger

	mu     sync.Mutex // serializes Execute; protocol has no request IDs
	conn   net.Conn
	reader *bufio.Reader

	negotiated atomic.Bool
	closed     atomic.Bool

	version *semver.Version

	events chan Event
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the default per-command timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(log *logging.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a client for the control channel at addr
// (host:port). The client is not connected until Connect is called.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:    addr,
		timeout: DefaultTimeout,
		log:     logging.Null,
		events:  make(chan Event, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the channel carrying asynchronous simulator events.
// When the buffer is full the oldest event is dropped.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Version returns the simulator version from the greeting, or nil
// before Connect.
func (c *Client) Version() *semver.Version {
	return c.version
}

// Negotiated reports whether capabilities negotiation has completed.
func (c *Client) Negotiated() bool {
	return c.negotiated.Load()
}

// Connect dials the control channel, reads the greeting, validates the
// simulator version, and negotiates capabilities. No other command is
// accepted by the simulator before negotiation completes.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("qmp: dial %s: %w", c.addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	greeting, err := c.readResponse(ctx)
	if err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("qmp: read greeting: %w", err)
	}

	banner := gjson.GetBytes(greeting, "QMP")
	if !banner.Exists() {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("%w: invalid greeting: %s", ErrProtocol, greeting)
	}

	if err := c.checkVersion(banner); err != nil {
		conn.Close()
		c.conn = nil
		return err
	}

	if err := c.execLocked(ctx, "qmp_capabilities", nil); err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("qmp: capabilities negotiation: %w", err)
	}

	c.negotiated.Store(true)
	c.log.Debug("qmp connected to %s (qemu %s)", c.addr, c.version)
	return nil
}

// checkVersion extracts QMP.version.qemu from the greeting and rejects
// simulators older than the supported baseline. A greeting without a
// version object is tolerated (test stubs omit it).
func (c *Client) checkVersion(banner gjson.Result) error {
	v := banner.Get("version.qemu")
	if !v.Exists() {
		return nil
	}

	raw := fmt.Sprintf("%d.%d.%d",
		v.Get("major").Int(), v.Get("minor").Int(), v.Get("micro").Int())
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrProtocol, raw, err)
	}
	c.version = ver

	if ver.LessThan(minVersion) {
		return fmt.Errorf("%w: %s (need >= %s)", ErrVersionUnsupported, ver, minVersion)
	}
	return nil
}

// Execute sends a command and waits for its response.
//
// Responses are matched to requests by strict send/receive ordering;
// the client holds its command lock for the full round trip. Event
// lines received while waiting are routed to the events channel. A
// deadline expiry returns ErrTimeout and leaves the connection usable.
func (c *Client) Execute(ctx context.Context, command string, args map[string]any) (gjson.Result, error) {
	if c.closed.Load() {
		return gjson.Result{}, ErrClosed
	}
	if !c.negotiated.Load() {
		return gjson.Result{}, ErrNotNegotiated
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.executeLocked(ctx, command, args)
}

// execLocked runs a command and discards the result payload.
func (c *Client) execLocked(ctx context.Context, command string, args map[string]any) error {
	_, err := c.executeLocked(ctx, command, args)
	return err
}

// executeLocked sends one command and reads until its reply.
// Caller must hold c.mu.
func (c *Client) executeLocked(ctx context.Context, command string, args map[string]any) (gjson.Result, error) {
	if c.conn == nil {
		return gjson.Result{}, ErrNotConnected
	}

	body, err := sjson.Set("{}", "execute", command)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("qmp: build request: %w", err)
	}
	if len(args) > 0 {
		body, err = sjson.Set(body, "arguments", args)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("qmp: build request: %w", err)
		}
	}

	c.log.Debug("qmp -> %s", body)

	deadline := c.deadline(ctx)
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(append([]byte(body), '\n')); err != nil {
		return gjson.Result{}, fmt.Errorf("qmp: write %s: %w", command, err)
	}

	for {
		line, err := c.readResponse(ctx)
		if err != nil {
			return gjson.Result{}, err
		}

		parsed := gjson.ParseBytes(line)

		if ev := parsed.Get("event"); ev.Exists() {
			c.deliverEvent(Event{Name: ev.String(), Raw: line})
			continue
		}

		if ret := parsed.Get("return"); ret.Exists() {
			return ret, nil
		}

		if errObj := parsed.Get("error"); errObj.Exists() {
			return gjson.Result{}, &RemoteError{
				Class: errObj.Get("class").String(),
				Desc:  errObj.Get("desc").String(),
			}
		}

		return gjson.Result{}, fmt.Errorf("%w: unexpected reply to %s: %s", ErrProtocol, command, line)
	}
}

// readResponse reads one newline-terminated JSON object under the
// effective deadline. Caller must hold c.mu.
func (c *Client) readResponse(ctx context.Context) ([]byte, error) {
	deadline := c.deadline(ctx)
	_ = c.conn.SetReadDeadline(deadline)

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("qmp: read: %w", err)
	}

	c.log.Debug("qmp <- %s", strings.TrimSpace(string(line)))
	return line, nil
}

// deadline computes the effective read/write deadline for one command.
func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// deliverEvent queues ev, dropping the oldest event when full.
func (c *Client) deliverEvent(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

// Stop pauses VM execution.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Execute(ctx, "stop", nil)
	return err
}

// Cont resumes VM execution.
func (c *Client) Cont(ctx context.Context) error {
	_, err := c.Execute(ctx, "cont", nil)
	return err
}

// SystemReset resets the VM.
func (c *Client) SystemReset(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_reset", nil)
	return err
}

// QueryStatus returns the simulator's execution status.
func (c *Client) QueryStatus(ctx context.Context) (Status, error) {
	ret, err := c.Execute(ctx, "query-status", nil)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running: ret.Get("running").Bool(),
		Status:  ret.Get("status").String(),
	}, nil
}

// QueryCPUs returns information about the virtual CPUs.
func (c *Client) QueryCPUs(ctx context.Context) ([]CPUInfo, error) {
	ret, err := c.Execute(ctx, "query-cpus-fast", nil)
	if err != nil {
		return nil, err
	}

	var cpus []CPUInfo
	for _, item := range ret.Array() {
		cpus = append(cpus, CPUInfo{
			Index:  int(item.Get("cpu-index").Int()),
			Target: item.Get("target").String(),
		})
	}
	return cpus, nil
}

// HumanMonitorCommand runs a monitor command line (the savevm/loadvm
// path). Monitor failures come back as text in the return string; a
// reply containing "Error:" is surfaced as a RemoteError.
func (c *Client) HumanMonitorCommand(ctx context.Context, cmdline string) (string, error) {
	ret, err := c.Execute(ctx, "human-monitor-command", map[string]any{
		"command-line": cmdline,
	})
	if err != nil {
		return "", err
	}

	out := ret.String()
	if strings.Contains(out, "Error:") {
		return "", &RemoteError{Class: "MonitorError", Desc: strings.TrimSpace(out)}
	}
	return out, nil
}

// Close shuts the channel down: a best-effort quit command with a short
// timeout, then the socket is closed. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if c.negotiated.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		// Teardown is best-effort; the process is force-terminated by
		// the session if quit does not land.
		_ = c.execLocked(ctx, "quit", nil)
		cancel()
	}

	err := c.conn.Close()
	c.conn = nil
	c.negotiated.Store(false)
	return err
}
