package qmp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// fakeServer is a scripted QMP endpoint on a loopback listener.
type fakeServer struct {
	t        *testing.T
	listener net.Listener
	greeting string
	// handle receives each parsed execute command and returns the reply
	// lines to write (events may precede the response).
	handle func(cmd string, raw string) []string
}

func newFakeServer(t *testing.T, greeting string, handle func(cmd, raw string) []string) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{t: t, listener: ln, greeting: greeting, handle: handle}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(s.greeting + "\n")); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := gjson.Get(line, "execute").String()

		if cmd == "qmp_capabilities" {
			if _, err := conn.Write([]byte(`{"return": {}}` + "\n")); err != nil {
				return
			}
			continue
		}
		if cmd == "quit" {
			_, _ = conn.Write([]byte(`{"return": {}}` + "\n"))
			return
		}

		for _, reply := range s.handle(cmd, line) {
			if reply == "" {
				continue // scripted silence: force a client timeout
			}
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}
}

const defaultGreeting = `{"QMP": {"version": {"qemu": {"major": 8, "minor": 2, "micro": 0}}, "capabilities": []}`

func TestConnectNegotiates(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		return []string{`{"return": {}}`}
	})

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if !c.Negotiated() {
		t.Error("expected negotiated after Connect")
	}
	if got := c.Version().String(); got != "8.2.0" {
		t.Errorf("expected version 8.2.0, got %s", got)
	}
}

func TestExecuteBeforeNegotiation(t *testing.T) {
	c := NewClient("127.0.0.1:1")

	_, err := c.Execute(context.Background(), "stop", nil)
	if !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("expected ErrNotNegotiated, got %v", err)
	}
}

func TestInvalidGreeting(t *testing.T) {
	srv := newFakeServer(t, `{"hello": "world"}`, nil)

	c := NewClient(srv.addr())
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestVersionTooOld(t *testing.T) {
	greeting := `{"QMP": {"version": {"qemu": {"major": 2, "minor": 11, "micro": 1}}, "capabilities": []}`
	srv := newFakeServer(t, greeting, nil)

	c := NewClient(srv.addr())
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrVersionUnsupported) {
		t.Fatalf("expected ErrVersionUnsupported, got %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		return []string{`{"error": {"class": "CommandNotFound", "desc": "The command flup has not been found"}}`}
	})

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.Execute(context.Background(), "flup", nil)

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Class != "CommandNotFound" {
		t.Errorf("expected class CommandNotFound, got %s", remote.Class)
	}
	if !strings.Contains(remote.Desc, "flup") {
		t.Errorf("expected original message preserved, got %q", remote.Desc)
	}
}

func TestEventsSkippedWhileWaiting(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		return []string{
			`{"event": "STOP", "timestamp": {"seconds": 1, "microseconds": 0}}`,
			`{"return": {}}`,
		}
	})

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Name != "STOP" {
			t.Errorf("expected STOP event, got %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTimeoutIsNotFatal(t *testing.T) {
	calls := 0
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		calls++
		if calls == 1 {
			return []string{""} // stay silent on the first command
		}
		return []string{`{"return": {}}`}
	})

	c := NewClient(srv.addr(), WithTimeout(200*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.Execute(context.Background(), "stop", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The connection must survive a timeout.
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("expected channel to remain usable, got %v", err)
	}
}

func TestQueryStatus(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		if cmd != "query-status" {
			t.Errorf("unexpected command %s", cmd)
		}
		return []string{`{"return": {"running": true, "status": "running"}}`}
	})

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	status, err := c.QueryStatus(context.Background())
	if err != nil {
		t.Fatalf("query-status: %v", err)
	}
	if !status.Running || status.Status != "running" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestHumanMonitorError(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, func(cmd, raw string) []string {
		return []string{`{"return": "Error: no block device can store vmstate\r\n"}`}
	})

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.HumanMonitorCommand(context.Background(), "savevm x")

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Class != "MonitorError" {
		t.Errorf("expected MonitorError class, got %s", remote.Class)
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := newFakeServer(t, defaultGreeting, nil)

	c := NewClient(srv.addr())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_, err := c.Execute(context.Background(), "stop", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
