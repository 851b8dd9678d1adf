package mi

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/dshills/faultline/internal/process"
)

// Transport carries machine-interface lines to and from the debugger.
type Transport interface {
	// WriteLine sends one command line (without trailing newline).
	WriteLine(line string) error
	// Lines returns the channel of raw output lines. The channel is
	// closed when the underlying stream ends.
	Lines() <-chan string
	// Close releases the transport's resources.
	Close() error
}

// pipeTransport is a Transport over a reader/writer pair, typically the
// debugger subprocess's stdout and stdin.
type pipeTransport struct {
	w      io.Writer
	closer io.Closer

	mu    sync.Mutex
	lines chan string

	closeOnce sync.Once
	closeErr  error
}

// NewPipeTransport creates a transport reading lines from r and writing
// commands to w. If closer is non-nil it is closed with the transport.
// The read loop starts immediately.
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer) Transport {
	t := &pipeTransport{
		w:      w,
		closer: closer,
		lines:  make(chan string, 64),
	}
	go t.readLoop(r)
	return t
}

// NewProcessTransport creates a transport over a supervised debugger
// subprocess's piped stdin/stdout.
func NewProcessTransport(p *process.Process) (Transport, error) {
	if p.Stdin == nil || p.Stdout == nil {
		return nil, fmt.Errorf("mi: process %s has no piped stdio", p.Name)
	}
	return NewPipeTransport(p.Stdout, p.Stdin, p), nil
}

// readLoop scans raw lines into the lines channel until EOF.
func (t *pipeTransport) readLoop(r io.Reader) {
	defer close(t.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
}

// WriteLine sends one command line.
func (t *pipeTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.w, line+"\n"); err != nil {
		return fmt.Errorf("mi: write: %w", err)
	}
	return nil
}

// Lines returns the raw output line channel.
func (t *pipeTransport) Lines() <-chan string {
	return t.lines
}

// Close closes the underlying stream, which ends the read loop.
func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}
