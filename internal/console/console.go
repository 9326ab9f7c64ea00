package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/bedrockd/bedrockd/internal/pidfile"
)

// ErrNotRunning reports that no command channel is open for the server, or
// that the server's stdin has gone away mid-write.
var ErrNotRunning = errors.New("server not running")

// StopCommand is the line the Bedrock server interprets as a graceful
// shutdown request.
const StopCommand = "stop"

// sentinel unblocks the FIFO listener during shutdown; it is never forwarded.
const sentinel = "\x00bedrockd-close\x00"

// Channel delivers newline-framed text commands to a running server's stdin.
// On POSIX it additionally owns a named pipe whose listener goroutine relays
// external writers into the same stdin, serializing them without coordination.
type Channel struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	path   string // FIFO path; empty on platforms without one
	closed bool
	done   chan struct{}
}

// FIFOPath returns the deterministic command-pipe path for a server name.
func FIFOPath(configDir, name string) string {
	return filepath.Join(configDir, "bedrock_"+pidfile.Sanitize(name)+".cmd")
}

// Direct wraps a bare stdin pipe as a channel with no named pipe attached.
// Used as a fallback when the pipe cannot be created.
func Direct(stdin io.WriteCloser) *Channel {
	done := make(chan struct{})
	close(done)
	return &Channel{stdin: stdin, done: done}
}

// Send writes line plus a trailing newline to the server's stdin.
func (c *Channel) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// Path returns the FIFO path, or "" when the platform has none.
func (c *Channel) Path() string { return c.path }
