//go:build !windows

package console

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// Open creates the command channel for a server: a named pipe next to the PID
// file plus a listener goroutine relaying each line received on the pipe into
// the child's stdin. The listener re-opens the pipe after every writer so
// sequential external senders never need to coordinate.
func Open(name, configDir string, stdin io.WriteCloser) (*Channel, error) {
	path := FIFOPath(configDir, name)
	_ = os.Remove(path)
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("create command pipe %s: %w", path, err)
	}
	c := &Channel{stdin: stdin, path: path, done: make(chan struct{})}
	go c.listen(name)
	return c, nil
}

func (c *Channel) listen(name string) {
	defer close(c.done)
	for {
		// Blocks until a writer opens the pipe; that is the idle state.
		f, err := os.OpenFile(c.path, os.O_RDONLY, 0)
		if err != nil {
			if !c.isClosed() {
				slog.Warn("command pipe listener exiting", "server", name, "error", err)
			}
			return
		}
		scanner := bufio.NewScanner(f)
		stop := false
		for scanner.Scan() {
			line := scanner.Text()
			if line == sentinel {
				stop = true
				break
			}
			if line == "" {
				continue
			}
			if err := c.Send(line); err != nil {
				slog.Warn("dropping piped command", "server", name, "error", err)
			}
		}
		_ = f.Close()
		if stop || c.isClosed() {
			return
		}
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close unblocks the listener with a sentinel write, removes the pipe, and
// closes the child's stdin.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.stdin = nil
	c.mu.Unlock()

	if c.path == "" {
		// stdin-only channel, no listener to unblock
		if stdin != nil {
			return stdin.Close()
		}
		return nil
	}

	// The listener may be blocked opening the pipe for read; an O_WRONLY open
	// pairs with it, and the sentinel line makes it return. ENXIO means the
	// listener is between re-opens, so retry briefly.
	for i := 0; i < 100; i++ {
		f, err := os.OpenFile(c.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			_, _ = f.WriteString(sentinel + "\n")
			_ = f.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		// bounded join; the listener is stuck and will be torn down with us
	}
	_ = os.Remove(c.path)
	if stdin != nil {
		return stdin.Close()
	}
	return nil
}
