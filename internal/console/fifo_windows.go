//go:build windows

package console

import "io"

// Open creates the command channel for a server. On Windows the supervising
// process is the parent for the lifetime of the child and keeps the stdin
// pipe itself, so no named pipe or listener is needed.
func Open(name, configDir string, stdin io.WriteCloser) (*Channel, error) {
	_ = name
	_ = configDir
	done := make(chan struct{})
	close(done)
	return &Channel{stdin: stdin, done: done}, nil
}

// Close closes the child's stdin.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.stdin = nil
	if stdin != nil {
		return stdin.Close()
	}
	return nil
}
