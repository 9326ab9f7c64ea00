package verify

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/bedrockd/bedrockd/internal/pidfile"
)

// Handle identifies a verified running server process.
type Handle struct {
	PID       int
	StartUnix int64 // process start time, 0 when unavailable
}

// IsRunning reports whether a process with the given pid exists.
// A failing inspection facility is surfaced as ErrCapability, distinct from
// a plain "no" answer.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("%w: pid %d: %v", ErrCapability, pid, err)
	}
	return ok, nil
}

// VerifyIdentity checks that pid is actually the server rooted at serverDir.
// The candidate matches when its executable or command line references
// serverDir's executable (token), guarding against PID reuse. When the
// process working directory is obtainable it must equal serverDir as well.
func VerifyIdentity(pid int, serverDir, token string) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return fmt.Errorf("%w: pid %d no longer exists", ErrIdentityMismatch, pid)
		}
		return fmt.Errorf("%w: inspect pid %d: %v", ErrCapability, pid, err)
	}

	want := filepath.Join(serverDir, token)
	matched := false
	if exe, err := p.Exe(); err == nil && exe != "" {
		if exe == want || filepath.Base(exe) == token {
			matched = true
		}
	}
	if !matched {
		if cmdline, err := p.Cmdline(); err == nil && strings.Contains(cmdline, want) {
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("%w: pid %d is not %s", ErrIdentityMismatch, pid, want)
	}

	// Working directory is a secondary signature; it is unavailable on some
	// platforms and for some permission setups, so only enforce when known.
	if cwd, err := p.Cwd(); err == nil && cwd != "" {
		if filepath.Clean(cwd) != filepath.Clean(serverDir) {
			return fmt.Errorf("%w: pid %d runs in %s, expected %s", ErrIdentityMismatch, pid, cwd, serverDir)
		}
	}
	return nil
}

// VerifiedProcess composes PID file read, liveness, and identity checks for a
// server. It returns nil (no error) when the server is simply not running;
// errors are reserved for capability failures. Stale PID files, including
// unparseable ones and files naming dead or foreign processes, are removed.
func VerifiedProcess(name, serverDir, configDir string) (*Handle, error) {
	path := pidfile.PathFor(configDir, name)
	pid, ok, err := pidfile.Read(path)
	if err != nil {
		// Unreadable content is stale state, not an inspection failure.
		slog.Warn("discarding unreadable pidfile", "server", name, "path", path, "error", err)
		_ = pidfile.Remove(path)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	running, err := IsRunning(pid)
	if err != nil {
		return nil, err
	}
	if !running {
		_ = pidfile.Remove(path)
		return nil, nil
	}

	if err := VerifyIdentity(pid, serverDir, ServerExecutable); err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			slog.Warn("pidfile names a foreign process", "server", name, "pid", pid, "error", err)
			_ = pidfile.Remove(path)
			return nil, nil
		}
		return nil, err
	}
	return &Handle{PID: pid, StartUnix: procStartUnix(pid)}, nil
}
