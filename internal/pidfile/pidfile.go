package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// A PID file holds a single non-negative integer: the OS process id of the
// server last launched for a given name. It is the durable source of truth
// across manager restarts; staleness is decided by the verifier, not here.

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// PathFor returns the canonical PID file path for a server name inside its
// config directory, e.g. bedrock_my_world.pid.
func PathFor(configDir, name string) string {
	return filepath.Join(configDir, "bedrock_"+Sanitize(name)+".pid")
}

// Sanitize normalizes a server name for use in filesystem artifact names.
// Non-alphanumeric runs collapse to a single underscore.
func Sanitize(name string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
}

// Write records pid at path, creating parent directories as needed. The
// content lands via rename from a temp file in the same directory, so a
// concurrent Read sees either the previous pid or the new one, never a
// truncated file.
func Write(path string, pid int) error {
	if pid < 0 {
		return fmt.Errorf("refusing to write negative pid %d", pid)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return nil
}

// Read returns the recorded pid and ok=true, or ok=false when the file is
// absent. Content that is not a non-negative integer is an error; an absent
// file is not.
func Read(path string) (int, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid < 0 {
		return 0, false, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(string(b)))
	}
	return pid, true, nil
}

// Remove deletes the PID file if present. Removing an absent file is not an
// error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile %s: %w", path, err)
	}
	return nil
}
