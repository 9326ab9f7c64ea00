package supervisor

import "errors"

var (
	// ErrAlreadyRunning reports a start attempt for a server that is tracked
	// or verified as running.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning reports an operation that requires a running server.
	ErrNotRunning = errors.New("server not running")

	// ErrExecutableNotFound reports a missing bedrock_server binary in the
	// server's installation directory.
	ErrExecutableNotFound = errors.New("server executable not found")

	// ErrBlockedCommand reports a console command that must not go through
	// the command channel (graceful shutdown flows through Stop).
	ErrBlockedCommand = errors.New("command blocked")

	// ErrStartFailed wraps OS spawn failures.
	ErrStartFailed = errors.New("server start failed")

	// ErrStopFailed reports that even SIGKILL did not take the process down
	// within the final bounded wait.
	ErrStopFailed = errors.New("server stop failed")
)
