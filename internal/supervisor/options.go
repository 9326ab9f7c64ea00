package supervisor

import (
	"time"

	"github.com/bedrockd/bedrockd/internal/logger"
)

// Defaults for the supervision policy. StableUptime is the documented reset
// constant: a run that survives this long starts a fresh crash streak.
const (
	DefaultStopTimeout      = 30 * time.Second
	DefaultKillTimeout      = 10 * time.Second
	DefaultMaxCrashRestarts = 3
	DefaultRestartDelay     = 2 * time.Second
	DefaultStableUptime     = 60 * time.Second
	DefaultPollInterval     = 1 * time.Second
)

// Options configures a Supervisor. BaseDir contains one installation
// directory per server name; each installation holds the bedrock_server
// executable and a writable config/ subdirectory for the PID file and
// command pipe.
type Options struct {
	BaseDir string

	StopTimeout      time.Duration
	KillTimeout      time.Duration
	MaxCrashRestarts int
	RestartDelay     time.Duration
	StableUptime     time.Duration
	PollInterval     time.Duration

	// BlockedCommands are refused by Send; "stop" is always blocked so
	// shutdown intent is recorded before the process exits.
	BlockedCommands []string

	Log logger.Config
}

func (o Options) withDefaults() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.MaxCrashRestarts < 0 {
		o.MaxCrashRestarts = 0
	} else if o.MaxCrashRestarts == 0 {
		o.MaxCrashRestarts = DefaultMaxCrashRestarts
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.StableUptime <= 0 {
		o.StableUptime = DefaultStableUptime
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if len(o.BlockedCommands) == 0 {
		o.BlockedCommands = []string{"stop"}
	}
	return o
}
