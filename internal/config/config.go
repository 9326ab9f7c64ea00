package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/bedrockd/bedrockd/internal/logger"
	"github.com/bedrockd/bedrockd/internal/store"
	"github.com/bedrockd/bedrockd/internal/supervisor"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	BaseDir string `toml:"base_dir" mapstructure:"base_dir"`

	Log         *logger.Config     `toml:"log" mapstructure:"log"`
	Supervision *SupervisionConfig `toml:"supervision" mapstructure:"supervision"`
	HTTP        *HTTPConfig        `toml:"http" mapstructure:"http"`
	Store       *store.Config      `toml:"store" mapstructure:"store"`

	// HistorySinks are DSNs for lifecycle-event export, e.g.
	// "clickhouse://host:9000?table=events" or "postgres://...".
	HistorySinks []string `toml:"history_sinks" mapstructure:"history_sinks"`

	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

// SupervisionConfig tunes stop escalation and the crash-restart policy.
type SupervisionConfig struct {
	StopTimeout      time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillTimeout      time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	MaxCrashRestarts int           `toml:"max_crash_restarts" mapstructure:"max_crash_restarts"`
	RestartDelay     time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	StableUptime     time.Duration `toml:"stable_uptime" mapstructure:"stable_uptime"`
	PollInterval     time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	BlockedCommands  []string      `toml:"blocked_commands" mapstructure:"blocked_commands"`
}

// HTTPConfig configures the management API server.
type HTTPConfig struct {
	Listen        string `toml:"listen" mapstructure:"listen"`
	BasePath      string `toml:"base_path" mapstructure:"base_path"`
	EnableMetrics bool   `toml:"enable_metrics" mapstructure:"enable_metrics"`
}

// Load parses a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if fc.BaseDir == "" {
		return nil, fmt.Errorf("config %s: base_dir is required", path)
	}
	return &fc, nil
}

// SupervisorOptions translates the file config into supervisor options;
// zero values fall through to the supervisor defaults.
func (fc *FileConfig) SupervisorOptions() supervisor.Options {
	opts := supervisor.Options{BaseDir: fc.BaseDir}
	if fc.Log != nil {
		opts.Log = *fc.Log
	}
	if s := fc.Supervision; s != nil {
		opts.StopTimeout = s.StopTimeout
		opts.KillTimeout = s.KillTimeout
		opts.MaxCrashRestarts = s.MaxCrashRestarts
		opts.RestartDelay = s.RestartDelay
		opts.StableUptime = s.StableUptime
		opts.PollInterval = s.PollInterval
		opts.BlockedCommands = s.BlockedCommands
	}
	return opts
}
