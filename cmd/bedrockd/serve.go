package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bedrockd/bedrockd/internal/config"
	"github.com/bedrockd/bedrockd/internal/history/factory"
	"github.com/bedrockd/bedrockd/internal/logger"
	"github.com/bedrockd/bedrockd/internal/metrics"
	"github.com/bedrockd/bedrockd/internal/server"
	"github.com/bedrockd/bedrockd/internal/store"
	"github.com/bedrockd/bedrockd/internal/supervisor"
)

// ServeFlags holds flags for the serve subcommand
type ServeFlags struct {
	ConfigPath   string
	PollInterval time.Duration
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the bedrockd daemon",
		Long: `Start the bedrockd daemon to supervise Bedrock server installations.
All configuration is loaded from a TOML config file.

Examples:
  bedrockd serve --config=bedrockd.toml
  bedrockd serve bedrockd.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if serveFlags.ConfigPath != "" {
				configPath = serveFlags.ConfigPath
			}
			if len(args) > 0 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("config file required. Use --config=bedrockd.toml or provide as argument")
			}
			return runServe(configPath, serveFlags)
		},
	}
	cmd.Flags().DurationVar(&serveFlags.PollInterval, "resource-poll-interval", 15*time.Second, "resource gauge sampling interval")
	return cmd
}

func runServe(configPath string, flags *ServeFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logger.Setup(cfg.LogLevel, false)

	sup := supervisor.New(cfg.SupervisorOptions())

	if cfg.Store != nil {
		st, err := store.New(*cfg.Store)
		if err != nil {
			return fmt.Errorf("error opening status store: %w", err)
		}
		if st != nil {
			if err := st.EnsureSchema(context.Background()); err != nil {
				_ = st.Close()
				return fmt.Errorf("error preparing status store: %w", err)
			}
			sup.SetStore(st)
		}
	}

	for _, dsn := range cfg.HistorySinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			slog.Warn("skipping history sink", "dsn", dsn, "error", err)
			continue
		}
		sup.AddSink(sink)
	}

	enableMetrics := cfg.HTTP != nil && cfg.HTTP.EnableMetrics
	if enableMetrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}

	if n, err := sup.Adopt(); err != nil {
		slog.Warn("startup reconciliation failed", "error", err)
	} else if n > 0 {
		slog.Info("recovered running servers", "count", n)
	}
	sup.StartResourcePoller(flags.PollInterval)

	listen := ":8080"
	basePath := "/api"
	if cfg.HTTP != nil {
		if cfg.HTTP.Listen != "" {
			listen = cfg.HTTP.Listen
		}
		if cfg.HTTP.BasePath != "" {
			basePath = cfg.HTTP.BasePath
		}
	}
	httpServer, err := server.NewServer(listen, basePath, enableMetrics, sup)
	if err != nil {
		return fmt.Errorf("error starting HTTP server: %w", err)
	}
	slog.Info("bedrockd daemon started", "listen", listen, "base_path", basePath, "base_dir", cfg.BaseDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err := sup.Shutdown(); err != nil {
		slog.Error("shutdown finished with errors", "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}
