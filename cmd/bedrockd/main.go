package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags holds the daemon connection settings shared by the client
// subcommands.
type ClientFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
}

// CommandFlags holds flags for the command subcommand
type CommandFlags struct {
	ClientFlags
	Line string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(),
		createStopCommand(),
		createRestartCommand(),
		createCommandCommand(),
		createStatusCommand(),
		createStatsCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "bedrockd",
		Short: "Minecraft Bedrock server lifecycle manager",
		Long: `Bedrockd supervises Minecraft Bedrock dedicated servers: it starts and
stops installations, relays console commands, restarts crashed servers,
and reports resource usage.

Examples:
  bedrockd serve --config=bedrockd.toml   # Start the daemon
  bedrockd start --name=survival
  bedrockd command --name=survival --line="say hello"
  bedrockd status --api-url=http://remote:8080/api`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addClientFlags(cmd *cobra.Command, f *ClientFlags, nameRequired bool) {
	cmd.Flags().StringVar(&f.Name, "name", "", "server name")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	if nameRequired {
		if err := cmd.MarkFlagRequired("name"); err != nil {
			panic(err)
		}
	}
}

func createStartCommand() *cobra.Command {
	f := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(c *APIClient) error { return c.Start(f.Name) })
		},
	}
	addClientFlags(cmd, f, true)
	return cmd
}

func createStopCommand() *cobra.Command {
	f := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(c *APIClient) error { return c.Stop(f.Name) })
		},
	}
	addClientFlags(cmd, f, true)
	return cmd
}

func createRestartCommand() *cobra.Command {
	f := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(c *APIClient) error { return c.Restart(f.Name) })
		},
	}
	addClientFlags(cmd, f, true)
	return cmd
}

func createCommandCommand() *cobra.Command {
	f := &CommandFlags{}
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Send a console command to a running server",
		Long: `Send one console command line to a running server's console.

Examples:
  bedrockd command --name=survival --line="say server restarting soon"
  bedrockd command --name=survival --line="whitelist add steve"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(&f.ClientFlags, func(c *APIClient) error { return c.Command(f.Name, f.Line) })
		},
	}
	addClientFlags(cmd, &f.ClientFlags, true)
	cmd.Flags().StringVar(&f.Line, "line", "", "console command line (required)")
	if err := cmd.MarkFlagRequired("line"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status (all servers when --name is omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(c *APIClient) error {
				result, err := c.Status(f.Name)
				if err != nil {
					return err
				}
				printJSON(result)
				return nil
			})
		},
	}
	addClientFlags(cmd, f, false)
	return cmd
}

func createStatsCommand() *cobra.Command {
	f := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show CPU, memory and uptime for a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(c *APIClient) error {
				result, err := c.Stats(f.Name)
				if err != nil {
					return err
				}
				printJSON(result)
				return nil
			})
		},
	}
	addClientFlags(cmd, f, true)
	return cmd
}

func withClient(f *ClientFlags, fn func(*APIClient) error) error {
	c := NewAPIClient(f.APIUrl, f.APITimeout)
	if !c.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - start it first with 'bedrockd serve'", c.baseURL)
	}
	return fn(c)
}
