package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	NoStart   bool
}

// ActionFlags holds flags for start, stop and restart
type ActionFlags struct {
	Wait        bool
	WaitTimeout time.Duration
}

// EngineStatusFlags holds flags for engine-status
type EngineStatusFlags struct {
	Field string
}

// EventsFlags holds flags for the events command
type EventsFlags struct {
	Kinds []string
	JSON  bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createActionCommand(c, "start", "Start the engine and wait until it is ready"),
		createActionCommand(c, "stop", "Stop the engine, escalating to signals if it does not close"),
		createActionCommand(c, "restart", "Stop the engine if running, then start it"),
		createStatusCommand(c),
		createEngineStatusCommand(c),
		createEventsCommand(c),
		createReapCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "simvisor",
		Short: "Supervisor for the WinVetSim simulation engine",
		Long: `simvisor launches the WinVetSim engine, waits for its status endpoint and
web server to answer, and shuts it down with a close request followed by
SIGTERM and SIGKILL when needed.

Examples:
  simvisor serve --config simvisor.toml   # run the supervisor and its API
  simvisor start                          # ask the running supervisor to start the engine
  simvisor engine-status --field cardiac.rate
  simvisor events --kinds state-changed,process-exited`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "supervisor API URL (default derived from [api] in the config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground. The engine is started right away unless
engine.auto_start is false or --no-start is given. SIGINT or SIGTERM stops the
engine and exits.

Examples:
  simvisor serve
  simvisor serve /etc/simvisor.toml
  simvisor serve --daemonize --pidfile /run/simvisor.pid --logfile /var/log/simvisor.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the background process PID here")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect background output to this file")
	cmd.Flags().BoolVar(&flags.NoStart, "no-start", false, "do not start the engine on launch")
	return cmd
}

func createActionCommand(c command, name, short string) *cobra.Command {
	flags := &ActionFlags{}
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Action(cmd, name, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", true, "block until the action completes")
	cmd.Flags().DurationVar(&flags.WaitTimeout, "wait-timeout", 2*time.Minute, "upper bound for --wait")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor's view of the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd)
		},
	}
}

func createEngineStatusCommand(c command) *cobra.Command {
	flags := &EngineStatusFlags{}
	cmd := &cobra.Command{
		Use:   "engine-status",
		Short: "Query the engine's own status endpoint",
		Long: `Query the engine's status endpoint through the supervisor. --field selects a
value with a gjson path.

Examples:
  simvisor engine-status
  simvisor engine-status --field scenario.state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineStatus(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Field, "field", "", "gjson path of a single value to print")
	return cmd
}

func createEventsCommand(c command) *cobra.Command {
	flags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd, *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Kinds, "kinds", nil, "only these kinds (state-changed, log-line, process-exited)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON events")
	return cmd
}

func createReapCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Kill engine and web server processes left by an unclean exit",
		Long: `Kill leftover engine processes (by executable path and control port) and the
engine's web server. Refuses to run while a supervisor holds the lock file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reap(cmd)
		},
	}
}
