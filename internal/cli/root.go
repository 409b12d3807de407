// Package cli wires conduit's cobra command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/config"
	"github.com/peterje/conduit/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// ExitError carries a child process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// app holds state shared by every command: the resolved configuration and
// the logger built from it.
type app struct {
	configFile string
	logLevel   string
	logFormat  string
	stateDir   string

	cfg    config.Loaded
	logger *zap.Logger
}

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	return newApp().rootCommand()
}

func newApp() *app {
	return &app{logger: zap.NewNop()}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Supervise long-running processes and stream their I/O",
		Long:          "conduit starts processes, keeps their output, and exposes them over HTTP, WebSocket and MCP.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initialize(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "path to a YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "override the configured log format (structured or console)")
	flags.StringVar(&a.stateDir, "state-dir", "", "directory for the database, shepherd socket and certificates")

	root.AddCommand(
		a.serveCommand(),
		a.shepherdCommand(),
		a.runCommand(),
		a.mcpCommand(),
		a.gatewayCommand(),
		a.configCommand(),
		a.preflightCommand(),
	)
	return root
}

// Execute runs the command tree and flushes the logger.
func Execute(ctx context.Context, args []string) error {
	a := newApp()
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if syncErr := logging.Sync(a.logger); err == nil && syncErr != nil {
		err = fmt.Errorf("flush logger: %w", syncErr)
	}
	return err
}

func (a *app) initialize(cmd *cobra.Command) error {
	loaded, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = loaded

	logger, err := logging.New(logging.Level(loaded.Log.Level), logging.Format(loaded.Log.Format))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger

	a.logger.Debug("configuration initialized",
		zap.String("command", cmd.Name()),
		zap.String("config_file", loaded.File),
		zap.String("state_dir", loaded.StateDir))
	return nil
}
