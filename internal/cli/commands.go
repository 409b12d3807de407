package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peterje/conduit/internal/gateway"
	"github.com/peterje/conduit/internal/mcp"
	"github.com/peterje/conduit/internal/preflight"
	"github.com/peterje/conduit/internal/shepherd"
)

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (a *app) shepherdCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shepherd",
		Short: "Run the daemon that owns managed processes",
		Long: `Run the shepherd daemon. It listens on a unix socket in the state directory
and keeps processes alive across restarts of "conduit serve", which starts it
automatically when needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return shepherd.Run(ctx, shepherd.Config{
				SocketPath:     a.socketPath(),
				PIDPath:        shepherd.DefaultPIDPath(a.cfg.StateDir),
				Logger:         a.logger.Named("shepherd"),
				ManagerOptions: a.managerOptions(),
			})
		},
	}
}

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the process tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b := a.openBackend(ctx)
			defer b.close()
			svc, database, err := a.openService(ctx, b)
			if err != nil {
				return err
			}
			defer database.Close()

			return mcp.Serve(ctx, mcp.NewServer(svc, Version, a.logger.Named("mcp")))
		},
	}
}

func (a *app) gatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the public gateway that conduit servers tunnel into",
		Long: `Run the gateway. It terminates TLS, authenticates users with a bearer token
(gateway.token) and forwards /api/ and /ws/ requests through the reverse
tunnel opened by "conduit serve" with tunnel.url and the shared secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			g := a.cfg.Gateway
			return gateway.Run(ctx, gateway.Config{
				Port:     g.Port,
				TLSCert:  g.TLSCert,
				TLSKey:   g.TLSKey,
				Token:    g.Token,
				Secret:   g.Secret,
				StateDir: a.cfg.StateDir,
				Logger:   a.logger.Named("gateway"),
			})
		},
	}
	cmd.Flags().Int("gateway-port", 0, "HTTPS port (overrides gateway.port)")
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}

func (a *app) preflightCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that this host can run managed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := preflight.CheckAll(a.cfg.StateDir)
			preflight.Print(cmd.OutOrStdout(), checks)
			if !preflight.Passed(checks) {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
}
