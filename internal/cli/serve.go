package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/conduit/internal/server"
	"github.com/peterje/conduit/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Long: `Run the HTTP and WebSocket API. Processes are held by the shepherd daemon,
which is started on demand, so they survive restarts of this server. With
tunnel.url set the server also dials out to a gateway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().String("host", "", "HTTP listen host (overrides server.host)")
	cmd.Flags().String("tunnel-url", "", "gateway tunnel URL, e.g. wss://gateway.example.com/tunnel")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	b := a.openBackend(ctx)
	defer b.close()

	svc, database, err := a.openService(ctx, b)
	if err != nil {
		return err
	}
	defer database.Close()

	srv := server.New(svc, a.healthFunc(b), a.logger.Named("http"))

	l, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server listening", zap.String("addr", l.Addr().String()))
		if err := httpSrv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if b.client != nil {
		g.Go(func() error {
			select {
			case <-b.client.Closed():
				a.logger.Error("lost connection to shepherd; restart to reconnect")
			case <-ctx.Done():
			}
			return nil
		})
	}
	if a.cfg.Tunnel.URL != "" {
		client := tunnel.NewClient(tunnel.Options{
			GatewayURL: a.cfg.Tunnel.URL,
			Secret:     a.cfg.Tunnel.Secret,
			LocalAddr:  l.Addr().String(),
			VerifyTLS:  a.cfg.Tunnel.VerifyTLS,
			Logger:     a.logger.Named("tunnel"),
		})
		g.Go(func() error { return client.Run(ctx) })
	}

	return g.Wait()
}
