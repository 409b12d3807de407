package cli

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/db"
	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/preflight"
	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
	"github.com/peterje/conduit/internal/service"
	"github.com/peterje/conduit/internal/shepherd"
)

// processOptions maps the process settings onto process package options.
func (a *app) processOptions() []process.Option {
	p := a.cfg.Process
	return []process.Option{
		process.WithChunkSize(p.ChunkSize),
		process.WithQueueDepth(p.QueueDepth),
		process.WithExitGrace(p.ExitGrace),
	}
}

func (a *app) managerOptions() []procmgr.Option {
	return []procmgr.Option{
		procmgr.WithReplayBytes(a.cfg.Process.ReplayBytes),
		procmgr.WithStopGrace(a.cfg.Process.StopGrace),
		procmgr.WithProcessOptions(a.processOptions()...),
	}
}

func (a *app) socketPath() string {
	if a.cfg.Shepherd.Socket != "" {
		return a.cfg.Shepherd.Socket
	}
	return shepherd.DefaultSocketPath(a.cfg.StateDir)
}

// shepherdArgs are the arguments an autostarted shepherd is launched with,
// so it shares this process's configuration.
func (a *app) shepherdArgs() []string {
	args := []string{"shepherd", "--state-dir", a.cfg.StateDir, "--log-level", a.cfg.Log.Level}
	if a.cfg.File != "" {
		args = append(args, "--config", a.cfg.File)
	}
	return args
}

// backend is the session manager a command drives, plus how to release it.
type backend struct {
	manager procmgr.SessionManager
	client  *shepherd.Client
	close   func()
}

// shepherdAlive reports whether sessions are held by a connected shepherd.
func (b *backend) shepherdAlive() bool {
	if b.client == nil {
		return false
	}
	select {
	case <-b.client.Closed():
		return false
	default:
		return true
	}
}

// openBackend connects to the shepherd when enabled and falls back to an
// in-process manager whose sessions end with this process.
func (a *app) openBackend(ctx context.Context) *backend {
	if a.cfg.Shepherd.Enabled {
		client, err := shepherd.Connect(ctx, shepherd.ConnectOptions{
			SocketPath: a.socketPath(),
			Logger:     a.logger.Named("shepherd"),
			Autostart:  a.cfg.Shepherd.Autostart,
			Args:       a.shepherdArgs(),
		})
		if err == nil {
			return &backend{
				manager: client,
				client:  client,
				close:   func() { _ = client.Close() },
			}
		}
		a.logger.Warn("shepherd unavailable, falling back to in-process manager", zap.Error(err))
	}

	host := process.NewHost(context.WithoutCancel(ctx), a.logger.Named("process"))
	opts := append([]procmgr.Option{procmgr.WithLogger(a.logger.Named("procmgr"))}, a.managerOptions()...)
	mgr := procmgr.NewManager(host, opts...)
	return &backend{
		manager: mgr,
		close: func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Process.StopGrace+shutdownTimeout)
			defer cancel()
			mgr.StopAll(stopCtx)
			_ = host.Close()
		},
	}
}

// openService opens the database and reconciles its records with the
// backend's live sessions.
func (a *app) openService(ctx context.Context, b *backend) (*service.Service, *sql.DB, error) {
	database, err := db.Open(ctx, a.cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	svc := service.New(db.NewProcesses(database), b.manager, a.logger.Named("service"))
	if err := svc.Reconcile(ctx); err != nil {
		a.logger.Warn("reconcile process records", zap.Error(err))
	}
	return svc, database, nil
}

func (a *app) healthFunc(b *backend) func() models.HealthResponse {
	return func() models.HealthResponse {
		return preflight.Health(preflight.CheckAll(a.cfg.StateDir), b.shepherdAlive())
	}
}
