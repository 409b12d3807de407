// Package service ties the session manager to the persistent process
// records. Both the HTTP API and the MCP server go through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/db"
	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/procmgr"
)

var (
	ErrNotFound       = errors.New("process not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// StartRequest describes a process to launch.
type StartRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	PTY     bool     `json:"pty,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
}

type Service struct {
	store   *db.Processes
	manager procmgr.SessionManager
	logger  *zap.Logger
}

func New(store *db.Processes, manager procmgr.SessionManager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, manager: manager, logger: logger}
}

// Manager returns the underlying session manager.
func (s *Service) Manager() procmgr.SessionManager {
	return s.manager
}

// Start launches a process and records it.
func (s *Service) Start(ctx context.Context, req StartRequest) (models.Process, error) {
	if req.Command == "" {
		return models.Process{}, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if req.PTY && (req.Rows == 0) != (req.Cols == 0) {
		return models.Process{}, fmt.Errorf("%w: rows and cols must be set together", ErrInvalidRequest)
	}

	argv := append([]string{req.Command}, req.Args...)
	h, err := s.manager.Start(ctx, procmgr.StartRequest{
		Argv: argv,
		Dir:  req.WorkDir,
		Env:  req.Env,
		PTY:  req.PTY,
		Rows: req.Rows,
		Cols: req.Cols,
	})
	if err != nil {
		return models.Process{}, fmt.Errorf("start process: %w", err)
	}

	info := h.Info()
	pid := info.PID
	rec := models.Process{
		ID:        info.ID,
		Command:   req.Command,
		Args:      append([]string{}, req.Args...),
		WorkDir:   req.WorkDir,
		PTY:       req.PTY,
		Status:    models.StatusRunning,
		PID:       &pid,
		CreatedAt: info.StartedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		_ = s.manager.Kill(rec.ID)
		return models.Process{}, err
	}

	s.watch(rec.ID, h)
	return rec, nil
}

// watch records the exit of h once it happens.
func (s *Service) watch(id string, h procmgr.SessionHandle) {
	go func() {
		<-h.Done()
		code, ok := h.ExitCode()
		if !ok {
			return
		}
		if err := s.store.MarkExited(context.Background(), id, code, time.Now()); err != nil {
			s.logger.Warn("record process exit", zap.String("process_id", id), zap.Error(err))
			return
		}
		s.logger.Info("process stopped", zap.String("process_id", id), zap.Int("exit_code", code))
	}()
}

// Get returns the record for id, with the live exit code when the watcher
// has not recorded it yet.
func (s *Service) Get(ctx context.Context, id string) (models.Process, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return models.Process{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Process{}, err
	}
	if rec.Status == models.StatusRunning {
		if h := s.manager.Get(id); h != nil {
			if code, ok := h.ExitCode(); ok {
				rec.Status = models.StatusExited
				rec.ExitCode = &code
			}
		}
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context) ([]models.Process, error) {
	return s.store.List(ctx)
}

// Handle returns the live session for id.
func (s *Service) Handle(id string) (procmgr.SessionHandle, error) {
	h := s.manager.Get(id)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

// Input writes data to the process's stdin.
func (s *Service) Input(ctx context.Context, id string, data []byte) error {
	h, err := s.Handle(id)
	if err != nil {
		return err
	}
	return h.Write(ctx, data)
}

func (s *Service) CloseInput(id string) error {
	return s.translate(id, s.manager.CloseInput(id))
}

func (s *Service) Resize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("%w: rows and cols must be positive", ErrInvalidRequest)
	}
	return s.translate(id, s.manager.Resize(id, rows, cols))
}

// Output returns the buffered output of the process.
func (s *Service) Output(id string) ([]procmgr.Chunk, error) {
	h, err := s.Handle(id)
	if err != nil {
		return nil, err
	}
	return h.Replay(), nil
}

// Terminate stops the process, gracefully unless force is set. The record
// is kept.
func (s *Service) Terminate(ctx context.Context, id string, force bool) error {
	if force {
		return s.translate(id, s.manager.Kill(id))
	}
	return s.translate(id, s.manager.Stop(ctx, id))
}

// Delete stops the process if needed and removes both the session and the
// record.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	if force {
		if err := s.manager.Kill(id); err != nil && !errors.Is(err, procmgr.ErrSessionNotFound) {
			return err
		}
	}
	sessionErr := s.manager.Remove(ctx, id)
	if sessionErr != nil && !errors.Is(sessionErr, procmgr.ErrSessionNotFound) {
		return sessionErr
	}

	recordErr := s.store.Delete(ctx, id)
	if recordErr != nil && !errors.Is(recordErr, db.ErrNotFound) {
		return recordErr
	}
	if sessionErr != nil && recordErr != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reconcile aligns the records with the sessions the manager still knows
// about: vanished processes are marked stopped, finished ones get their exit
// code, and live ones are watched again.
func (s *Service) Reconcile(ctx context.Context) error {
	infos := s.manager.List()
	active := make([]string, 0, len(infos))
	for _, info := range infos {
		active = append(active, info.ID)
	}

	orphaned, err := s.store.MarkOrphaned(ctx, active)
	if err != nil {
		return err
	}
	if len(orphaned) > 0 {
		s.logger.Info("marked orphaned processes as stopped", zap.Int("count", len(orphaned)))
	}

	running, err := s.store.RunningIDs(ctx)
	if err != nil {
		return err
	}
	adopted := 0
	for _, id := range running {
		h := s.manager.Get(id)
		if h == nil {
			continue
		}
		s.watch(id, h)
		adopted++
	}
	if adopted > 0 {
		s.logger.Info("re-adopted running processes", zap.Int("count", adopted))
	}
	return nil
}

func (s *Service) translate(id string, err error) error {
	if errors.Is(err, procmgr.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
