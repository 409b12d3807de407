package procmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/pty"
)

const (
	defaultReplayBytes = 100 * 1024 // 100KB replay buffer
	defaultStopGrace   = 5 * time.Second
	subscriberBuffer   = 256
)

type Session struct {
	ID   string
	Proc process.Handle

	argv      []string
	dir       string
	pty       bool
	startedAt time.Time

	mu       sync.Mutex
	exitedAt time.Time

	// Replay buffer for reconnection
	replayMu    sync.Mutex
	replay      []Chunk
	replayLen   int
	replayLimit int

	// Subscribers for fan-out output
	subMu        sync.Mutex
	subscribers  map[chan Chunk]struct{}
	outputClosed bool
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.ID,
		PID:       s.Proc.PID(),
		Argv:      append([]string(nil), s.argv...),
		Dir:       s.dir,
		PTY:       s.pty,
		Status:    StatusRunning,
		StartedAt: s.startedAt,
	}
	if code, ok := s.Proc.ExitCode(); ok {
		info.Status = StatusExited
		info.ExitCode = &code
		exitedAt := s.markExited()
		info.ExitedAt = &exitedAt
	}
	return info
}

// markExited records the exit time on first call and returns it.
func (s *Session) markExited() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitedAt.IsZero() {
		s.exitedAt = time.Now().UTC()
	}
	return s.exitedAt
}

// Write sends data to the process's stdin.
func (s *Session) Write(ctx context.Context, data []byte) error {
	return s.Proc.SendInput(ctx, data)
}

// CloseInput closes the process's stdin.
func (s *Session) CloseInput() error {
	return s.Proc.CloseInput()
}

// Done returns a channel that is closed when the session process exits.
func (s *Session) Done() <-chan struct{} {
	return s.Proc.Done()
}

// ExitCode returns the exit code once the process has exited.
func (s *Session) ExitCode() (int, bool) {
	return s.Proc.ExitCode()
}

func (s *Session) appendReplay(chunk Chunk) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replay = append(s.replay, chunk)
	s.replayLen += len(chunk.Data)
	for s.replayLen > s.replayLimit && len(s.replay) > 0 {
		excess := s.replayLen - s.replayLimit
		head := s.replay[0]
		if len(head.Data) <= excess {
			s.replay = s.replay[1:]
			s.replayLen -= len(head.Data)
			continue
		}
		s.replay[0] = Chunk{Stream: head.Stream, Data: head.Data[excess:]}
		s.replayLen -= excess
	}
}

func (s *Session) Replay() []Chunk {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cp := make([]Chunk, len(s.replay))
	for i, c := range s.replay {
		cp[i] = Chunk{Stream: c.Stream, Data: append([]byte(nil), c.Data...)}
	}
	return cp
}

func (s *Session) broadcast(chunk Chunk) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			// Slow subscriber, drop data
		}
	}
}

// Subscribe returns a channel of process output and an unsubscribe function.
// The channel is closed once both output streams have ended.
func (s *Session) Subscribe() (<-chan Chunk, func()) {
	ch := make(chan Chunk, subscriberBuffer)
	s.subMu.Lock()
	if s.outputClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
	return ch, unsub
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.outputClosed = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReplayBytes caps the per-session replay buffer.
func WithReplayBytes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.replayBytes = n
		}
	}
}

// WithStopGrace sets how long Stop waits before forcing termination.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		m.stopGrace = d
	}
}

// WithProcessOptions passes options to every process the manager starts.
func WithProcessOptions(opts ...process.Option) Option {
	return func(m *Manager) {
		m.procOpts = append(m.procOpts, opts...)
	}
}

// WithExitCallback registers fn to run after a session's process exits.
func WithExitCallback(fn func(Info)) Option {
	return func(m *Manager) {
		m.onExit = fn
	}
}

type Manager struct {
	host        *process.Host
	logger      *zap.Logger
	replayBytes int
	stopGrace   time.Duration
	procOpts    []process.Option
	onExit      func(Info)

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(host *process.Host, opts ...Option) *Manager {
	m := &Manager{
		host:        host,
		logger:      zap.NewNop(),
		replayBytes: defaultReplayBytes,
		stopGrace:   defaultStopGrace,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Start(ctx context.Context, req StartRequest) (SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}

	m.mu.RLock()
	_, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	command := process.Command{Argv: req.Argv, Dir: req.Dir, Env: req.Env, Group: true}
	opts := append([]process.Option{process.WithLogger(m.logger)}, m.procOpts...)

	var (
		proc *process.Process
		err  error
	)
	if req.PTY {
		proc, err = pty.Start(m.host, command, pty.Size{Rows: req.Rows, Cols: req.Cols}, opts...)
	} else {
		proc, err = process.Start(m.host, command, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	sess := &Session{
		ID:          id,
		Proc:        proc,
		argv:        append([]string(nil), req.Argv...),
		dir:         req.Dir,
		pty:         req.PTY,
		startedAt:   time.Now().UTC(),
		replayLimit: m.replayBytes,
		subscribers: make(map[chan Chunk]struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		_ = proc.ForceTerminate()
		_ = proc.Close()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	// Read stdout and stderr, fan out to replay buffer + subscribers
	var pumps sync.WaitGroup
	forward := func(stream Stream, ch <-chan []byte) {
		defer pumps.Done()
		for data := range ch {
			chunk := Chunk{Stream: stream, Data: data}
			sess.appendReplay(chunk)
			sess.broadcast(chunk)
		}
	}
	pumps.Add(2)
	go forward(StreamStdout, proc.Stdout())
	go forward(StreamStderr, proc.Stderr())
	go func() {
		pumps.Wait()
		sess.closeSubscribers()
	}()

	// Monitor process exit
	go func() {
		<-proc.Done()
		sess.markExited()

		info := sess.Info()
		m.logger.Info("session exited",
			zap.String("session_id", id),
			zap.Int("pid", info.PID),
			zap.Intp("exit_code", info.ExitCode))
		if m.onExit != nil {
			m.onExit(info)
		}
	}()

	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.Int("pid", proc.PID()),
		zap.Strings("argv", req.Argv),
		zap.Bool("pty", req.PTY))
	return sess, nil
}

func (m *Manager) Get(id string) SessionHandle {
	sess := m.getSession(id)
	if sess == nil {
		return nil
	}
	return sess
}

func (m *Manager) getSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns all sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// ListActive returns the IDs of sessions whose process is still running.
func (m *Manager) ListActive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if _, exited := sess.Proc.ExitCode(); !exited {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stop terminates the session's process, forcing it after the stop grace
// period. Stopping an exited session is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, err := sess.Proc.Stop(ctx, m.stopGrace); err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	return nil
}

func (m *Manager) Kill(id string) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Proc.ForceTerminate()
}

// Remove stops the session if needed and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Proc.Close()
}

func (m *Manager) Resize(id string, rows, cols uint16) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Proc.ResizeTerminal(cols, rows)
}

func (m *Manager) CloseInput(id string) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Proc.CloseInput()
}

// StopAll stops every running session concurrently.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			if _, err := sess.Proc.Stop(ctx, m.stopGrace); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("stop session failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

var _ SessionManager = (*Manager)(nil)
var _ SessionHandle = (*Session)(nil)
