package process

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Host is the long-lived concurrency context that managed processes borrow
// scopes from. Closing the host cancels every scope it handed out and waits
// for their tasks to return.
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	scopes map[*Scope]struct{}
}

// NewHost creates a host bound to ctx. A nil logger disables logging.
func NewHost(ctx context.Context, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	hostCtx, cancel := context.WithCancel(ctx)
	return &Host{
		ctx:    hostCtx,
		cancel: cancel,
		logger: logger,
		scopes: make(map[*Scope]struct{}),
	}
}

// Scope returns a named child region of the host context.
func (h *Host) Scope(name string) *Scope {
	ctx, cancel := context.WithCancel(h.ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	s := &Scope{
		name:   name,
		ctx:    groupCtx,
		cancel: cancel,
		group:  group,
		host:   h,
	}

	h.mu.Lock()
	h.scopes[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Active returns the number of scopes that have not been released yet.
func (h *Host) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scopes)
}

// Close cancels all scopes and waits for their tasks.
func (h *Host) Close() error {
	h.cancel()

	h.mu.Lock()
	scopes := make([]*Scope, 0, len(h.scopes))
	for s := range h.scopes {
		scopes = append(scopes, s)
	}
	h.mu.Unlock()

	var firstErr error
	for _, s := range scopes {
		if err := s.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) release(s *Scope) {
	h.mu.Lock()
	delete(h.scopes, s)
	h.mu.Unlock()
}

// Scope groups the background tasks of one owner. Cancelling it stops every
// task started with Go.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	host   *Host

	releaseOnce sync.Once
}

// Name returns the label the scope was created with.
func (s *Scope) Name() string {
	return s.name
}

// Context returns the scope's context.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Go runs fn in the scope. A non-nil error cancels the rest of the scope.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		return fn(s.ctx)
	})
}

// Cancel stops the scope's tasks without waiting for them.
func (s *Scope) Cancel() {
	s.cancel()
}

// Wait blocks until every task has returned and then releases the scope
// from its host.
func (s *Scope) Wait() error {
	err := s.group.Wait()
	s.releaseOnce.Do(func() {
		s.cancel()
		s.host.release(s)
	})
	return err
}

// Close cancels the scope and waits for its tasks.
func (s *Scope) Close() error {
	s.cancel()
	return s.Wait()
}
