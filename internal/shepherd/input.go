package shepherd

import (
	"context"
	"sync"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
)

// inputBacklog bounds the stdin writes a session may have pending while its
// process is not reading.
const inputBacklog = 64

// inputQueue serialises stdin writes and closes for one session off the
// connection read loops.
type inputQueue struct {
	handle procmgr.SessionHandle
	writes chan inputWrite
	wake   chan struct{}

	// Close requests that arrived while writes was full.
	mu      sync.Mutex
	closers []func(error)
}

type inputWrite struct {
	data  []byte
	close bool
	done  func(error)
}

// queueWrite hands data to the session's stdin writer. It returns
// procmgr.ErrInputBacklog when the backlog is full.
func (s *Shepherd) queueWrite(id string, h procmgr.SessionHandle, data []byte, done func(error)) error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	q := s.inputQueueLocked(id, h)
	select {
	case q.writes <- inputWrite{data: data, done: done}:
		return nil
	default:
		return procmgr.ErrInputBacklog
	}
}

// queueClose closes the session's stdin after the writes queued before it.
func (s *Shepherd) queueClose(id string, h procmgr.SessionHandle, done func(error)) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	q := s.inputQueueLocked(id, h)
	select {
	case q.writes <- inputWrite{close: true, done: done}:
		return
	default:
	}
	q.mu.Lock()
	q.closers = append(q.closers, done)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (s *Shepherd) inputQueueLocked(id string, h procmgr.SessionHandle) *inputQueue {
	if q, ok := s.inputs[id]; ok && q.handle == h {
		return q
	}
	q := &inputQueue{
		handle: h,
		writes: make(chan inputWrite, inputBacklog),
		wake:   make(chan struct{}, 1),
	}
	s.inputs[id] = q
	go s.pumpInput(id, q)
	return q
}

// pumpInput performs queued writes until the session's process exits.
func (s *Shepherd) pumpInput(id string, q *inputQueue) {
	h := q.handle
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	apply := func(w inputWrite) {
		if w.close {
			w.done(h.CloseInput())
			return
		}
		err := h.Write(ctx, w.data)
		if err != nil && ctx.Err() != nil {
			err = process.ErrProcessExited
		}
		w.done(err)
	}

	for {
		select {
		case w := <-q.writes:
			apply(w)
			continue
		default:
		}
		q.closeDeferred()

		select {
		case w := <-q.writes:
			apply(w)
		case <-q.wake:
		case <-h.Done():
			s.inputMu.Lock()
			if s.inputs[id] == q {
				delete(s.inputs, id)
			}
			s.inputMu.Unlock()

			// No queueing can reach q any more; answer what is left.
			for {
				select {
				case w := <-q.writes:
					if w.close {
						w.done(h.CloseInput())
					} else {
						w.done(process.ErrProcessExited)
					}
				default:
					q.closeDeferred()
					return
				}
			}
		}
	}
}

func (q *inputQueue) closeDeferred() {
	q.mu.Lock()
	closers := q.closers
	q.closers = nil
	q.mu.Unlock()
	if len(closers) == 0 {
		return
	}
	err := q.handle.CloseInput()
	for _, done := range closers {
		done(err)
	}
}
