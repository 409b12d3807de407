package procmgr

import (
	"context"
	"errors"
)

// Sentinel errors returned by session managers.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	// ErrInputBacklog is returned when a session has too many stdin writes
	// pending because its process is not reading.
	ErrInputBacklog = errors.New("stdin backlog full")
)

// SessionHandle represents a handle to a managed process session.
type SessionHandle interface {
	Info() Info
	Replay() []Chunk
	Subscribe() (<-chan Chunk, func())
	Write(ctx context.Context, data []byte) error
	CloseInput() error
	Done() <-chan struct{}
	ExitCode() (int, bool)
}

// SessionManager manages managed process session lifecycles.
type SessionManager interface {
	Start(ctx context.Context, req StartRequest) (SessionHandle, error)
	Get(id string) SessionHandle
	List() []Info
	Stop(ctx context.Context, id string) error
	Kill(id string) error
	Remove(ctx context.Context, id string) error
	Resize(id string, rows, cols uint16) error
	CloseInput(id string) error
	StopAll(ctx context.Context)
}
