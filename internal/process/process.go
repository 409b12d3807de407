// Package process wraps local OS child processes so their standard streams
// and exit status can be consumed through channels.
//
// A Process is created by Start, which spawns a command on fresh pipes, or by
// Wrap, which adopts a process that is already running. Each stream is pumped
// by a dedicated goroutine running in a Scope borrowed from a Host; the exit
// status is resolved once and broadcast to every waiter.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultChunkSize  = 32 * 1024
	defaultQueueDepth = 64
	defaultExitGrace  = 50 * time.Millisecond
)

// State is the lifecycle state of a managed process.
type State int32

const (
	// StateCreated is the state of a process that has not been spawned.
	StateCreated State = iota
	// StateRunning indicates the process is alive.
	StateRunning
	// StateExited indicates the exit status has been resolved.
	StateExited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Handle is the surface shared by pipe-backed and terminal-backed processes.
type Handle interface {
	PID() int
	State() State
	Stdin() chan<- []byte
	Stdout() <-chan []byte
	Stderr() <-chan []byte
	SendInput(ctx context.Context, data []byte) error
	CloseInput() error
	Done() <-chan struct{}
	Wait(ctx context.Context) (int, error)
	ExitCode() (int, bool)
	Terminate() error
	ForceTerminate() error
	Stop(ctx context.Context, grace time.Duration) (int, error)
	ResizeTerminal(cols, rows uint16) error
	Close() error
}

// Command describes a program to spawn.
type Command struct {
	// Argv holds the program followed by its arguments.
	Argv []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries in KEY=VALUE form are appended to the parent environment.
	Env []string
	// Group places the child in its own process group so termination
	// reaches its descendants too.
	Group bool
}

// Streams are the parent-side ends of a process's standard streams. Any of
// them may be nil.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

type options struct {
	logger     *zap.Logger
	chunkSize  int
	queueDepth int
	exitGrace  time.Duration
	group      bool
	terminator Terminator
	resize     func(cols, rows uint16) error
}

// Option configures a Process.
type Option func(*options)

// WithLogger sets the logger used for stream and lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithChunkSize sets the read size of the output pumps.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithQueueDepth bounds the number of chunks buffered per stream channel.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithExitGrace sets how long a failed stdin write waits for the process to
// report its exit before the failure is classified as ErrStdinClosed.
func WithExitGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.exitGrace = d
		}
	}
}

// WithProcessGroup marks the process as the leader of its own group.
func WithProcessGroup(group bool) Option {
	return func(o *options) {
		o.group = group
	}
}

// WithTerminator overrides the host termination strategy.
func WithTerminator(t Terminator) Option {
	return func(o *options) {
		o.terminator = t
	}
}

// WithResizer enables ResizeTerminal for processes attached to a terminal.
func WithResizer(fn func(cols, rows uint16) error) Option {
	return func(o *options) {
		o.resize = fn
	}
}

// Process is a managed OS child process. It is safe for concurrent use.
type Process struct {
	proc       *os.Process
	pid        int
	logger     *zap.Logger
	opts       options
	scope      *Scope
	terminator Terminator

	stdin       io.WriteCloser
	stdinMu     sync.Mutex
	stdinClosed atomic.Bool
	stdinCh     chan []byte

	stdout <-chan []byte
	stderr <-chan []byte

	state    atomic.Int32
	done     chan struct{}
	exitCode int
	exitErr  error
}

// Start spawns command on fresh pipes and wraps the result.
func Start(host *Host, command Command, opts ...Option) (*Process, error) {
	if len(command.Argv) == 0 || command.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	if command.Group {
		configureProcessGroup(cmd)
	}

	// The child ends are handed over as *os.File so exec starts no copying
	// goroutines and Wait never closes the parent ends under the pumps.
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	parentEnds = append(parentEnds, stdinW)
	childEnds = append(childEnds, stdinR)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	parentEnds = append(parentEnds, stdoutR)
	childEnds = append(childEnds, stdoutW)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	parentEnds = append(parentEnds, stderrR)
	childEnds = append(childEnds, stderrW)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("start %s: %w", command.Argv[0], err)
	}
	closeAll(childEnds)

	opts = append([]Option{WithProcessGroup(command.Group)}, opts...)
	return Wrap(host, cmd.Process, Streams{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
	}, opts...), nil
}

// Wrap adopts a running process and its parent-side streams. The process is
// reaped by Wrap's exit waiter, so callers must not Wait on proc themselves.
// A nil host gives the process a private one.
func Wrap(host *Host, proc *os.Process, streams Streams, opts ...Option) *Process {
	o := options{
		logger:     zap.NewNop(),
		chunkSize:  defaultChunkSize,
		queueDepth: defaultQueueDepth,
		exitGrace:  defaultExitGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if host == nil {
		host = NewHost(context.Background(), o.logger)
	}

	p := &Process{
		proc:    proc,
		pid:     proc.Pid,
		logger:  o.logger.With(zap.Int("pid", proc.Pid)),
		opts:    o,
		scope:   host.Scope("process-" + strconv.Itoa(proc.Pid)),
		stdin:   streams.Stdin,
		stdinCh: make(chan []byte, o.queueDepth),
		done:    make(chan struct{}),
	}
	p.terminator = o.terminator
	if p.terminator == nil {
		p.terminator = newTerminator(proc, o.group)
	}
	p.state.Store(int32(StateRunning))

	p.stdout = p.pump("stdout", streams.Stdout)
	p.stderr = p.pump("stderr", streams.Stderr)
	p.scope.Go(p.feedInput)

	go p.awaitExit()

	p.logger.Debug("process wrapped")
	return p
}

// PID returns the OS process identifier.
func (p *Process) PID() int {
	return p.pid
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Stdin returns the input channel. Chunks are written in order; closing the
// channel closes the process's stdin. Write failures are logged and later
// chunks are discarded. Senders should select on Done, since nothing drains
// the channel once the process has exited.
func (p *Process) Stdin() chan<- []byte {
	return p.stdinCh
}

// Stdout returns the chunks read from standard output. The channel is closed
// at end-of-data, on a read error, or when the process is closed.
func (p *Process) Stdout() <-chan []byte {
	return p.stdout
}

// Stderr returns the chunks read from standard error.
func (p *Process) Stderr() <-chan []byte {
	return p.stderr
}

// Done returns a channel that is closed once the exit status is resolved.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done. Every caller observes
// the same exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.exitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ExitCode returns the exit code and true once the process has exited.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return -1, false
	}
}

// ExitError reports a failure to wait on the process, if any.
func (p *Process) ExitError() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// SendInput writes data to stdin. It returns ErrProcessExited if the process
// has terminated and ErrStdinClosed if the process stopped accepting input
// while still running.
func (p *Process) SendInput(ctx context.Context, data []byte) error {
	if p.exited() {
		return ErrProcessExited
	}
	if err := p.write(ctx, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return p.classifyWriteFailure(ctx, err)
	}
	return nil
}

// CloseInput closes stdin. Closing twice is a no-op.
func (p *Process) CloseInput() error {
	if p.stdinClosed.Swap(true) || p.stdin == nil {
		return nil
	}
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close stdin: %w", err)
	}
	return nil
}

// Terminate asks the process to exit. It is a no-op after exit.
func (p *Process) Terminate() error {
	if p.exited() {
		return nil
	}
	if err := p.terminator.Terminate(); err != nil {
		return fmt.Errorf("terminate pid %d: %w", p.pid, err)
	}
	return nil
}

// ForceTerminate kills the process. It is a no-op after exit.
func (p *Process) ForceTerminate() error {
	if p.exited() {
		return nil
	}
	if err := p.terminator.ForceTerminate(); err != nil {
		return fmt.Errorf("force terminate pid %d: %w", p.pid, err)
	}
	return nil
}

// Stop terminates the process, escalating to ForceTerminate when it is still
// running after grace, and returns its exit code.
func (p *Process) Stop(ctx context.Context, grace time.Duration) (int, error) {
	if err := p.Terminate(); err != nil {
		return -1, err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.exitCode, p.exitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-timer.C:
	}

	p.logger.Debug("grace period elapsed, forcing termination", zap.Duration("grace", grace))
	if err := p.ForceTerminate(); err != nil {
		return -1, err
	}
	return p.Wait(ctx)
}

// ResizeTerminal changes the terminal size of a terminal-backed process.
// Pipe-backed processes return ErrResizeUnsupported.
func (p *Process) ResizeTerminal(cols, rows uint16) error {
	if p.opts.resize == nil {
		return ErrResizeUnsupported
	}
	return p.opts.resize(cols, rows)
}

// Close stops the stream pumps and closes stdin. It does not terminate the
// process.
func (p *Process) Close() error {
	p.scope.Cancel()
	err := p.CloseInput()
	if waitErr := p.scope.Wait(); err == nil {
		err = waitErr
	}
	return err
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) write(ctx context.Context, data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	if p.stdin == nil || p.stdinClosed.Load() {
		return os.ErrClosed
	}

	if d, ok := p.stdin.(interface{ SetWriteDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetWriteDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				_ = d.SetWriteDeadline(time.Time{})
			}
		}()
	}

	if _, err := p.stdin.Write(data); err != nil {
		return err
	}
	if f, ok := p.stdin.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// classifyWriteFailure gives a dying process a moment to report its exit so
// a write racing with termination is reported as ErrProcessExited.
func (p *Process) classifyWriteFailure(ctx context.Context, cause error) error {
	timer := time.NewTimer(p.opts.exitGrace)
	defer timer.Stop()

	select {
	case <-p.done:
		return fmt.Errorf("%w: %v", ErrProcessExited, cause)
	case <-timer.C:
	case <-ctx.Done():
	}
	if p.exited() {
		return fmt.Errorf("%w: %v", ErrProcessExited, cause)
	}
	return fmt.Errorf("%w: %v", ErrStdinClosed, cause)
}

func (p *Process) pump(name string, r io.ReadCloser) <-chan []byte {
	ch := make(chan []byte, p.opts.queueDepth)
	if r == nil {
		close(ch)
		return ch
	}

	p.scope.Go(func(ctx context.Context) error {
		defer close(ch)
		// Closing the read end is the only way to interrupt a blocked read.
		stop := context.AfterFunc(ctx, func() {
			_ = r.Close()
		})
		defer func() {
			stop()
			_ = r.Close()
		}()

		buf := make([]byte, p.opts.chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return nil
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					p.logger.Debug("stream read ended", zap.String("stream", name), zap.Error(err))
				}
				return nil
			}
		}
	})
	return ch
}

func (p *Process) feedInput(ctx context.Context) error {
	failed := false
	for {
		select {
		case chunk, ok := <-p.stdinCh:
			if !ok {
				if err := p.CloseInput(); err != nil {
					p.logger.Debug("closing stdin failed", zap.Error(err))
				}
				return nil
			}
			if failed {
				continue
			}
			if err := p.write(ctx, chunk); err != nil {
				failed = true
				p.logger.Debug("stdin write failed, discarding further input", zap.Error(err))
			}
		case <-p.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Process) awaitExit() {
	state, err := p.proc.Wait()
	if err != nil {
		p.exitCode = -1
		p.exitErr = fmt.Errorf("wait pid %d: %w", p.pid, err)
	} else {
		p.exitCode = exitStatus(state)
	}
	p.state.Store(int32(StateExited))
	close(p.done)

	p.logger.Debug("process exited", zap.Int("exit_code", p.exitCode))

	// The scope is released once the pumps have drained what the process
	// left behind.
	_ = p.scope.Wait()
}

var _ Handle = (*Process)(nil)
