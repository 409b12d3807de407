package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
)

const shutdownGrace = 10 * time.Second

// connWriter wraps a net.Conn with a mutex for safe concurrent writes.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
	done chan struct{} // closed on disconnect

	subMu      sync.Mutex
	subscribed map[string]func()
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *connWriter) writeDataFrame(frameType byte, sessionID string, data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeDataFrame(cw.conn, frameType, sessionID, data)
}

func (cw *connWriter) unsubscribeAll() {
	cw.subMu.Lock()
	defer cw.subMu.Unlock()
	for id, unsub := range cw.subscribed {
		unsub()
		delete(cw.subscribed, id)
	}
}

// Config configures a Shepherd.
type Config struct {
	SocketPath string
	PIDPath    string
	Logger     *zap.Logger

	// ManagerOptions are passed to the session manager.
	ManagerOptions []procmgr.Option
}

// Shepherd is the long-lived daemon that owns managed process sessions so
// they survive restarts of the API server.
type Shepherd struct {
	logger  *zap.Logger
	host    *process.Host
	manager *procmgr.Manager

	// Connected clients that receive exit notifications
	clientMu sync.Mutex
	clients  map[*connWriter]struct{}

	// Per-session stdin writers
	inputMu sync.Mutex
	inputs  map[string]*inputQueue
}

// New creates a Shepherd whose processes live under ctx.
func New(ctx context.Context, cfg Config) *Shepherd {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Shepherd{
		logger:  logger,
		host:    process.NewHost(ctx, logger.Named("process")),
		clients: make(map[*connWriter]struct{}),
		inputs:  make(map[string]*inputQueue),
	}
	opts := append([]procmgr.Option{
		procmgr.WithLogger(logger),
		procmgr.WithExitCallback(s.broadcastExit),
	}, cfg.ManagerOptions...)
	s.manager = procmgr.NewManager(s.host, opts...)
	return s
}

// Manager returns the session manager owned by the shepherd.
func (s *Shepherd) Manager() *procmgr.Manager {
	return s.manager
}

// DefaultSocketPath returns the socket path inside stateDir.
func DefaultSocketPath(stateDir string) string {
	return filepath.Join(stateDir, "shepherd.sock")
}

// DefaultPIDPath returns the PID file path inside stateDir.
func DefaultPIDPath(stateDir string) string {
	return filepath.Join(stateDir, "shepherd.pid")
}

// Run starts the shepherd on cfg.SocketPath. It blocks until ctx is
// cancelled, then stops every session and removes the socket and PID file.
func Run(ctx context.Context, cfg Config) error {
	if cfg.SocketPath == "" {
		return errors.New("shepherd: socket path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if err := cleanStaleSocket(cfg.SocketPath, cfg.PIDPath, logger); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}

	if cfg.PIDPath != "" {
		if err := os.WriteFile(cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(cfg.PIDPath)
	}

	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(cfg.SocketPath)

	s := New(context.WithoutCancel(ctx), cfg)
	logger.Info("shepherd listening",
		zap.String("socket", cfg.SocketPath),
		zap.Int("pid", os.Getpid()),
		zap.String("termination", process.StrategyName))

	serveErr := s.Serve(ctx, listener)

	logger.Info("shepherd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return serveErr
}

// Serve accepts client connections on l until ctx is cancelled.
func (s *Shepherd) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Shutdown stops every session and disconnects all clients.
func (s *Shepherd) Shutdown(ctx context.Context) {
	s.manager.StopAll(ctx)

	s.clientMu.Lock()
	for cw := range s.clients {
		_ = cw.conn.Close()
	}
	s.clientMu.Unlock()

	if err := s.host.Close(); err != nil {
		s.logger.Warn("close process host", zap.Error(err))
	}
}

func (s *Shepherd) handleConn(conn net.Conn) {
	cw := &connWriter{conn: conn, done: make(chan struct{}), subscribed: make(map[string]func())}

	s.clientMu.Lock()
	s.clients[cw] = struct{}{}
	s.clientMu.Unlock()
	s.logger.Debug("client connected")

	defer func() {
		s.clientMu.Lock()
		delete(s.clients, cw)
		s.clientMu.Unlock()
		close(cw.done)
		cw.unsubscribeAll()
		_ = conn.Close()
		s.logger.Debug("client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return // connection closed
		}

		switch frameType {
		case frameControl:
			s.handleControl(cw, payload)
		case frameInput:
			s.handleInput(payload)
		default:
			s.logger.Warn("unexpected frame type", zap.Uint8("frame_type", frameType))
		}
	}
}

func (s *Shepherd) handleControl(cw *connWriter, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("bad control message", zap.Error(err))
		return
	}

	switch req.Command {
	case cmdPing:
		s.sendResponse(cw, Response{ID: req.ID, Event: evtPong})

	case cmdStart:
		s.handleStart(cw, req)

	case cmdStop:
		// Stop waits out the grace period; keep reading other frames meanwhile.
		go func() {
			s.reply(cw, req, evtStopDone, s.manager.Stop(context.Background(), req.SessionID))
		}()

	case cmdKill:
		s.reply(cw, req, evtStopDone, s.manager.Kill(req.SessionID))

	case cmdRemove:
		go func() {
			s.reply(cw, req, evtStopDone, s.manager.Remove(context.Background(), req.SessionID))
		}()

	case cmdResize:
		s.reply(cw, req, evtResized, s.manager.Resize(req.SessionID, req.Rows, req.Cols))

	case cmdCloseInput:
		s.handleCloseInput(cw, req)

	case cmdWrite:
		s.handleWrite(cw, req)

	case cmdReplay:
		s.handleReplay(cw, req)

	case cmdSubscribe:
		s.handleSubscribe(cw, req)

	case cmdInfo:
		s.handleInfo(cw, req)

	case cmdList:
		s.sendResponse(cw, Response{ID: req.ID, Event: evtList, Sessions: s.manager.List()})

	case cmdStopAll:
		go func() {
			s.manager.StopAll(context.Background())
			s.sendResponse(cw, Response{ID: req.ID, Event: evtStopDone})
		}()

	default:
		s.sendError(cw, req, fmt.Errorf("unknown command %q", req.Command))
	}
}

func (s *Shepherd) handleStart(cw *connWriter, req Request) {
	h, err := s.manager.Start(context.Background(), procmgr.StartRequest{
		ID:   req.SessionID,
		Argv: req.Argv,
		Dir:  req.Dir,
		Env:  req.Env,
		PTY:  req.PTY,
		Rows: req.Rows,
		Cols: req.Cols,
	})
	if err != nil {
		s.sendError(cw, req, err)
		return
	}
	info := h.Info()
	s.sendResponse(cw, Response{
		ID:        req.ID,
		Event:     evtStarted,
		SessionID: info.ID,
		PID:       info.PID,
		Info:      &info,
	})
}

func (s *Shepherd) handleWrite(cw *connWriter, req Request) {
	h := s.manager.Get(req.SessionID)
	if h == nil {
		s.sendError(cw, req, fmt.Errorf("%w: %s", procmgr.ErrSessionNotFound, req.SessionID))
		return
	}
	err := s.queueWrite(req.SessionID, h, req.Data, func(err error) {
		s.reply(cw, req, evtWritten, err)
	})
	if err != nil {
		s.sendError(cw, req, err)
	}
}

func (s *Shepherd) handleCloseInput(cw *connWriter, req Request) {
	h := s.manager.Get(req.SessionID)
	if h == nil {
		s.sendError(cw, req, fmt.Errorf("%w: %s", procmgr.ErrSessionNotFound, req.SessionID))
		return
	}
	s.queueClose(req.SessionID, h, func(err error) {
		s.reply(cw, req, evtInputClosed, err)
	})
}

func (s *Shepherd) handleReplay(cw *connWriter, req Request) {
	h := s.manager.Get(req.SessionID)
	if h == nil {
		s.sendError(cw, req, fmt.Errorf("%w: %s", procmgr.ErrSessionNotFound, req.SessionID))
		return
	}
	s.sendResponse(cw, Response{
		ID:        req.ID,
		Event:     evtReplay,
		SessionID: req.SessionID,
		Chunks:    h.Replay(),
	})
}

func (s *Shepherd) handleInfo(cw *connWriter, req Request) {
	h := s.manager.Get(req.SessionID)
	if h == nil {
		s.sendError(cw, req, fmt.Errorf("%w: %s", procmgr.ErrSessionNotFound, req.SessionID))
		return
	}
	info := h.Info()
	s.sendResponse(cw, Response{ID: req.ID, Event: evtInfo, SessionID: info.ID, Info: &info})
}

func (s *Shepherd) handleSubscribe(cw *connWriter, req Request) {
	h := s.manager.Get(req.SessionID)
	if h == nil {
		s.sendError(cw, req, fmt.Errorf("%w: %s", procmgr.ErrSessionNotFound, req.SessionID))
		return
	}

	cw.subMu.Lock()
	if _, ok := cw.subscribed[req.SessionID]; ok {
		cw.subMu.Unlock()
		s.sendResponse(cw, Response{ID: req.ID, Event: evtSubscribed, SessionID: req.SessionID})
		return
	}
	ch, unsub := h.Subscribe()
	cw.subscribed[req.SessionID] = unsub
	cw.subMu.Unlock()

	// Acknowledge before any data frame so the client has a route for it.
	s.sendResponse(cw, Response{ID: req.ID, Event: evtSubscribed, SessionID: req.SessionID})

	go func() {
		defer func() {
			cw.subMu.Lock()
			if unsub, ok := cw.subscribed[req.SessionID]; ok {
				unsub()
				delete(cw.subscribed, req.SessionID)
			}
			cw.subMu.Unlock()
		}()
		for {
			select {
			case chunk, ok := <-ch:
				if !ok {
					_ = cw.writeControl(Response{Event: evtOutputClosed, SessionID: req.SessionID})
					return
				}
				if err := cw.writeDataFrame(streamFrame(chunk.Stream), req.SessionID, chunk.Data); err != nil {
					return
				}
			case <-cw.done:
				return
			}
		}
	}()
}

func (s *Shepherd) handleInput(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		s.logger.Warn("bad input frame", zap.Error(err))
		return
	}
	h := s.manager.Get(sessionID)
	if h == nil {
		return
	}
	err = s.queueWrite(sessionID, h, data, func(err error) {
		if err != nil {
			s.logger.Debug("input not written", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Warn("input dropped",
			zap.String("session_id", sessionID),
			zap.Int("bytes", len(data)),
			zap.Error(err))
	}
}

func (s *Shepherd) broadcastExit(info procmgr.Info) {
	resp := Response{Event: evtExited, SessionID: info.ID, ExitCode: info.ExitCode, Info: &info}
	s.clientMu.Lock()
	clients := make([]*connWriter, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.Unlock()

	for _, c := range clients {
		_ = c.writeControl(resp)
	}
}

func (s *Shepherd) reply(cw *connWriter, req Request, event string, err error) {
	if err != nil {
		s.sendError(cw, req, err)
		return
	}
	s.sendResponse(cw, Response{ID: req.ID, Event: event, SessionID: req.SessionID})
}

func (s *Shepherd) sendError(cw *connWriter, req Request, err error) {
	s.logger.Debug("request failed",
		zap.String("command", req.Command),
		zap.String("session_id", req.SessionID),
		zap.Error(err))
	s.sendResponse(cw, Response{
		ID:        req.ID,
		Event:     evtError,
		SessionID: req.SessionID,
		Error:     err.Error(),
		Code:      errorCode(err),
	})
}

func (s *Shepherd) sendResponse(cw *connWriter, resp Response) {
	if err := cw.writeControl(resp); err != nil {
		s.logger.Debug("write response", zap.String("event", resp.Event), zap.Error(err))
	}
}

// cleanStaleSocket removes a stale socket file if the shepherd process is not running.
func cleanStaleSocket(socketPath, pidPath string, logger *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	// Try to connect to see if it's alive
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("shepherd already running (socket active)")
	}

	// Socket exists but can't connect; check PID file
	if pidPath != "" {
		if pidData, err := os.ReadFile(pidPath); err == nil {
			pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
			if err == nil && pid != os.Getpid() && processAlive(pid) {
				return fmt.Errorf("shepherd already running (pid %d)", pid)
			}
		}
	}

	logger.Info("removing stale socket", zap.String("socket", socketPath))
	_ = os.Remove(socketPath)
	if pidPath != "" {
		_ = os.Remove(pidPath)
	}
	return nil
}
