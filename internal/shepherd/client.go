package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/procmgr"
)

const (
	requestTimeout   = 10 * time.Second
	subscriberBuffer = 256
)

// ErrClientClosed is returned for requests issued after the connection ended.
var ErrClientClosed = errors.New("shepherd: client closed")

// remoteSession is the client-side view of a shepherd session.
type remoteSession struct {
	done     chan struct{}
	exitCode *int

	subs         []chan procmgr.Chunk
	subscribed   bool // cmdSubscribe sent on this connection
	outputClosed bool
}

func (rs *remoteSession) markExited(code *int) {
	select {
	case <-rs.done:
	default:
		rs.exitCode = code
		close(rs.done)
	}
}

func (rs *remoteSession) closeOutput() {
	rs.outputClosed = true
	for _, ch := range rs.subs {
		close(ch)
	}
	rs.subs = nil
}

// Client connects to the shepherd and implements procmgr.SessionManager.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes
	logger *zap.Logger

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	sessionMu sync.Mutex
	sessions  map[string]*remoteSession

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewClient connects to the shepherd at the given socket path.
func NewClient(ctx context.Context, socketPath string, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to shepherd: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan Response),
		sessions: make(map[string]*remoteSession),
		closed:   make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Close disconnects from the shepherd. Sessions keep running.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed returns a channel that is closed once the connection has ended.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Ping checks if the shepherd is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Start implements procmgr.SessionManager.
func (c *Client) Start(ctx context.Context, req procmgr.StartRequest) (procmgr.SessionHandle, error) {
	// Pick the ID here and pre-register it so an early exit event is not missed.
	if req.ID == "" {
		req.ID = uuid.New().String()[:8]
	}
	c.track(req.ID)

	resp, err := c.sendRequest(ctx, Request{
		Command:   cmdStart,
		SessionID: req.ID,
		Argv:      req.Argv,
		Dir:       req.Dir,
		Env:       req.Env,
		PTY:       req.PTY,
		Rows:      req.Rows,
		Cols:      req.Cols,
	})
	if err != nil {
		if !errors.Is(err, procmgr.ErrSessionExists) {
			c.forget(req.ID)
		}
		return nil, err
	}

	rs := c.track(resp.SessionID)
	if resp.Info != nil && resp.Info.Status == procmgr.StatusExited {
		c.sessionMu.Lock()
		rs.markExited(resp.Info.ExitCode)
		c.sessionMu.Unlock()
	}
	return &ProxySession{client: c, sessionID: resp.SessionID}, nil
}

// Get implements procmgr.SessionManager. It returns nil if the shepherd does
// not know the session.
func (c *Client) Get(id string) procmgr.SessionHandle {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := c.info(ctx, id)
	if err != nil {
		if !errors.Is(err, procmgr.ErrSessionNotFound) {
			c.logger.Warn("get session", zap.String("session_id", id), zap.Error(err))
		}
		return nil
	}
	c.adopt(info)
	return &ProxySession{client: c, sessionID: id}
}

// List implements procmgr.SessionManager.
func (c *Client) List() []procmgr.Info {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	infos, err := c.ListSessions(ctx)
	if err != nil {
		c.logger.Warn("list sessions", zap.Error(err))
		return nil
	}
	return infos
}

// ListSessions returns every session the shepherd knows about.
func (c *Client) ListSessions(ctx context.Context) ([]procmgr.Info, error) {
	resp, err := c.sendRequest(ctx, Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Stop implements procmgr.SessionManager.
func (c *Client) Stop(ctx context.Context, id string) error {
	_, err := c.sendRequest(ctx, Request{Command: cmdStop, SessionID: id})
	return err
}

// Kill implements procmgr.SessionManager.
func (c *Client) Kill(id string) error {
	return c.simple(Request{Command: cmdKill, SessionID: id})
}

// Remove implements procmgr.SessionManager.
func (c *Client) Remove(ctx context.Context, id string) error {
	if _, err := c.sendRequest(ctx, Request{Command: cmdRemove, SessionID: id}); err != nil {
		return err
	}
	c.forget(id)
	return nil
}

// Resize implements procmgr.SessionManager.
func (c *Client) Resize(id string, rows, cols uint16) error {
	return c.simple(Request{Command: cmdResize, SessionID: id, Rows: rows, Cols: cols})
}

// CloseInput implements procmgr.SessionManager.
func (c *Client) CloseInput(id string) error {
	return c.simple(Request{Command: cmdCloseInput, SessionID: id})
}

// StopAll implements procmgr.SessionManager.
func (c *Client) StopAll(ctx context.Context) {
	if _, err := c.sendRequest(ctx, Request{Command: cmdStopAll}); err != nil {
		c.logger.Warn("stop all sessions", zap.Error(err))
	}
}

// Done returns a channel that is closed when the given session exits.
func (c *Client) Done(sessionID string) <-chan struct{} {
	return c.track(sessionID).done
}

func (c *Client) simple(req Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := c.sendRequest(ctx, req)
	return err
}

func (c *Client) info(ctx context.Context, id string) (procmgr.Info, error) {
	resp, err := c.sendRequest(ctx, Request{Command: cmdInfo, SessionID: id})
	if err != nil {
		return procmgr.Info{}, err
	}
	if resp.Info == nil {
		return procmgr.Info{}, fmt.Errorf("shepherd: info response without session")
	}
	return *resp.Info, nil
}

// adopt starts tracking a session that may already have exited.
func (c *Client) adopt(info procmgr.Info) {
	rs := c.track(info.ID)
	if info.Status == procmgr.StatusExited {
		c.sessionMu.Lock()
		rs.markExited(info.ExitCode)
		c.sessionMu.Unlock()
	}
}

func (c *Client) track(id string) *remoteSession {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	rs, ok := c.sessions[id]
	if !ok {
		rs = &remoteSession{done: make(chan struct{})}
		c.sessions[id] = rs
	}
	return rs
}

func (c *Client) forget(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if rs, ok := c.sessions[id]; ok {
		rs.closeOutput()
		delete(c.sessions, id)
	}
}

func (c *Client) exitCode(id string) (int, bool) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	rs, ok := c.sessions[id]
	if !ok || rs.exitCode == nil {
		return 0, false
	}
	return *rs.exitCode, true
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

// sendRequest sends req and waits for its response. Error events are
// returned as errors matching the procmgr and process sentinels.
func (c *Client) sendRequest(ctx context.Context, req Request) (Response, error) {
	req.ID = c.nextReqID()

	// Register pending response channel
	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	select {
	case <-c.closed:
		return Response{}, ErrClientClosed
	default:
	}

	c.connMu.Lock()
	err := writeControl(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		select {
		case <-c.closed:
			return Response{}, ErrClientClosed
		default:
		}
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Event == evtError {
			return resp, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, ErrClientClosed
	}
}

// writeInput sends data without waiting for the shepherd to confirm it.
func (c *Client) writeInput(sessionID string, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return writeDataFrame(c.conn, frameInput, sessionID, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("shepherd connection lost", zap.Error(err))
			}
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameStdout:
			c.handleDataFrame(procmgr.StreamStdout, payload)
		case frameStderr:
			c.handleDataFrame(procmgr.StreamStderr, payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("bad control message", zap.Error(err))
		return
	}

	// Notifications carry no request ID.
	if resp.ID == "" {
		c.handleNotification(resp)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleNotification(resp Response) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	rs, ok := c.sessions[resp.SessionID]
	if !ok {
		return
	}
	switch resp.Event {
	case evtExited:
		rs.markExited(resp.ExitCode)
	case evtOutputClosed:
		rs.closeOutput()
	}
}

func (c *Client) handleDataFrame(stream procmgr.Stream, payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}
	chunk := procmgr.Chunk{Stream: stream, Data: data}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	rs, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	for _, ch := range rs.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (c *Client) subscribe(sessionID string) (<-chan procmgr.Chunk, func()) {
	ch := make(chan procmgr.Chunk, subscriberBuffer)

	rs := c.track(sessionID)
	c.sessionMu.Lock()
	if rs.outputClosed {
		c.sessionMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	rs.subs = append(rs.subs, ch)
	needSubscribe := !rs.subscribed
	rs.subscribed = true
	c.sessionMu.Unlock()

	// Only the first local subscriber asks the shepherd to forward output;
	// the forwarding lasts for the lifetime of this connection.
	if needSubscribe {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, err := c.sendRequest(ctx, Request{Command: cmdSubscribe, SessionID: sessionID})
		cancel()
		if err != nil {
			c.logger.Warn("subscribe", zap.String("session_id", sessionID), zap.Error(err))
			c.sessionMu.Lock()
			rs.subscribed = false
			removeSub(rs, ch)
			c.sessionMu.Unlock()
			close(ch)
			return ch, func() {}
		}
	}

	unsub := func() {
		c.sessionMu.Lock()
		defer c.sessionMu.Unlock()
		removeSub(rs, ch)
	}
	return ch, unsub
}

func removeSub(rs *remoteSession, ch chan procmgr.Chunk) {
	for i, s := range rs.subs {
		if s == ch {
			rs.subs = append(rs.subs[:i], rs.subs[i+1:]...)
			return
		}
	}
}

func (c *Client) replay(sessionID string) []procmgr.Chunk {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := c.sendRequest(ctx, Request{Command: cmdReplay, SessionID: sessionID})
	if err != nil {
		return nil
	}
	return resp.Chunks
}

// ProxySession implements procmgr.SessionHandle by proxying to the shepherd.
type ProxySession struct {
	client    *Client
	sessionID string
}

func (p *ProxySession) Info() procmgr.Info {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	info, err := p.client.info(ctx, p.sessionID)
	if err != nil {
		return procmgr.Info{ID: p.sessionID}
	}
	return info
}

func (p *ProxySession) Replay() []procmgr.Chunk {
	return p.client.replay(p.sessionID)
}

func (p *ProxySession) Subscribe() (<-chan procmgr.Chunk, func()) {
	return p.client.subscribe(p.sessionID)
}

func (p *ProxySession) Write(ctx context.Context, data []byte) error {
	_, err := p.client.sendRequest(ctx, Request{Command: cmdWrite, SessionID: p.sessionID, Data: data})
	return err
}

func (p *ProxySession) CloseInput() error {
	return p.client.CloseInput(p.sessionID)
}

func (p *ProxySession) Done() <-chan struct{} {
	return p.client.Done(p.sessionID)
}

func (p *ProxySession) ExitCode() (int, bool) {
	return p.client.exitCode(p.sessionID)
}

// Compile-time interface checks.
var _ procmgr.SessionManager = (*Client)(nil)
var _ procmgr.SessionHandle = (*ProxySession)(nil)
