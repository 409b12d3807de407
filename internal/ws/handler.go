package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
	"github.com/peterje/conduit/internal/procmgr"
)

// drainGrace bounds how long output is awaited after the process exits,
// e.g. when a grandchild still holds the pipes open.
const drainGrace = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is a JSON text frame. Clients send resize, close_input and
// terminate; the server sends error and exit.
type Message struct {
	Type string `json:"type"`

	Rows  uint16 `json:"rows,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Force bool   `json:"force,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

const (
	msgResize     = "resize"
	msgCloseInput = "close_input"
	msgTerminate  = "terminate"
	msgError      = "error"
	msgExit       = "exit"
)

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeChunk(chunk procmgr.Chunk) error {
	frame := make([]byte, 1+len(chunk.Data))
	frame[0] = byte(chunk.Stream)
	copy(frame[1:], chunk.Data)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *conn) writeJSON(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) writeClose(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

type Handler struct {
	manager procmgr.SessionManager
	logger  *zap.Logger
}

func NewHandler(manager procmgr.SessionManager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		api.WriteError(w, http.StatusBadRequest, "missing process id")
		return
	}
	logger := h.logger.With(zap.String("process_id", id))

	sess := h.manager.Get(id)
	if sess == nil {
		api.WriteErrorCode(w, http.StatusNotFound, "not_found", "process not found")
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer wsConn.Close()
	c := &conn{ws: wsConn}
	logger.Debug("client connected")

	// Subscribe before reading the replay so no chunk falls in between; a
	// chunk may appear in both, which clients tolerate.
	outputCh, unsub := sess.Subscribe()
	defer unsub()

	for _, chunk := range sess.Replay() {
		if err := c.writeChunk(chunk); err != nil {
			logger.Debug("replay send failed", zap.Error(err))
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	done := make(chan struct{})

	// Client -> process (binary = stdin, text = control)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := sess.Write(ctx, msg); err != nil {
					h.reportError(c, err)
				}
			case websocket.TextMessage:
				h.handleControl(ctx, c, id, msg)
			}
		}
	}()

	// Process -> client
	finished := h.forward(c, sess, outputCh, done)
	if finished {
		code, _ := sess.ExitCode()
		_ = c.writeJSON(Message{Type: msgExit, ExitCode: &code})
		_ = c.writeClose("process exited")
		logger.Debug("process ended", zap.Int("exit_code", code))
	}

	cancel()
	_ = wsConn.SetReadDeadline(time.Now().Add(time.Second))
	wg.Wait()
	logger.Debug("client disconnected")
}

// forward streams output until the process has exited and its output is
// drained. It returns false if the client went away first.
func (h *Handler) forward(c *conn, sess procmgr.SessionHandle, outputCh <-chan procmgr.Chunk, done <-chan struct{}) bool {
	exited := sess.Done()
	var drainTimeout <-chan time.Time
	for outputCh != nil || exited != nil {
		select {
		case chunk, ok := <-outputCh:
			if !ok {
				outputCh = nil
				continue
			}
			if err := c.writeChunk(chunk); err != nil {
				return false
			}
		case <-exited:
			exited = nil
			drainTimeout = time.After(drainGrace)
		case <-drainTimeout:
			return true
		case <-done:
			return false
		}
	}
	return true
}

func (h *Handler) handleControl(ctx context.Context, c *conn, id string, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = c.writeJSON(Message{Type: msgError, Error: "invalid control message", Code: "invalid_request"})
		return
	}

	var err error
	switch msg.Type {
	case msgResize:
		err = h.manager.Resize(id, msg.Rows, msg.Cols)
	case msgCloseInput:
		err = h.manager.CloseInput(id)
	case msgTerminate:
		if msg.Force {
			err = h.manager.Kill(id)
		} else {
			// Stop waits for the exit; keep reading meanwhile.
			go func() {
				if err := h.manager.Stop(ctx, id); err != nil && ctx.Err() == nil {
					h.reportError(c, err)
				}
			}()
		}
	default:
		_ = c.writeJSON(Message{Type: msgError, Error: "unknown control message " + msg.Type, Code: "invalid_request"})
		return
	}
	if err != nil {
		h.reportError(c, err)
	}
}

func (h *Handler) reportError(c *conn, err error) {
	_, code := api.Classify(err)
	_ = c.writeJSON(Message{Type: msgError, Error: err.Error(), Code: code})
}
