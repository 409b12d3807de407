package shepherd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
	frameStdout  byte = 0x02 // stdout data: sessionID + raw bytes
	frameInput   byte = 0x03 // stdin data: sessionID + raw bytes
	frameStderr  byte = 0x04 // stderr data: sessionID + raw bytes
)

const maxFrameSize = 10 * 1024 * 1024 // 10MB sanity limit

// Command types for JSON control messages.
const (
	cmdStart      = "start"
	cmdStop       = "stop"
	cmdKill       = "kill"
	cmdRemove     = "remove"
	cmdResize     = "resize"
	cmdReplay     = "replay"
	cmdSubscribe  = "subscribe"
	cmdWrite      = "write"
	cmdCloseInput = "close_input"
	cmdInfo       = "info"
	cmdList       = "list"
	cmdPing       = "ping"
	cmdStopAll    = "stop_all"
)

// Event types sent from shepherd to client.
const (
	evtStarted      = "started"
	evtError        = "error"
	evtReplay       = "replay"
	evtList         = "list"
	evtInfo         = "info"
	evtPong         = "pong"
	evtExited       = "exited"        // process exited
	evtOutputClosed = "output_closed" // both output streams ended
	evtStopDone     = "stop_done"
	evtResized      = "resized"
	evtSubscribed   = "subscribed"
	evtWritten      = "written"
	evtInputClosed  = "input_closed"
)

// Error codes carried by evtError so clients can restore sentinel errors.
const (
	codeNotFound          = "not_found"
	codeExists            = "exists"
	codeStdinClosed       = "stdin_closed"
	codeProcessExited     = "process_exited"
	codeResizeUnsupported = "resize_unsupported"
	codeInputBacklog      = "input_backlog"
	codeEmptyCommand      = "empty_command"
	codeNotExist          = "not_exist"
)

// Request is a JSON control message from client to shepherd.
type Request struct {
	ID      string `json:"id"`      // request correlation ID
	Command string `json:"command"` // cmdStart, cmdStop, etc.

	SessionID string `json:"session_id,omitempty"`

	// Start fields
	Argv []string `json:"argv,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
	PTY  bool     `json:"pty,omitempty"`

	// Start and resize fields
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Write fields
	Data []byte `json:"data,omitempty"`
}

// Response is a JSON control message from shepherd to client.
type Response struct {
	ID    string `json:"id"`    // correlates with request ID
	Event string `json:"event"` // evtStarted, evtError, etc.

	SessionID string `json:"session_id,omitempty"`

	// Start response
	PID int `json:"pid,omitempty"`

	// Error response
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// Replay response
	Chunks []procmgr.Chunk `json:"chunks,omitempty"`

	// Info and list responses
	Info     *procmgr.Info  `json:"info,omitempty"`
	Sessions []procmgr.Info `json:"sessions,omitempty"`

	// Exited notification (no request ID)
	ExitCode *int `json:"exit_code,omitempty"`
}

// errorCode maps well-known errors to wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, procmgr.ErrSessionNotFound):
		return codeNotFound
	case errors.Is(err, procmgr.ErrSessionExists):
		return codeExists
	case errors.Is(err, process.ErrProcessExited):
		return codeProcessExited
	case errors.Is(err, process.ErrStdinClosed):
		return codeStdinClosed
	case errors.Is(err, process.ErrResizeUnsupported):
		return codeResizeUnsupported
	case errors.Is(err, procmgr.ErrInputBacklog):
		return codeInputBacklog
	case errors.Is(err, process.ErrEmptyCommand):
		return codeEmptyCommand
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return codeNotExist
	default:
		return ""
	}
}

// remoteError turns an error response back into an error that matches the
// original sentinel with errors.Is.
func remoteError(resp Response) error {
	var sentinel error
	switch resp.Code {
	case codeNotFound:
		sentinel = procmgr.ErrSessionNotFound
	case codeExists:
		sentinel = procmgr.ErrSessionExists
	case codeProcessExited:
		sentinel = process.ErrProcessExited
	case codeStdinClosed:
		sentinel = process.ErrStdinClosed
	case codeResizeUnsupported:
		sentinel = process.ErrResizeUnsupported
	case codeInputBacklog:
		sentinel = procmgr.ErrInputBacklog
	case codeEmptyCommand:
		sentinel = process.ErrEmptyCommand
	case codeNotExist:
		sentinel = fs.ErrNotExist
	}
	if sentinel == nil {
		return fmt.Errorf("shepherd: %s", resp.Error)
	}
	return fmt.Errorf("shepherd: %w (%s)", sentinel, resp.Error)
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl: payload is JSON-encoded Request or Response
// For data frames: payload is [session_id_len(1 byte)][session_id][raw data]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload)) // frame type + payload
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write([]byte{frameType}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeDataFrame(w io.Writer, frameType byte, sessionID string, data []byte) error {
	idBytes := []byte(sessionID)
	if len(idBytes) > 255 {
		return fmt.Errorf("session ID too long: %d bytes", len(idBytes))
	}
	payload := make([]byte, 1+len(idBytes)+len(data))
	payload[0] = byte(len(idBytes))
	copy(payload[1:], idBytes)
	copy(payload[1+len(idBytes):], data)
	return writeFrame(w, frameType, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseDataPayload(payload []byte) (sessionID string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("data payload too short")
	}
	idLen := int(payload[0])
	if len(payload) < 1+idLen {
		return "", nil, fmt.Errorf("data payload too short for session ID")
	}
	sessionID = string(payload[1 : 1+idLen])
	data = payload[1+idLen:]
	return sessionID, data, nil
}

func streamFrame(stream procmgr.Stream) byte {
	if stream == procmgr.StreamStderr {
		return frameStderr
	}
	return frameStdout
}
