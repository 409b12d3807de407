// Package mcp exposes process management as MCP tools so agents can start,
// drive and inspect long-running processes.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/procmgr"
	"github.com/peterje/conduit/internal/service"
)

const defaultMaxOutput = 64 * 1024

const instructions = `Conduit runs long-lived processes on this host and keeps their output.
Start a process with start_process, feed it with send_input, and read what it
printed with read_output. Processes keep running between tool calls until they
exit or are terminated with terminate_process.`

type handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewServer creates an MCP server with the process tools registered.
func NewServer(svc *service.Service, version string, logger *zap.Logger) *sdkmcp.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger}

	s := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "conduit", Version: version}, &sdkmcp.ServerOptions{
		Instructions: instructions,
		Capabilities: &sdkmcp.ServerCapabilities{
			Tools: &sdkmcp.ToolCapabilities{ListChanged: false},
		},
	})

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name: "start_process",
		Description: `Start a process and track it. Returns the process record including its ID.

Set pty=true for programs that expect a terminal (shells, REPLs, TUIs). Output of
pty processes arrives on stdout only.`,
	}, h.startHandler)

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name:        "send_input",
		Description: "Write text to a running process's standard input.",
	}, h.sendInputHandler)

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name:        "close_input",
		Description: "Close a process's standard input, signalling end of input.",
	}, h.closeInputHandler)

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name: "read_output",
		Description: `Read the retained output of a process together with its status.

Returns the most recent max_bytes of output (default 64KB). Works for exited
processes until they are deleted.`,
	}, h.readOutputHandler)

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name:        "list_processes",
		Description: "List every tracked process, newest first, with status and exit code.",
	}, h.listHandler)

	sdkmcp.AddTool(s, &sdkmcp.Tool{
		Name:        "terminate_process",
		Description: "Stop a process. Graceful by default; force=true kills it immediately. The record is kept.",
	}, h.terminateHandler)

	return s
}

type startParams struct {
	Command string   `json:"command" jsonschema:"the executable to run, looked up on PATH"`
	Args    []string `json:"args,omitempty" jsonschema:"arguments for the command"`
	WorkDir string   `json:"work_dir,omitempty" jsonschema:"working directory, defaults to the server's"`
	Env     []string `json:"env,omitempty" jsonschema:"extra environment entries in KEY=VALUE form"`
	PTY     bool     `json:"pty,omitempty" jsonschema:"run attached to a pseudo-terminal"`
	Rows    uint16   `json:"rows,omitempty" jsonschema:"terminal rows when pty is set"`
	Cols    uint16   `json:"cols,omitempty" jsonschema:"terminal columns when pty is set"`
}

func (h *handler) startHandler(ctx context.Context, _ *sdkmcp.CallToolRequest, p startParams) (*sdkmcp.CallToolResult, any, error) {
	rec, err := h.svc.Start(ctx, service.StartRequest{
		Command: p.Command,
		Args:    p.Args,
		WorkDir: p.WorkDir,
		Env:     p.Env,
		PTY:     p.PTY,
		Rows:    p.Rows,
		Cols:    p.Cols,
	})
	if err != nil {
		return h.serviceError("start_process", err)
	}
	return jsonResult(rec)
}

type inputParams struct {
	ProcessID string `json:"process_id" jsonschema:"the process ID from start_process or list_processes"`
	Data      string `json:"data" jsonschema:"text to write; include a trailing newline for line-oriented programs"`
}

func (h *handler) sendInputHandler(ctx context.Context, _ *sdkmcp.CallToolRequest, p inputParams) (*sdkmcp.CallToolResult, any, error) {
	if err := h.svc.Input(ctx, p.ProcessID, []byte(p.Data)); err != nil {
		return h.serviceError("send_input", err)
	}
	return textResult(fmt.Sprintf("wrote %d bytes", len(p.Data)))
}

type processParams struct {
	ProcessID string `json:"process_id" jsonschema:"the process ID from start_process or list_processes"`
}

func (h *handler) closeInputHandler(_ context.Context, _ *sdkmcp.CallToolRequest, p processParams) (*sdkmcp.CallToolResult, any, error) {
	if err := h.svc.CloseInput(p.ProcessID); err != nil {
		return h.serviceError("close_input", err)
	}
	return textResult("input closed")
}

type readParams struct {
	ProcessID string `json:"process_id" jsonschema:"the process ID from start_process or list_processes"`
	Stream    string `json:"stream,omitempty" jsonschema:"stdout or stderr; both when empty"`
	MaxBytes  int    `json:"max_bytes,omitempty" jsonschema:"return at most this many trailing bytes"`
}

type readResult struct {
	Status    models.ProcessStatus `json:"status"`
	ExitCode  *int                 `json:"exit_code"`
	Output    string               `json:"output"`
	Truncated bool                 `json:"truncated,omitempty"`
}

func (h *handler) readOutputHandler(ctx context.Context, _ *sdkmcp.CallToolRequest, p readParams) (*sdkmcp.CallToolResult, any, error) {
	var want procmgr.Stream
	switch p.Stream {
	case "":
	case "stdout":
		want = procmgr.StreamStdout
	case "stderr":
		want = procmgr.StreamStderr
	default:
		return errorResult(fmt.Sprintf("read_output: unknown stream %q", p.Stream))
	}

	rec, err := h.svc.Get(ctx, p.ProcessID)
	if err != nil {
		return h.serviceError("read_output", err)
	}
	chunks, err := h.svc.Output(p.ProcessID)
	if err != nil {
		return h.serviceError("read_output", err)
	}

	var b strings.Builder
	for _, c := range chunks {
		if want == 0 || c.Stream == want {
			b.Write(c.Data)
		}
	}
	out := b.String()

	limit := p.MaxBytes
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	res := readResult{Status: rec.Status, ExitCode: rec.ExitCode}
	if len(out) > limit {
		out = out[len(out)-limit:]
		res.Truncated = true
	}
	res.Output = out
	return jsonResult(res)
}

type listParams struct{}

func (h *handler) listHandler(ctx context.Context, _ *sdkmcp.CallToolRequest, _ listParams) (*sdkmcp.CallToolResult, any, error) {
	recs, err := h.svc.List(ctx)
	if err != nil {
		return h.serviceError("list_processes", err)
	}
	if recs == nil {
		recs = []models.Process{}
	}
	return jsonResult(recs)
}

type terminateParams struct {
	ProcessID string `json:"process_id" jsonschema:"the process ID from start_process or list_processes"`
	Force     bool   `json:"force,omitempty" jsonschema:"kill immediately instead of asking the process to exit"`
}

func (h *handler) terminateHandler(ctx context.Context, _ *sdkmcp.CallToolRequest, p terminateParams) (*sdkmcp.CallToolResult, any, error) {
	if err := h.svc.Terminate(ctx, p.ProcessID, p.Force); err != nil {
		return h.serviceError("terminate_process", err)
	}
	return textResult("terminated")
}

// serviceError reports caller mistakes as tool errors and everything else as
// protocol errors.
func (h *handler) serviceError(tool string, err error) (*sdkmcp.CallToolResult, any, error) {
	_, code := api.Classify(err)
	if code == "" {
		h.logger.Error("tool failed", zap.String("tool", tool), zap.Error(err))
		return nil, nil, fmt.Errorf("%s: %w", tool, err)
	}
	return errorResult(fmt.Sprintf("%s: %v (%s)", tool, err, code))
}

func textResult(text string) (*sdkmcp.CallToolResult, any, error) {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}, nil, nil
}

func errorResult(text string) (*sdkmcp.CallToolResult, any, error) {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}

func jsonResult(v any) (*sdkmcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling response: %w", err)
	}
	return textResult(string(data))
}

// Serve runs the server over stdio until ctx is cancelled or the client
// disconnects.
func Serve(ctx context.Context, s *sdkmcp.Server) error {
	return s.Run(ctx, &sdkmcp.StdioTransport{})
}
